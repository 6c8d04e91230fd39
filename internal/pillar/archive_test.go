package pillar

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestArchive(t *testing.T, collections ...string) *Archive {
	t.Helper()
	if len(collections) == 0 {
		collections = []string{"col1"}
	}
	a, err := NewArchive(t.TempDir(), collections)
	if err != nil {
		t.Fatalf("NewArchive() вернул ошибку: %v", err)
	}
	return a
}

func TestArchive_PutAndGet(t *testing.T) {
	a := newTestArchive(t)
	content := []byte("содержимое")

	checksum, err := a.Put("col1", "f1", content, "")
	if err != nil {
		t.Fatalf("Put() вернул ошибку: %v", err)
	}
	if checksum == "" {
		t.Fatal("Put() вернул пустую сумму")
	}

	got, gotChecksum, err := a.Get("col1", "f1")
	if err != nil {
		t.Fatalf("Get() вернул ошибку: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("Get() = %q, содержимое не совпадает", got)
	}
	if gotChecksum != checksum {
		t.Errorf("Checksum = %q, ожидается %q", gotChecksum, checksum)
	}
}

func TestArchive_PutIdempotent(t *testing.T) {
	a := newTestArchive(t)
	content := []byte("data")

	first, err := a.Put("col1", "f1", content, "")
	if err != nil {
		t.Fatalf("Put() вернул ошибку: %v", err)
	}
	// Повторное сохранение того же содержимого — успех
	second, err := a.Put("col1", "f1", content, "")
	if err != nil {
		t.Fatalf("Повторный Put() вернул ошибку: %v", err)
	}
	if first != second {
		t.Errorf("Суммы различаются: %q и %q", first, second)
	}
}

func TestArchive_PutExistingMismatch(t *testing.T) {
	a := newTestArchive(t)

	if _, err := a.Put("col1", "f1", []byte("оригинал"), ""); err != nil {
		t.Fatalf("Put() вернул ошибку: %v", err)
	}
	_, err := a.Put("col1", "f1", []byte("другое содержимое"), "")
	if !errors.Is(err, ErrExistingFileMismatch) {
		t.Errorf("Put(другое содержимое) = %v, ожидается ErrExistingFileMismatch", err)
	}

	// Оригинал не перезаписан
	got, _, _ := a.Get("col1", "f1")
	if string(got) != "оригинал" {
		t.Errorf("Содержимое = %q, оригинал перезаписан", got)
	}
}

func TestArchive_PutDeclaredChecksumMismatch(t *testing.T) {
	a := newTestArchive(t)

	_, err := a.Put("col1", "f1", []byte("data"), "не та сумма")
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Put() = %v, ожидается ErrChecksumMismatch", err)
	}
	if a.Has("col1", "f1") {
		t.Error("Файл с неверной заявленной суммой сохранён")
	}
}

func TestArchive_BadFileID(t *testing.T) {
	a := newTestArchive(t)

	for _, fileID := range []string{"", ".", "..", "a/b", `a\b`} {
		if _, err := a.Put("col1", fileID, []byte("x"), ""); !errors.Is(err, ErrBadFileID) {
			t.Errorf("Put(%q) = %v, ожидается ErrBadFileID", fileID, err)
		}
	}
}

func TestArchive_DeleteWithChecksumGuard(t *testing.T) {
	a := newTestArchive(t)

	checksum, err := a.Put("col1", "f1", []byte("data"), "")
	if err != nil {
		t.Fatalf("Put() вернул ошибку: %v", err)
	}

	if err := a.Delete("col1", "f1", "не та версия"); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Delete(неверная сумма) = %v, ожидается ErrChecksumMismatch", err)
	}
	if !a.Has("col1", "f1") {
		t.Fatal("Файл удалён при несовпадении суммы")
	}

	if err := a.Delete("col1", "f1", checksum); err != nil {
		t.Fatalf("Delete() вернул ошибку: %v", err)
	}
	if a.Has("col1", "f1") {
		t.Error("Файл числится в архиве после удаления")
	}
	if err := a.Delete("col1", "f1", ""); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("Повторный Delete() = %v, ожидается ErrFileNotFound", err)
	}
}

func TestArchive_ListSorted(t *testing.T) {
	a := newTestArchive(t)
	for _, fileID := range []string{"c", "a", "b"} {
		if _, err := a.Put("col1", fileID, []byte(fileID), ""); err != nil {
			t.Fatalf("Put(%s) вернул ошибку: %v", fileID, err)
		}
	}

	items := a.List("col1")
	if len(items) != 3 {
		t.Fatalf("List() вернул %d файлов, ожидается 3", len(items))
	}
	for i, want := range []string{"a", "b", "c"} {
		if items[i].FileID != want {
			t.Errorf("List()[%d] = %q, ожидается %q", i, items[i].FileID, want)
		}
	}
}

func TestArchive_ChecksumsFiltered(t *testing.T) {
	a := newTestArchive(t)
	for _, fileID := range []string{"a", "b", "c"} {
		if _, err := a.Put("col1", fileID, []byte(fileID), ""); err != nil {
			t.Fatalf("Put(%s) вернул ошибку: %v", fileID, err)
		}
	}

	items := a.Checksums("col1", []string{"a", "c", "ghost"})
	if len(items) != 2 {
		t.Fatalf("Checksums() вернул %d записей, ожидается 2 (неизвестные пропускаются)", len(items))
	}
	if items[0].FileID != "a" || items[1].FileID != "c" {
		t.Errorf("Checksums() = %v, состав не совпадает", items)
	}
}

func TestArchive_RebuildFromDisk(t *testing.T) {
	dir := t.TempDir()

	a, err := NewArchive(dir, []string{"col1"})
	if err != nil {
		t.Fatalf("NewArchive() вернул ошибку: %v", err)
	}
	checksum, err := a.Put("col1", "f1", []byte("устойчивое содержимое"), "")
	if err != nil {
		t.Fatalf("Put() вернул ошибку: %v", err)
	}

	// Недописанный tmp-файл не должен попасть в индекс
	if err := os.WriteFile(filepath.Join(dir, "col1", "broken.tmp"), []byte("x"), 0o640); err != nil {
		t.Fatalf("Ошибка записи tmp-файла: %v", err)
	}

	// Пересборка с диска: метаданные восстанавливаются
	rebuilt, err := NewArchive(dir, []string{"col1"})
	if err != nil {
		t.Fatalf("NewArchive(пересборка) вернул ошибку: %v", err)
	}
	if rebuilt.Count("col1") != 1 {
		t.Errorf("Count() = %d после пересборки, ожидается 1", rebuilt.Count("col1"))
	}
	got, err := rebuilt.Checksum("col1", "f1")
	if err != nil {
		t.Fatalf("Checksum() вернул ошибку: %v", err)
	}
	if got != checksum {
		t.Errorf("Checksum после пересборки = %q, ожидается %q", got, checksum)
	}
}

func TestArchive_CollectionIsolation(t *testing.T) {
	a := newTestArchive(t, "col1", "col2")

	if _, err := a.Put("col1", "f1", []byte("x"), ""); err != nil {
		t.Fatalf("Put() вернул ошибку: %v", err)
	}
	if a.Has("col2", "f1") {
		t.Error("Файл col1 виден из col2")
	}
	if a.Count("col2") != 0 {
		t.Errorf("Count(col2) = %d, ожидается 0", a.Count("col2"))
	}
}
