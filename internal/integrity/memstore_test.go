package integrity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigkaa/bitpreserve/internal/protocol"
)

func fileItems(ids ...string) []protocol.FileIDItem {
	items := make([]protocol.FileIDItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, protocol.FileIDItem{FileID: id, FileSize: 10})
	}
	return items
}

func checksumItems(pairs map[string]string) []protocol.ChecksumItem {
	items := make([]protocol.ChecksumItem, 0, len(pairs))
	for fileID, checksum := range pairs {
		items = append(items, protocol.ChecksumItem{FileID: fileID, Checksum: checksum})
	}
	return items
}

func TestMemStore_UpdateFileIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now().UTC()

	if err := s.UpdateFileIDs(ctx, "col1", "p1", fileItems("a", "b"), now); err != nil {
		t.Fatalf("UpdateFileIDs() вернул ошибку: %v", err)
	}

	infos, err := s.GetFileInfos(ctx, "col1", "a")
	if err != nil {
		t.Fatalf("GetFileInfos() вернул ошибку: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("GetFileInfos() вернул %d записей, ожидается 1", len(infos))
	}
	fi := infos[0]
	if fi.FileState != FileExisting {
		t.Errorf("FileState = %v, ожидается EXISTING", fi.FileState)
	}
	if fi.ChecksumState != ChecksumUnknown {
		t.Errorf("ChecksumState = %v, ожидается UNKNOWN", fi.ChecksumState)
	}
	if !fi.LastFileIDCheck.Equal(now) {
		t.Errorf("LastFileIDCheck = %v, ожидается %v", fi.LastFileIDCheck, now)
	}
}

func TestMemStore_UpdateChecksumsResetsState(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now().UTC()

	if err := s.UpdateChecksums(ctx, "col1", "p1", checksumItems(map[string]string{"a": "111"}), now); err != nil {
		t.Fatalf("UpdateChecksums() вернул ошибку: %v", err)
	}
	if err := s.SetChecksumValid(ctx, "col1", "a", []string{"p1"}); err != nil {
		t.Fatalf("SetChecksumValid() вернул ошибку: %v", err)
	}

	// Новый отчёт pillar-а сбрасывает подтверждённое состояние в UNKNOWN
	if err := s.UpdateChecksums(ctx, "col1", "p1", checksumItems(map[string]string{"a": "222"}), now.Add(time.Minute)); err != nil {
		t.Fatalf("UpdateChecksums() вернул ошибку: %v", err)
	}

	infos, _ := s.GetFileInfos(ctx, "col1", "a")
	if infos[0].ChecksumState != ChecksumUnknown {
		t.Errorf("ChecksumState = %v после нового отчёта, ожидается UNKNOWN", infos[0].ChecksumState)
	}
	if *infos[0].Checksum != "222" {
		t.Errorf("Checksum = %q, ожидается 222", *infos[0].Checksum)
	}
}

func TestMemStore_SetFileMissingCreatesRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	// Pillar никогда не отчитывался о файле — запись создаётся с MISSING
	if err := s.SetFileMissing(ctx, "col1", "a", []string{"p-silent"}); err != nil {
		t.Fatalf("SetFileMissing() вернул ошибку: %v", err)
	}

	infos, _ := s.GetFileInfos(ctx, "col1", "a")
	if len(infos) != 1 {
		t.Fatalf("GetFileInfos() вернул %d записей, ожидается 1", len(infos))
	}
	if infos[0].FileState != FileMissing {
		t.Errorf("FileState = %v, ожидается MISSING", infos[0].FileState)
	}
	if infos[0].ChecksumState != ChecksumMissing {
		t.Errorf("ChecksumState = %v, ожидается MISSING", infos[0].ChecksumState)
	}
}

func TestMemStore_SetChecksumStateNoCreate(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	// Пометка состояния не создаёт записей для неотчитавшихся pillar-ов
	if err := s.SetChecksumValid(ctx, "col1", "a", []string{"p1"}); err != nil {
		t.Fatalf("SetChecksumValid() вернул ошибку: %v", err)
	}
	infos, _ := s.GetFileInfos(ctx, "col1", "a")
	if len(infos) != 0 {
		t.Errorf("GetFileInfos() вернул %d записей, ожидается 0", len(infos))
	}
}

func TestMemStore_CollectionIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now().UTC()

	if err := s.UpdateFileIDs(ctx, "col1", "p1", fileItems("shared"), now); err != nil {
		t.Fatalf("UpdateFileIDs(col1) вернул ошибку: %v", err)
	}
	if err := s.UpdateFileIDs(ctx, "col2", "p1", fileItems("shared", "only2"), now); err != nil {
		t.Fatalf("UpdateFileIDs(col2) вернул ошибку: %v", err)
	}

	// Пометка в col2 не видна из col1
	if err := s.SetFileMissing(ctx, "col2", "shared", []string{"p1"}); err != nil {
		t.Fatalf("SetFileMissing() вернул ошибку: %v", err)
	}

	infos, _ := s.GetFileInfos(ctx, "col1", "shared")
	if infos[0].FileState != FileExisting {
		t.Errorf("col1: FileState = %v, пометка col2 протекла между коллекциями", infos[0].FileState)
	}

	ids1, _ := s.ListFileIDs(ctx, "col1")
	if len(ids1) != 1 {
		t.Errorf("ListFileIDs(col1) = %v, ожидается [shared]", ids1)
	}
	ids2, _ := s.ListFileIDs(ctx, "col2")
	if len(ids2) != 2 {
		t.Errorf("ListFileIDs(col2) = %v, ожидается 2 файла", ids2)
	}
}

func TestMemStore_FindMissingChecksums(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now().UTC()

	// a — есть сумма, b — существует без суммы, c — отсутствует
	if err := s.UpdateFileIDs(ctx, "col1", "p1", fileItems("a", "b"), now); err != nil {
		t.Fatalf("UpdateFileIDs() вернул ошибку: %v", err)
	}
	if err := s.UpdateChecksums(ctx, "col1", "p1", checksumItems(map[string]string{"a": "111"}), now); err != nil {
		t.Fatalf("UpdateChecksums() вернул ошибку: %v", err)
	}
	if err := s.SetFileMissing(ctx, "col1", "c", []string{"p1"}); err != nil {
		t.Fatalf("SetFileMissing() вернул ошибку: %v", err)
	}

	missing, err := s.FindMissingChecksums(ctx, "col1")
	if err != nil {
		t.Fatalf("FindMissingChecksums() вернул ошибку: %v", err)
	}
	if len(missing) != 1 || missing[0] != "b" {
		t.Errorf("FindMissingChecksums() = %v, ожидается [b]", missing)
	}
}

func TestMemStore_FindInconsistentChecksums(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now().UTC()

	if err := s.UpdateChecksums(ctx, "col1", "p1", checksumItems(map[string]string{"agree": "x", "conflict": "aaa"}), now); err != nil {
		t.Fatalf("UpdateChecksums(p1) вернул ошибку: %v", err)
	}
	if err := s.UpdateChecksums(ctx, "col1", "p2", checksumItems(map[string]string{"agree": "x", "conflict": "bbb"}), now); err != nil {
		t.Fatalf("UpdateChecksums(p2) вернул ошибку: %v", err)
	}

	inconsistent, err := s.FindInconsistentChecksums(ctx, "col1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("FindInconsistentChecksums() вернул ошибку: %v", err)
	}
	if len(inconsistent) != 1 || inconsistent[0] != "conflict" {
		t.Errorf("FindInconsistentChecksums() = %v, ожидается [conflict]", inconsistent)
	}
}

func TestMemStore_FindInconsistentIgnoresMissingReplicas(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now().UTC()

	if err := s.UpdateChecksums(ctx, "col1", "p1", checksumItems(map[string]string{"a": "aaa"}), now); err != nil {
		t.Fatalf("UpdateChecksums(p1) вернул ошибку: %v", err)
	}
	if err := s.UpdateChecksums(ctx, "col1", "p2", checksumItems(map[string]string{"a": "bbb"}), now); err != nil {
		t.Fatalf("UpdateChecksums(p2) вернул ошибку: %v", err)
	}
	// Реплика p2 помечена отсутствующей — в голосовании не участвует
	if err := s.SetFileMissing(ctx, "col1", "a", []string{"p2"}); err != nil {
		t.Fatalf("SetFileMissing() вернул ошибку: %v", err)
	}

	inconsistent, _ := s.FindInconsistentChecksums(ctx, "col1", now.Add(time.Minute))
	if len(inconsistent) != 0 {
		t.Errorf("FindInconsistentChecksums() = %v, MISSING-реплика участвует в голосовании", inconsistent)
	}
}

func TestMemStore_RemoveFileID(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now().UTC()

	if err := s.UpdateFileIDs(ctx, "col1", "p1", fileItems("a"), now); err != nil {
		t.Fatalf("UpdateFileIDs(p1) вернул ошибку: %v", err)
	}
	if err := s.UpdateFileIDs(ctx, "col1", "p2", fileItems("a"), now); err != nil {
		t.Fatalf("UpdateFileIDs(p2) вернул ошибку: %v", err)
	}

	if err := s.RemoveFileID(ctx, "col1", "a"); err != nil {
		t.Fatalf("RemoveFileID() вернул ошибку: %v", err)
	}
	infos, _ := s.GetFileInfos(ctx, "col1", "a")
	if len(infos) != 0 {
		t.Errorf("GetFileInfos() вернул %d записей после удаления, ожидается 0", len(infos))
	}

	if err := s.RemoveFileID(ctx, "col1", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Повторный RemoveFileID() = %v, ожидается ErrNotFound", err)
	}
}

func TestMemStore_GetFileInfosReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now().UTC()

	if err := s.UpdateChecksums(ctx, "col1", "p1", checksumItems(map[string]string{"a": "111"}), now); err != nil {
		t.Fatalf("UpdateChecksums() вернул ошибку: %v", err)
	}

	infos, _ := s.GetFileInfos(ctx, "col1", "a")
	infos[0].FileState = FileMissing
	*infos[0].Checksum = "мусор"

	fresh, _ := s.GetFileInfos(ctx, "col1", "a")
	if fresh[0].FileState == FileMissing || *fresh[0].Checksum == "мусор" {
		t.Error("GetFileInfos() возвращает указатели на внутреннее состояние")
	}
}
