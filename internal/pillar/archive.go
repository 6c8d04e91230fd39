// Пакет pillar — референсный pillar: хранит файлы коллекций в
// локальном каталоге и обслуживает протокольные запросы с шины.
//
// Раскладка каталога: <dataDir>/<collection>/<fileID>. Метаданные
// (контрольная сумма, размер, время изменения) держатся в памяти и
// пересобираются с диска при старте.
package pillar

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// Ошибки архива.
var (
	// ErrFileNotFound — файл отсутствует в архиве.
	ErrFileNotFound = errors.New("файл не найден в архиве")
	// ErrChecksumMismatch — контрольная сумма не совпадает.
	ErrChecksumMismatch = errors.New("контрольная сумма не совпадает")
	// ErrExistingFileMismatch — файл уже существует с другой суммой.
	ErrExistingFileMismatch = errors.New("файл уже существует с другой контрольной суммой")
	// ErrBadFileID — недопустимый идентификатор файла.
	ErrBadFileID = errors.New("недопустимый идентификатор файла")
)

// fileEntry — метаданные одного файла архива.
type fileEntry struct {
	checksum string
	size     int64
	modified time.Time
}

// Archive — файловый архив pillar-а.
type Archive struct {
	dataDir string

	mu    sync.RWMutex
	files map[string]map[string]fileEntry // collection → fileID → entry
}

// NewArchive создаёт архив и пересобирает метаданные с диска.
func NewArchive(dataDir string, collections []string) (*Archive, error) {
	a := &Archive{
		dataDir: dataDir,
		files:   make(map[string]map[string]fileEntry),
	}
	for _, collectionID := range collections {
		if err := a.loadCollection(collectionID); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// loadCollection сканирует каталог коллекции и вычисляет суммы файлов.
func (a *Archive) loadCollection(collectionID string) error {
	dir := filepath.Join(a.dataDir, collectionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("ошибка создания каталога коллекции %s: %w", collectionID, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("ошибка чтения каталога коллекции %s: %w", collectionID, err)
	}

	a.files[collectionID] = make(map[string]fileEntry)
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("ошибка чтения метаданных файла %s: %w", e.Name(), err)
		}
		content, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("ошибка чтения файла %s: %w", e.Name(), err)
		}
		a.files[collectionID][e.Name()] = fileEntry{
			checksum: computeChecksum(content),
			size:     info.Size(),
			modified: info.ModTime().UTC(),
		}
	}
	return nil
}

// computeChecksum возвращает MD5-сумму содержимого в hex.
func computeChecksum(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

// validateFileID отклоняет идентификаторы, выходящие за пределы
// каталога коллекции.
func validateFileID(fileID string) error {
	if fileID == "" || fileID == "." || fileID == ".." {
		return ErrBadFileID
	}
	if strings.ContainsAny(fileID, "/\\") {
		return ErrBadFileID
	}
	return nil
}

// path возвращает путь файла на диске.
func (a *Archive) path(collectionID, fileID string) string {
	return filepath.Join(a.dataDir, collectionID, fileID)
}

// Has сообщает, есть ли файл в архиве.
func (a *Archive) Has(collectionID, fileID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.files[collectionID][fileID]
	return ok
}

// Checksum возвращает контрольную сумму файла.
func (a *Archive) Checksum(collectionID, fileID string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entry, ok := a.files[collectionID][fileID]
	if !ok {
		return "", ErrFileNotFound
	}
	return entry.checksum, nil
}

// Put сохраняет файл в архив.
//
// Идемпотентен: повторное сохранение того же содержимого — успех.
// Существующий файл с другой суммой не перезаписывается
// (ErrExistingFileMismatch). Заявленная сумма, не совпавшая с суммой
// содержимого, отклоняется (ErrChecksumMismatch).
func (a *Archive) Put(collectionID, fileID string, content []byte, declaredChecksum string) (string, error) {
	if err := validateFileID(fileID); err != nil {
		return "", err
	}

	checksum := computeChecksum(content)
	if declaredChecksum != "" && declaredChecksum != checksum {
		return "", ErrChecksumMismatch
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.files[collectionID][fileID]; ok {
		if existing.checksum == checksum {
			return checksum, nil
		}
		return "", ErrExistingFileMismatch
	}

	dir := filepath.Join(a.dataDir, collectionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("ошибка создания каталога коллекции: %w", err)
	}

	// запись через tmp + rename, чтобы не оставить полуфайл
	tmp := a.path(collectionID, fileID) + ".tmp"
	if err := os.WriteFile(tmp, content, 0o640); err != nil {
		return "", fmt.Errorf("ошибка записи файла: %w", err)
	}
	if err := os.Rename(tmp, a.path(collectionID, fileID)); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return "", fmt.Errorf("ошибка переименования файла: %w", err)
	}

	if a.files[collectionID] == nil {
		a.files[collectionID] = make(map[string]fileEntry)
	}
	a.files[collectionID][fileID] = fileEntry{
		checksum: checksum,
		size:     int64(len(content)),
		modified: time.Now().UTC(),
	}
	return checksum, nil
}

// Get возвращает содержимое и метаданные файла.
func (a *Archive) Get(collectionID, fileID string) ([]byte, string, error) {
	if err := validateFileID(fileID); err != nil {
		return nil, "", err
	}

	a.mu.RLock()
	entry, ok := a.files[collectionID][fileID]
	a.mu.RUnlock()
	if !ok {
		return nil, "", ErrFileNotFound
	}

	content, err := os.ReadFile(a.path(collectionID, fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrFileNotFound
		}
		return nil, "", fmt.Errorf("ошибка чтения файла: %w", err)
	}
	return content, entry.checksum, nil
}

// Delete удаляет файл из архива.
// Непустая expectedChecksum защищает от удаления не той версии.
func (a *Archive) Delete(collectionID, fileID, expectedChecksum string) error {
	if err := validateFileID(fileID); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.files[collectionID][fileID]
	if !ok {
		return ErrFileNotFound
	}
	if expectedChecksum != "" && entry.checksum != expectedChecksum {
		return ErrChecksumMismatch
	}

	if err := os.Remove(a.path(collectionID, fileID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла: %w", err)
	}
	delete(a.files[collectionID], fileID)
	return nil
}

// List возвращает перечень файлов коллекции, отсортированный по fileID.
func (a *Archive) List(collectionID string) []protocol.FileIDItem {
	a.mu.RLock()
	defer a.mu.RUnlock()

	items := make([]protocol.FileIDItem, 0, len(a.files[collectionID]))
	for fileID, entry := range a.files[collectionID] {
		items = append(items, protocol.FileIDItem{
			FileID:       fileID,
			FileSize:     entry.size,
			LastModified: entry.modified,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].FileID < items[j].FileID })
	return items
}

// Checksums возвращает контрольные суммы файлов коллекции.
// Непустой fileIDs ограничивает выборку; неизвестные файлы пропускаются.
func (a *Archive) Checksums(collectionID string, fileIDs []string) []protocol.ChecksumItem {
	a.mu.RLock()
	defer a.mu.RUnlock()

	scope := a.files[collectionID]
	var items []protocol.ChecksumItem
	if len(fileIDs) > 0 {
		for _, fileID := range fileIDs {
			if entry, ok := scope[fileID]; ok {
				items = append(items, protocol.ChecksumItem{
					FileID:    fileID,
					Checksum:  entry.checksum,
					Timestamp: entry.modified,
				})
			}
		}
	} else {
		for fileID, entry := range scope {
			items = append(items, protocol.ChecksumItem{
				FileID:    fileID,
				Checksum:  entry.checksum,
				Timestamp: entry.modified,
			})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].FileID < items[j].FileID })
	return items
}

// Count возвращает количество файлов коллекции.
func (a *Archive) Count(collectionID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.files[collectionID])
}
