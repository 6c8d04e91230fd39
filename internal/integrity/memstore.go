// memstore.go — хранилище модели целостности в памяти.
//
// Семантика повторяет PgStore: upsert по тройке (коллекция × pillar ×
// файл), изоляция по коллекции. Используется в тестах и при работе
// без внешней базы данных.
package integrity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// replicaKey — ключ записи: (коллекция × pillar × файл).
type replicaKey struct {
	collectionID string
	pillarID     string
	fileID       string
}

// MemStore — реализация Store в памяти.
type MemStore struct {
	mu    sync.RWMutex
	items map[replicaKey]*FileInfo
}

var _ Store = (*MemStore)(nil)

// NewMemStore создаёт пустое хранилище в памяти.
func NewMemStore() *MemStore {
	return &MemStore{
		items: make(map[replicaKey]*FileInfo),
	}
}

// upsertLocked возвращает запись по ключу, создавая её при отсутствии.
func (s *MemStore) upsertLocked(key replicaKey) *FileInfo {
	fi, ok := s.items[key]
	if !ok {
		fi = &FileInfo{
			CollectionID:  key.collectionID,
			PillarID:      key.pillarID,
			FileID:        key.fileID,
			ChecksumState: ChecksumUnknown,
			FileState:     FileUnknown,
		}
		s.items[key] = fi
	}
	return fi
}

func (s *MemStore) UpdateFileIDs(_ context.Context, collectionID, pillarID string, items []protocol.FileIDItem, checkTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range items {
		fi := s.upsertLocked(replicaKey{collectionID, pillarID, it.FileID})
		fi.FileState = FileExisting
		fi.FileSize = it.FileSize
		fi.LastFileIDCheck = checkTime
	}
	return nil
}

func (s *MemStore) UpdateChecksums(_ context.Context, collectionID, pillarID string, items []protocol.ChecksumItem, checkTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range items {
		fi := s.upsertLocked(replicaKey{collectionID, pillarID, it.FileID})
		if fi.FileState == FileUnknown {
			fi.FileState = FileExisting
		}
		checksum := it.Checksum
		fi.Checksum = &checksum
		fi.ChecksumState = ChecksumUnknown
		fi.LastChecksumCheck = checkTime
	}
	return nil
}

func (s *MemStore) SetFileMissing(_ context.Context, collectionID, fileID string, pillarIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pillarID := range pillarIDs {
		fi := s.upsertLocked(replicaKey{collectionID, pillarID, fileID})
		fi.FileState = FileMissing
		fi.ChecksumState = ChecksumMissing
	}
	return nil
}

// setChecksumState помечает состояние суммы на названных pillar-ах.
// Записи, о которых pillar не отчитывался, не создаются.
func (s *MemStore) setChecksumState(collectionID, fileID string, pillarIDs []string, state ChecksumState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pillarID := range pillarIDs {
		if fi, ok := s.items[replicaKey{collectionID, pillarID, fileID}]; ok {
			fi.ChecksumState = state
		}
	}
}

func (s *MemStore) SetChecksumError(_ context.Context, collectionID, fileID string, pillarIDs []string) error {
	s.setChecksumState(collectionID, fileID, pillarIDs, ChecksumError)
	return nil
}

func (s *MemStore) SetChecksumValid(_ context.Context, collectionID, fileID string, pillarIDs []string) error {
	s.setChecksumState(collectionID, fileID, pillarIDs, ChecksumValid)
	return nil
}

// collectFileIDs возвращает отсортированные file_id записей, прошедших фильтр.
func (s *MemStore) collectFileIDs(collectionID string, match func(*FileInfo) bool) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for key, fi := range s.items {
		if key.collectionID != collectionID || !match(fi) {
			continue
		}
		seen[key.fileID] = struct{}{}
	}

	result := make([]string, 0, len(seen))
	for fileID := range seen {
		result = append(result, fileID)
	}
	sort.Strings(result)
	return result
}

func (s *MemStore) FindMissingFiles(_ context.Context, collectionID string) ([]string, error) {
	return s.collectFileIDs(collectionID, func(fi *FileInfo) bool {
		return fi.FileState == FileMissing
	}), nil
}

func (s *MemStore) FindMissingChecksums(_ context.Context, collectionID string) ([]string, error) {
	return s.collectFileIDs(collectionID, func(fi *FileInfo) bool {
		return fi.FileState == FileExisting && fi.Checksum == nil
	}), nil
}

func (s *MemStore) FindInconsistentChecksums(_ context.Context, collectionID string, asOf time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// различные суммы по каждому файлу среди не-MISSING реплик
	distinct := make(map[string]map[string]struct{})
	for key, fi := range s.items {
		if key.collectionID != collectionID || fi.FileState == FileMissing {
			continue
		}
		if fi.Checksum == nil || fi.LastChecksumCheck.After(asOf) {
			continue
		}
		if distinct[key.fileID] == nil {
			distinct[key.fileID] = make(map[string]struct{})
		}
		distinct[key.fileID][*fi.Checksum] = struct{}{}
	}

	var result []string
	for fileID, sums := range distinct {
		if len(sums) > 1 {
			result = append(result, fileID)
		}
	}
	sort.Strings(result)
	return result, nil
}

func (s *MemStore) GetFileInfos(_ context.Context, collectionID, fileID string) ([]*FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*FileInfo
	for key, fi := range s.items {
		if key.collectionID != collectionID || key.fileID != fileID {
			continue
		}
		cp := *fi
		if fi.Checksum != nil {
			checksum := *fi.Checksum
			cp.Checksum = &checksum
		}
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PillarID < result[j].PillarID })
	return result, nil
}

func (s *MemStore) ListFileIDs(_ context.Context, collectionID string) ([]string, error) {
	return s.collectFileIDs(collectionID, func(*FileInfo) bool { return true }), nil
}

func (s *MemStore) RemoveFileID(_ context.Context, collectionID, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	for key := range s.items {
		if key.collectionID == collectionID && key.fileID == fileID {
			delete(s.items, key)
			removed = true
		}
	}
	if !removed {
		return ErrNotFound
	}
	return nil
}
