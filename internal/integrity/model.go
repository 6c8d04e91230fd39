// Пакет integrity — модель целостности и механизм сверки реплик.
//
// Хранит per-pillar состояние каждого файла коллекции (существование,
// контрольная сумма, отметки проверок) и находит расхождения между
// pillar-ами: отсутствующие файлы, отсутствующие контрольные суммы,
// несовпадающие контрольные суммы.
//
// Коллекции — изолированные пространства имён: операции над файлом
// в одной коллекции не затрагивают одноимённый файл в другой.
package integrity

import (
	"errors"
	"time"
)

// Ошибки слоя модели целостности.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
)

// ChecksumState — состояние контрольной суммы реплики.
type ChecksumState string

const (
	// ChecksumUnknown — сумма не проверялась или ожидает проверки.
	ChecksumUnknown ChecksumState = "UNKNOWN"
	// ChecksumValid — сумма согласована со всеми отчитавшимися pillar-ами.
	ChecksumValid ChecksumState = "VALID"
	// ChecksumError — сумма расходится с другими pillar-ами.
	ChecksumError ChecksumState = "ERROR"
	// ChecksumMissing — сумма отсутствует.
	ChecksumMissing ChecksumState = "MISSING"
)

// FileState — состояние существования реплики файла на pillar-е.
type FileState string

const (
	// FileExisting — pillar отчитался о наличии файла.
	FileExisting FileState = "EXISTING"
	// FileMissing — файл отсутствует на pillar-е (ожидался, но не отчитан).
	FileMissing FileState = "MISSING"
	// FileUnknown — состояние не установлено.
	FileUnknown FileState = "UNKNOWN"
)

// FileInfo — состояние одной реплики: (коллекция × pillar × файл).
// Инвариант хранилища: не более одной записи на эту тройку, обновления
// замещают запись (upsert), не добавляют новую.
type FileInfo struct {
	CollectionID string
	PillarID     string
	FileID       string
	// Checksum — контрольная сумма реплики; nil, пока pillar не отчитался
	Checksum      *string
	ChecksumState ChecksumState
	FileState     FileState
	FileSize      int64
	// LastFileIDCheck — время последнего отчёта о существовании
	LastFileIDCheck time.Time
	// LastChecksumCheck — время последнего отчёта о контрольной сумме
	LastChecksumCheck time.Time
}
