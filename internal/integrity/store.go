// store.go — хранилище модели целостности.
//
// Store описывает операции над состоянием реплик; PgStore — реализация
// на PostgreSQL (чистый SQL через pgx, без ORM). Пакетные приёмы
// отчётов pillar-ов идут в одной транзакции: перечень либо принят
// целиком, либо не принят вовсе.
package integrity

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// выполнять запросы как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store — операции над состоянием реплик файлов.
// Все операции изолированы по коллекции.
type Store interface {
	// UpdateFileIDs принимает отчёт pillar-а о существующих файлах.
	// Существующие записи замещаются (file_state → EXISTING), новые создаются.
	UpdateFileIDs(ctx context.Context, collectionID, pillarID string, items []protocol.FileIDItem, checkTime time.Time) error
	// UpdateChecksums принимает отчёт pillar-а о контрольных суммах.
	// Сумма замещает прежнюю; состояние суммы сбрасывается в UNKNOWN
	// до следующей сверки.
	UpdateChecksums(ctx context.Context, collectionID, pillarID string, items []protocol.ChecksumItem, checkTime time.Time) error
	// SetFileMissing помечает файл отсутствующим на названных pillar-ах.
	// Запись создаётся, если pillar о файле вовсе не отчитывался.
	SetFileMissing(ctx context.Context, collectionID, fileID string, pillarIDs []string) error
	// SetChecksumError помечает сумму файла расходящейся на названных pillar-ах.
	SetChecksumError(ctx context.Context, collectionID, fileID string, pillarIDs []string) error
	// SetChecksumValid помечает сумму файла согласованной на названных pillar-ах.
	SetChecksumValid(ctx context.Context, collectionID, fileID string, pillarIDs []string) error
	// FindMissingFiles возвращает файлы, отсутствующие хотя бы на одном pillar-е.
	FindMissingFiles(ctx context.Context, collectionID string) ([]string, error)
	// FindMissingChecksums возвращает существующие файлы без контрольной суммы.
	FindMissingChecksums(ctx context.Context, collectionID string) ([]string, error)
	// FindInconsistentChecksums возвращает файлы, у которых на момент asOf
	// есть более одной различной контрольной суммы среди не-MISSING реплик.
	FindInconsistentChecksums(ctx context.Context, collectionID string, asOf time.Time) ([]string, error)
	// GetFileInfos возвращает записи файла по всем pillar-ам.
	GetFileInfos(ctx context.Context, collectionID, fileID string) ([]*FileInfo, error)
	// ListFileIDs возвращает все известные файлы коллекции.
	ListFileIDs(ctx context.Context, collectionID string) ([]string, error)
	// RemoveFileID удаляет все записи файла в коллекции.
	RemoveFileID(ctx context.Context, collectionID, fileID string) error
}

// PgStore — реализация Store на PostgreSQL.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PgStore)(nil)

// NewPgStore создаёт хранилище модели целостности.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// runInTx выполняет fn внутри транзакции.
// При ошибке fn — транзакция откатывается, при успехе — коммитится.
func (s *PgStore) runInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PgStore) UpdateFileIDs(ctx context.Context, collectionID, pillarID string, items []protocol.FileIDItem, checkTime time.Time) error {
	if len(items) == 0 {
		return nil
	}

	return s.runInTx(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO file_info (collection_id, pillar_id, file_id, file_state,
				checksum_state, file_size, last_file_id_check)
			VALUES ($1, $2, $3, 'EXISTING', 'UNKNOWN', $4, $5)
			ON CONFLICT (collection_id, pillar_id, file_id) DO UPDATE SET
				file_state = 'EXISTING',
				file_size = EXCLUDED.file_size,
				last_file_id_check = EXCLUDED.last_file_id_check`

		for _, it := range items {
			if _, err := tx.Exec(ctx, query, collectionID, pillarID, it.FileID, it.FileSize, checkTime); err != nil {
				return fmt.Errorf("ошибка приёма перечня файлов (%s): %w", it.FileID, err)
			}
		}
		return nil
	})
}

func (s *PgStore) UpdateChecksums(ctx context.Context, collectionID, pillarID string, items []protocol.ChecksumItem, checkTime time.Time) error {
	if len(items) == 0 {
		return nil
	}

	return s.runInTx(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO file_info (collection_id, pillar_id, file_id, file_state,
				checksum, checksum_state, last_checksum_check)
			VALUES ($1, $2, $3, 'EXISTING', $4, 'UNKNOWN', $5)
			ON CONFLICT (collection_id, pillar_id, file_id) DO UPDATE SET
				checksum = EXCLUDED.checksum,
				checksum_state = 'UNKNOWN',
				last_checksum_check = EXCLUDED.last_checksum_check`

		for _, it := range items {
			if _, err := tx.Exec(ctx, query, collectionID, pillarID, it.FileID, it.Checksum, checkTime); err != nil {
				return fmt.Errorf("ошибка приёма контрольных сумм (%s): %w", it.FileID, err)
			}
		}
		return nil
	})
}

func (s *PgStore) SetFileMissing(ctx context.Context, collectionID, fileID string, pillarIDs []string) error {
	if len(pillarIDs) == 0 {
		return nil
	}

	return s.runInTx(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO file_info (collection_id, pillar_id, file_id, file_state, checksum_state)
			VALUES ($1, $2, $3, 'MISSING', 'MISSING')
			ON CONFLICT (collection_id, pillar_id, file_id) DO UPDATE SET
				file_state = 'MISSING',
				checksum_state = 'MISSING'`

		for _, pillarID := range pillarIDs {
			if _, err := tx.Exec(ctx, query, collectionID, pillarID, fileID); err != nil {
				return fmt.Errorf("ошибка пометки отсутствия файла %s на %s: %w", fileID, pillarID, err)
			}
		}
		return nil
	})
}

// setChecksumState помечает состояние суммы файла на названных pillar-ах.
func (s *PgStore) setChecksumState(ctx context.Context, collectionID, fileID string, pillarIDs []string, state ChecksumState) error {
	if len(pillarIDs) == 0 {
		return nil
	}

	query := `
		UPDATE file_info
		SET checksum_state = $4
		WHERE collection_id = $1 AND file_id = $2 AND pillar_id = ANY($3)`

	if _, err := s.pool.Exec(ctx, query, collectionID, fileID, pillarIDs, string(state)); err != nil {
		return fmt.Errorf("ошибка смены состояния суммы файла %s: %w", fileID, err)
	}
	return nil
}

func (s *PgStore) SetChecksumError(ctx context.Context, collectionID, fileID string, pillarIDs []string) error {
	return s.setChecksumState(ctx, collectionID, fileID, pillarIDs, ChecksumError)
}

func (s *PgStore) SetChecksumValid(ctx context.Context, collectionID, fileID string, pillarIDs []string) error {
	return s.setChecksumState(ctx, collectionID, fileID, pillarIDs, ChecksumValid)
}

// queryFileIDs выполняет запрос, возвращающий столбец file_id.
func (s *PgStore) queryFileIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки файлов: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var fileID string
		if err := rows.Scan(&fileID); err != nil {
			return nil, fmt.Errorf("ошибка сканирования file_id: %w", err)
		}
		result = append(result, fileID)
	}
	return result, rows.Err()
}

func (s *PgStore) FindMissingFiles(ctx context.Context, collectionID string) ([]string, error) {
	query := `
		SELECT DISTINCT file_id
		FROM file_info
		WHERE collection_id = $1 AND file_state = 'MISSING'
		ORDER BY file_id`

	return s.queryFileIDs(ctx, query, collectionID)
}

func (s *PgStore) FindMissingChecksums(ctx context.Context, collectionID string) ([]string, error) {
	query := `
		SELECT DISTINCT file_id
		FROM file_info
		WHERE collection_id = $1 AND file_state = 'EXISTING' AND checksum IS NULL
		ORDER BY file_id`

	return s.queryFileIDs(ctx, query, collectionID)
}

func (s *PgStore) FindInconsistentChecksums(ctx context.Context, collectionID string, asOf time.Time) ([]string, error) {
	query := `
		SELECT file_id
		FROM file_info
		WHERE collection_id = $1
			AND file_state != 'MISSING'
			AND checksum IS NOT NULL
			AND last_checksum_check <= $2
		GROUP BY file_id
		HAVING COUNT(DISTINCT checksum) > 1
		ORDER BY file_id`

	return s.queryFileIDs(ctx, query, collectionID, asOf)
}

func (s *PgStore) GetFileInfos(ctx context.Context, collectionID, fileID string) ([]*FileInfo, error) {
	query := `
		SELECT collection_id, pillar_id, file_id, checksum, checksum_state,
			file_state, file_size, last_file_id_check, last_checksum_check
		FROM file_info
		WHERE collection_id = $1 AND file_id = $2
		ORDER BY pillar_id`

	rows, err := s.pool.Query(ctx, query, collectionID, fileID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения состояния файла: %w", err)
	}
	defer rows.Close()

	var result []*FileInfo
	for rows.Next() {
		fi := &FileInfo{}
		if err := rows.Scan(
			&fi.CollectionID, &fi.PillarID, &fi.FileID, &fi.Checksum, &fi.ChecksumState,
			&fi.FileState, &fi.FileSize, &fi.LastFileIDCheck, &fi.LastChecksumCheck,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования состояния файла: %w", err)
		}
		result = append(result, fi)
	}
	return result, rows.Err()
}

func (s *PgStore) ListFileIDs(ctx context.Context, collectionID string) ([]string, error) {
	query := `
		SELECT DISTINCT file_id
		FROM file_info
		WHERE collection_id = $1
		ORDER BY file_id`

	return s.queryFileIDs(ctx, query, collectionID)
}

func (s *PgStore) RemoveFileID(ctx context.Context, collectionID, fileID string) error {
	query := `
		DELETE FROM file_info
		WHERE collection_id = $1 AND file_id = $2`

	tag, err := s.pool.Exec(ctx, query, collectionID, fileID)
	if err != nil {
		return fmt.Errorf("ошибка удаления записей файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
