// report.go — отчёт сверки целостности коллекции.
package integrity

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Report — итог одного прохода сверки.
type Report struct {
	CollectionID string    `json:"collection_id"`
	GeneratedAt  time.Time `json:"generated_at"`
	// CheckedFiles — количество проверенных файлов
	CheckedFiles int `json:"checked_files"`
	// MissingFiles — файл → pillar-ы, на которых он отсутствует
	MissingFiles map[string][]string `json:"missing_files"`
	// DeleteableFiles — файлы, отсутствующие на всех ожидаемых pillar-ах
	DeleteableFiles []string `json:"deleteable_files"`
	// MissingChecksums — файл → pillar-ы без контрольной суммы
	MissingChecksums map[string][]string `json:"missing_checksums"`
	// InconsistentChecksums — файл → pillar → его контрольная сумма
	InconsistentChecksums map[string]map[string]string `json:"inconsistent_checksums"`
}

// NewReport создаёт пустой отчёт.
func NewReport(collectionID string) *Report {
	return &Report{
		CollectionID:          collectionID,
		GeneratedAt:           time.Now(),
		MissingFiles:          make(map[string][]string),
		MissingChecksums:      make(map[string][]string),
		InconsistentChecksums: make(map[string]map[string]string),
	}
}

// HasIntegrityIssues сообщает, нашла ли сверка хоть одно расхождение.
func (r *Report) HasIntegrityIssues() bool {
	return len(r.MissingFiles) > 0 ||
		len(r.DeleteableFiles) > 0 ||
		len(r.MissingChecksums) > 0 ||
		len(r.InconsistentChecksums) > 0
}

// Merge вливает расхождения другого отчёта (например, сверки сумм
// после сверки существования) в текущий.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	if other.CheckedFiles > r.CheckedFiles {
		r.CheckedFiles = other.CheckedFiles
	}
	for fileID, pillars := range other.MissingFiles {
		r.MissingFiles[fileID] = pillars
	}
	r.DeleteableFiles = append(r.DeleteableFiles, other.DeleteableFiles...)
	for fileID, pillars := range other.MissingChecksums {
		r.MissingChecksums[fileID] = pillars
	}
	for fileID, byPillar := range other.InconsistentChecksums {
		r.InconsistentChecksums[fileID] = byPillar
	}
}

// sortedKeys возвращает отсортированные ключи карты расхождений.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GenerateSummary строит человекочитаемую сводку отчёта.
func (r *Report) GenerateSummary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Отчёт целостности коллекции %s от %s\n",
		r.CollectionID, r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Проверено файлов: %d\n", r.CheckedFiles)

	if !r.HasIntegrityIssues() {
		b.WriteString("Расхождений не найдено.\n")
		return b.String()
	}

	if len(r.MissingFiles) > 0 {
		fmt.Fprintf(&b, "Отсутствующие файлы (%d):\n", len(r.MissingFiles))
		for _, fileID := range sortedKeys(r.MissingFiles) {
			fmt.Fprintf(&b, "  %s — нет на: %s\n", fileID, strings.Join(r.MissingFiles[fileID], ", "))
		}
	}
	if len(r.DeleteableFiles) > 0 {
		deleteable := append([]string(nil), r.DeleteableFiles...)
		sort.Strings(deleteable)
		fmt.Fprintf(&b, "Файлы, отсутствующие везде (%d): %s\n",
			len(deleteable), strings.Join(deleteable, ", "))
	}
	if len(r.MissingChecksums) > 0 {
		fmt.Fprintf(&b, "Файлы без контрольной суммы (%d):\n", len(r.MissingChecksums))
		for _, fileID := range sortedKeys(r.MissingChecksums) {
			fmt.Fprintf(&b, "  %s — нет суммы на: %s\n", fileID, strings.Join(r.MissingChecksums[fileID], ", "))
		}
	}
	if len(r.InconsistentChecksums) > 0 {
		fmt.Fprintf(&b, "Расхождения контрольных сумм (%d):\n", len(r.InconsistentChecksums))
		for _, fileID := range sortedKeys(r.InconsistentChecksums) {
			fmt.Fprintf(&b, "  %s:\n", fileID)
			byPillar := r.InconsistentChecksums[fileID]
			for _, pillarID := range sortedKeys(byPillar) {
				fmt.Fprintf(&b, "    %s: %s\n", pillarID, byPillar[pillarID])
			}
		}
	}
	return b.String()
}
