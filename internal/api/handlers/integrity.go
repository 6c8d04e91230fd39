// integrity.go — обработчики отчётов целостности и запуска сверки.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	apierrors "github.com/bigkaa/bitpreserve/internal/api/errors"
	"github.com/bigkaa/bitpreserve/internal/integrity"
	"github.com/bigkaa/bitpreserve/internal/workflow"
)

// fileInfoCacheSize — ёмкость кэша состояний файлов.
const fileInfoCacheSize = 4096

// IntegrityHandler — обработчик отчётов и сверки.
type IntegrityHandler struct {
	store       integrity.Store
	scheduler   *workflow.Scheduler
	collections map[string]bool
	list        []string
	// cache — кэш ответов о состоянии файла, ключ "collection/file"
	cache  *expirable.LRU[string, []*integrity.FileInfo]
	logger *slog.Logger
}

// NewIntegrityHandler создаёт обработчик отчётов целостности.
func NewIntegrityHandler(
	store integrity.Store,
	scheduler *workflow.Scheduler,
	collections []string,
	cacheTTL time.Duration,
	logger *slog.Logger,
) *IntegrityHandler {
	h := &IntegrityHandler{
		store:       store,
		scheduler:   scheduler,
		collections: make(map[string]bool, len(collections)),
		list:        collections,
		cache:       expirable.NewLRU[string, []*integrity.FileInfo](fileInfoCacheSize, nil, cacheTTL),
		logger:      logger.With(slog.String("component", "integrity_handler")),
	}
	for _, collectionID := range collections {
		h.collections[collectionID] = true
	}
	return h
}

// collection извлекает и валидирует идентификатор коллекции из пути.
func (h *IntegrityHandler) collection(w http.ResponseWriter, r *http.Request) (string, bool) {
	collectionID := chi.URLParam(r, "collectionID")
	if !h.collections[collectionID] {
		apierrors.NotFound(w, "коллекция не обслуживается: "+collectionID)
		return "", false
	}
	return collectionID, true
}

// ListCollections — GET /api/v1/collections.
func (h *IntegrityHandler) ListCollections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"collections": h.list,
	})
}

// GetReport — GET /api/v1/collections/{collectionID}/report.
// Возвращает последний отчёт сверки коллекции.
func (h *IntegrityHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	collectionID, ok := h.collection(w, r)
	if !ok {
		return
	}

	report := h.scheduler.LastReport(collectionID)
	if report == nil {
		apierrors.NotFound(w, "отчёт ещё не формировался")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetReportSummary — GET /api/v1/collections/{collectionID}/report/summary.
// Возвращает человекочитаемую сводку последнего отчёта.
func (h *IntegrityHandler) GetReportSummary(w http.ResponseWriter, r *http.Request) {
	collectionID, ok := h.collection(w, r)
	if !ok {
		return
	}

	report := h.scheduler.LastReport(collectionID)
	if report == nil {
		apierrors.NotFound(w, "отчёт ещё не формировался")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(report.GenerateSummary()))
}

// TriggerCheck — POST /api/v1/collections/{collectionID}/check.
// Запускает внеплановый проход сверки; проход идёт в фоне.
func (h *IntegrityHandler) TriggerCheck(w http.ResponseWriter, r *http.Request) {
	collectionID, ok := h.collection(w, r)
	if !ok {
		return
	}

	if h.scheduler.IsInProgress(collectionID) {
		apierrors.Conflict(w, "проход сверки уже выполняется")
		return
	}

	// контекст запроса умирает вместе с ответом, проход живёт дольше
	go func() {
		h.scheduler.RunOnce(context.Background(), collectionID)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"collection": collectionID,
		"status":     "запущено",
	})
}

// ListFiles — GET /api/v1/collections/{collectionID}/files.
// Возвращает все известные файлы коллекции.
func (h *IntegrityHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	collectionID, ok := h.collection(w, r)
	if !ok {
		return
	}

	fileIDs, err := h.store.ListFileIDs(r.Context(), collectionID)
	if err != nil {
		h.logger.Error("Ошибка получения перечня файлов",
			slog.String("collection", collectionID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "ошибка получения перечня файлов")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"collection": collectionID,
		"files":      fileIDs,
	})
}

// GetFileInfo — GET /api/v1/collections/{collectionID}/files/{fileID}.
// Возвращает состояние файла по всем pillar-ам (с кэшем).
func (h *IntegrityHandler) GetFileInfo(w http.ResponseWriter, r *http.Request) {
	collectionID, ok := h.collection(w, r)
	if !ok {
		return
	}
	fileID := chi.URLParam(r, "fileID")

	cacheKey := collectionID + "/" + fileID
	infos, cached := h.cache.Get(cacheKey)
	if !cached {
		var err error
		infos, err = h.store.GetFileInfos(r.Context(), collectionID, fileID)
		if err != nil {
			h.logger.Error("Ошибка получения состояния файла",
				slog.String("collection", collectionID),
				slog.String("file", fileID),
				slog.String("error", err.Error()),
			)
			apierrors.InternalError(w, "ошибка получения состояния файла")
			return
		}
		h.cache.Add(cacheKey, infos)
	}

	if len(infos) == 0 {
		apierrors.NotFound(w, "файл неизвестен модели целостности")
		return
	}

	type replicaView struct {
		PillarID          string `json:"pillar_id"`
		FileState         string `json:"file_state"`
		Checksum          string `json:"checksum,omitempty"`
		ChecksumState     string `json:"checksum_state"`
		FileSize          int64  `json:"file_size"`
		LastFileIDCheck   string `json:"last_file_id_check"`
		LastChecksumCheck string `json:"last_checksum_check"`
	}

	replicas := make([]replicaView, 0, len(infos))
	for _, fi := range infos {
		v := replicaView{
			PillarID:          fi.PillarID,
			FileState:         string(fi.FileState),
			ChecksumState:     string(fi.ChecksumState),
			FileSize:          fi.FileSize,
			LastFileIDCheck:   fi.LastFileIDCheck.UTC().Format(time.RFC3339),
			LastChecksumCheck: fi.LastChecksumCheck.UTC().Format(time.RFC3339),
		}
		if fi.Checksum != nil {
			v.Checksum = *fi.Checksum
		}
		replicas = append(replicas, v)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"collection": collectionID,
		"file":       fileID,
		"replicas":   replicas,
	})
}
