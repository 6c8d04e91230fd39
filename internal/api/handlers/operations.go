// operations.go — обработчики протокольных операций над файлами.
//
// Каждая операция — беседа со слоем pillar-ов: выдача (быстрейший
// pillar), сохранение (все pillar-ы), удаление (все pillar-ы, с
// контрольной суммой). Обработчик ждёт завершения беседы и переводит
// её итог в HTTP-ответ: таймаут и сбой — 502, негативные финальные
// коды contributor-ов видны в теле ответа.
package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/bitpreserve/internal/api/errors"
	"github.com/bigkaa/bitpreserve/internal/conversation"
	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// maxUploadSize — предел содержимого PutFile через API (референсный
// путь доставки через payload, не file exchange).
const maxUploadSize = 64 << 20

// OperationsHandler — обработчик операций над файлами.
type OperationsHandler struct {
	deps        conversation.Deps
	pillars     []conversation.Pillar
	collections map[string]bool
	logger      *slog.Logger
}

// NewOperationsHandler создаёт обработчик операций.
func NewOperationsHandler(
	deps conversation.Deps,
	pillars []conversation.Pillar,
	collections []string,
	logger *slog.Logger,
) *OperationsHandler {
	h := &OperationsHandler{
		deps:        deps,
		pillars:     pillars,
		collections: make(map[string]bool, len(collections)),
		logger:      logger.With(slog.String("component", "operations_handler")),
	}
	for _, collectionID := range collections {
		h.collections[collectionID] = true
	}
	return h
}

// params извлекает и валидирует коллекцию и файл из пути.
func (h *OperationsHandler) params(w http.ResponseWriter, r *http.Request) (collectionID, fileID string, ok bool) {
	collectionID = chi.URLParam(r, "collectionID")
	if !h.collections[collectionID] {
		apierrors.NotFound(w, "коллекция не обслуживается: "+collectionID)
		return "", "", false
	}
	fileID = chi.URLParam(r, "fileID")
	if fileID == "" {
		apierrors.ValidationError(w, "не указан идентификатор файла")
		return "", "", false
	}
	return collectionID, fileID, true
}

// waitBudget — время ожидания завершения беседы.
func (h *OperationsHandler) waitBudget() time.Duration {
	timeout := h.deps.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return timeout + 10*time.Second
}

// writeConversationError переводит ошибку беседы в HTTP-ответ.
func writeConversationError(w http.ResponseWriter, err error) {
	var convErr *conversation.ConversationError
	switch {
	case errors.Is(err, conversation.ErrConversationTimedOut),
		errors.Is(err, conversation.ErrWaitTimeout):
		apierrors.PillarUnavailable(w, "pillar-ы не ответили в срок")
	case errors.As(err, &convErr):
		apierrors.PillarUnavailable(w, convErr.Reason)
	default:
		apierrors.InternalError(w, err.Error())
	}
}

// DownloadFile — GET /api/v1/collections/{collectionID}/files/{fileID}/content.
// Выдаёт содержимое файла с быстрейшего pillar-а.
func (h *OperationsHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	collectionID, fileID, ok := h.params(w, r)
	if !ok {
		return
	}

	conv := conversation.NewGetFileConversation(h.deps, collectionID, fileID, h.pillars, nil)
	if err := conv.Start(r.Context()); err != nil {
		apierrors.InternalError(w, "ошибка запуска беседы: "+err.Error())
		return
	}

	if err := conv.Wait(h.waitBudget()); err != nil {
		writeConversationError(w, err)
		return
	}

	final, delivered := conv.File()
	if !delivered {
		apierrors.NotFound(w, "файл не выдан ни одним pillar-ом")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(final.Content)))
	w.Header().Set("X-Checksum", final.Checksum)
	w.Header().Set("X-Pillar-Id", final.PillarID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(final.Content)
}

// UploadFile — PUT /api/v1/collections/{collectionID}/files/{fileID}.
// Сохраняет файл на всех pillar-ах коллекции. Тело запроса —
// содержимое файла; заголовок X-Checksum — заявленная MD5-сумма
// (опционально).
func (h *OperationsHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	collectionID, fileID, ok := h.params(w, r)
	if !ok {
		return
	}

	content, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize+1))
	if err != nil {
		apierrors.ValidationError(w, "ошибка чтения тела запроса: "+err.Error())
		return
	}
	if len(content) > maxUploadSize {
		apierrors.ValidationError(w, "содержимое превышает предел загрузки")
		return
	}

	request := protocol.PutFileRequest{
		FileID:   fileID,
		Checksum: r.Header.Get("X-Checksum"),
		FileSize: int64(len(content)),
		Content:  content,
	}

	conv := conversation.NewPutFileConversation(h.deps, collectionID, request, h.pillars)
	if err := conv.Start(r.Context()); err != nil {
		apierrors.InternalError(w, "ошибка запуска беседы: "+err.Error())
		return
	}

	waitErr := conv.Wait(h.waitBudget())
	storedAt := conv.StoredAt()
	if waitErr != nil && len(storedAt) == 0 {
		writeConversationError(w, waitErr)
		return
	}

	status := http.StatusOK
	if len(storedAt) < len(h.pillars) {
		// сохранено не везде — итог частичный
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{
		"collection": collectionID,
		"file":       fileID,
		"stored_at":  storedAt,
	})
}

// DeleteFile — DELETE /api/v1/collections/{collectionID}/files/{fileID}.
// Удаляет файл на всех pillar-ах. Query-параметр checksum защищает
// от удаления не той версии.
func (h *OperationsHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	collectionID, fileID, ok := h.params(w, r)
	if !ok {
		return
	}

	request := protocol.DeleteFileRequest{
		FileID:   fileID,
		Checksum: r.URL.Query().Get("checksum"),
	}

	conv := conversation.NewDeleteFileConversation(h.deps, collectionID, request, h.pillars)
	if err := conv.Start(r.Context()); err != nil {
		apierrors.InternalError(w, "ошибка запуска беседы: "+err.Error())
		return
	}

	if err := conv.Wait(h.waitBudget()); err != nil {
		writeConversationError(w, err)
		return
	}

	type pillarOutcome struct {
		PillarID string `json:"pillar_id"`
		Code     string `json:"code"`
		Info     string `json:"info,omitempty"`
	}
	var outcomes []pillarOutcome
	for _, res := range conv.Results() {
		outcomes = append(outcomes, pillarOutcome{
			PillarID: res.PillarID,
			Code:     string(res.Code),
			Info:     res.Info,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"collection": collectionID,
		"file":       fileID,
		"results":    outcomes,
	})
}
