// handler.go — сборка маршрутов API координатора.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler объединяет обработчики координатора и регистрирует маршруты.
type Handler struct {
	health     *HealthHandler
	integrity  *IntegrityHandler
	operations *OperationsHandler
}

// NewHandler создаёт сборку обработчиков.
func NewHandler(health *HealthHandler, integrity *IntegrityHandler, operations *OperationsHandler) *Handler {
	return &Handler{
		health:     health,
		integrity:  integrity,
		operations: operations,
	}
}

// RegisterRoutes регистрирует маршруты API на роутере.
// adminGuard оборачивает мутирующие endpoints (nil — без ограничения,
// когда аутентификация выключена).
func (h *Handler) RegisterRoutes(r chi.Router, adminGuard func(http.Handler) http.Handler) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	r.Route("/api/v1/collections", func(r chi.Router) {
		r.Get("/", h.integrity.ListCollections)
		r.Route("/{collectionID}", func(r chi.Router) {
			r.Get("/report", h.integrity.GetReport)
			r.Get("/report/summary", h.integrity.GetReportSummary)
			r.Post("/check", h.integrity.TriggerCheck)
			r.Get("/files", h.integrity.ListFiles)
			r.Route("/files/{fileID}", func(r chi.Router) {
				r.Get("/", h.integrity.GetFileInfo)
				r.Get("/content", h.operations.DownloadFile)

				if adminGuard != nil {
					r.With(adminGuard).Put("/", h.operations.UploadFile)
					r.With(adminGuard).Delete("/", h.operations.DeleteFile)
				} else {
					r.Put("/", h.operations.UploadFile)
					r.Delete("/", h.operations.DeleteFile)
				}
			})
		})
	})
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
