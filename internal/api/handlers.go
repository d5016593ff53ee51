package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/paystream/internal/domain"
	"github.com/punchamoorthee/paystream/internal/models"
	"github.com/punchamoorthee/paystream/internal/service"
	"github.com/punchamoorthee/paystream/internal/store"
)

const readyTimeout = 2 * time.Second

type Ledger interface {
	GetTransaction(ctx context.Context, id int64) (domain.Transaction, error)
	History(ctx context.Context, id int64) ([]domain.AuditEntry, error)
}

// Pinger is a dependency checked by the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	gate    *service.IntakeGate
	ledger  Ledger
	pingers map[string]Pinger
	logger  *slog.Logger
}

func NewHandler(gate *service.IntakeGate, ledger Ledger, pingers map[string]Pinger, logger *slog.Logger) *Handler {
	return &Handler{gate: gate, ledger: ledger, pingers: pingers, logger: logger}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadinessHandler pings every backing dependency.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := make(map[string]string, len(h.pingers))
	code := http.StatusOK
	for name, p := range h.pingers {
		if err := p.Ping(ctx); err != nil {
			loggerFrom(r.Context(), h.logger).Warn("readiness check failed", "dependency", name, "error", err)
			checks[name] = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	respondWithJSON(w, code, checks)
}

func (h *Handler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}

	txn, err := h.ledger.GetTransaction(r.Context(), id)
	if err != nil {
		h.respondLookupError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.StatusResponse{
		TransactionID: txn.ID,
		Status:        wireStatus(txn.Status),
		UpdatedAt:     txn.UpdatedAt,
	})
}

func (h *Handler) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}

	entries, err := h.ledger.History(r.Context(), id)
	if err != nil {
		h.respondLookupError(w, r, err)
		return
	}

	resp := models.HistoryResponse{TransactionID: id, Entries: make([]models.HistoryEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, models.HistoryEntry{
			PrevStatus: wireStatus(e.PrevStatus),
			NewStatus:  wireStatus(e.NewStatus),
			ChangedAt:  e.ChangedAt,
		})
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) respondLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondWithError(w, r, http.StatusNotFound, "Transaction not found")
		return
	}
	loggerFrom(r.Context(), h.logger).Error("transaction lookup failed", "error", err)
	respondWithError(w, r, http.StatusInternalServerError, "Internal Server Error")
}

func transactionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, r, http.StatusBadRequest, "Invalid transaction id")
		return 0, false
	}
	return id, true
}

func wireStatus(s domain.Status) string {
	return strings.ToUpper(string(s))
}

func respondWithError(w http.ResponseWriter, r *http.Request, code int, message string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message, RequestID: requestIDFrom(r.Context())})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
