package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/punchamoorthee/paystream/internal/domain"
	"github.com/punchamoorthee/paystream/internal/models"
	"github.com/punchamoorthee/paystream/internal/service"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxBodyBytes         = 1 << 20
)

// Pay accepts a payment request. POST /api/v1/pay
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.KindPayment)
}

// Collect accepts a collect request. POST /api/v1/collect
func (h *Handler) Collect(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.KindCollect)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, kind domain.Kind) {
	log := loggerFrom(r.Context(), h.logger)

	var req domain.PaymentRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		respondWithError(w, r, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	req.Kind = kind

	txn, err := h.gate.Submit(r.Context(), req, r.Header.Get(headerIdempotencyKey))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSameParty):
			respondWithError(w, r, http.StatusBadRequest, "same party: sender and receiver must be different")
		case errors.Is(err, service.ErrInvalidRequest):
			respondWithError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrDuplicateRequest):
			respondWithError(w, r, http.StatusConflict, "duplicate request")
		default:
			log.Error("intake failed", "kind", kind, "error", err)
			respondWithError(w, r, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}

	resp := models.SubmitResponse{TransactionID: txn.ID, Status: "QUEUED", Message: "Payment accepted for processing"}
	if kind == domain.KindCollect {
		resp.Status = "REQUESTED"
		resp.Message = "Collect request sent to payer"
	}
	respondWithJSON(w, http.StatusOK, resp)
}
