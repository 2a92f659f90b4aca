package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/punchamoorthee/payswitch/internal/models"
	"go.uber.org/zap"
)

const maxBody = 64 << 10

func decode(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return domain.Validation("UNREADABLE_BODY", "stream read error")
	}
	if len(body) == 0 {
		return domain.Validation("EMPTY_BODY", "request body required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return domain.Validation("MALFORMED_JSON", "malformed JSON body")
	}
	return nil
}

func (h *Handler) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req models.PaymentRequest
	if err := decode(r, &req); err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && key != req.DedupeKey {
		h.respondWithErr(w, r, domain.Validation("IDEMPOTENCY_KEY_MISMATCH", "Idempotency-Key header must equal dedupeKey"))
		return
	}

	txn, err := h.payments.Submit(r.Context(), req)
	if err != nil {
		if txn != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			// The client is gone; the saga carries on without it.
			h.log.Info("client left before completion", zap.String("transaction_id", txn.ID))
			return
		}
		h.respondWithErr(w, r, err)
		return
	}

	code := http.StatusOK
	if !txn.State.Terminal() {
		code = http.StatusAccepted
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transactions/%s", txn.ID))
	respondWithJSON(w, code, models.NewPaymentResponse(txn))
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	txn, err := h.payments.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewPaymentResponse(txn))
}

func (h *Handler) GetTransitionsHandler(w http.ResponseWriter, r *http.Request) {
	trs, err := h.payments.Transitions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, trs)
}

func (h *Handler) RegisterBankHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterBankRequest
	if err := decode(r, &req); err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	bh, err := h.banks.Register(r.Context(), req)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, bh)
}

func (h *Handler) ListBanksHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.banks.List())
}

func (h *Handler) GetBankHandler(w http.ResponseWriter, r *http.Request) {
	bh, err := h.banks.Get(mux.Vars(r)["code"])
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, bh)
}

func (h *Handler) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	var req models.HeartbeatRequest
	if err := decode(r, &req); err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	bh, err := h.banks.Heartbeat(mux.Vars(r)["code"], req)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, bh)
}

func (h *Handler) CircuitHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CircuitOverrideRequest
	if err := decode(r, &req); err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	bh, err := h.banks.SetCircuit(mux.Vars(r)["code"], req)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, bh)
}

func (h *Handler) RegisterVPAHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterVPARequest
	if err := decode(r, &req); err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	if err := h.banks.RegisterVPA(r.Context(), req); err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeactivateVPAHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.banks.DeactivateVPA(r.Context(), mux.Vars(r)["vpa"]); err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunSettlementHandler forms the window containing "at", or the last due
// window when the body is empty.
func (h *Handler) RunSettlementHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SettleRequest
	if err := decode(r, &req); err != nil && !isEmptyBody(err) {
		h.respondWithErr(w, r, err)
		return
	}

	var (
		b   *domain.SettlementBatch
		err error
	)
	if req.At != nil {
		b, err = h.settlement.Form(r.Context(), *req.At)
	} else {
		b, err = h.settlement.RunDue(r.Context())
	}
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewSettlementResponse(b))
}

func (h *Handler) GetSettlementHandler(w http.ResponseWriter, r *http.Request) {
	b, err := h.settlement.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewSettlementResponse(b))
}

func (h *Handler) SubmitReportHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SettlementReportRequest
	if err := decode(r, &req); err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	b, err := h.settlement.SubmitReport(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.respondWithErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewSettlementResponse(b))
}

func isEmptyBody(err error) bool {
	var derr *domain.Error
	return errors.As(err, &derr) && derr.Code == "EMPTY_BODY"
}
