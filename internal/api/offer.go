package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tastyrock/negotiator/internal/domain"
	"github.com/tastyrock/negotiator/internal/identity"
)

// OfferHandler serves the offer store endpoints.
type OfferHandler struct {
	*Handler

	// makeLocks rejects concurrent make_offer requests for the same pair.
	makeLocks sync.Map
}

// NewOfferHandler creates a new offer handler.
func NewOfferHandler(base *Handler) *OfferHandler {
	return &OfferHandler{Handler: base}
}

// RegisterRoutes registers offer routes.
func (h *OfferHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/offer", func(r chi.Router) {
		r.Post("/make_offer", h.MakeOffer)
		r.Post("/update_offer", h.UpdateOffer)
		r.Post("/update_status_offer", h.UpdateStatus)
		r.Get("/{offerID}", h.GetOffer)
	})
}

type makeOfferRequest struct {
	TraderID string `json:"trader_id"`
	BuyerID  string `json:"buyer_id"`
}

type updateOfferRequest struct {
	OfferID string        `json:"offer_id"`
	Items   []domain.Item `json:"items"`
}

type updateStatusRequest struct {
	OfferID string `json:"offer_id"`
	Status  string `json:"status"`
}

// MakeOffer allocates a new offer id for a buyer/trader pair.
func (h *OfferHandler) MakeOffer(w http.ResponseWriter, r *http.Request) {
	var req makeOfferRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := identity.ValidateParticipantID("buyer_id", req.BuyerID); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := identity.ValidateParticipantID("trader_id", req.TraderID); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	pair := req.BuyerID + "|" + req.TraderID
	lock, _ := h.makeLocks.LoadOrStore(pair, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		h.log.Warn("Offer allocation already in progress", "buyer_id", req.BuyerID, "trader_id", req.TraderID)
		Error(w, http.StatusConflict, "allocation_in_progress")
		return
	}
	defer func() {
		mutex.Unlock()
		h.makeLocks.Delete(pair)
	}()

	now := time.Now()
	offer := &domain.OfferRecord{
		OfferID:   uuid.NewString(),
		BuyerID:   req.BuyerID,
		TraderID:  req.TraderID,
		Status:    domain.StatusEmpty,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateOffer(r.Context(), offer); err != nil {
		h.log.Error("Failed to create offer", "error", err, "buyer_id", req.BuyerID, "trader_id", req.TraderID)
		Error(w, http.StatusInternalServerError, "failed to create offer")
		return
	}

	h.log.Info("Offer created", "offer_id", offer.OfferID, "buyer_id", req.BuyerID, "trader_id", req.TraderID)
	JSON(w, http.StatusOK, map[string]string{"offer_id": offer.OfferID})
}

// UpdateOffer replaces the offer's items and returns what changed.
func (h *OfferHandler) UpdateOffer(w http.ResponseWriter, r *http.Request) {
	var req updateOfferRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OfferID == "" {
		Error(w, http.StatusBadRequest, "offer_id is required")
		return
	}
	if err := domain.ValidateItems(req.Items); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	prev, first, err := h.repo.ReplaceOfferItems(r.Context(), req.OfferID, req.Items)
	if err != nil {
		h.writeStoreError(w, err, "failed to update offer", req.OfferID)
		return
	}

	diff := domain.ComputeDiff(prev, req.Items, first)
	h.log.Info("Offer updated", "offer_id", req.OfferID, "total_count", diff.TotalCount, "total_price", diff.TotalPrice)
	JSON(w, http.StatusOK, map[string]interface{}{"diff": diff})
}

// UpdateStatus moves an offer to ACCEPTED or PAY_PROCESS.
func (h *OfferHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	next, err := domain.ParseStatus(req.Status)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	offer, err := h.repo.GetOffer(ctx, req.OfferID)
	if err != nil {
		h.writeStoreError(w, err, "failed to load offer", req.OfferID)
		return
	}
	if offer == nil {
		Error(w, http.StatusNotFound, "offer not found")
		return
	}
	if !offer.Status.CanMoveTo(next) {
		Error(w, http.StatusConflict, "cannot move offer from "+string(offer.Status)+" to "+string(next))
		return
	}

	if err := h.repo.UpdateOfferStatus(ctx, req.OfferID, offer.Status, next); err != nil {
		h.writeStoreError(w, err, "failed to update offer status", req.OfferID)
		return
	}

	h.log.Info("Offer status updated", "offer_id", req.OfferID, "from", offer.Status, "to", next)
	JSON(w, http.StatusOK, map[string]string{"offer_id": req.OfferID, "status": string(next)})
}

// GetOffer returns the stored offer.
func (h *OfferHandler) GetOffer(w http.ResponseWriter, r *http.Request) {
	offerID := chi.URLParam(r, "offerID")
	offer, err := h.repo.GetOffer(r.Context(), offerID)
	if err != nil {
		h.writeStoreError(w, err, "failed to load offer", offerID)
		return
	}
	if offer == nil {
		Error(w, http.StatusNotFound, "offer not found")
		return
	}
	JSON(w, http.StatusOK, offer)
}

func (h *OfferHandler) writeStoreError(w http.ResponseWriter, err error, msg, offerID string) {
	switch {
	case errors.Is(err, domain.ErrOfferNotFound):
		Error(w, http.StatusNotFound, "offer not found")
	case errors.Is(err, domain.ErrInvalidStatus):
		Error(w, http.StatusConflict, err.Error())
	default:
		h.log.Error(msg, "error", err, "offer_id", offerID)
		Error(w, http.StatusInternalServerError, msg)
	}
}
