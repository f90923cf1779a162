package offer

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medclear/medclear/internal/credential"
	"github.com/medclear/medclear/internal/payments"
	"github.com/medclear/medclear/pkg/middleware"
	"github.com/medclear/medclear/pkg/response"
)

// SessionHeader carries the biller's session token on negotiation endpoints.
const SessionHeader = "X-Session-Token"

// Handler handles HTTP requests for settlement offers
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// PatientRoutes returns the authenticated patient-facing router
func (h *Handler) PatientRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/bills/{billId}/offers", h.Create)
	r.Get("/bills/{billId}/offers", h.ListByBill)
	r.Get("/offers/{id}", h.GetByID)
	r.Post("/offers/{id}/withdraw", h.Withdraw)
	r.Post("/offers/{id}/accept-counter", h.AcceptCounter)
	r.Post("/offers/{id}/pay", h.InitiatePayment)

	return r
}

// BillerRoutes returns the emailed-link negotiation router. Verify and resend
// run pre-session; everything else requires the session header.
func (h *Handler) BillerRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/{accessCode}/verify", h.VerifyOTP)
	r.Post("/{accessCode}/resend", h.ResendOTP)
	r.Get("/{accessCode}", h.FetchCurrent)
	r.Post("/{accessCode}/accept", h.Accept)
	r.Post("/{accessCode}/counter", h.Counter)
	r.Post("/{accessCode}/reject", h.Reject)
	r.Post("/{accessCode}/onboarding-link", h.OnboardingLink)

	return r
}

// respondError maps service errors onto the API error envelope
func respondError(w http.ResponseWriter, err error) {
	var locked *credential.LockedError
	var tooMany *credential.TooManyAttemptsError
	var invalidCode *credential.InvalidCodeError

	switch {
	case errors.Is(err, ErrOfferNotFound), errors.Is(err, ErrBillNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, ErrNotOwner):
		response.Forbidden(w, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, ErrAmountInvalid), errors.Is(err, ErrBillerNotPayable):
		response.BadRequest(w, err.Error())
	case errors.As(err, &locked):
		response.TooManyRequests(w, "LOCKED", locked.Error())
	case errors.As(err, &tooMany):
		response.TooManyRequests(w, "TOO_MANY_ATTEMPTS", tooMany.Error())
	case errors.As(err, &invalidCode):
		response.Error(w, http.StatusUnauthorized, "INVALID_CODE", invalidCode.Error())
	case errors.Is(err, credential.ErrSessionExpired):
		response.Error(w, http.StatusUnauthorized, "SESSION_EXPIRED", err.Error())
	case errors.Is(err, payments.ErrProcessor):
		response.Error(w, http.StatusBadGateway, "PAYMENT_PROCESSOR_ERROR", err.Error())
	default:
		response.InternalError(w, "Something went wrong")
	}
}

func patientID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "Authentication required")
		return uuid.Nil, false
	}
	return id, true
}

// Create handles POST /bills/{billId}/offers
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := patientID(w, r)
	if !ok {
		return
	}

	billID, err := uuid.Parse(chi.URLParam(r, "billId"))
	if err != nil {
		response.BadRequest(w, "Invalid bill ID")
		return
	}

	var req CreateOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if req.BillerEmail == "" {
		response.BadRequest(w, "biller_email is required")
		return
	}

	offer, err := h.service.CreateOffer(r.Context(), userID, billID, &req)
	if err != nil {
		respondError(w, err)
		return
	}

	response.JSON(w, http.StatusCreated, offer.ToResponse())
}

// ListByBill handles GET /bills/{billId}/offers
func (h *Handler) ListByBill(w http.ResponseWriter, r *http.Request) {
	userID, ok := patientID(w, r)
	if !ok {
		return
	}

	billID, err := uuid.Parse(chi.URLParam(r, "billId"))
	if err != nil {
		response.BadRequest(w, "Invalid bill ID")
		return
	}

	offers, err := h.service.ListByBill(r.Context(), userID, billID)
	if err != nil {
		respondError(w, err)
		return
	}

	responses := make([]*OfferResponse, len(offers))
	for i, o := range offers {
		responses[i] = o.ToResponse()
	}
	response.JSON(w, http.StatusOK, responses)
}

// GetByID handles GET /offers/{id}
func (h *Handler) GetByID(w http.ResponseWriter, r *http.Request) {
	userID, ok := patientID(w, r)
	if !ok {
		return
	}

	offerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid offer ID")
		return
	}

	offer, err := h.service.GetForPatient(r.Context(), userID, offerID)
	if err != nil {
		respondError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, offer.ToResponse())
}

// Withdraw handles POST /offers/{id}/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := patientID(w, r)
	if !ok {
		return
	}

	offerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid offer ID")
		return
	}

	offer, err := h.service.Withdraw(r.Context(), userID, offerID)
	if err != nil {
		respondError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, offer.ToResponse())
}

// AcceptCounter handles POST /offers/{id}/accept-counter
func (h *Handler) AcceptCounter(w http.ResponseWriter, r *http.Request) {
	userID, ok := patientID(w, r)
	if !ok {
		return
	}

	offerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid offer ID")
		return
	}

	offer, err := h.service.AcceptCounter(r.Context(), userID, offerID)
	if err != nil {
		respondError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, offer.ToResponse())
}

// InitiatePayment handles POST /offers/{id}/pay
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := patientID(w, r)
	if !ok {
		return
	}

	offerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid offer ID")
		return
	}

	offer, intent, err := h.service.InitiatePayment(r.Context(), userID, offerID)
	if err != nil {
		respondError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, &PaymentInitiationResponse{
		PaymentIntentID:  intent.ID,
		ClientSecret:     intent.ClientSecret,
		AmountCents:      payments.MinorUnits(*offer.FinalAmount),
		PlatformFeeCents: offer.PlatformFeeCents,
	})
}

// VerifyOTP handles POST /negotiate/{accessCode}/verify
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	offer, token, expiry, err := h.service.VerifyOTP(r.Context(), chi.URLParam(r, "accessCode"), req.Code)
	if err != nil {
		respondError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, &VerifyOTPResponse{
		SessionToken:  token,
		SessionExpiry: expiry,
		Offer:         offer.ToResponse(),
	})
}

// ResendOTP handles POST /negotiate/{accessCode}/resend
func (h *Handler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ResendOTP(r.Context(), chi.URLParam(r, "accessCode")); err != nil {
		respondError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"message": "A new code has been sent"})
}

// FetchCurrent handles GET /negotiate/{accessCode}
func (h *Handler) FetchCurrent(w http.ResponseWriter, r *http.Request) {
	offer, err := h.service.FetchCurrent(r.Context(), chi.URLParam(r, "accessCode"), r.Header.Get(SessionHeader))
	if err != nil {
		respondError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, offer.ToResponse())
}

// Accept handles POST /negotiate/{accessCode}/accept
func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	offer, err := h.service.Accept(r.Context(), chi.URLParam(r, "accessCode"), r.Header.Get(SessionHeader))
	if err != nil {
		respondError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, offer.ToResponse())
}

// Counter handles POST /negotiate/{accessCode}/counter
func (h *Handler) Counter(w http.ResponseWriter, r *http.Request) {
	var req CounterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	offer, err := h.service.Counter(r.Context(), chi.URLParam(r, "accessCode"), r.Header.Get(SessionHeader), &req)
	if err != nil {
		respondError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, offer.ToResponse())
}

// Reject handles POST /negotiate/{accessCode}/reject
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	offer, err := h.service.Reject(r.Context(), chi.URLParam(r, "accessCode"), r.Header.Get(SessionHeader))
	if err != nil {
		respondError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, offer.ToResponse())
}

// OnboardingLink handles POST /negotiate/{accessCode}/onboarding-link
func (h *Handler) OnboardingLink(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.EnsureBillerPayable(r.Context(), chi.URLParam(r, "accessCode"), r.Header.Get(SessionHeader))
	if err != nil {
		respondError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, resp)
}
