package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/guidebook/internal/auth"
	"github.com/example/guidebook/internal/booking/domain"
	"github.com/example/guidebook/internal/booking/service"
)

// Services groups the booking components exposed over HTTP.
type Services struct {
	Registry *service.Registry
	Calendar *service.Calendar
	Ledger   *service.Ledger
	Resolver *service.Resolver
	Manager  *service.Manager
}

// HTTP exposes driver, availability and booking endpoints. Every handler
// passes the Gate before touching a service.
type HTTP struct {
	svc      Services
	gate     *auth.Gate
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHTTP constructs a handler.
func NewHTTP(svc Services, gate *auth.Gate, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gate == nil {
		gate = auth.NewGate(logger)
	}
	return &HTTP{svc: svc, gate: gate, validate: validator.New(), logger: logger}
}

// Router builds the chi router. guards run in order after the common
// middlewares and must include one that places an auth.Principal in the
// request context.
func (h *HTTP) Router(guards ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Group(func(r chi.Router) {
		r.Use(guards...)
		r.Get("/v1/availability", h.listAvailability)

		r.Get("/v1/drivers", h.listDrivers)
		r.Post("/v1/drivers", h.registerDriver)
		r.Put("/v1/drivers/{id}/active", h.setDriverActive)
		r.Get("/v1/drivers/{id}/unavailability", h.listUnavailability)
		r.Put("/v1/drivers/{id}/unavailability/{date}", h.addUnavailability)
		r.Delete("/v1/drivers/{id}/unavailability/{date}", h.removeUnavailability)

		r.Post("/v1/bookings", h.createBooking)
		r.Post("/v1/bookings/confirm", h.book)
		r.Get("/v1/bookings/{id}", h.getBooking)
		r.Post("/v1/bookings/{id}/assign", h.assignBooking)
		r.Post("/v1/bookings/{id}/confirm", h.confirmBooking)
		r.Post("/v1/bookings/{id}/cancel", h.cancelBooking)
	})
	return r
}

type availableGuide struct {
	ID    uuid.UUID `json:"guide_id"`
	Name  string    `json:"guide_name"`
	Email string    `json:"guide_email"`
}

func (h *HTTP) listAvailability(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, auth.OpListAvailability, nil) {
		return
	}
	date := r.URL.Query().Get("date")
	drivers, err := h.svc.Resolver.AvailableFor(r.Context(), date)
	if err != nil {
		h.writeError(w, err)
		return
	}
	guides := make([]availableGuide, 0, len(drivers))
	for _, d := range drivers {
		guides = append(guides, availableGuide{ID: d.ID, Name: d.Name, Email: d.Email})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": guides, "date": date})
}

type registerDriverRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"required,email"`
}

func (h *HTTP) listDrivers(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, auth.OpListDrivers, nil) {
		return
	}
	var (
		drivers []domain.Driver
		err     error
	)
	if r.URL.Query().Get("active") == "true" {
		drivers, err = h.svc.Registry.ListActive(r.Context())
	} else {
		drivers, err = h.svc.Registry.List(r.Context())
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, drivers)
}

func (h *HTTP) registerDriver(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, auth.OpRegisterDriver, nil) {
		return
	}
	var payload registerDriverRequest
	if !h.decode(w, r, &payload) {
		return
	}
	driver, err := h.svc.Registry.Register(r.Context(), payload.Name, payload.Email)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, driver)
}

type setActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

func (h *HTTP) setDriverActive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok || !h.allow(w, r, auth.OpSetDriverActive, &id) {
		return
	}
	var payload setActiveRequest
	if !h.decode(w, r, &payload) {
		return
	}
	driver, err := h.svc.Registry.SetActive(r.Context(), id, *payload.Active)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, driver)
}

func (h *HTTP) listUnavailability(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok || !h.allow(w, r, auth.OpListUnavailability, &id) {
		return
	}
	dates, err := h.svc.Calendar.ListForDriver(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if dates == nil {
		dates = []domain.Date{}
	}
	writeData(w, http.StatusOK, dates)
}

func (h *HTTP) addUnavailability(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok || !h.allow(w, r, auth.OpAddUnavailability, &id) {
		return
	}
	date, err := domain.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.svc.Calendar.Add(r.Context(), id, date); err != nil {
		h.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, domain.UnavailabilityRecord{DriverID: id, Date: date})
}

func (h *HTTP) removeUnavailability(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok || !h.allow(w, r, auth.OpRemoveUnavailability, &id) {
		return
	}
	date, err := domain.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.svc.Calendar.Remove(r.Context(), id, date); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

type createBookingRequest struct {
	DriverID string `json:"driver_id" validate:"omitempty,uuid"`
	Date     string `json:"date" validate:"required"`
}

func (h *HTTP) createBooking(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.authorize(w, r, auth.OpCreateBooking)
	if !ok {
		return
	}
	var payload createBookingRequest
	if !h.decode(w, r, &payload) {
		return
	}
	var driverID *uuid.UUID
	if payload.DriverID != "" {
		id := uuid.MustParse(payload.DriverID)
		driverID = &id
	}
	booking, err := h.svc.Manager.Create(r.Context(), service.CreateBookingRequest{
		DriverID:    driverID,
		Date:        payload.Date,
		RequestedBy: principal.Subject,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, booking)
}

type bookRequest struct {
	DriverID string `json:"driver_id" validate:"required,uuid"`
	Date     string `json:"date" validate:"required"`
}

func (h *HTTP) book(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.authorize(w, r, auth.OpBook)
	if !ok {
		return
	}
	var payload bookRequest
	if !h.decode(w, r, &payload) {
		return
	}
	driverID := uuid.MustParse(payload.DriverID)
	booking, err := h.svc.Manager.Book(r.Context(), driverID, payload.Date, principal.Subject)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, booking)
}

func (h *HTTP) getBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	principal, ok := h.authorize(w, r, auth.OpGetBooking)
	if !ok {
		return
	}
	booking, err := h.svc.Ledger.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	// Members only see their own requests; foreign bookings read as missing.
	if principal.Role == auth.RoleMember && booking.RequestedBy != principal.Subject {
		h.writeError(w, fmt.Errorf("booking %s: %w", id, domain.ErrNotFound))
		return
	}
	writeData(w, http.StatusOK, booking)
}

type assignRequest struct {
	DriverID string `json:"driver_id" validate:"required,uuid"`
}

func (h *HTTP) assignBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if _, ok := h.authorize(w, r, auth.OpAssignBooking); !ok {
		return
	}
	var payload assignRequest
	if !h.decode(w, r, &payload) {
		return
	}
	driverID := uuid.MustParse(payload.DriverID)
	booking, err := h.svc.Manager.Assign(r.Context(), id, driverID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, booking)
}

func (h *HTTP) confirmBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok || !h.allow(w, r, auth.OpConfirmBooking, nil) {
		return
	}
	booking, err := h.svc.Manager.Confirm(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, booking)
}

func (h *HTTP) cancelBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok || !h.allow(w, r, auth.OpCancelBooking, nil) {
		return
	}
	booking, err := h.svc.Manager.Cancel(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, booking)
}

func (h *HTTP) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, envelope{Error: "missing token"})
	}
	return p, ok
}

// authorize checks the role grant for op. Handlers call it before reading the body.
func (h *HTTP) authorize(w http.ResponseWriter, r *http.Request, op auth.Operation) (auth.Principal, bool) {
	p, ok := h.principal(w, r)
	if !ok {
		return p, false
	}
	if err := h.gate.Check(p, op, nil); err != nil {
		h.writeError(w, err)
		return p, false
	}
	return p, true
}

func (h *HTTP) allow(w http.ResponseWriter, r *http.Request, op auth.Operation, target *uuid.UUID) bool {
	p, ok := h.principal(w, r)
	if !ok {
		return false
	}
	if err := h.gate.Check(p, op, target); err != nil {
		h.writeError(w, err)
		return false
	}
	return true
}

func (h *HTTP) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *HTTP) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "malformed body"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeJSON(w, http.StatusBadRequest, envelope{Error: fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())})
			return false
		}
		writeJSON(w, http.StatusBadRequest, envelope{Error: err.Error()})
		return false
	}
	return true
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, envelope{Error: msg})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrSlotTaken):
		return http.StatusConflict, domain.ErrSlotTaken.Error()
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, domain.ErrForbidden.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrDriverUnavailable):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
