// Package httpapi exposes the dispatch operations over HTTP.
//
// All routes expect an x-user-id header forwarded by the gateway; this
// service never verifies credentials itself.
//
// Routes:
//
//	POST /jobs                        → create job and start search
//	GET  /jobs                        → list caller's jobs
//	GET  /jobs/open                   → recent open jobs (technician browse)
//	GET  /jobs/{id}                   → job detail (parties only)
//	POST /jobs/{id}/accept            → technician accepts (first one wins)
//	POST /jobs/{id}/price             → technician proposes price
//	POST /jobs/{id}/price/confirm     → customer confirms price
//	POST /jobs/{id}/price/reject      → customer rejects / counter-offers
//	POST /jobs/{id}/complete          → technician completes
//	POST /jobs/{id}/rate              → customer rates
//	POST /jobs/{id}/cancel            → either party cancels
//	POST /technicians/location        → technician location update
//	POST /technicians/status          → technician online/offline toggle
//	GET  /notifications               → inbox, newest first
//	GET  /notifications/unread-count  → unread badge count
//	POST /notifications/{id}/read     → mark one read
//	POST /notifications/read-all      → mark all read
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"khidma/dispatch-service/internal/geo"
	"khidma/dispatch-service/internal/job"
	"khidma/dispatch-service/internal/notify"
)

// openJobsWindow bounds how old a pending job may be and still show up in
// the technician browse list.
const openJobsWindow = 12 * time.Hour

// Handler holds shared dependencies.
type Handler struct {
	jobs     *job.Service
	presence *geo.Presence
	inbox    *notify.Service
}

// NewHandler returns a configured Handler.
func NewHandler(jobs *job.Service, presence *geo.Presence, inbox *notify.Service) *Handler {
	return &Handler{jobs: jobs, presence: presence, inbox: inbox}
}

// RegisterRoutes mounts all dispatch-service routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/jobs", h.createJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs", h.listMyJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/open", h.listOpenJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", h.getJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/accept", h.acceptJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/price", h.setPrice).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/price/confirm", h.confirmPrice).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/price/reject", h.rejectPrice).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/complete", h.completeJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/rate", h.rateJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/cancel", h.cancelJob).Methods(http.MethodPost)

	r.HandleFunc("/technicians/location", h.updateLocation).Methods(http.MethodPost)
	r.HandleFunc("/technicians/status", h.toggleStatus).Methods(http.MethodPost)

	r.HandleFunc("/notifications", h.listNotifications).Methods(http.MethodGet)
	r.HandleFunc("/notifications/unread-count", h.unreadCount).Methods(http.MethodGet)
	r.HandleFunc("/notifications/read-all", h.markAllRead).Methods(http.MethodPost)
	r.HandleFunc("/notifications/{id}/read", h.markRead).Methods(http.MethodPost)
}

// ─── Job lifecycle ───────────────────────────────────────────────────────────

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var body struct {
		ServiceID    string  `json:"serviceId"`
		Lat          float64 `json:"lat"`
		Lng          float64 `json:"lng"`
		AddressText  string  `json:"addressText"`
		Description  *string `json:"description"`
		InitialPrice float64 `json:"initialPrice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	j, err := h.jobs.Create(r.Context(), job.CreateParams{
		CustomerID:   userID,
		ServiceID:    body.ServiceID,
		Lat:          body.Lat,
		Lng:          body.Lng,
		AddressText:  body.AddressText,
		Description:  body.Description,
		InitialPrice: body.InitialPrice,
	})
	if err != nil {
		writeJobError(w, err)
		return
	}
	jsonWrite(w, http.StatusCreated, j)
}

func (h *Handler) listMyJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	jobs, err := h.jobs.ListMine(r.Context(), userID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	jsonOK(w, jobs)
}

func (h *Handler) listOpenJobs(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerID(w, r); !ok {
		return
	}

	page, limit := pagination(r)
	jobs, err := h.jobs.ListOpen(r.Context(), time.Now().Add(-openJobsWindow), limit, (page-1)*limit)
	if err != nil {
		writeJobError(w, err)
		return
	}
	jsonOK(w, jobs)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	j, err := h.jobs.Get(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	jsonOK(w, j)
}

func (h *Handler) acceptJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	j, err := h.jobs.Accept(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	jsonOK(w, j)
}

func (h *Handler) setPrice(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var body struct {
		Price float64 `json:"price"`
		Notes *string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	j, err := h.jobs.SetPrice(r.Context(), mux.Vars(r)["id"], userID, body.Price, body.Notes)
	if err != nil {
		writeJobError(w, err)
		return
	}
	jsonOK(w, j)
}

func (h *Handler) confirmPrice(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	j, err := h.jobs.ConfirmPrice(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	jsonOK(w, j)
}

func (h *Handler) rejectPrice(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var body struct {
		CounterOffer *float64 `json:"counterOffer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	j, err := h.jobs.RejectPrice(r.Context(), mux.Vars(r)["id"], userID, body.CounterOffer)
	if err != nil {
		writeJobError(w, err)
		return
	}
	jsonOK(w, j)
}

func (h *Handler) completeJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	j, err := h.jobs.Complete(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	jsonOK(w, j)
}

func (h *Handler) rateJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var body struct {
		Rating int     `json:"rating"`
		Review *string `json:"review"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	j, err := h.jobs.Rate(r.Context(), mux.Vars(r)["id"], userID, body.Rating, body.Review)
	if err != nil {
		writeJobError(w, err)
		return
	}
	jsonOK(w, j)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var body struct {
		Reason *string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	j, err := h.jobs.Cancel(r.Context(), mux.Vars(r)["id"], userID, body.Reason)
	if err != nil {
		writeJobError(w, err)
		return
	}
	jsonOK(w, j)
}

// ─── Technician presence ─────────────────────────────────────────────────────

func (h *Handler) updateLocation(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var body struct {
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Lat == nil || body.Lng == nil {
		jsonError(w, "body must contain lat and lng", http.StatusBadRequest)
		return
	}

	t, err := h.presence.UpdateLocation(r.Context(), userID, *body.Lat, *body.Lng)
	if err != nil {
		writePresenceError(w, err)
		return
	}
	jsonOK(w, t)
}

func (h *Handler) toggleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var body struct {
		IsOnline *bool `json:"isOnline"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IsOnline == nil {
		jsonError(w, "body must contain isOnline", http.StatusBadRequest)
		return
	}

	t, err := h.presence.SetOnline(r.Context(), userID, *body.IsOnline)
	if err != nil {
		writePresenceError(w, err)
		return
	}
	jsonOK(w, t)
}

// ─── Notifications ───────────────────────────────────────────────────────────

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	page, limit := pagination(r)
	unreadOnly := r.URL.Query().Get("unreadOnly") == "true"

	list, err := h.inbox.List(r.Context(), userID, unreadOnly, limit, (page-1)*limit)
	if err != nil {
		slog.Error("list notifications failed", "err", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	jsonOK(w, list)
}

func (h *Handler) unreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	count, err := h.inbox.UnreadCount(r.Context(), userID)
	if err != nil {
		slog.Error("unread count failed", "err", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	jsonOK(w, map[string]int{"unreadCount": count})
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	if err := h.inbox.MarkRead(r.Context(), userID, mux.Vars(r)["id"]); err != nil {
		slog.Error("mark read failed", "err", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	jsonOK(w, map[string]bool{"ok": true})
}

func (h *Handler) markAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	if err := h.inbox.MarkAllRead(r.Context(), userID); err != nil {
		slog.Error("mark all read failed", "err", err)
		jsonError(w, "database error", http.StatusInternalServerError)
		return
	}
	jsonOK(w, map[string]bool{"ok": true})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// callerID extracts the x-user-id header set by the gateway. When missing it
// writes the 401 itself and reports !ok.
func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("x-user-id")
	if userID == "" {
		jsonError(w, "missing x-user-id header", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func pagination(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = 20
	}
	if limit > 50 {
		limit = 50
	}
	return page, limit
}

// writeJobError maps job domain errors to HTTP statuses. Business and state
// errors are never 5xx: they describe a request that cannot succeed, not a
// system fault.
func writeJobError(w http.ResponseWriter, err error) {
	var (
		ve *job.ValidationError
		te *job.InvalidTransitionError
	)
	switch {
	case errors.As(err, &ve):
		jsonError(w, ve.Msg, http.StatusBadRequest)
	case errors.As(err, &te):
		jsonError(w, te.Error(), http.StatusConflict)
	case errors.Is(err, job.ErrNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, job.ErrJobTaken), errors.Is(err, job.ErrAlreadyRated),
		errors.Is(err, job.ErrConflict):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, job.ErrUnauthorized):
		jsonError(w, err.Error(), http.StatusForbidden)
	default:
		slog.Error("job operation failed", "err", err)
		jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}

func writePresenceError(w http.ResponseWriter, err error) {
	if errors.Is(err, geo.ErrTechnicianNotFound) {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	slog.Error("presence update failed", "err", err)
	jsonError(w, "internal server error", http.StatusInternalServerError)
}

func jsonOK(w http.ResponseWriter, v any) {
	jsonWrite(w, http.StatusOK, v)
}

func jsonWrite(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
