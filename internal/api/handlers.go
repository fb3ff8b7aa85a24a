// Package api exposes the owner-facing HTTP surface of the progression engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"example.com/ecoprogress/internal/auth"
	"example.com/ecoprogress/internal/domain"
	"example.com/ecoprogress/internal/persistence"
)

const maxBodyBytes = 1 << 20

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
	logger  *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/activities", h.activities)
	mux.HandleFunc("/v1/activities/", h.activityByID)
	mux.HandleFunc("/v1/profile", h.profile)
	mux.HandleFunc("/v1/sync", h.sync)
	mux.HandleFunc("/v1/dashboard", h.dashboard)
	mux.HandleFunc("/v1/trend", h.trend)
	mux.HandleFunc("/v1/gamification", h.gamification)
	mux.HandleFunc("/v1/leaderboard", h.leaderboard)
	mux.HandleFunc("/v1/rank", h.rank)
	mux.HandleFunc("/v1/impact", h.impact)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// authorize returns the caller's claims, writing 401/403 itself when the
// request may not proceed.
func authorize(w http.ResponseWriter, r *http.Request, write bool) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if write && !claims.HasScope(auth.ScopeActivitiesWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope activities:write required")
		return nil, false
	}
	if !write && !claims.CanRead() {
		writeError(w, http.StatusForbidden, "forbidden", "scope activities:read required")
		return nil, false
	}
	return claims, true
}

func (h *Handler) activities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.logActivity(w, r)
	case http.MethodGet:
		h.listActivities(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *Handler) activityByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/activities/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing activity id")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}

	claims, ok := authorize(w, r, true)
	if !ok {
		return
	}
	if err := h.service.RemoveActivity(r.Context(), claims.OwnerID(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) logActivity(w http.ResponseWriter, r *http.Request) {
	claims, ok := authorize(w, r, true)
	if !ok {
		return
	}

	var req LogActivityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	details, err := req.Details()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	in := domain.LogActivityInput{
		OwnerID:        claims.OwnerID(),
		Details:        details,
		State:          domain.ProcessingState(strings.ToLower(strings.TrimSpace(req.State))),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	if req.OccurredAt != nil {
		in.OccurredAt = *req.OccurredAt
	}

	activity, replay, err := h.service.LogActivity(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	status := http.StatusCreated
	if replay {
		status = http.StatusOK
	}
	writeJSON(w, status, LogActivityResponse{Activity: toActivityView(*activity), Replay: replay})
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	claims, ok := authorize(w, r, false)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := domain.ActivityFilter{}
	var err error
	if filter.From, err = parseTimeParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "from: "+err.Error())
		return
	}
	if filter.To, err = parseTimeParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "to: "+err.Error())
		return
	}
	if raw := q.Get("category"); raw != "" {
		if filter.Category, err = domain.ParseCategory(raw); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	}
	if filter.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "limit must be an integer")
		return
	}
	if filter.Cursor, err = persistence.DecodeCursor(q.Get("cursor")); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	items, next, err := h.service.ListActivities(r.Context(), claims.OwnerID(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := ListActivitiesResponse{Items: make([]ActivityView, 0, len(items)), NextCursor: persistence.EncodeCursor(next)}
	for _, a := range items {
		resp.Items = append(resp.Items, toActivityView(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		claims, ok := authorize(w, r, false)
		if !ok {
			return
		}
		profile, err := h.service.Profile(r.Context(), claims.OwnerID())
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toProfileView(profile))
	case http.MethodPut:
		claims, ok := authorize(w, r, true)
		if !ok {
			return
		}
		var req ProfileRequest
		if !decodeBody(w, r, &req) {
			return
		}
		profile, err := h.service.RegisterOwner(r.Context(), domain.RegisterOwnerInput{
			OwnerID:        claims.OwnerID(),
			DisplayName:    req.DisplayName,
			State:          req.State,
			City:           req.City,
			CarbonBudgetKg: req.CarbonBudgetKg,
		})
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toProfileView(profile))
	default:
		methodNotAllowed(w)
	}
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	claims, ok := authorize(w, r, true)
	if !ok {
		return
	}
	result, err := h.service.SyncPending(r.Context(), claims.OwnerID())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{
		Processed:       result.Processed,
		XPGained:        result.XPGained,
		CoinsGained:     result.CoinsGained,
		EmissionAddedKg: result.EmissionAddedKg,
	})
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	claims, ok := authorize(w, r, false)
	if !ok {
		return
	}
	dashboard, err := h.service.Dashboard(r.Context(), claims.OwnerID())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dashboard)
}

func (h *Handler) trend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	claims, ok := authorize(w, r, false)
	if !ok {
		return
	}
	months, err := intParam(r.URL.Query().Get("months"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "months must be an integer")
		return
	}
	trend, err := h.service.MonthlyTrend(r.Context(), claims.OwnerID(), months)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trend": trend})
}

func (h *Handler) gamification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	claims, ok := authorize(w, r, false)
	if !ok {
		return
	}
	stats, err := h.service.GamificationStats(r.Context(), claims.OwnerID())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if _, ok := authorize(w, r, false); !ok {
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "limit must be an integer")
		return
	}
	entries, err := h.service.Leaderboard(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) rank(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	claims, ok := authorize(w, r, false)
	if !ok {
		return
	}
	scope, err := domain.ParseRankScope(r.URL.Query().Get("scope"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	result, err := h.service.RankOf(r.Context(), claims.OwnerID(), scope)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) impact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if _, ok := authorize(w, r, false); !ok {
		return
	}
	impact, err := h.service.GlobalImpact(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, impact)
}

// writeDomainError maps the domain error taxonomy onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "validation_failed", verr.Error())
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrOwnerUnresolved):
		writeError(w, http.StatusNotFound, "owner_not_found", "no profile registered for this owner")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "activity belongs to another owner")
	case errors.Is(err, domain.ErrActivityNotFound):
		writeError(w, http.StatusNotFound, "not_found", "activity not found")
	case errors.Is(err, domain.ErrRankUnavailable):
		writeError(w, http.StatusUnprocessableEntity, "rank_unavailable", "profile has no value for the requested scope")
	case errors.Is(err, domain.ErrPersistence):
		loggerFrom(r.Context(), h.logger).Error("storage failure", zap.Error(err))
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "retryable", "storage temporarily unavailable")
	default:
		loggerFrom(r.Context(), h.logger).Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body: "+err.Error())
		return false
	}
	return true
}

// parseTimeParam accepts RFC 3339 timestamps or bare dates (UTC midnight).
func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"type":   code,
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
