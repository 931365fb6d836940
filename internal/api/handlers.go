package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/orchestrator"
	"github.com/aircon-ledger/aircon-remote/internal/projection"
	"github.com/aircon-ledger/aircon-remote/internal/session"
	"github.com/aircon-ledger/aircon-remote/internal/storage"
)

// ========== Auth handlers ==========

// HandleLogin handles operator login
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.authenticator.Authenticate(req.Username, req.Password); err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expires, err := s.auth.GenerateToken(req.Username, s.session.Account())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"expires_at":   expires,
		"expires_in":   int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":   "Bearer",
	})
}

// ========== State handlers ==========

// stateResponse is the device view plus connection status
type stateResponse struct {
	projection.View
	Status  session.Status `json:"status"`
	Account string         `json:"account"`
	Busy    bool           `json:"busy"`
}

func (s *RESTServer) currentState() stateResponse {
	return stateResponse{
		View:    s.session.Projection.Snapshot(),
		Status:  s.session.Status(),
		Account: s.session.Account(),
		Busy:    s.session.Orchestrator.Busy(),
	}
}

// HandleGetState returns the projected device state
func (s *RESTServer) HandleGetState(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.currentState())
}

// HandleRefresh requests an immediate full-state read
func (s *RESTServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	s.session.Poller.Trigger()
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "refresh scheduled"})
}

// ========== Log handlers ==========

// HandleListLogs lists the retained activity log newest first
func (s *RESTServer) HandleListLogs(w http.ResponseWriter, r *http.Request) {
	limit := -1
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries := s.session.Log.Recent(limit)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries":  entries,
		"total":    len(entries),
		"capacity": s.session.Log.Capacity(),
	})
}

// HandleListArchivedLogs lists archived entries with filters
func (s *RESTServer) HandleListArchivedLogs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusNotFound, "activity archive is not enabled")
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	var filters storage.ActivityFilters
	if v := q.Get("origin"); v != "" {
		filters.Origin = &v
	}
	if v := q.Get("severity"); v != "" {
		sev := models.Severity(v)
		filters.Severity = &sev
	}
	if v := q.Get("handle"); v != "" {
		filters.RemoteHandle = &v
	}
	if v := q.Get("self"); v != "" {
		self, err := strconv.ParseBool(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid self filter")
			return
		}
		filters.SelfOnly = &self
	}
	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid start_time")
			return
		}
		filters.StartTime = &t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid end_time")
			return
		}
		filters.EndTime = &t
	}

	entries, total, err := s.store.ListActivity(r.Context(), filters, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list archived activity")
		s.respondError(w, http.StatusInternalServerError, "failed to list activity")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// ========== Request handlers ==========

// HandleListPending lists submitted requests awaiting settlement
func (s *RESTServer) HandleListPending(w http.ResponseWriter, r *http.Request) {
	pending := s.session.Orchestrator.Pending()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"requests": pending,
		"total":    len(pending),
		"busy":     s.session.Orchestrator.Busy(),
	})
}

type prepareRequest struct {
	Kind string `json:"kind" validate:"required"`
}

type confirmRequest struct {
	Annotation string `json:"annotation" validate:"max=100"`
}

type submitRequest struct {
	Kind       string `json:"kind" validate:"required"`
	Annotation string `json:"annotation" validate:"max=100"`
}

// HandlePrepareRequest validates an intent and returns it for confirmation
func (s *RESTServer) HandlePrepareRequest(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if !s.decode(w, r, &req) {
		return
	}

	kind, err := models.ParseRequestKind(req.Kind)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	intent, err := s.session.Orchestrator.Prepare(kind)
	if err != nil {
		s.respondRequestError(w, err, nil)
		return
	}

	s.respondJSON(w, http.StatusCreated, intent)
}

// HandleConfirmRequest submits a prepared intent and waits for the outcome
func (s *RESTServer) HandleConfirmRequest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request id")
		return
	}

	var req confirmRequest
	if !s.decode(w, r, &req) {
		return
	}

	// the write outlives a client that stops waiting for it
	outcome, err := s.session.Orchestrator.Confirm(detach(r), id, req.Annotation)
	s.respondOutcome(w, outcome, err)
}

// HandleCancelRequest discards a prepared intent
func (s *RESTServer) HandleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request id")
		return
	}

	outcome, err := s.session.Orchestrator.Cancel(id)
	s.respondOutcome(w, outcome, err)
}

// HandleSubmitRequest prepares and confirms in one call
func (s *RESTServer) HandleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !s.decode(w, r, &req) {
		return
	}

	kind, err := models.ParseRequestKind(req.Kind)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := s.session.Orchestrator.Submit(detach(r), kind, req.Annotation)
	s.respondOutcome(w, outcome, err)
}

// ========== Misc handlers ==========

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.session.Status()
	code := http.StatusOK
	if status == session.StatusDisconnected {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, map[string]interface{}{
		"status":     "healthy",
		"connection": status,
		"time":       time.Now(),
	})
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": s.config.Server.Name,
		"version": s.config.Server.Version,
		"health":  "/api/v1/health",
		"state":   "/api/v1/state",
		"stream":  "/api/v1/stream",
	})
}

// ========== Response helpers ==========

// detach returns the request context without its cancellation
func detach(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (s *RESTServer) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validator.Validate(v); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// respondOutcome writes an orchestrator outcome. Timed-out waits are not
// errors: the outcome says the state will refresh.
func (s *RESTServer) respondOutcome(w http.ResponseWriter, outcome *orchestrator.Outcome, err error) {
	if err == nil {
		s.respondJSON(w, http.StatusOK, outcome)
		return
	}
	s.respondRequestError(w, err, outcome)
}

func (s *RESTServer) respondRequestError(w http.ResponseWriter, err error, outcome *orchestrator.Outcome) {
	var rerr *orchestrator.RequestError
	if !errors.As(err, &rerr) {
		log.Error().Err(err).Msg("Unclassified request error")
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.respondJSON(w, statusFor(rerr.Code), map[string]interface{}{
		"error":   orchestrator.Truncate(rerr.Error(), orchestrator.MaxDisplayLength),
		"code":    rerr.Code,
		"silent":  rerr.Silent(),
		"outcome": outcome,
	})
}

func statusFor(code orchestrator.Code) int {
	switch code {
	case orchestrator.CodeInvalidInput:
		return http.StatusBadRequest
	case orchestrator.CodeInvalidState, orchestrator.CodeBusy:
		return http.StatusConflict
	case orchestrator.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case orchestrator.CodeRemoteRejected:
		return http.StatusUnprocessableEntity
	case orchestrator.CodeUserCancelled:
		return http.StatusOK
	case orchestrator.CodeNetworkUnstable:
		return http.StatusServiceUnavailable
	case orchestrator.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
