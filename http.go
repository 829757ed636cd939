package pbac

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oarkflow/date"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oarkflow/pbac/logger"
)

// ActorHeader names the acting principal for administrative requests.
const ActorHeader = "X-Actor"

const maxBodyBytes = 1 << 20

// AdminHTTPServer exposes authorization, policy, user and audit endpoints.
type AdminHTTPServer struct {
	engine   *Engine
	router   chi.Router
	logger   logger.Logger
	gatherer prometheus.Gatherer
	clock    func() time.Time
}

type AdminServerOption func(*AdminHTTPServer)

func WithAdminLogger(l logger.Logger) AdminServerOption {
	return func(s *AdminHTTPServer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsGatherer serves g on GET /metrics.
func WithMetricsGatherer(g prometheus.Gatherer) AdminServerOption {
	return func(s *AdminHTTPServer) { s.gatherer = g }
}

func NewAdminHTTPServer(engine *Engine, opts ...AdminServerOption) *AdminHTTPServer {
	s := &AdminHTTPServer{
		engine: engine,
		logger: logger.NewNullLogger(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	s.Register(r)
	s.router = r
	return s
}

func (s *AdminHTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Register mounts every endpoint on r.
func (s *AdminHTTPServer) Register(r chi.Router) {
	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/authorize", func(r chi.Router) {
		r.Post("/", s.handleAuthorize)
		r.Post("/explain", s.handleExplain)
		r.Post("/batch", s.handleBatch)
	})

	r.Route("/policies", func(r chi.Router) {
		r.Get("/", s.handleListPolicies)
		r.Post("/", s.handleCreatePolicy)
		r.Post("/simulate", s.handleSimulate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetPolicy)
			r.Put("/", s.handleUpdatePolicy)
			r.Patch("/", s.handleUpdatePolicy)
			r.Delete("/", s.handleDeletePolicy)
			r.Get("/history", s.handlePolicyHistory)
		})
	})

	r.Route("/users", func(r chi.Router) {
		r.Get("/", s.handleListUsers)
		r.Post("/", s.handleCreateUser)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetUser)
			r.Patch("/", s.handleUpdateUser)
			r.Put("/", s.handleUpdateUser)
			r.Delete("/", s.handleDeleteUser)
		})
	})

	r.Get("/audit", s.handleAudit)
}

// ============================================================================
// WIRE TYPES
// ============================================================================

type authorizeRequest struct {
	UserID   string         `json:"userId"`
	Resource string         `json:"resource"`
	Action   string         `json:"action"`
	Context  RequestContext `json:"context"`
}

type authorizeResponse struct {
	Decision        Outcome   `json:"decision"`
	Reason          string    `json:"reason"`
	MatchedPolicyID string    `json:"matchedPolicyId,omitempty"`
	EvaluationTime  time.Time `json:"evaluationTime"`
	Trace           []string  `json:"trace,omitempty"`
}

type batchItem struct {
	authorizeResponse
	Error *errorBody `json:"error,omitempty"`
}

type simulateRequest struct {
	Policy  *Policy          `json:"policy"`
	Request authorizeRequest `json:"request"`
}

type auditResponse struct {
	Entries []*AuditEntry `json:"entries"`
	AuditSummary
}

type errorBody struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

func toResponse(d Decision) authorizeResponse {
	return authorizeResponse{
		Decision:        d.Outcome,
		Reason:          d.Reason,
		MatchedPolicyID: d.MatchedPolicyID,
		EvaluationTime:  d.EvaluatedAt,
		Trace:           d.Trace,
	}
}

func (req authorizeRequest) toDomain(r *http.Request) AuthorizationRequest {
	ctx := req.Context
	if ctx.SourceIP == "" {
		ctx.SourceIP = remoteIP(r)
	}
	return AuthorizationRequest{
		Principal: req.UserID,
		Resource:  req.Resource,
		Action:    req.Action,
		Context:   ctx,
	}
}

func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
		return a
	}
	return "anonymous"
}

// ============================================================================
// HANDLERS
// ============================================================================

func (s *AdminHTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"revision": s.engine.Store().Revision(),
	})
}

func (s *AdminHTTPServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	s.authorize(w, r, false)
}

func (s *AdminHTTPServer) handleExplain(w http.ResponseWriter, r *http.Request) {
	s.authorize(w, r, true)
}

func (s *AdminHTTPServer) authorize(w http.ResponseWriter, r *http.Request, explain bool) {
	var body authorizeRequest
	if !s.decode(w, r, &body) {
		return
	}
	req := body.toDomain(r)
	var (
		d   Decision
		err error
	)
	if explain {
		d, err = s.engine.Explain(r.Context(), req)
	} else {
		d, err = s.engine.Authorize(r.Context(), req)
	}
	if err != nil {
		s.writeDecisionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toResponse(d))
}

func (s *AdminHTTPServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requests []authorizeRequest `json:"requests"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	reqs := make([]AuthorizationRequest, len(body.Requests))
	for i, b := range body.Requests {
		reqs[i] = b.toDomain(r)
	}
	results, err := s.engine.BatchAuthorize(r.Context(), reqs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]batchItem, len(results))
	for i, res := range results {
		if res.Err != nil {
			eb := s.errorBody(res.Err)
			if errors.Is(res.Err, ErrPersistence) {
				eb.Message = "decision_unrecorded"
			}
			out[i] = batchItem{Error: &eb}
			continue
		}
		out[i] = batchItem{authorizeResponse: toResponse(res.Decision)}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *AdminHTTPServer) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var body simulateRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.Policy == nil {
		s.writeError(w, NewValidationError("policy", "policy is required"))
		return
	}
	d, err := s.engine.Simulate(r.Context(), body.Policy, body.Request.toDomain(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toResponse(d))
}

func (s *AdminHTTPServer) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := ListOptions{NameContains: q.Get("name")}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, NewValidationError("active", "must be a boolean"))
			return
		}
		opts.ActiveOnly = active
	}
	policies, err := s.engine.ListPolicies(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, policies)
}

func (s *AdminHTTPServer) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var p Policy
	if !s.decode(w, r, &p) {
		return
	}
	created, err := s.engine.CreatePolicy(r.Context(), actor(r), &p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("ETag", etag(created))
	w.Header().Set("Location", "/policies/"+created.ID)
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *AdminHTTPServer) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	tag := etag(p)
	w.Header().Set("ETag", tag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == tag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *AdminHTTPServer) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var patch PolicyPatch
	if !s.decode(w, r, &patch) {
		return
	}
	updated, err := s.engine.UpdatePolicy(r.Context(), actor(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("ETag", etag(updated))
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *AdminHTTPServer) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeletePolicy(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminHTTPServer) handlePolicyHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	history, supported, err := s.engine.PolicyHistory(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !supported {
		s.writeError(w, &NotFoundError{Kind: "policy history", ID: id})
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *AdminHTTPServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.engine.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, users)
}

func (s *AdminHTTPServer) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var u User
	if !s.decode(w, r, &u) {
		return
	}
	created, err := s.engine.CreateUser(r.Context(), actor(r), &u)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/users/"+created.ID)
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *AdminHTTPServer) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.engine.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, u)
}

func (s *AdminHTTPServer) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var patch UserPatch
	if !s.decode(w, r, &patch) {
		return
	}
	updated, err := s.engine.UpdateUser(r.Context(), actor(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *AdminHTTPServer) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteUser(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminHTTPServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, summary, err := s.engine.QueryAudit(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, auditResponse{Entries: entries, AuditSummary: summary})
}

func parseAuditFilter(r *http.Request) (AuditFilter, error) {
	q := r.URL.Query()
	f := AuditFilter{
		Actor:    q.Get("actor"),
		Action:   q.Get("action"),
		Resource: q.Get("resource"),
		Search:   q.Get("search"),
		Decision: q.Get("decision"),
	}
	if strings.EqualFold(f.Decision, "all") {
		f.Decision = ""
	}
	details := make(map[string]string)
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			details["limit"] = "must be a non-negative integer"
		}
		f.Limit = n
	}
	for key, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := parseQueryTime(v)
		if err != nil {
			details[key] = "unrecognized time"
			continue
		}
		*dst = t
	}
	if len(details) > 0 {
		return AuditFilter{}, &ValidationError{Message: "invalid audit query", Details: details}
	}
	return f, nil
}

func parseQueryTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	return date.Parse(v)
}

// ============================================================================
// RESPONSES
// ============================================================================

func etag(p *Policy) string {
	return `"` + p.Checksum() + `"`
}

func (s *AdminHTTPServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{
			Code:      CodeBadRequest,
			Message:   fmt.Sprintf("malformed JSON body: %v", err),
			Timestamp: s.clock().UTC(),
		})
		return false
	}
	return true
}

func (s *AdminHTTPServer) errorBody(err error) errorBody {
	body := errorBody{
		Code:      ErrorCode(err),
		Message:   err.Error(),
		Timestamp: s.clock().UTC(),
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		body.Details = ve.Details
	}
	if body.Code == CodeInternal || body.Code == CodePersistence {
		// driver messages stay in the log
		body.Message = http.StatusText(HTTPStatus(err))
	}
	return body
}

func (s *AdminHTTPServer) writeError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("admin request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, s.errorBody(err))
}

// writeDecisionError distinguishes decisions that were made but could not be recorded.
func (s *AdminHTTPServer) writeDecisionError(w http.ResponseWriter, err error) {
	if !errors.Is(err, ErrPersistence) {
		s.writeError(w, err)
		return
	}
	s.logger.Error("decision unrecorded", "error", err)
	body := s.errorBody(err)
	body.Message = "decision_unrecorded"
	s.writeJSON(w, http.StatusServiceUnavailable, body)
}

func (s *AdminHTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}
