package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"quietcal/internal/advisor"
	"quietcal/internal/app"
	"quietcal/internal/apperr"
	"quietcal/internal/interval"
	"quietcal/internal/ledger"
	appLog "quietcal/internal/log"
	"quietcal/internal/model"
	"quietcal/internal/store"
)

// OwnerHeader selects the owner when basic auth does not.
const OwnerHeader = "X-Owner-ID"

// Server exposes layout, conflicts and the resolution ledger over JSON.
type Server struct {
	app *app.App
	mux *http.ServeMux
}

func NewServer(a *app.App) *Server {
	s := &Server{app: a, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// Handler returns the routed handler, wrapped in basic auth when
// configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled")
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	ba := s.app.Config.BasicAuth
	return ba != nil && ba.Username != "" && ba.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.app.Config.BasicAuth.Username
	password := s.app.Config.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="quietcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/layout", s.withOwner(s.handleLayout))
	s.mux.HandleFunc("GET /api/conflicts", s.withOwner(s.handleConflicts))
	s.mux.HandleFunc("POST /api/scan", s.withOwner(s.handleScan))
	s.mux.HandleFunc("GET /api/conflicts/{id}/suggestion", s.withOwner(s.handleSuggestion))
	s.mux.HandleFunc("POST /api/conflicts/{id}/resolve", s.withOwner(s.handleResolve))
	s.mux.HandleFunc("POST /api/conflicts/{id}/dismiss", s.withOwner(s.handleDismiss))
	s.mux.HandleFunc("POST /api/undo", s.withOwner(s.handleUndo))
	s.mux.HandleFunc("GET /api/actions", s.withOwner(s.handleActions))
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, owner string)

// withOwner resolves the acting owner: the X-Owner-ID header, else the
// basic auth user.
func (s *Server) withOwner(h ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			owner, _, _ = r.BasicAuth()
		}
		if owner == "" {
			writeError(w, http.StatusBadRequest, "missing "+OwnerHeader+" header")
			return
		}
		h(w, r, owner)
	}
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request, owner string) {
	view, err := s.app.Scan.Layout(r.Context(), owner, r.URL.Query().Get("date"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request, owner string) {
	q := r.URL.Query()
	f := store.ConflictFilter{Status: model.ConflictStatus(q.Get("status"))}
	if d := q.Get("date"); d != "" {
		day, err := s.app.Scan.Day(d)
		if err != nil {
			writeAppError(w, err)
			return
		}
		f.DateISO = interval.DateISO(day)
	}
	cs, err := s.app.Store.ListConflicts(r.Context(), owner, f)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if cs == nil {
		cs = []model.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": cs})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request, owner string) {
	rep, err := s.app.Scan.ScanDay(r.Context(), owner, r.URL.Query().Get("date"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type suggestionResponse struct {
	ConflictID   string            `json:"conflict_id"`
	Patch        model.PatchSpec   `json:"patch"`
	Alternatives []model.PatchSpec `json:"alternatives,omitempty"`
	Confidence   float64           `json:"confidence"`
	Source       string            `json:"source"`
	Rationale    string            `json:"rationale,omitempty"`
}

func toSuggestion(conflictID string, a advisor.Advice) suggestionResponse {
	out := suggestionResponse{
		ConflictID: conflictID,
		Confidence: a.Confidence,
		Source:     a.Source,
		Rationale:  a.Rationale,
	}
	if a.Patch != nil {
		out.Patch = a.Patch.Spec()
	}
	for _, p := range a.Alternatives {
		out.Alternatives = append(out.Alternatives, p.Spec())
	}
	return out
}

func (s *Server) handleSuggestion(w http.ResponseWriter, r *http.Request, owner string) {
	id := r.PathValue("id")
	_, advice, err := s.app.Ledger.Suggest(r.Context(), owner, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSuggestion(id, advice))
}

// resolveRequest is a PatchSpec, or {"use_suggestion": true}.
type resolveRequest struct {
	model.PatchSpec
	UseSuggestion bool `json:"use_suggestion,omitempty"`
}

type outcomeResponse struct {
	Conflict   model.Conflict         `json:"conflict"`
	Event      *model.Event           `json:"event,omitempty"`
	Action     *model.AutopilotAction `json:"action,omitempty"`
	UndoToken  string                 `json:"undo_token,omitempty"`
	NoOp       bool                   `json:"noop,omitempty"`
	Suggestion *suggestionResponse    `json:"suggestion,omitempty"`
}

func toOutcome(o ledger.Outcome) outcomeResponse {
	out := outcomeResponse{Conflict: o.Conflict, Action: o.Action, NoOp: o.NoOp}
	if o.Event.ID != "" {
		ev := o.Event
		out.Event = &ev
	}
	if o.Action != nil && o.Action.Action != model.ActionUndo {
		out.UndoToken = o.Action.UndoToken
	}
	return out
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, owner string) {
	id := r.PathValue("id")
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, err)
		return
	}

	if req.UseSuggestion {
		if req.PatchSpec != (model.PatchSpec{}) {
			writeAppError(w, apperr.Validation("web.resolve", "use_suggestion cannot be combined with a patch"))
			return
		}
		out, advice, err := s.app.Ledger.ApplySuggested(r.Context(), owner, id, owner)
		if err != nil {
			writeAppError(w, err)
			return
		}
		resp := toOutcome(out)
		sug := toSuggestion(id, advice)
		resp.Suggestion = &sug
		writeJSON(w, http.StatusOK, resp)
		return
	}

	p, err := req.PatchSpec.Patch()
	if err != nil {
		writeAppError(w, err)
		return
	}
	out, err := s.app.Ledger.Apply(r.Context(), owner, id, p, owner)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcome(out))
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request, owner string) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	out, err := s.app.Ledger.Dismiss(r.Context(), owner, r.PathValue("id"), owner, req.Reason)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcome(out))
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request, owner string) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	out, err := s.app.Ledger.Undo(r.Context(), owner, req.Token, owner)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutcome(out))
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request, owner string) {
	as, err := s.app.Store.ListActions(r.Context(), owner, r.URL.Query().Get("conflict"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	if as == nil {
		as = []model.AutopilotAction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": as})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.app.Refresh(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("web.decode", "bad request body: %v", err)
	}
	return nil
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.ErrValidation:
		return http.StatusBadRequest
	case apperr.ErrNotFound:
		return http.StatusNotFound
	case apperr.ErrConflictState:
		return http.StatusConflict
	case apperr.ErrUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeAppError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		appLog.Error("api request failed", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
