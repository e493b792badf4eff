package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/yairfalse/itamrec/policy"
	"github.com/yairfalse/itamrec/reconciler"
	"github.com/yairfalse/itamrec/schema"
	"github.com/yairfalse/itamrec/source"
	"github.com/yairfalse/itamrec/types"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	// Applied is false when a reconcile request did not take effect
	Applied *bool `json:"applied,omitempty"`
}

// StateResponse is returned by GET /api/v1/state
type StateResponse struct {
	State    types.RunState      `json:"state"`
	Snapshot *types.SnapshotMeta `json:"snapshot,omitempty"`
}

// SourcesResponse is returned by GET /api/v1/sources
type SourcesResponse struct {
	ITAM   []source.Info `json:"itam"`
	Active []source.Info `json:"active"`
}

// ReconcileRequest names the datasets to reconcile. Both empty selects the
// most recent pair.
type ReconcileRequest struct {
	ITAM   string `json:"itam"`
	Active string `json:"active"`
}

// ReconcileResponse is returned by a successful POST /api/v1/reconcile
type ReconcileResponse struct {
	Run   *reconciler.RunResult `json:"run"`
	State types.RunState        `json:"state"`
}

var errNoDatasets = errors.New("no datasets available on one or both sides")

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.encodeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDepartments(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, policy.ActionDepartments, types.Filter{}); !ok {
		return
	}

	departments, err := s.store.Departments(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.encodeJSONResponse(w, http.StatusOK, departments)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, policy.ActionSummary, types.Filter{}); !ok {
		return
	}

	rows, err := s.store.Summary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.encodeJSONResponse(w, http.StatusOK, rows)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	requested := types.Filter{
		Region:     q.Get("region"),
		Department: q.Get("department"),
		Status:     types.Status(q.Get("status")),
	}

	if requested.Status != "" && !requested.Status.Valid() {
		s.writeStatus(w, http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("unknown status %q (want %s or %s)", requested.Status, types.StatusIntegrated, types.StatusPending),
		})
		return
	}

	filter, ok := s.authorize(w, r, policy.ActionRecords, requested)
	if !ok {
		return
	}

	records, err := s.store.Query(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.encodeJSONResponse(w, http.StatusOK, records)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		s.writeStatus(w, http.StatusNotImplemented, ErrorResponse{Error: "reconciler not configured"})
		return
	}
	if _, ok := s.authorize(w, r, policy.ActionState, types.Filter{}); !ok {
		return
	}

	resp := StateResponse{State: s.engine.State()}

	meta, ok, err := s.store.Current(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ok {
		resp.Snapshot = &meta
	}

	s.encodeJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if s.itam == nil || s.active == nil {
		s.writeStatus(w, http.StatusNotImplemented, ErrorResponse{Error: "sources not configured"})
		return
	}
	if _, ok := s.authorize(w, r, policy.ActionSources, types.Filter{}); !ok {
		return
	}

	itam, err := s.itam.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	active, err := s.active.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.encodeJSONResponse(w, http.StatusOK, SourcesResponse{
		ITAM:   nonNil(itam),
		Active: nonNil(active),
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		s.writeStatus(w, http.StatusNotImplemented, ErrorResponse{Error: "reconciler not configured"})
		return
	}
	if _, ok := s.authorize(w, r, policy.ActionReconcile, types.Filter{}); !ok {
		return
	}

	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeStatus(w, http.StatusBadRequest, notApplied("invalid request body: "+err.Error()))
		return
	}

	if (req.ITAM == "") != (req.Active == "") {
		s.writeStatus(w, http.StatusBadRequest, notApplied("itam and active must be given together"))
		return
	}

	var (
		result *reconciler.RunResult
		err    error
	)
	if req.ITAM == "" {
		result, err = s.engine.ReconcileLatest(r.Context())
		if err == nil && result == nil {
			err = errNoDatasets
		}
	} else {
		result, err = s.engine.Reconcile(r.Context(), req.ITAM, req.Active)
	}

	if err != nil {
		s.logger.WithContext(r.Context()).Warn().Err(err).Msg("reconcile request did not take effect")
		s.writeStatus(w, statusFor(err), notApplied(err.Error()))
		return
	}

	s.encodeJSONResponse(w, http.StatusOK, ReconcileResponse{
		Run:   result,
		State: s.engine.State(),
	})
}

// authorize resolves the viewer and asks the scope policy for the effective
// filter. It writes the error response itself when ok is false.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, action string, requested types.Filter) (types.Filter, bool) {
	viewer, err := s.viewer(r)
	if err != nil {
		s.writeError(w, r, err)
		return types.Filter{}, false
	}

	filter, err := s.scope.Authorize(r.Context(), action, viewer, requested)
	if err != nil {
		s.writeError(w, r, err)
		return types.Filter{}, false
	}
	return filter, true
}

// viewer reads identity headers. A department viewer's region is the
// department's region in the current snapshot.
func (s *Server) viewer(r *http.Request) (policy.Viewer, error) {
	v := policy.Viewer{
		Role:       strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderRole))),
		Department: strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderDepartment))),
	}

	if v.Role != policy.RoleDept || v.Department == "" {
		return v, nil
	}

	region, ok, err := s.store.RegionForDepartment(r.Context(), v.Department)
	if err != nil {
		return v, fmt.Errorf("failed to resolve region for %s: %w", v.Department, err)
	}
	if ok {
		v.Region = region
	}
	return v, nil
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	var (
		notFound   *source.SourceNotFoundError
		parseErr   *source.ParseError
		identity   *schema.MissingIdentityColumnError
		validation *schema.SchemaValidationError
	)

	switch {
	case errors.Is(err, policy.ErrForbidden):
		return http.StatusForbidden
	case errors.As(err, &notFound), errors.Is(err, errNoDatasets):
		return http.StatusNotFound
	case errors.As(err, &parseErr), errors.As(err, &identity), errors.As(err, &validation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	s.writeStatus(w, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, body ErrorResponse) {
	s.encodeJSONResponse(w, status, body)
}

func (s *Server) encodeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func notApplied(msg string) ErrorResponse {
	applied := false
	return ErrorResponse{Error: msg, Applied: &applied}
}

func nonNil(infos []source.Info) []source.Info {
	if infos == nil {
		return []source.Info{}
	}
	return infos
}
