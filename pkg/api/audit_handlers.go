package api

import (
	"net/http"
	"time"

	"github.com/keystone-pm/keystone/pkg/audit"
	"github.com/keystone-pm/keystone/pkg/authz"
	"github.com/keystone-pm/keystone/pkg/httputil"
)

// auditFilter builds a search filter from query parameters. Non-admin
// callers are always pinned to their own organization regardless of what
// the query asks for.
func auditFilter(r *http.Request, scope string) audit.SearchFilter {
	filter := audit.SearchFilter{
		ActorID:    httputil.ParseQueryString(r, "actor_id", ""),
		Action:     httputil.ParseQueryString(r, "action", ""),
		TargetKind: httputil.ParseQueryString(r, "target_kind", ""),
		TargetID:   httputil.ParseQueryString(r, "target_id", ""),
		Decision:   audit.Decision(httputil.ParseQueryString(r, "decision", "")),
		Limit:      httputil.ParseQueryInt(r, "limit", 100),
		Offset:     httputil.ParseQueryInt(r, "offset", 0),
	}
	if scope != authz.GlobalScope {
		filter.OrganizationID = scope
	} else {
		filter.OrganizationID = httputil.ParseQueryString(r, "organization_id", "")
	}
	if since, err := time.Parse(time.RFC3339, r.URL.Query().Get("since")); err == nil {
		filter.Since = &since
	}
	if until, err := time.Parse(time.RFC3339, r.URL.Query().Get("until")); err == nil {
		filter.Until = &until
	}
	return filter
}

func (s *Server) searchAudit(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "audit.view",
	}) {
		return
	}
	entries, err := s.audit.Search(r.Context(), auditFilter(r, scope))
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, entries)
}

func (s *Server) auditStats(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "audit.view",
	}) {
		return
	}
	var since, until *time.Time
	if v, err := time.Parse(time.RFC3339, r.URL.Query().Get("since")); err == nil {
		since = &v
	}
	if v, err := time.Parse(time.RFC3339, r.URL.Query().Get("until")); err == nil {
		until = &v
	}
	stats, err := s.audit.GetStats(r.Context(), scope, since, until)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

func (s *Server) exportAudit(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "audit.export",
	}) {
		return
	}

	format := audit.ExportFormat(httputil.ParseQueryString(r, "format", string(audit.FormatJSON)))
	var contentType string
	switch format {
	case audit.FormatJSON:
		contentType = "application/json"
	case audit.FormatNDJSON:
		contentType = "application/x-ndjson"
	case audit.FormatCSV:
		contentType = "text/csv"
	default:
		httputil.WriteBadRequest(w, "format must be one of json, ndjson, csv")
		return
	}

	filter := auditFilter(r, scope)
	filter.Limit = httputil.ParseQueryInt(r, "limit", 10000)
	data, err := s.audit.Export(r.Context(), filter, format)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="audit-export.`+string(format)+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
