package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/rentbill/pkg/audit"
	"github.com/platinummonkey/rentbill/pkg/httputil"
	"github.com/platinummonkey/rentbill/pkg/observability"
)

// auditor writes audit events without failing the request
type auditor struct {
	logger audit.Logger
	log    *observability.Logger
}

func newAuditor(logger audit.Logger, log *observability.Logger) auditor {
	if logger == nil {
		logger = audit.NoOpLogger{}
	}
	return auditor{logger: logger, log: log}
}

// record finishes event with err and writes it
func (a auditor) record(r *http.Request, event *audit.Event, err error) {
	if err != nil {
		event.Fail(err)
	}
	if werr := a.logger.Log(r.Context(), event); werr != nil {
		a.log.WithError(werr).WithField("event_type", string(event.EventType)).Warn("Failed to write audit event")
	}
}

// AuditHandlers serves the audit trail
type AuditHandlers struct {
	search audit.Searcher
	logger *observability.Logger
}

// NewAuditHandlers creates audit handlers
func NewAuditHandlers(search audit.Searcher, logger *observability.Logger) *AuditHandlers {
	return &AuditHandlers{search: search, logger: logger}
}

// RegisterRoutes registers audit routes
func (h *AuditHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/admin/audit-events", h.Search).Methods("GET")
}

// Search lists audit events filtered by resourceType, resourceId, eventType
// (comma separated), since (RFC 3339) and limit
func (h *AuditHandlers) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := httputil.ParseQueryInt(r, "limit", audit.DefaultSearchLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	filter := audit.SearchFilter{
		ResourceType: audit.ResourceType(q.Get("resourceType")),
		ResourceID:   q.Get("resourceId"),
		Limit:        limit,
		Offset:       offset,
	}
	if types := q.Get("eventType"); types != "" {
		for _, t := range strings.Split(types, ",") {
			filter.EventTypes = append(filter.EventTypes, audit.EventType(strings.TrimSpace(t)))
		}
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			httputil.WriteBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.StartTime = &t
	}

	events, err := h.search.Search(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}

	_ = httputil.WriteSuccess(w, events)
}
