package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/agentcore/internal/errs"
	"github.com/kadirpekel/agentcore/internal/orchestrator"
	"github.com/kadirpekel/agentcore/internal/session"
)

type queryRequest struct {
	Prompt      string `json:"prompt"`
	SessionID   string `json:"session_id,omitempty"`
	Model       string `json:"model,omitempty"`
	EnableGraph bool   `json:"enable_graph,omitempty"`
}

func (r queryRequest) validate() error {
	if r.Prompt == "" {
		return errs.New(errs.Validation, "ERR_PROMPT_REQUIRED", "prompt is required")
	}
	return nil
}

func (r queryRequest) toQuery(callerKey string) orchestrator.Query {
	return orchestrator.Query{
		Prompt:      r.Prompt,
		SessionID:   r.SessionID,
		CallerKey:   callerKey,
		Model:       r.Model,
		EnableGraph: r.EnableGraph,
	}
}

// querySingle handles POST /api/v1/query/single (spec §6.1).
func (h *Handlers) querySingle(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.Validation, "ERR_BODY_INVALID", "malformed JSON body"))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.orch.Single(r.Context(), req.toQuery(callerKey(r)))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"session_id":  result.SessionID,
		"message":     result.Message,
		"total_turns": result.TotalTurns,
		"total_cost":  result.TotalCost,
	}
	if result.ExtractionError != "" {
		resp["error"] = map[string]any{"code": "MEMORY_EXTRACTION_FAILED", "message": result.ExtractionError}
	}
	writeJSON(w, http.StatusOK, resp)
}

// queryStream handles POST /api/v1/query/stream (spec §6.1, §6.2).
func (h *Handlers) queryStream(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.Validation, "ERR_BODY_INVALID", "malformed JSON body"))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	sink := newStreamSink(orchestrator.EventChannelDepth)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		// Closing events (as opposed to sink.close, which signals
		// cancellation to the producer) lets consume's fallback synthesize
		// a trailing done if Stream ever returns without sending one.
		defer close(sink.events)
		errCh <- h.orch.Stream(r.Context(), req.toQuery(callerKey(r)), sink.send)
	}()

	h.consume(w, r, sink)

	if err := <-errCh; err != nil {
		h.log.Warn("stream pipeline error", "error", err)
	}
}

// listSessions handles GET /api/v1/sessions.
func (h *Handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := session.Page{}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, errs.New(errs.Validation, "ERR_PAGE_INVALID", "page must be an integer"))
			return
		}
		page.Number = n
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, errs.New(errs.Validation, "ERR_PAGE_SIZE_INVALID", "page_size must be an integer"))
			return
		}
		page.Size = n
	}
	page = page.Normalize()

	filters := session.ListFilters{}
	if v := q.Get("mode"); v != "" {
		filters.Mode = v
	}
	if v := q.Get("status"); v != "" {
		filters.Status = v
	}
	if v := q.Get("project_id"); v != "" {
		filters.ProjectID = v
	}
	if v := q.Get("tag"); v != "" {
		filters.TagContains = v
	}
	if v := q.Get("q"); v != "" {
		filters.TextSearch = v
	}
	if v := q.Get("metadata_path"); v != "" {
		filters.MetadataPath = v
		filters.MetadataEquals = q.Get("metadata_value")
	}

	sessions, total, err := h.sessions.List(r.Context(), callerFP(r), filters, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":  sessions,
		"total":     total,
		"page":      page.Number,
		"page_size": page.Size,
	})
}

// getSession handles GET /api/v1/sessions/{id}.
func (h *Handlers) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"), callerFP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

// patchSessionTags handles PATCH /api/v1/sessions/{id}/tags.
func (h *Handlers) patchSessionTags(w http.ResponseWriter, r *http.Request) {
	var req tagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tags == nil {
		writeError(w, errs.New(errs.Validation, "ERR_TAGS_INVALID", "body must be {\"tags\":string[]}"))
		return
	}
	sess, err := h.sessions.UpdateTags(r.Context(), chi.URLParam(r, "id"), req.Tags, callerFP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type promoteRequest struct {
	ProjectID string `json:"project_id"`
}

// promoteSession handles POST /api/v1/sessions/{id}/promote.
func (h *Handlers) promoteSession(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectID == "" {
		writeError(w, errs.New(errs.Validation, "ERR_PROJECT_ID_REQUIRED", "body must be {\"project_id\":string}"))
		return
	}
	sess, err := h.sessions.Promote(r.Context(), chi.URLParam(r, "id"), req.ProjectID, callerFP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// deleteSession handles DELETE /api/v1/sessions/{id}.
func (h *Handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(r.Context(), chi.URLParam(r, "id"), callerFP(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getTranscript handles GET /api/v1/sessions/{id}/transcript (supplemented
// feature, SPEC_FULL.md §12.2).
func (h *Handlers) getTranscript(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after := -1
	if v := q.Get("after"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, errs.New(errs.Validation, "ERR_AFTER_INVALID", "after must be an integer"))
			return
		}
		after = n
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, errs.New(errs.Validation, "ERR_LIMIT_INVALID", "limit must be an integer"))
			return
		}
		limit = n
	}

	entries, err := h.sessions.Transcript(r.Context(), chi.URLParam(r, "id"), callerFP(r), after, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
