// Package orchestrator implements the Query Orchestrator of spec §4.4: the
// single eight-step pipeline shared by the buffered ("single") and
// streaming ("stream") query modes, grounded on the teacher's
// v2/server.Executor event-processing loop.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/kadirpekel/agentcore/internal/errs"
	"github.com/kadirpekel/agentcore/internal/fingerprint"
	"github.com/kadirpekel/agentcore/internal/logging"
	"github.com/kadirpekel/agentcore/internal/memory"
	"github.com/kadirpekel/agentcore/internal/runtime"
	"github.com/kadirpekel/agentcore/internal/session"
)

// EventChannelDepth is the bounded producer/consumer channel depth of
// spec §4.4.2 — the producer yields (backpressure onto the runtime read
// loop) once it fills up. httpapi sizes its SSE fan-out channel with this.
const EventChannelDepth = 256

const (
	memorySearchTimeout  = 3 * time.Second
	postCancelPersistCap = 5 * time.Second
	memorySearchTopK     = 5
)

// Query is the caller-supplied request shared by both modes.
type Query struct {
	Prompt      string
	SessionID   string // empty: runtime assigns one in its init event
	CallerKey   string
	Model       string
	EnableGraph bool
}

// Result is the buffered outcome of Single.
type Result struct {
	SessionID       string
	Message         string
	TotalTurns      int
	TotalCost       float64
	ExtractionError string // MEMORY_EXTRACTION_FAILED note, empty if none
}

// Orchestrator wires the Session Manager, Memory Adapter and an
// AgentRuntime into the shared pipeline.
type Orchestrator struct {
	sessions      *session.Manager
	mem           *memory.Adapter
	runtime       runtime.AgentRuntime
	hasher        *fingerprint.Hasher
	memoryEnabled bool
	extractionOn  bool
	log           *slog.Logger
}

func New(sessions *session.Manager, mem *memory.Adapter, rt runtime.AgentRuntime, hasher *fingerprint.Hasher, memoryEnabled, extractionOn bool) *Orchestrator {
	return &Orchestrator{
		sessions:      sessions,
		mem:           mem,
		runtime:       rt,
		hasher:        hasher,
		memoryEnabled: memoryEnabled,
		extractionOn:  extractionOn,
		log:           logging.Get(),
	}
}

// run carries per-query state threaded through the pipeline steps.
type run struct {
	callerFP  fingerprint.Fingerprint
	sessionID string
	turns     []memory.Turn
	buf       string
	turnCount int
	cost      float64
}

// step1Authenticate computes caller_fp (spec §4.4.1 step 1). It reuses the
// httpapi middleware's RequestCache via ctx when present, so the caller key
// is hashed once per request rather than once per Authenticate call.
func (o *Orchestrator) step1Authenticate(ctx context.Context, callerKey string) fingerprint.Fingerprint {
	return fingerprint.FingerprintFromContext(ctx, o.hasher, callerKey)
}

// step2ResolveSession fetches the session if an id was given; ownership is
// enforced by Manager.Get. A blank session_id defers creation to the first
// runtime event carrying a runtime-assigned id.
func (o *Orchestrator) step2ResolveSession(ctx context.Context, sessionID string, callerFP fingerprint.Fingerprint) (*session.Session, error) {
	if sessionID == "" {
		return nil, nil
	}
	return o.sessions.Get(ctx, sessionID, callerFP)
}

// step3MemoryContext performs the bounded-timeout memory search and
// translates failures into either a system-prompt note (transient
// transport failure: timeout or an UNAVAILABLE memory service) or a logged
// best-effort skip (anything else).
func (o *Orchestrator) step3MemoryContext(ctx context.Context, callerFP fingerprint.Fingerprint, prompt string) string {
	if !o.memoryEnabled || prompt == "" {
		return ""
	}

	searchCtx, cancel := context.WithTimeout(ctx, memorySearchTimeout)
	defer cancel()

	hits, err := o.mem.Search(searchCtx, callerFP, prompt, memorySearchTopK, false)
	if err != nil {
		if searchCtx.Err() != nil || errs.KindOf(err) == errs.Unavailable {
			return "Note: memory context is currently unavailable."
		}
		o.log.Warn("memory search failed, proceeding without injection", "error", err)
		return ""
	}

	if len(hits) == 0 {
		return ""
	}
	note := "Relevant memory:\n"
	for _, h := range hits {
		note += "- " + h.Content + "\n"
	}
	return note
}

// runPipeline drives steps 4-5 (invoke + fan-out) over the runtime's event
// stream, calling onEvent for every event the caller-facing mode cares
// about. It returns once the runtime stream ends, the context is
// canceled, or onEvent asks to stop.
func (o *Orchestrator) runPipeline(ctx context.Context, req runtime.RunRequest, onEvent func(*runtime.Event) bool) (*run, error) {
	st := &run{sessionID: req.SessionID}

	for ev, err := range o.runtime.Run(ctx, req) {
		if ctx.Err() != nil {
			// Cancellation: stop reading, refuse further sends (spec §4.4.2).
			return st, ctx.Err()
		}
		if err != nil {
			return st, errs.Wrap(errs.RuntimeUnavailable, "ERR_RUNTIME_FAILED", err, "agent runtime failed")
		}

		switch ev.Kind {
		case runtime.KindInit:
			// init carries the runtime-assigned session id when the caller
			// didn't supply one; parse failure is logged, never fatal.
			if st.sessionID == "" {
				if ev.SessionID == "" {
					o.log.Warn("init event missing session id", "error_id", "ERR_INIT_PARSE_FAILED")
				} else {
					st.sessionID = ev.SessionID
				}
			}
		case runtime.KindMessage:
			st.buf += ev.Message
			st.turns = append(st.turns, memory.Turn{Role: "assistant", Content: ev.Message})
		case runtime.KindResult:
			st.turnCount = ev.TurnCount
			st.cost = ev.CostUSD
		case runtime.KindError:
			o.log.Warn("runtime emitted error event", "code", ev.ErrorCode, "message", ev.ErrorMessage)
		case runtime.KindDone:
			// The runtime's own done only triggers steps 6-7 (spec §4.4.2);
			// the caller emits the client-facing done once those finish, so
			// it is never forwarded to onEvent here.
			return st, nil
		}

		if !onEvent(ev) {
			return st, nil
		}
	}
	return st, nil
}

// step6Persist idempotently upserts the session: creates it if the id is
// new (runtime-assigned), otherwise bumps turn count & cost via Update.
func (o *Orchestrator) step6Persist(ctx context.Context, st *run, mode session.Mode, model string) (*session.Session, error) {
	create := func() (*session.Session, error) {
		created, err := o.sessions.Create(ctx, session.CreateRequest{Mode: mode, Model: model}, st.callerFP)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, "ERR_SESSION_PERSIST", err, "failed to persist session")
		}
		st.sessionID = created.ID
		return created, nil
	}

	var existing *session.Session
	if st.sessionID == "" {
		created, err := create()
		if err != nil {
			return nil, err
		}
		existing = created
	} else {
		var err error
		existing, err = o.sessions.Get(ctx, st.sessionID, st.callerFP)
		if err != nil {
			if e, ok := errs.As(err); ok && e.Kind == errs.NotFound {
				created, cerr := create()
				if cerr != nil {
					return nil, cerr
				}
				existing = created
			} else {
				return nil, errs.Wrap(errs.Internal, "ERR_SESSION_PERSIST", err, "failed to persist session")
			}
		}
	}

	updated, err := o.sessions.Update(ctx, existing.ID, st.callerFP, func(s *session.Session) error {
		s.TotalTurns += uint32(st.turnCount)
		s.TotalCost += st.cost
		now := time.Now().UTC()
		s.LastMessageAt = &now
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "ERR_SESSION_PERSIST", err, "failed to persist session")
	}

	for _, t := range st.turns {
		if err := o.sessions.AppendTranscript(ctx, updated.ID, session.Role(t.Role), t.Content); err != nil {
			o.log.Warn("transcript append failed", "session_id", updated.ID, "error", err)
		}
	}
	return updated, nil
}

// step7Extract persists the turn to memory; failure is reported, never dropped silently.
func (o *Orchestrator) step7Extract(ctx context.Context, st *run) string {
	if !o.extractionOn || len(st.turns) == 0 {
		return ""
	}
	if err := o.mem.Add(ctx, st.callerFP, st.turns); err != nil {
		o.log.Error("memory extraction failed", "session_id", st.sessionID, "error", err)
		return "memory extraction failed"
	}
	return ""
}

// Single runs the pipeline in buffered mode (spec §4.4, "single").
func (o *Orchestrator) Single(ctx context.Context, q Query) (*Result, error) {
	st := &run{callerFP: o.step1Authenticate(ctx, q.CallerKey)}

	sess, err := o.step2ResolveSession(ctx, q.SessionID, st.callerFP)
	if err != nil {
		return nil, err
	}
	mode := session.ModeCode
	model := q.Model
	if sess != nil {
		mode = sess.Mode
		if model == "" {
			model = sess.Model
		}
	}

	memNote := o.step3MemoryContext(ctx, st.callerFP, q.Prompt)

	req := runtime.RunRequest{SessionID: q.SessionID, Model: model, Input: q.Prompt, MemoryContext: memNote}

	result, err := o.runPipeline(ctx, req, func(*runtime.Event) bool { return true })
	if err != nil {
		return nil, err
	}
	result.callerFP = st.callerFP

	persisted, err := o.step6Persist(ctx, result, mode, model)
	if err != nil {
		return nil, err
	}

	extractErr := o.step7Extract(ctx, result)

	return &Result{
		SessionID:       persisted.ID,
		Message:         result.buf,
		TotalTurns:      int(persisted.TotalTurns),
		TotalCost:       persisted.TotalCost,
		ExtractionError: extractErr,
	}, nil
}

// Stream runs the pipeline in streaming mode, forwarding every runtime
// event to sink as it arrives (spec §4.4.2). Cleanup (step 8) always runs
// via the deferred sink close contract the caller (httpapi) owns; Stream
// itself guarantees step 6/7 run exactly once per call, including on
// cancellation (best-effort persist, suppressed extraction).
//
// Every early return pushes a terminal error+done pair through sink first
// (spec §6.2: "a done follows" every error) — the caller's consume loop
// blocks on sink alone, so an error returned without a matching event
// leaves it waiting on nothing.
func (o *Orchestrator) Stream(ctx context.Context, q Query, sink func(*runtime.Event) bool) error {
	st := &run{callerFP: o.step1Authenticate(ctx, q.CallerKey)}

	sess, err := o.step2ResolveSession(ctx, q.SessionID, st.callerFP)
	if err != nil {
		return o.failStream(sink, err)
	}
	mode := session.ModeCode
	model := q.Model
	if sess != nil {
		mode = sess.Mode
		if model == "" {
			model = sess.Model
		}
	}

	memNote := o.step3MemoryContext(ctx, st.callerFP, q.Prompt)
	req := runtime.RunRequest{SessionID: q.SessionID, Model: model, Input: q.Prompt, MemoryContext: memNote}

	result, runErr := o.runPipeline(ctx, req, sink)
	result.callerFP = st.callerFP

	canceled := ctx.Err() != nil
	persistCtx := ctx
	if canceled {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), postCancelPersistCap)
		defer cancel()
	}

	if result.sessionID != "" || len(result.turns) > 0 {
		if _, perr := o.step6Persist(persistCtx, result, mode, model); perr != nil {
			o.log.Error("stream persistence failed", "error", perr)
			if !canceled {
				return o.failStream(sink, perr)
			}
		}
	}

	if canceled {
		// Disconnected caller: refuse to send further events, including done.
		return nil
	}

	if extractErr := o.step7Extract(ctx, result); extractErr != "" {
		sink(&runtime.Event{Kind: runtime.KindError, ErrorCode: "MEMORY_EXTRACTION_FAILED", ErrorMessage: extractErr})
	}

	if runErr != nil {
		return o.failStream(sink, runErr)
	}

	sink(&runtime.Event{Kind: runtime.KindDone})
	return nil
}

// failStream emits the client-facing error+done pair before returning err.
func (o *Orchestrator) failStream(sink func(*runtime.Event) bool, err error) error {
	sink(errorEvent(err))
	sink(&runtime.Event{Kind: runtime.KindDone})
	return err
}

// errorEvent translates any error into a terminal SSE error event, mirroring
// httpapi.writeError's translation for the buffered response path (spec
// §4.4.3): raw downstream messages never reach the client.
func errorEvent(err error) *runtime.Event {
	e, ok := errs.As(err)
	if !ok {
		e = errs.Wrap(errs.Internal, "ERR_UNHANDLED", err, "internal error")
	}
	return &runtime.Event{Kind: runtime.KindError, ErrorCode: string(e.Kind), ErrorMessage: e.Message}
}
