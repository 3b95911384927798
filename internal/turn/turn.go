// Package turn reduces one streamed model response into a finalized
// diagnosis. The reducer is push-based and append-only: every chunk grows
// the buffer and the whole buffer is re-extracted, with each snapshot's
// result replacing the previous one wholesale. Partial objects are never
// merged field-by-field; a new parse is currently-best full knowledge, not
// a delta.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/awilder/housecall/internal/domain"
	"github.com/awilder/housecall/internal/extract"
	"github.com/awilder/housecall/internal/llm"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStreaming
	PhaseFinalizing
	PhaseDone
	PhaseFailed
)

// ErrCancelled is returned by Run when the turn's identity was invalidated
// mid-stream; the caller must not apply any completion side effects.
var ErrCancelled = errors.New("turn cancelled")

// Hooks receives turn progress. All hooks are invoked from the reducer
// loop between chunk reads, never concurrently. Any hook may be nil.
type Hooks struct {
	// OnReasoning receives the current best-effort reasoning text.
	OnReasoning func(text string)
	// OnPartial receives each successfully parsed snapshot of the record.
	OnPartial func(rec *domain.DiagnosisRecord)
	// OnTrade fires at most once per turn, as soon as a trade worth acting
	// on is known.
	OnTrade func(trade string)
	// Commit fires exactly once per turn, at finalization. rec may be nil
	// or invalid when the stream never produced a parseable record.
	Commit func(rec *domain.DiagnosisRecord, reasoning string) error
}

// Result is the finalized outcome of one turn.
type Result struct {
	Record    *domain.DiagnosisRecord
	Reasoning string
	Complete  bool
}

// Reducer consumes one streamed model turn. Not safe for concurrent use;
// all methods must be called from a single goroutine except Cancel.
type Reducer struct {
	id     uuid.UUID
	hooks  Hooks
	logger *slog.Logger

	// prevTrade and haveProviders gate the early trigger: a search is only
	// worth launching when the trade changed or no providers are known yet.
	prevTrade     string
	haveProviders bool

	phase      Phase
	buf        strings.Builder
	reasoning  string
	last       *domain.DiagnosisRecord
	complete   bool
	tradeFired bool
	committed  bool
	cancelled  chan struct{}
	result     *Result
}

func New(hooks Hooks, prevTrade string, haveProviders bool, logger *slog.Logger) *Reducer {
	return &Reducer{
		id:            uuid.New(),
		hooks:         hooks,
		logger:        logger,
		prevTrade:     prevTrade,
		haveProviders: haveProviders,
		phase:         PhaseIdle,
		cancelled:     make(chan struct{}),
	}
}

// ID is the turn's identity token. A session invalidates it via Cancel to
// turn a stale finalization into a no-op.
func (r *Reducer) ID() uuid.UUID { return r.id }

func (r *Reducer) Phase() Phase { return r.phase }

func (r *Reducer) Reasoning() string { return r.reasoning }

func (r *Reducer) Record() *domain.DiagnosisRecord { return r.last }

// Cancel invalidates the turn. Safe to call from any goroutine and more
// than once.
func (r *Reducer) Cancel() {
	select {
	case <-r.cancelled:
	default:
		close(r.cancelled)
	}
}

func (r *Reducer) isCancelled() bool {
	select {
	case <-r.cancelled:
		return true
	default:
		return false
	}
}

// Run drains deltas until the stream ends, a tagged completion is seen, or
// the stream fails. It then finalizes exactly once.
func (r *Reducer) Run(ctx context.Context, deltas <-chan llm.Delta) (*Result, error) {
	gotChunk := false

	for d := range deltas {
		if r.isCancelled() || ctx.Err() != nil {
			go drain(deltas)
			return nil, ErrCancelled
		}

		if d.Err != nil {
			// A stream failure is terminal for the turn: no commit, one
			// report to the caller.
			r.phase = PhaseFailed
			if !gotChunk {
				return nil, fmt.Errorf("stream failed before first chunk: %w", d.Err)
			}
			return nil, fmt.Errorf("stream failed mid-turn: %w", d.Err)
		}

		gotChunk = true
		if r.Feed(d.Text) {
			// Tagged completion can arrive before transport EOF. Stop
			// consuming; the producer is released by draining.
			go drain(deltas)
			break
		}
	}

	return r.Finish()
}

// Feed appends one chunk and re-runs extraction on the grown buffer.
// Returns true once an unambiguous tagged completion has been seen.
func (r *Reducer) Feed(chunk string) bool {
	switch r.phase {
	case PhaseIdle:
		r.phase = PhaseStreaming
	case PhaseStreaming:
	default:
		return true
	}

	r.buf.WriteString(chunk)
	snap := r.buf.String()

	if text, found := extract.Reasoning(snap); found {
		r.reasoning = text
		if r.hooks.OnReasoning != nil {
			r.hooks.OnReasoning(text)
		}
	}

	rec, complete, ok := extract.Diagnosis(snap)
	if ok {
		r.last = rec
		r.complete = complete
		if r.hooks.OnPartial != nil {
			r.hooks.OnPartial(rec)
		}
		r.maybeTrigger(rec.Trade)
	}

	// The sniffer runs even while the JSON is unparseable so the provider
	// search can start before the object closes.
	if !r.tradeFired {
		if trade, found := extract.SniffField(snap, "trade"); found {
			r.maybeTrigger(trade)
		}
	}

	return r.complete
}

// maybeTrigger launches the early side workflow at most once per turn. A
// trade identical to the previous one with providers already known is not
// worth a new search.
func (r *Reducer) maybeTrigger(trade string) {
	if r.tradeFired || strings.TrimSpace(trade) == "" {
		return
	}
	if r.haveProviders && foldEqual(trade, r.prevTrade) {
		return
	}
	r.tradeFired = true
	if r.logger != nil {
		r.logger.Debug("early trade trigger", "turn_id", r.id, "trade", trade)
	}
	if r.hooks.OnTrade != nil {
		r.hooks.OnTrade(trade)
	}
}

// Finish runs the one-time finalization: a last best-effort extraction pass
// (covers streams that end without a closing tag) and the exactly-once
// commit. Idempotent; a second call returns the first result.
func (r *Reducer) Finish() (*Result, error) {
	if r.phase == PhaseDone {
		return r.result, nil
	}
	if r.phase == PhaseFailed {
		return nil, errors.New("turn already failed")
	}
	if r.isCancelled() {
		r.phase = PhaseDone
		return nil, ErrCancelled
	}

	r.phase = PhaseFinalizing

	if rec, complete, ok := extract.Diagnosis(r.buf.String()); ok {
		r.last = rec
		if complete {
			r.complete = true
		}
		r.maybeTrigger(rec.Trade)
	}

	r.result = &Result{Record: r.last, Reasoning: r.reasoning, Complete: r.complete}

	if !r.committed {
		r.committed = true
		if r.hooks.Commit != nil {
			if err := r.hooks.Commit(r.last, r.reasoning); err != nil {
				// Persistence is best-effort durability, not a gate on the
				// user-visible result.
				if r.logger != nil {
					r.logger.Error("turn commit failed", "turn_id", r.id, "error", err)
				}
			}
		}
	}

	r.phase = PhaseDone
	return r.result, nil
}

func foldEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// drain releases a producer goroutine blocked on an abandoned channel.
func drain(ch <-chan llm.Delta) {
	for range ch {
	}
}
