package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/awilder/housecall/internal/domain"
)

// DiagnosisPrompt is the shared system prompt used by all model backends.
// The delimiter format it mandates is what internal/extract parses.
const DiagnosisPrompt = `You are a home-maintenance diagnostician. The user sends a photo of a
problem in their home, plus optional follow-up messages.

First reason about what you see inside a <thought>...</thought> block.
Then emit exactly one <json>...</json> block containing an object with
these string fields:
  message          - a short reply to the user
  diagnosis        - what is wrong (required)
  trade            - the profession needed, e.g. "Plumber", "Electrician"
  action_required  - what should be done
  estimated_cost   - a rough cost range

Emit the trade field as early as possible in the object. Do not wrap the
JSON in markdown fences.`

// Request is one turn's input to the model streaming endpoint.
type Request struct {
	// Image is set on the initial diagnosis turn and empty on follow-ups.
	Image []byte
	MIME  string

	History   []*domain.Message
	UserText  string
	Feedback  string
	Providers []domain.Provider
}

// Delta is one chunk of streamed model output, or a terminal stream error.
type Delta struct {
	Text string
	Err  error
}

// Streamer is the model streaming endpoint. Diagnose returns immediately
// with a channel of text deltas; the channel is closed when the stream ends
// or ctx is cancelled. A transport failure before or during the stream is
// delivered as a Delta with Err set.
type Streamer interface {
	Diagnose(ctx context.Context, req Request) (<-chan Delta, error)
}

// Transcript renders history, feedback, and known providers into prompt
// context for backends that take a single flat prompt.
func Transcript(req Request) string {
	var b strings.Builder
	for _, msg := range req.History {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	if req.Feedback != "" {
		fmt.Fprintf(&b, "[user feedback on last answer: %s]\n", req.Feedback)
	}
	if len(req.Providers) > 0 {
		b.WriteString("[known local providers: ")
		for i, p := range req.Providers {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(p.Name)
			if p.Trade != "" {
				fmt.Fprintf(&b, " (%s)", p.Trade)
			}
		}
		b.WriteString("]\n")
	}
	if req.UserText != "" {
		fmt.Fprintf(&b, "user: %s\n", req.UserText)
	}
	return b.String()
}
