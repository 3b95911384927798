package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/awilder/housecall/internal/domain"
	"github.com/awilder/housecall/internal/session"
)

const maxMessageLen = 4000

// eventStream frames server-sent events. A write failure latches; later
// sends become no-ops so the turn can drain cleanly.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	failed  bool
}

func startEventStream(w http.ResponseWriter) *eventStream {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher, _ := w.(http.Flusher)
	return &eventStream{w: w, flusher: flusher}
}

func (s *eventStream) send(event string, payload any) {
	if s.failed {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.failed = true
		return
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.failed = true
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// streamEvents forwards turn events to the client as SSE. The channel is
// always drained to completion: the turn keeps running server-side even if
// the client goes away.
func (s *Server) streamEvents(r *http.Request, sse *eventStream, events <-chan session.Event) {
	for ev := range events {
		if r.Context().Err() != nil {
			sse.failed = true
			continue
		}
		switch ev.Type {
		case session.EventReasoning:
			sse.send("reasoning", map[string]string{"reasoning": ev.Reasoning})
		case session.EventDiagnosis:
			sse.send("diagnosis", ev.Record)
		case session.EventProviders:
			providers := make([]providerPayload, 0, len(ev.Providers))
			for _, p := range ev.Providers {
				providers = append(providers, toProviderPayload(p))
			}
			sse.send("providers", providers)
		case session.EventError:
			s.logger.Error("turn error", "error", ev.Err)
			sse.send("error", map[string]string{"error": "diagnosis failed, please try again"})
		case session.EventDone:
			payload := map[string]any{
				"reasoning": ev.Reasoning,
				"diagnosis": ev.Record,
			}
			if ev.Message != nil {
				payload["message"] = toMessagePayload(ev.Message)
			}
			sse.send("done", payload)
		}
	}
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	text := strings.TrimSpace(r.FormValue("message"))
	if text == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}
	if len(text) > maxMessageLen {
		http.Error(w, "message too long", http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.replySessionError(w, id, err)
		return
	}

	events, err := sess.Respond(r.Context(), text)
	if err != nil {
		s.replySessionError(w, id, err)
		return
	}

	s.streamEvents(r, startEventStream(w), events)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.replySessionError(w, id, err)
		return
	}

	events, err := sess.Regenerate(r.Context())
	if err != nil {
		s.replySessionError(w, id, err)
		return
	}

	s.streamEvents(r, startEventStream(w), events)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	convID, err := parseID(r, "id")
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}
	msgID, err := parseID(r, "msgID")
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	value := r.FormValue("feedback")
	var fb *domain.Feedback
	switch value {
	case "":
		// Clears existing feedback.
	case string(domain.FeedbackUp), string(domain.FeedbackDown):
		f := domain.Feedback(value)
		fb = &f
	default:
		http.Error(w, "feedback must be up, down, or empty", http.StatusBadRequest)
		return
	}

	msg, err := s.messages.GetByID(r.Context(), msgID)
	if err != nil {
		http.Error(w, "failed to get message", http.StatusInternalServerError)
		s.logger.Error("get message failed", "message_id", msgID, "error", err)
		return
	}
	if msg == nil || msg.ConversationID != convID {
		http.NotFound(w, r)
		return
	}
	if msg.Role != domain.RoleAssistant {
		http.Error(w, "feedback applies to assistant messages only", http.StatusBadRequest)
		return
	}

	if err := s.messages.SetFeedback(r.Context(), msgID, fb); err != nil {
		http.Error(w, "failed to set feedback", http.StatusInternalServerError)
		s.logger.Error("set feedback failed", "message_id", msgID, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"feedback": value})
}

// replySessionError maps session errors onto HTTP status codes.
func (s *Server) replySessionError(w http.ResponseWriter, id int64, err error) {
	switch {
	case errors.Is(err, session.ErrConversationNotFound):
		http.Error(w, "conversation not found", http.StatusNotFound)
	case errors.Is(err, session.ErrTurnInProgress), errors.Is(err, session.ErrAlreadyDiagnosing):
		http.Error(w, "a turn is already in progress", http.StatusConflict)
	case errors.Is(err, session.ErrNoDiagnosis):
		http.Error(w, "conversation has no diagnosis yet", http.StatusBadRequest)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
		s.logger.Error("session error", "conversation_id", id, "error", err)
	}
}
