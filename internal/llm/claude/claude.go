package claude

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/liushuangls/go-anthropic/v2"

	"github.com/awilder/housecall/internal/domain"
	"github.com/awilder/housecall/internal/llm"
)

// maxTokens leaves headroom above a typical response: a thought block plus
// the five-field diagnosis object lands well under 1024 tokens.
const maxTokens = 1024

type ClaudeStreamer struct {
	client *anthropic.Client
	model  string
}

func NewClaudeStreamer(apiKey, model string) *ClaudeStreamer {
	return &ClaudeStreamer{
		client: anthropic.NewClient(apiKey),
		model:  model,
	}
}

// Diagnose implements llm.Streamer using the Anthropic streaming Messages
// API. Text deltas are forwarded on the returned channel as they arrive;
// a transport or API failure is delivered as a Delta with Err set, so the
// turn reducer sees pre-first-chunk failures as terminal.
func (s *ClaudeStreamer) Diagnose(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	messages, err := buildMessages(req)
	if err != nil {
		return nil, err
	}

	// Buffer of 16 keeps the API callback from blocking between deltas
	// while the reducer is extracting.
	ch := make(chan llm.Delta, 16)

	go func() {
		defer close(ch)

		_, err := s.client.CreateMessagesStream(ctx, anthropic.MessagesStreamRequest{
			MessagesRequest: anthropic.MessagesRequest{
				Model:     anthropic.Model(s.model),
				System:    llm.DiagnosisPrompt,
				Messages:  messages,
				MaxTokens: maxTokens,
			},
			OnContentBlockDelta: func(data anthropic.MessagesEventContentBlockDeltaData) {
				if data.Delta.Text == nil || *data.Delta.Text == "" {
					return
				}
				select {
				case ch <- llm.Delta{Text: *data.Delta.Text}:
				case <-ctx.Done():
				}
			},
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("claude stream failed", "error", err)
			ch <- llm.Delta{Err: fmt.Errorf("claude stream: %w", err)}
		}
	}()

	return ch, nil
}

// buildMessages maps the turn request onto Anthropic messages: prior turns
// as alternating text messages, the image (when present) attached to the
// final user message.
func buildMessages(req llm.Request) ([]anthropic.Message, error) {
	var messages []anthropic.Message
	for _, msg := range req.History {
		switch msg.Role {
		case domain.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantTextMessage(msg.Content))
		default:
			messages = append(messages, anthropic.NewUserTextMessage(msg.Content))
		}
	}

	var content []anthropic.MessageContent
	if len(req.Image) > 0 {
		content = append(content, anthropic.NewImageMessageContent(
			anthropic.NewMessageContentSource(
				anthropic.MessagesContentSourceTypeBase64,
				normaliseMIME(req.MIME),
				req.Image,
			),
		))
	}
	text := finalText(req)
	if text != "" {
		content = append(content, anthropic.NewTextMessageContent(text))
	}

	if len(content) > 0 {
		messages = append(messages, anthropic.Message{
			Role:    anthropic.RoleUser,
			Content: content,
		})
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("empty request: no image, text, or history")
	}
	return messages, nil
}

func finalText(req llm.Request) string {
	text := req.UserText
	if text == "" && len(req.Image) > 0 {
		text = "Please diagnose the problem in this photo."
	}
	if extra := contextNotes(req); extra != "" {
		if text != "" {
			text += "\n\n"
		}
		text += extra
	}
	return text
}

func contextNotes(req llm.Request) string {
	trimmed := llm.Request{Feedback: req.Feedback, Providers: req.Providers}
	return llm.Transcript(trimmed)
}

// normaliseMIME maps browser MIME types to the values the Anthropic API
// accepts. Unknown types are coerced to jpeg as the most universally
// supported lossy fallback.
func normaliseMIME(mimeType string) string {
	switch mimeType {
	case "image/png", "image/gif", "image/webp":
		return mimeType
	default:
		return "image/jpeg"
	}
}
