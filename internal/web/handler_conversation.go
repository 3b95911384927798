package web

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/awilder/housecall/internal/domain"
)

const maxPhotoSize = 50 * 1024 * 1024 // 50 MB

// allowedImageTypes is the set of MIME types accepted for uploaded photos.
// net/http.DetectContentType handles JPEG, PNG, and GIF via magic-byte
// sniffing. WebP is detected separately because the WHATWG sniff spec (and
// therefore the stdlib) does not include a WebP signature.
var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
}

// isWebP reports whether data is a WebP image (RIFF container with "WEBP" at
// offset 8).
func isWebP(data []byte) bool {
	return len(data) >= 12 &&
		string(data[0:4]) == "RIFF" &&
		string(data[8:12]) == "WEBP"
}

// allowedImageMIME returns the detected MIME type and true if the data is an
// accepted image format, or ("", false) otherwise.
func allowedImageMIME(data []byte) (string, bool) {
	if isWebP(data) {
		return "image/webp", true
	}
	mime := http.DetectContentType(data)
	if allowedImageTypes[mime] {
		return mime, true
	}
	return "", false
}

// handleCreateConversation accepts a multipart photo upload, creates the
// conversation, and streams the initial diagnosis turn as SSE. The first
// event is "conversation" carrying the new id.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxPhotoSize); err != nil {
		http.Error(w, "failed to parse form", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "image file required", http.StatusBadRequest)
		return
	}
	defer closeWithLog(file, "upload file", s.logger)

	imageData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read file", http.StatusInternalServerError)
		s.logger.Error("read upload failed", "error", err)
		return
	}

	mimeType, ok := allowedImageMIME(imageData)
	if !ok {
		http.Error(w, "unsupported image format", http.StatusBadRequest)
		return
	}

	loc, err := parseLocation(r)
	if err != nil {
		http.Error(w, "invalid coordinates", http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.Create(r.Context())
	if err != nil {
		http.Error(w, "failed to create conversation", http.StatusInternalServerError)
		s.logger.Error("create conversation failed", "error", err)
		return
	}

	events, err := sess.StartDiagnosis(r.Context(), imageData, mimeType, loc)
	if err != nil {
		http.Error(w, "failed to start diagnosis", http.StatusInternalServerError)
		s.logger.Error("start diagnosis failed", "conversation_id", sess.ConversationID(), "error", err)
		return
	}

	sse := startEventStream(w)
	sse.send("conversation", map[string]int64{"id": sess.ConversationID()})
	s.streamEvents(r, sse, events)
}

// parseLocation reads optional lat/lng form fields. Both or neither must be
// present.
func parseLocation(r *http.Request) (*domain.Location, error) {
	latStr, lngStr := r.FormValue("lat"), r.FormValue("lng")
	if latStr == "" && lngStr == "" {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return nil, err
	}
	lng, err := strconv.ParseFloat(lngStr, 64)
	if err != nil {
		return nil, err
	}
	return &domain.Location{Lat: lat, Lng: lng}, nil
}

type messagePayload struct {
	ID                  int64     `json:"id"`
	Role                string    `json:"role"`
	Content             string    `json:"content"`
	Feedback            string    `json:"feedback,omitempty"`
	HasUpdatedDiagnosis bool      `json:"has_updated_diagnosis"`
	HasAttachment       bool      `json:"has_attachment"`
	CreatedAt           time.Time `json:"created_at"`
}

type providerPayload struct {
	Name    string  `json:"name"`
	Trade   string  `json:"trade"`
	Phone   string  `json:"phone,omitempty"`
	Rating  float64 `json:"rating"`
	Address string  `json:"address,omitempty"`
	OpenNow bool    `json:"open_now"`
}

type conversationPayload struct {
	ID             int64             `json:"id"`
	Trade          string            `json:"trade,omitempty"`
	Diagnosis      string            `json:"diagnosis,omitempty"`
	ActionRequired string            `json:"action_required,omitempty"`
	EstimatedCost  string            `json:"estimated_cost,omitempty"`
	Address        string            `json:"address,omitempty"`
	Messages       []messagePayload  `json:"messages"`
	Providers      []providerPayload `json:"providers"`
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	conv, err := s.conversations.GetByID(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to get conversation", http.StatusInternalServerError)
		s.logger.Error("get conversation failed", "conversation_id", id, "error", err)
		return
	}
	if conv == nil {
		http.NotFound(w, r)
		return
	}

	messages, err := s.messages.ListByConversationID(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to list messages", http.StatusInternalServerError)
		s.logger.Error("list messages failed", "conversation_id", id, "error", err)
		return
	}

	providers, err := s.providers.ListByConversationID(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to list providers", http.StatusInternalServerError)
		s.logger.Error("list providers failed", "conversation_id", id, "error", err)
		return
	}

	payload := conversationPayload{
		ID:             conv.ID,
		Trade:          conv.Trade,
		Diagnosis:      conv.Diagnosis,
		ActionRequired: conv.ActionRequired,
		EstimatedCost:  conv.EstimatedCost,
		Address:        conv.Address,
		Messages:       make([]messagePayload, 0, len(messages)),
		Providers:      make([]providerPayload, 0, len(providers)),
	}
	for _, m := range messages {
		payload.Messages = append(payload.Messages, toMessagePayload(m))
	}
	for _, p := range providers {
		payload.Providers = append(payload.Providers, toProviderPayload(*p))
	}

	writeJSON(w, http.StatusOK, payload)
}

func toMessagePayload(m *domain.Message) messagePayload {
	p := messagePayload{
		ID:                  m.ID,
		Role:                string(m.Role),
		Content:             m.Content,
		HasUpdatedDiagnosis: m.HasUpdatedDiagnosis,
		HasAttachment:       len(m.Attachments) > 0,
		CreatedAt:           m.CreatedAt,
	}
	if m.Feedback != nil {
		p.Feedback = string(*m.Feedback)
	}
	return p
}

func toProviderPayload(p domain.Provider) providerPayload {
	return providerPayload{
		Name:    p.Name,
		Trade:   p.Trade,
		Phone:   p.Phone,
		Rating:  p.Rating,
		Address: p.Address,
		OpenNow: p.OpenNow,
	}
}

// handleGetPhoto serves the conversation's uploaded photo, the first
// attachment in its history.
func (s *Server) handleGetPhoto(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	messages, err := s.messages.ListByConversationID(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to list messages", http.StatusInternalServerError)
		s.logger.Error("list messages for photo failed", "conversation_id", id, "error", err)
		return
	}

	var storageKey string
	for _, m := range messages {
		if len(m.Attachments) > 0 {
			storageKey = m.Attachments[0]
			break
		}
	}
	if storageKey == "" {
		http.NotFound(w, r)
		return
	}

	reader, mimeType, err := s.photoStore.Get(r.Context(), storageKey)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer closeWithLog(reader, "photo reader", s.logger)

	w.Header().Set("Content-Type", mimeType)
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.Error("write photo failed", "conversation_id", id, "error", err)
	}
}

// closeWithLog closes c and logs any error, using label to identify the resource.
func closeWithLog(c io.Closer, label string, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Error("failed to close resource", "label", label, "error", err)
	}
}
