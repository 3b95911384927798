package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Feedback string

const (
	FeedbackUp   Feedback = "up"
	FeedbackDown Feedback = "down"
)

// DiagnosisRecord is the structured payload embedded in a model response.
// Fields other than Diagnosis may be empty placeholders mid-stream.
type DiagnosisRecord struct {
	Message        string `json:"message,omitempty"`
	Diagnosis      string `json:"diagnosis"`
	Trade          string `json:"trade"`
	ActionRequired string `json:"action_required"`
	EstimatedCost  string `json:"estimated_cost"`
}

// Valid reports whether the record is usable: Diagnosis must be non-empty.
func (r *DiagnosisRecord) Valid() bool {
	return r != nil && strings.TrimSpace(r.Diagnosis) != ""
}

type Conversation struct {
	ID             int64
	Trade          string
	Diagnosis      string
	ActionRequired string
	EstimatedCost  string
	Address        string
	Lat            float64
	Lng            float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is one chat turn. Immutable once committed except Feedback.
type Message struct {
	ID                  int64
	ConversationID      int64
	Role                Role
	Content             string
	Attachments         []string
	Feedback            *Feedback
	HasUpdatedDiagnosis bool
	CreatedAt           time.Time
}

type Provider struct {
	ID             int64
	ConversationID int64
	Name           string
	Trade          string
	Phone          string
	Rating         float64
	Address        string
	OpenNow        bool
}

type Location struct {
	Lat     float64
	Lng     float64
	Address string
}
