package models

import "time"

// Conversation flow stages.
type Flow string

const (
	FlowIdle                  Flow = "idle"
	FlowCollectingIdentity    Flow = "collecting_identity"
	FlowCollectingServiceType Flow = "collecting_service_type"
	FlowCollectingInsurance   Flow = "collecting_insurance"
	FlowCollectingDate        Flow = "collecting_date"
	FlowCollectingTime        Flow = "collecting_time"
	FlowAwaitingConfirmation  Flow = "awaiting_confirmation"
	FlowPostBooking           Flow = "post_booking"
)

// Session statuses.
const (
	SessionActive  = "active"
	SessionExpired = "expired"
)

// Flow data keys shared between the agent loop and the extractors.
const (
	KeyName                = "name"
	KeyBirthDate           = "birth_date"
	KeyServiceType         = "service_type"
	KeyInsurancePlan       = "insurance_plan"
	KeyDate                = "date"
	KeyTime                = "time"
	KeyPendingConfirmation = "pending_confirmation"
)

// Message is one entry of a session's ordered history.
type Message struct {
	Role      string    `json:"role"` // system, user, assistant, tool
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the durable per-sender conversation state.
type Session struct {
	Sender       string            `json:"sender"`
	History      []Message         `json:"history"`
	Flow         Flow              `json:"flow"`
	FlowData     map[string]string `json:"flow_data"`
	LastActivity time.Time         `json:"last_activity"`
	Status       string            `json:"status"`
}

// NewSession creates an empty active session for a sender.
func NewSession(sender string) *Session {
	return &Session{
		Sender:       sender,
		Flow:         FlowIdle,
		FlowData:     make(map[string]string),
		LastActivity: time.Now(),
		Status:       SessionActive,
	}
}

// Append adds a message to the history and refreshes activity.
// History is append-only; entries are never reordered or dropped here.
func (s *Session) Append(role, content string) {
	s.History = append(s.History, Message{Role: role, Content: content, Timestamp: time.Now()})
	s.LastActivity = time.Now()
}

// HasPendingConfirmation reports whether a fully specified booking
// proposal is awaiting user approval.
func (s *Session) HasPendingConfirmation() bool {
	return s.FlowData[KeyPendingConfirmation] == "true" &&
		s.FlowData[KeyDate] != "" && s.FlowData[KeyTime] != ""
}

// ClearPending removes the pending-confirmation marker and the slot
// fields attached to it. Must be called after every commit or refusal.
func (s *Session) ClearPending() {
	delete(s.FlowData, KeyPendingConfirmation)
	delete(s.FlowData, KeyDate)
	delete(s.FlowData, KeyTime)
}
