package amqp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message types, carried in amqp091.Publishing.Type.
const (
	TypeSyncRequest   = "sync.request"
	TypeAuthState     = "auth.state"
	TypeSyncCompleted = "sync.completed"
)

// SyncRequestMessage asks the worker to run a refresh pass. Full forces a
// resync that ignores stored cursors.
type SyncRequestMessage struct {
	ID        string    `json:"id"`
	BudgetIDs []string  `json:"budget_ids,omitempty"`
	Full      bool      `json:"full,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewSyncRequestMessage(source string, full bool, budgetIDs ...string) *SyncRequestMessage {
	return &SyncRequestMessage{
		ID:        uuid.NewString(),
		BudgetIDs: budgetIDs,
		Full:      full,
		Source:    source,
		Timestamp: time.Now(),
	}
}

func (m *SyncRequestMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func SyncRequestMessageFromJSON(data []byte) (*SyncRequestMessage, error) {
	var msg SyncRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AuthStateMessage reports an authorization-state change of the login
// collaborator.
type AuthStateMessage struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

func NewAuthStateMessage(state string) *AuthStateMessage {
	return &AuthStateMessage{
		ID:        uuid.NewString(),
		State:     state,
		Timestamp: time.Now(),
	}
}

func (m *AuthStateMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func AuthStateMessageFromJSON(data []byte) (*AuthStateMessage, error) {
	var msg AuthStateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SyncCompletedMessage is published after every pass. Error carries only a
// generic message; stage details stay in the worker's logs.
type SyncCompletedMessage struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id,omitempty"`
	Success    bool      `json:"success"`
	Full       bool      `json:"full,omitempty"`
	Budgets    int       `json:"budgets"`
	Committed  bool      `json:"committed"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

func NewSyncCompletedMessage(requestID string) *SyncCompletedMessage {
	return &SyncCompletedMessage{
		ID:         uuid.NewString(),
		RequestID:  requestID,
		FinishedAt: time.Now(),
	}
}

func (m *SyncCompletedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func SyncCompletedMessageFromJSON(data []byte) (*SyncCompletedMessage, error) {
	var msg SyncCompletedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
