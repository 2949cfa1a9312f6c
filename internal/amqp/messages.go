package amqp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrMissingExpenseID = errors.New("message has no expense id")

// ExpenseCreatedMessage announces a newly stored expense. It carries only
// the id; consumers load the record from the store.
type ExpenseCreatedMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewExpenseCreatedMessage creates a message stamped with the current time
func NewExpenseCreatedMessage(id string) *ExpenseCreatedMessage {
	return &ExpenseCreatedMessage{
		ID:        id,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *ExpenseCreatedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ExpenseCreatedMessageFromJSON decodes a message and rejects one without an id.
func ExpenseCreatedMessageFromJSON(data []byte) (*ExpenseCreatedMessage, error) {
	var msg ExpenseCreatedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode expense.created: %w", err)
	}
	if strings.TrimSpace(msg.ID) == "" {
		return nil, ErrMissingExpenseID
	}
	return &msg, nil
}
