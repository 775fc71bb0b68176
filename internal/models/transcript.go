package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known turn roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Status tracks where a transcript is in its user/assistant exchange cycle.
type Status string

const (
	StatusCreated           Status = "created"
	StatusAwaitingAssistant Status = "awaiting_assistant"
	StatusIdle              Status = "idle"
	StatusInterrupted       Status = "interrupted"
)

// TimestampLayout is the format used for server-stamped turns.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Turn is one entry of a transcript. Time is free-form and never sent to the model.
type Turn struct {
	Role    Role   `json:"role" bson:"role"`
	Content string `json:"content" bson:"content"`
	Time    string `json:"Time,omitempty" bson:"Time,omitempty"`
}

// Transcript is a persisted conversation. The first turn is always the system prompt.
type Transcript struct {
	ID           int64      `json:"chat_id" bson:"_id"`
	OwnerID      string     `json:"user_id,omitempty" bson:"user_id,omitempty"`
	Title        string     `json:"title" bson:"title"`
	Turns        []Turn     `json:"chat_progress" bson:"chat_progress"`
	Status       Status     `json:"status" bson:"status"`
	PendingSince *time.Time `json:"pending_since,omitempty" bson:"pending_since,omitempty"`
	CreatedAt    time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" bson:"updated_at"`
}

// Visible returns the turns a client may see, dropping the leading system turn.
func (t *Transcript) Visible() []Turn {
	if t == nil || len(t.Turns) == 0 {
		return nil
	}
	turns := t.Turns
	if turns[0].Role == RoleSystem {
		turns = turns[1:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
