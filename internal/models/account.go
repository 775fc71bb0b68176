package models

import "time"

// Account is a registered user and the ordered list of transcripts it owns.
type Account struct {
	ID           string    `json:"id" bson:"_id"`
	Email        string    `json:"email" bson:"email"`
	Name         string    `json:"name,omitempty" bson:"name,omitempty"`
	PasswordHash string    `json:"-" bson:"password_hash"`
	Transcripts  []int64   `json:"associated_chats,omitempty" bson:"associated_chats,omitempty"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
}
