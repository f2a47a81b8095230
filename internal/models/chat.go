package models

import "time"

// Chat represents a conversation container in the chat system. It provides basic identification and
// labeling capabilities for organizing message threads.
type Chat struct {
	ID        string
	Title     string
	CreatedAt time.Time
}
