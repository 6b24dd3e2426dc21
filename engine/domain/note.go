package domain

import "time"

// Note is a user note as stored by the note store. This service only reads it.
type Note struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChangeType labels a note store change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// ChangeEvent is one entry of the note store change stream. Note is nil for
// removals.
type ChangeEvent struct {
	Type   ChangeType `json:"type"`
	NoteID string     `json:"noteId"`
	Note   *Note      `json:"note,omitempty"`
}
