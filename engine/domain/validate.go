package domain

import (
	"strings"
)

// ValidateEvent checks a change event before it reaches the synchronizer.
// Added and modified events must carry the note they describe.
func ValidateEvent(ev ChangeEvent) error {
	if strings.TrimSpace(ev.NoteID) == "" {
		return NewValidationError("noteId", ev.NoteID, ErrInvalidEvent)
	}
	switch ev.Type {
	case ChangeAdded, ChangeModified:
		if ev.Note == nil {
			return NewValidationError("note", "<nil>", ErrInvalidEvent)
		}
		if ev.Note.ID != "" && ev.Note.ID != ev.NoteID {
			return NewValidationError("note.id", ev.Note.ID, ErrInvalidEvent)
		}
	case ChangeRemoved:
	default:
		return NewValidationError("type", string(ev.Type), ErrInvalidEvent)
	}
	return nil
}

// ValidateQuery rejects blank questions.
func ValidateQuery(q string) error {
	if strings.TrimSpace(q) == "" {
		return NewValidationError("query", q, ErrInvalidQuery)
	}
	return nil
}

// ValidateUserID rejects queries without an established identity.
func ValidateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrAuthorizationMissing
	}
	return nil
}
