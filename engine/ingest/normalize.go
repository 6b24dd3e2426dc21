package ingest

import (
	"strings"
	"unicode/utf8"

	"github.com/WessleyAI/noterag/engine/domain"
	"github.com/google/uuid"
)

const (
	// MaxContentChars caps the note body fed to the embedder. Titles are
	// never truncated.
	MaxContentChars = 2000
	// Ellipsis is appended to truncated content.
	Ellipsis = "..."
)

// noteNamespace derives stable point ids from note ids.
var noteNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("noterag/note"))

// Normalized is an embeddable text blob plus the metadata stored beside it.
type Normalized struct {
	PointID  string
	Text     string
	Metadata domain.Metadata
}

// Normalize turns a note into "title\n\ncontent", content capped at
// MaxContentChars. Notes with a blank title or body yield ErrSkippedDocument.
func Normalize(n domain.Note) (Normalized, error) {
	title := strings.TrimSpace(n.Title)
	content := strings.TrimSpace(n.Content)
	if title == "" || content == "" {
		return Normalized{}, domain.ErrSkippedDocument
	}
	meta := domain.MetadataFromNote(n)
	meta.Title = title
	return Normalized{
		PointID:  PointID(n.ID),
		Text:     title + "\n\n" + truncate(content, MaxContentChars),
		Metadata: meta,
	}, nil
}

// NormalizeDocument prepares out-of-band content. The metadata must name the
// owning user; a noteId, when present, makes the document replace that note's
// vector. Extra may not carry reserved payload keys.
func NormalizeDocument(content string, meta domain.Metadata) (Normalized, error) {
	if strings.TrimSpace(meta.UserID) == "" {
		return Normalized{}, domain.ErrAuthorizationMissing
	}
	for k, v := range meta.Extra {
		if domain.IsReservedKey(k) {
			return Normalized{}, domain.NewValidationError("metadata.extra."+k, v, domain.ErrInvalidEvent)
		}
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Normalized{}, domain.ErrSkippedDocument
	}
	text := truncate(content, MaxContentChars)
	if title := strings.TrimSpace(meta.Title); title != "" {
		text = title + "\n\n" + text
	}
	id := uuid.NewString()
	if meta.NoteID != "" {
		id = PointID(meta.NoteID)
	}
	return Normalized{PointID: id, Text: text, Metadata: meta}, nil
}

// PointID is the vector id a note's document is stored under.
func PointID(noteID string) string {
	return uuid.NewSHA1(noteNamespace, []byte(noteID)).String()
}

// truncate cuts s to max characters (runes) and appends Ellipsis when it cut.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + Ellipsis
}
