package domain

import "time"

// Payload keys stored next to every vector.
const (
	KeyContent   = "content"
	KeyNoteID    = "noteId"
	KeyUserID    = "userId"
	KeyTitle     = "title"
	KeyCreatedAt = "createdAt"
	KeyUpdatedAt = "updatedAt"
)

// IsReservedKey reports whether k is a payload key owned by Metadata itself.
// Extra never overrides these.
func IsReservedKey(k string) bool {
	switch k {
	case KeyContent, KeyNoteID, KeyUserID, KeyTitle, KeyCreatedAt, KeyUpdatedAt:
		return true
	}
	return false
}

// Metadata describes an indexed document. UserID scopes every retrieval.
type Metadata struct {
	NoteID    string            `json:"noteId,omitempty"`
	UserID    string            `json:"userId"`
	Title     string            `json:"title,omitempty"`
	CreatedAt time.Time         `json:"createdAt,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// MetadataFromNote builds the metadata for a note's vector.
func MetadataFromNote(n Note) Metadata {
	return Metadata{
		NoteID:    n.ID,
		UserID:    n.UserID,
		Title:     n.Title,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}

// Payload flattens metadata plus content into string key/values for the index.
func (m Metadata) Payload(content string) map[string]string {
	p := make(map[string]string, len(m.Extra)+6)
	for k, v := range m.Extra {
		if !IsReservedKey(k) {
			p[k] = v
		}
	}
	p[KeyContent] = content
	p[KeyUserID] = m.UserID
	if m.NoteID != "" {
		p[KeyNoteID] = m.NoteID
	}
	if m.Title != "" {
		p[KeyTitle] = m.Title
	}
	if !m.CreatedAt.IsZero() {
		p[KeyCreatedAt] = m.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !m.UpdatedAt.IsZero() {
		p[KeyUpdatedAt] = m.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return p
}

// DocumentFromPayload is the inverse of Metadata.Payload. Unknown keys land in
// Extra; unparsable timestamps are left zero.
func DocumentFromPayload(p map[string]string) Document {
	var d Document
	for k, v := range p {
		switch k {
		case KeyContent:
			d.Content = v
		case KeyNoteID:
			d.Metadata.NoteID = v
		case KeyUserID:
			d.Metadata.UserID = v
		case KeyTitle:
			d.Metadata.Title = v
		case KeyCreatedAt:
			d.Metadata.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
		case KeyUpdatedAt:
			d.Metadata.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
		default:
			if d.Metadata.Extra == nil {
				d.Metadata.Extra = make(map[string]string)
			}
			d.Metadata.Extra[k] = v
		}
	}
	return d
}

// Document is a retrieved (or manually ingested) piece of content.
type Document struct {
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
}
