// Package session implements the Session Manager: dual-store session
// state with distributed per-session locking, owner enforcement, and
// cache/durable consistency.
package session

import "time"

// Mode is the immutable conversation mode a session was created with.
type Mode string

const (
	ModeBrainstorm Mode = "brainstorm"
	ModeCode       Mode = "code"
)

// Status is a session's lifecycle state. Monotone except active->active;
// completed and error are terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether no further mutation (besides delete) is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Session represents one continuous agent conversation, per the data model.
type Session struct {
	ID     string
	Mode   Mode
	Status Status

	// OwnerFingerprint is hex-encoded; empty means "public/anonymous"
	// (reserved — see DESIGN.md Open Question (a)).
	OwnerFingerprint string

	ParentID string
	Model    string

	TotalTurns uint32
	TotalCost  float64

	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastMessageAt  *time.Time

	Metadata map[string]any
	Tags     []string
	Title    *string
}

// Role is the speaker of one transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// TranscriptEntry is one append-only entry in a session's transcript.
// Seq is dense starting at 0 within a session.
type TranscriptEntry struct {
	SessionID string
	Seq       int
	Role      Role
	Content   []byte // JSON
	CreatedAt time.Time
}

// ListFilters narrows List to the durable store's native query layer; no
// filter here may be applied by fetching everything and filtering in Go.
type ListFilters struct {
	Mode        string
	ProjectID   string
	TagContains string
	Status      string
	TextSearch  string
	// MetadataPath/MetadataEquals express one arbitrary JSON-field
	// predicate, e.g. MetadataPath="priority" MetadataEquals="high".
	MetadataPath   string
	MetadataEquals string
}

// Page bounds a List call. After Normalize, Number is >= 1 and Size is in
// [1,100].
type Page struct {
	Number int
	Size   int
}

// Normalize applies the spec's defaults (page 1, size 50) and bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = 50
	}
	if p.Size > 100 {
		p.Size = 100
	}
	return p
}
