package documents

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxIdentifierLength = 190
	// MaxTitleLength bounds document titles, counted in characters.
	MaxTitleLength = 512
	// DefaultTitle is stored when a document is created or titled with blank input.
	DefaultTitle = "Untitled"
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty, too long, or not URL safe.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidVersionID indicates that a version identifier is empty or exceeds storage bounds.
	ErrInvalidVersionID = errors.New("documents: invalid version id")
	// ErrInvalidTitle indicates that a title exceeds MaxTitleLength.
	ErrInvalidTitle = errors.New("documents: invalid title")
	// ErrDocumentNotFound indicates that the durable store has no row for the document.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrVersionNotFound indicates that the version does not exist for the document.
	ErrVersionNotFound = errors.New("documents: version not found")
)

// VersionReason records why a version row was appended.
type VersionReason string

const (
	// VersionReasonSnapshot marks a debounced snapshot taken on a peer edit.
	VersionReasonSnapshot VersionReason = "snapshot"
	// VersionReasonRestoreCapture marks the state captured right before a restore overwrote it.
	VersionReasonRestoreCapture VersionReason = "restore_capture"
)

// DocumentID represents a validated, URL-safe document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	for _, char := range trimmed {
		if !isURLSafe(char) {
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidDocumentID, char)
		}
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

func isURLSafe(char rune) bool {
	switch {
	case char >= 'a' && char <= 'z', char >= 'A' && char <= 'Z', char >= '0' && char <= '9':
		return true
	case char == '-' || char == '_':
		return true
	default:
		return false
	}
}

// VersionID represents a validated version identifier.
type VersionID string

// NewVersionID validates raw input and returns a VersionID.
func NewVersionID(rawInput string) (VersionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidVersionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidVersionID, maxIdentifierLength)
	}
	return VersionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id VersionID) String() string {
	return string(id)
}

// Title represents a validated document title.
type Title string

// NewTitle validates raw input and returns a Title. Blank input becomes DefaultTitle.
func NewTitle(rawInput string) (Title, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return DefaultTitle, nil
	}
	if !utf8.ValidString(trimmed) {
		return "", fmt.Errorf("%w: not valid utf-8", ErrInvalidTitle)
	}
	if length := utf8.RuneCountInString(trimmed); length > MaxTitleLength {
		return "", fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidTitle, length, MaxTitleLength)
	}
	return Title(trimmed), nil
}

// String returns the title text.
func (title Title) String() string {
	return string(title)
}

// Document is the durable row for one collaborative document.
type Document struct {
	DocumentID       string    `gorm:"column:document_id;primaryKey;size:190;not null"`
	Title            string    `gorm:"column:title;size:512;not null;default:''"`
	MaterializedText string    `gorm:"column:materialized_text;type:text;not null;default:''"`
	ReplicaState     []byte    `gorm:"column:replica_state"`
	CreatedAtMillis  int64     `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis  int64     `gorm:"column:updated_at_ms;not null;index:idx_documents_updated"`
	Versions         []Version `gorm:"foreignKey:DocumentID;references:DocumentID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// HasReplicaState reports whether serialized replica bytes are stored.
func (document Document) HasReplicaState() bool {
	return len(document.ReplicaState) > 0
}

// Version is an immutable, append-only snapshot of a document's text.
type Version struct {
	VersionID       string        `gorm:"column:version_id;primaryKey;size:64;not null"`
	DocumentID      string        `gorm:"column:document_id;size:190;not null;index:idx_versions_document_created,priority:1"`
	Text            string        `gorm:"column:text;type:text;not null"`
	Reason          VersionReason `gorm:"column:reason;size:32;not null;default:'snapshot'"`
	CreatedAtMillis int64         `gorm:"column:created_at_ms;not null;index:idx_versions_document_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "versions"
}

// RestoreResult describes a completed restore at the store level.
type RestoreResult struct {
	Document     Document
	RestoredFrom Version
	Captured     Version
}
