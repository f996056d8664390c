package documents

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers, used for versions.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type documentIDProvider struct{}

// NewDocumentIDProvider constructs an IDProvider for document identifiers: 22 base64url
// characters carrying the 122 random bits of a UUIDv4.
func NewDocumentIDProvider() IDProvider {
	return &documentIDProvider{}
}

func (p *documentIDProvider) NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(value[:]), nil
}
