package syncable

import "github.com/google/uuid"

// IDProvider issues opaque identifiers: client refs on devices, remote ids and audit ids on the
// server.
type IDProvider interface {
	NewID() (string, error)
}

// IDFunc adapts a function to IDProvider.
type IDFunc func() (string, error)

// NewID calls f.
func (f IDFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider issues time-ordered UUIDv7 strings.
func NewUUIDProvider() IDProvider {
	return IDFunc(func() (string, error) {
		value, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		return value.String(), nil
	})
}
