package xid

import "github.com/google/uuid"

// New returns a time-ordered identifier.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Valid reports whether s parses as an identifier.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
