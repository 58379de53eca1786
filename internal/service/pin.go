package service

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// PINVerifier checks the manager PIN that authorises discarding a queued
// sale. The PIN is kept only as a bcrypt hash.
type PINVerifier struct {
	hash []byte
}

// NewPINVerifier accepts either a plain PIN, hashed here, or an existing
// bcrypt hash. An empty PIN disables every manager action.
func NewPINVerifier(pin string) (*PINVerifier, error) {
	pin = strings.TrimSpace(pin)
	if pin == "" {
		return &PINVerifier{}, nil
	}
	if isPasswordHash(pin) {
		return &PINVerifier{hash: []byte(pin)}, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &PINVerifier{hash: hash}, nil
}

func (v *PINVerifier) Enabled() bool {
	return v != nil && len(v.hash) > 0
}

func (v *PINVerifier) Verify(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !v.Enabled() {
		return false
	}
	return bcrypt.CompareHashAndPassword(v.hash, []byte(input)) == nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
