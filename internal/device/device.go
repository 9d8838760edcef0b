// Package device owns the stable per-installation identifier used to arbitrate tracking
// control and to count deletion approvals.
package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const (
	maxIDLength = 190
	// Header carries the device identifier on sign-in requests.
	Header = "X-Device-ID"
)

var ErrInvalidID = errors.New("invalid device id")

// ID identifies one installation. It is generated once and never changes.
type ID string

// NewID generates a fresh random identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// Parse validates a client-supplied identifier.
func Parse(raw string) (ID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(trimmed) > maxIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidID, maxIDLength)
	}
	for _, r := range trimmed {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return "", fmt.Errorf("%w: contains non-printable characters", ErrInvalidID)
		}
	}
	return ID(trimmed), nil
}

func (id ID) String() string {
	return string(id)
}

// FileStore persists the identifier of this host in a single file.
type FileStore struct {
	Path string
}

// LoadOrCreate returns the persisted identifier, generating and saving one on first use.
// A file holding an invalid identifier is an error rather than silently replaced.
func (s FileStore) LoadOrCreate() (ID, bool, error) {
	if strings.TrimSpace(s.Path) == "" {
		return "", false, errors.New("device id path is required")
	}
	contents, err := os.ReadFile(s.Path)
	if err == nil {
		id, parseErr := Parse(string(contents))
		if parseErr != nil {
			return "", false, fmt.Errorf("read %s: %w", s.Path, parseErr)
		}
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", false, err
	}

	id := NewID()
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return "", false, err
	}
	temporary := s.Path + ".tmp"
	if err := os.WriteFile(temporary, []byte(id.String()+"\n"), 0o600); err != nil {
		return "", false, err
	}
	if err := os.Rename(temporary, s.Path); err != nil {
		return "", false, err
	}
	return id, true, nil
}
