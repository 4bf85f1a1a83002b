// Package runid implements canonical run identity: base IDs in
// YYMMDD-HHMMSS form (UTC) and client-scoped variants
// "{base}-{clientId}" where the client ID is an opaque suffix that may
// itself contain hyphens.
package runid

import (
	"fmt"
	"regexp"
	"time"

	"github.com/vigilops/vigil/internal/models"
)

// baseLen is the length of a canonical base run ID (YYMMDD-HHMMSS)
const baseLen = 13

var basePattern = regexp.MustCompile(`^\d{6}-\d{6}`)

// ErrMismatch is returned by WithClient when the ID already carries a
// different client suffix.
var ErrMismatch = fmt.Errorf("%w: run id already scoped to a different client", models.ErrValidation)

// New generates a base run ID for the current instant.
// Always UTC so the format is deterministic regardless of process
// timezone.
func New() string {
	return FromTime(time.Now().UTC())
}

// FromTime generates a base run ID for a specific instant
func FromTime(t time.Time) string {
	return t.UTC().Format("060102-150405")
}

// IsBase reports whether id is exactly a canonical base run ID
func IsBase(id string) bool {
	return len(id) == baseLen && basePattern.MatchString(id)
}

// Validate checks that id is a base run ID or a client-scoped variant
func Validate(id string) error {
	if len(id) < baseLen || !basePattern.MatchString(id) {
		return fmt.Errorf("%w: malformed run id %q", models.ErrValidation, id)
	}
	if len(id) > baseLen && id[baseLen] != '-' {
		return fmt.Errorf("%w: malformed run id %q", models.ErrValidation, id)
	}
	if len(id) == baseLen+1 {
		return fmt.Errorf("%w: run id %q has empty client suffix", models.ErrValidation, id)
	}
	return nil
}

// BaseOf returns the base run ID portion of id. IDs that do not match
// the expected prefix are returned unchanged.
func BaseOf(id string) string {
	if len(id) < baseLen || !basePattern.MatchString(id) {
		return id
	}
	return id[:baseLen]
}

// ClientOf returns the client suffix of id, or "" when id is a bare
// base run ID or does not match the expected shape.
func ClientOf(id string) string {
	if len(id) <= baseLen+1 || !basePattern.MatchString(id) || id[baseLen] != '-' {
		return ""
	}
	return id[baseLen+1:]
}

// WithClient composes a client-scoped run ID. Calling it with an
// already-scoped ID is idempotent when the embedded client matches and
// fails with ErrMismatch when it differs, so callers may pass either
// form without producing double suffixes.
func WithClient(id, clientID string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: run id is required", models.ErrValidation)
	}
	if clientID == "" {
		return "", fmt.Errorf("%w: client id is required", models.ErrValidation)
	}
	for _, r := range clientID {
		if r == ' ' || r == '\t' || r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: client id %q contains whitespace or control characters", models.ErrValidation, clientID)
		}
	}
	if err := Validate(id); err != nil {
		return "", err
	}

	if existing := ClientOf(id); existing != "" {
		if existing == clientID {
			return id, nil
		}
		return "", fmt.Errorf("%w: %q vs %q", ErrMismatch, existing, clientID)
	}

	return id + "-" + clientID, nil
}
