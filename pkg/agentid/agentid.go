// Package agentid validates agent identifiers.
//
// Agent ids double as file names for mailbox files and appear in every
// claimed task, so they are restricted to a portable character set.
package agentid

import (
	"fmt"
	"regexp"
)

const (
	// MaxLength is the maximum length for an agent id.
	MaxLength = 128
)

var (
	// Pattern is the regex for valid agent ids: alphanumeric first character,
	// then alphanumerics, dots, underscores or hyphens.
	Pattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// Validate checks that an agent id is non-empty, bounded and safe to use as a
// file name component.
func Validate(id string) error {
	if id == "" {
		return fmt.Errorf("agent id cannot be empty")
	}

	if len(id) > MaxLength {
		return fmt.Errorf("agent id too long: %d characters (max: %d)", len(id), MaxLength)
	}

	if !Pattern.MatchString(id) {
		return fmt.Errorf("invalid agent id '%s': must be alphanumeric with '.', '_' or '-' (not leading)", id)
	}

	return nil
}
