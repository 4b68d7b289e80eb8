package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// ErrValidation marks a request rejected before any mutation. Callers
// surface it on the acknowledgment path; wrap with context via %w.
var ErrValidation = errors.New("validation failed")

// ValidateMessage rejects structurally invalid messages. Authorization is
// the guard's concern; this only checks shape.
func ValidateMessage(m Message) error {
	if strings.TrimSpace(m.AuthorID) == "" {
		return fmt.Errorf("%w: message author is required", ErrValidation)
	}
	if strings.TrimSpace(m.ThreadID) == "" {
		return fmt.Errorf("%w: message thread is required", ErrValidation)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: message content is empty", ErrValidation)
	}
	if n := utf8.RuneCountInString(m.Content); n > MaxContentLen {
		return fmt.Errorf("%w: message content is %d chars, max %d", ErrValidation, n, MaxContentLen)
	}
	return nil
}

// ValidateName rejects blank or over-long display names (groups, tags, bots).
func ValidateName(what, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: %s name is blank", ErrValidation, what)
	}
	if utf8.RuneCountInString(name) > 120 {
		return fmt.Errorf("%w: %s name is too long", ErrValidation, what)
	}
	return nil
}

// ValidateURL rejects anything that is not an absolute http(s) URL.
func ValidateURL(what, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: %s is not a valid URL", ErrValidation, what)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %s must be http or https", ErrValidation, what)
	}
	return nil
}
