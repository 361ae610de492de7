// Package ids generates identifiers and validates untrusted identifiers before
// they are used as filesystem path segments.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidID is wrapped by every validation failure.
var ErrInvalidID = errors.New("invalid identifier")

const (
	maxSessionIDLen = 64
	maxAgencyIDLen  = 80
	maxCallIDLen    = 64
	maxContextIDLen = 64
)

var (
	safeIDPattern   = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)
	agencyIDPattern = regexp.MustCompile(`^[a-z0-9-]+$`)
)

func validate(kind, id string, maxLen int, pattern *regexp.Regexp) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: %s is empty", ErrInvalidID, kind)
	case len(id) > maxLen:
		return fmt.Errorf("%w: %s longer than %d", ErrInvalidID, kind, maxLen)
	case strings.Contains(id, ".."), strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: %s contains a path sequence", ErrInvalidID, kind)
	case !pattern.MatchString(id):
		return fmt.Errorf("%w: %s has characters outside the allowed set", ErrInvalidID, kind)
	}
	return nil
}

// ValidateSessionID checks a pipeline session id.
func ValidateSessionID(id string) error {
	return validate("session id", id, maxSessionIDLen, safeIDPattern)
}

// ValidateAgencyID checks an agency id; agency ids are lowercase only.
func ValidateAgencyID(id string) error {
	return validate("agency id", id, maxAgencyIDLen, agencyIDPattern)
}

// ValidateCallID checks a call id.
func ValidateCallID(id string) error {
	return validate("call id", id, maxCallIDLen, safeIDPattern)
}

// ValidateContextID checks a registered call-context id.
func ValidateContextID(id string) error {
	return validate("context id", id, maxContextIDLen, safeIDPattern)
}

// ValidateWorkItemID checks a queue work item id (the file stem of a job).
func ValidateWorkItemID(id string) error {
	return validate("work item id", id, maxCallIDLen, safeIDPattern)
}

// NewSessionID returns a fresh pipeline session id.
func NewSessionID() string { return uuid.NewString() }

// NewCallID returns a fresh call id.
func NewCallID() string { return "call-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16] }

// NewContextID returns a fresh call-context id.
func NewContextID() string { return "ctx-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16] }

// NewMessageID returns "<unix-millis>-<random>". It is unique enough for
// humans scanning logs; consumers namespace it before deduplicating on it.
func NewMessageID() string {
	return NewMessageIDAt(time.Now())
}

// NewMessageIDAt is NewMessageID with an explicit clock.
func NewMessageIDAt(now time.Time) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + hex.EncodeToString(b[:])
}

// Slugify lowercases s and keeps [a-z0-9], collapsing everything else into
// single dashes. The result is a valid agency id when non-empty.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if len(out) > maxAgencyIDLen {
		out = strings.TrimSuffix(out[:maxAgencyIDLen], "-")
	}
	return out
}
