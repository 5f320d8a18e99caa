package invite

import (
	"errors"
	"strings"
)

var ErrInvalidTarget = errors.New("invalid target")

type TargetKind int

const (
	TargetPhone TargetKind = iota + 1
	TargetHandle
)

// Target is a normalized invite target.
type Target struct {
	Kind  TargetKind
	Value string // "+15551234567" or "alice"
}

func (t Target) String() string {
	if t.Kind == TargetHandle {
		return "@" + t.Value
	}
	return t.Value
}

var handlePrefixes = []string{"https://t.me/", "http://t.me/", "t.me/", "@"}

// NormalizeTarget turns user input into a canonical phone (+digits) or a
// lower-cased handle without its @ or t.me/ prefix. Dedup keys on the
// canonical form.
func NormalizeTarget(raw string) (Target, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Target{}, ErrInvalidTarget
	}

	if looksLikePhone(s) {
		var b strings.Builder
		b.WriteByte('+')
		for _, r := range s {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		if b.Len() < 6 {
			return Target{}, ErrInvalidTarget
		}
		return Target{Kind: TargetPhone, Value: b.String()}, nil
	}

	lower := strings.ToLower(s)
	for _, p := range handlePrefixes {
		if strings.HasPrefix(lower, p) {
			lower = lower[len(p):]
			break
		}
	}
	lower = strings.TrimSuffix(lower, "/")
	if lower == "" {
		return Target{}, ErrInvalidTarget
	}
	for _, r := range lower {
		if !(r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z')) {
			return Target{}, ErrInvalidTarget
		}
	}
	return Target{Kind: TargetHandle, Value: lower}, nil
}

func looksLikePhone(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits > 0
}
