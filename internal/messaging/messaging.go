// Package messaging defines the capability the invite executor drives
// against the messaging platform, and the small error taxonomy it
// classifies outcomes with. The wire protocol lives behind Dialer; see
// the bridge subpackage for the HTTP sidecar client.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inviter/internal/config"
)

// UserRef identifies a platform user as returned by import or resolve.
type UserRef struct {
	ID         int64  `json:"id"`
	AccessHash int64  `json:"access_hash,omitempty"`
	Username   string `json:"username,omitempty"`
}

// Dialer opens an authenticated session for one credential.
type Dialer interface {
	Open(ctx context.Context, cred config.Credential) (Client, error)
}

// Client is one open session. It is used by a single job at a time.
type Client interface {
	// ImportContact adds phone to the address book and returns the user.
	// ErrNotPlatformUser when the number has no account.
	ImportContact(ctx context.Context, phone string) (UserRef, error)
	DeleteContacts(ctx context.Context, users []UserRef) error
	ResolveHandle(ctx context.Context, handle string) (UserRef, error)

	IsParticipant(ctx context.Context, channel string, user UserRef) (bool, error)
	InviteToChannel(ctx context.Context, channel string, user UserRef) error
	ExportInviteLink(ctx context.Context, channel string) (string, error)
	SendMessage(ctx context.Context, user UserRef, text string) error

	Close() error
}

var (
	// ErrPeerFlood is the platform's unbounded "too many requests" ban on an
	// account. It carries no wait time.
	ErrPeerFlood = errors.New("messaging: peer flood")
	// ErrPrivacyRestricted means the user's privacy settings forbid invites.
	ErrPrivacyRestricted = errors.New("messaging: user privacy restricted")
	// ErrNotMutualContact means the invite needs a mutual contact.
	ErrNotMutualContact = errors.New("messaging: user not a mutual contact")
	// ErrNotPlatformUser means the phone or handle has no account.
	ErrNotPlatformUser = errors.New("messaging: not a platform user")
	// ErrAlreadyParticipant means the user is already in the channel.
	ErrAlreadyParticipant = errors.New("messaging: user already participant")
	// ErrUnavailable marks transport failures reaching the platform. They
	// say nothing about the target and are retried as infrastructure errors.
	ErrUnavailable = errors.New("messaging: unavailable")
)

// FloodWaitError is a bounded rate limit: the action may be retried after
// Seconds.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("messaging: flood wait %ds", e.Seconds)
}

// Wait is the platform-requested delay.
func (e *FloodWaitError) Wait() time.Duration {
	return time.Duration(max(e.Seconds, 0)) * time.Second
}

// AsFloodWait unwraps a *FloodWaitError from err.
func AsFloodWait(err error) (*FloodWaitError, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw, true
	}
	return nil, false
}

// IsPrivacy reports whether err asks for the invite-link fallback.
func IsPrivacy(err error) bool {
	return errors.Is(err, ErrPrivacyRestricted) || errors.Is(err, ErrNotMutualContact)
}
