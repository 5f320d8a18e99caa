package invite

// Kind is the queue job kind of invite jobs.
const Kind = "invite"

// Audit statuses.
const (
	StatusInvited        = "invited"
	StatusLinkSent       = "link_sent"
	StatusAlreadyMember  = "already_member"
	StatusSkipped        = "skipped"
	StatusFailed         = "failed"
	StatusRetryScheduled = "retry_scheduled"
)

// Audit reasons.
const (
	ReasonDuplicate          = "duplicate"
	ReasonNoActiveAccounts   = "no_active_accounts"
	ReasonNotPlatformUser    = "not_platform_user"
	ReasonInvalidTarget      = "invalid_target"
	ReasonFloodWait          = "flood_wait"
	ReasonPeerFlood          = "peer_flood"
	ReasonFloodWaitExhausted = "flood_wait_exhausted"
	ReasonPeerFloodExhausted = "peer_flood_exhausted"
	ReasonPrivacyRestricted  = "privacy_restricted"
	ReasonDeadLetter         = "dead_letter"
	ReasonUnavailable        = "unavailable"
)

// handledStatuses are the outcomes that make a later job for the same
// (target, channel) a duplicate.
var handledStatuses = []string{StatusInvited, StatusAlreadyMember, StatusLinkSent}

// Terminal reports whether status ends a job.
func Terminal(status string) bool { return status != StatusRetryScheduled }

// Payload is the queue payload of an invite job.
type Payload struct {
	Target  string `json:"target"`
	Channel string `json:"channel,omitempty"`
	BatchID string `json:"batch_id,omitempty"`
}
