// Package audit implements a fire-and-forget record of credential
// lifecycle events, backed by an embedded SQLite database (lite profile) or
// PostgreSQL (standard profile).
package audit

import "time"

// Event is one audit record. CredentialPreview must already be masked —
// this package never receives or stores a raw credential.
type Event struct {
	OccurredAt        time.Time
	Kind              string
	CredentialPreview string
	Group             string
	Detail            string
}

// Event kinds. The key_* kinds mirror the structured log events the
// Credential Manager emits, so the audit trail and the logs agree on
// vocabulary. KindBreakerStateChanged is defined here, but the Breaker does
// not write to the audit trail; its transitions go to logs and metrics only.
const (
	KindKeySelected         = "key_selected"
	KindKeyBlocked          = "key_blocked"
	KindKeyFailureRecorded  = "key_failure_recorded"
	KindBreakerStateChanged = "breaker_state_changed"
)
