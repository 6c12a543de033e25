package chatclient

import (
	"time"

	"github.com/google/uuid"
)

const (
	// DuplicateBlockWindow blocks a second identical send inside this window
	// (double-tap guard).
	DuplicateBlockWindow = 1400 * time.Millisecond
	// IdempotencyReuseWindow keeps the previous idempotency key alive for
	// identical content, so a retried network call cannot mint a duplicate
	// server-side turn.
	IdempotencyReuseWindow = 60 * time.Second
)

// SendDecision is the outcome of the dispatch guard for one candidate send.
type SendDecision struct {
	Blocked        bool
	IdempotencyKey string
	Fingerprint    SendFingerprint
}

// EvaluateSend decides whether a candidate send is a duplicate, which
// idempotency key it should carry, and the fingerprint to record if it is
// dispatched. No I/O and no clock reads; the caller supplies now, and the
// only nondeterminism is the freshly minted key.
func EvaluateSend(prev SendFingerprint, sessionKey, message string, now time.Time) SendDecision {
	sameContent := prev.SessionKey == sessionKey && prev.Message == message && prev.IdempotencyKey != ""
	if sameContent {
		age := now.Sub(prev.SentAt)
		if age < DuplicateBlockWindow {
			return SendDecision{Blocked: true, IdempotencyKey: prev.IdempotencyKey, Fingerprint: prev}
		}
		if age < IdempotencyReuseWindow {
			return SendDecision{
				IdempotencyKey: prev.IdempotencyKey,
				Fingerprint: SendFingerprint{
					SessionKey:     sessionKey,
					Message:        message,
					SentAt:         now,
					IdempotencyKey: prev.IdempotencyKey,
				},
			}
		}
	}
	key := uuid.NewString()
	return SendDecision{
		IdempotencyKey: key,
		Fingerprint: SendFingerprint{
			SessionKey:     sessionKey,
			Message:        message,
			SentAt:         now,
			IdempotencyKey: key,
		},
	}
}
