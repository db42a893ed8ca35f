package flows

import (
	"time"

	"github.com/MrEthical07/magiclink/tokenstore"
)

// ClaimFailureKind explains a claim that matched nothing. It is derived from
// a plain read taken after the failed claim and is only used for messaging.
type ClaimFailureKind int

const (
	ClaimFailureInvalid ClaimFailureKind = iota
	ClaimFailureExpired
	ClaimFailureUsed
)

func (k ClaimFailureKind) String() string {
	switch k {
	case ClaimFailureExpired:
		return "expired"
	case ClaimFailureUsed:
		return "used"
	default:
		return "invalid"
	}
}

// ClassifyClaimFailure inspects rec, which may be nil when the lookup found
// nothing or failed. A record for another email is reported as invalid so
// the caller learns nothing about tokens they do not hold.
func ClassifyClaimFailure(rec *tokenstore.Record, email string, now time.Time) ClaimFailureKind {
	if rec == nil || rec.SubjectEmail != email {
		return ClaimFailureInvalid
	}
	switch rec.State(now) {
	case tokenstore.StateRedeemed:
		return ClaimFailureUsed
	case tokenstore.StateExpired:
		return ClaimFailureExpired
	default:
		// Pending after a failed claim means the record changed in between;
		// report the generic reason.
		return ClaimFailureInvalid
	}
}
