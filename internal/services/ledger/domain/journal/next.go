package journal

import (
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/integrity"
)

// Head is the last appended position of a scope.
type Head struct {
	Seq       uint64
	ChainHash string
	Timestamp time.Time
}

// HeadOf returns the head position evt leaves behind.
func HeadOf(evt event.Event) Head {
	return Head{Seq: evt.Seq, ChainHash: evt.ChainHash, Timestamp: evt.Timestamp}
}

// Next places a validated event after head: it assigns the next sequence,
// defaults the timestamp to now, clamps it so it never precedes the head,
// and seals the hash chain.
func Next(ring *integrity.Keyring, evt event.Event, head Head, now time.Time) (event.Event, error) {
	evt.Seq = head.Seq + 1
	if evt.Timestamp.IsZero() {
		evt.Timestamp = now
	}
	evt.Timestamp = ClampTimestamp(evt.Timestamp, head)
	return integrity.Seal(ring, evt, head.ChainHash)
}

// ClampTimestamp returns ts at millisecond precision in UTC, raised to the
// head timestamp when it would otherwise go backwards.
func ClampTimestamp(ts time.Time, head Head) time.Time {
	ts = ts.UTC().Truncate(time.Millisecond)
	if head.Seq > 0 && ts.Before(head.Timestamp) {
		return head.Timestamp.UTC()
	}
	return ts
}

// ResubmissionHash returns the content hash a resubmitted copy of evt would
// have been stored under, or "" when evt carries no caller timestamp and so
// cannot be a resubmission.
func ResubmissionHash(evt event.Event) (string, error) {
	if evt.Timestamp.IsZero() {
		return "", nil
	}
	return event.EventHash(evt)
}
