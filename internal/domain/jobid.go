package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// JobID derives the deterministic job identifier for a recipient and send
// time. Two enqueue attempts for the same (recipientKey, scheduledAt) pair
// always produce the same id, which is what collapses duplicate enqueues —
// including concurrent ones — into a single job.
//
// The timestamp contributes at second granularity: scheduling is second-level
// in this system, and sub-second differences coming from clock jitter on the
// caller side must not fork the identity.
func JobID(recipientKey string, scheduledAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(recipientKey))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(scheduledAt.UTC().Unix(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}
