package guard

import (
	"errors"
	"time"
)

var ErrRateLimited = errors.New("rate limited")

type RateDecision struct {
	Allowed bool
	// History is the retained window, with now appended when allowed.
	History []time.Time
	// RetryAfter is how long until the oldest retained entry leaves the window.
	RetryAfter time.Duration
}

// CheckRate applies a sliding window of length window holding at most max
// entries. Entries older than now-window are dropped; an entry exactly on the
// boundary is kept.
func CheckRate(history []time.Time, now time.Time, window time.Duration, max int) RateDecision {
	cutoff := now.Add(-window)
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.Before(cutoff) {
			continue
		}
		kept = append(kept, ts)
	}
	if len(kept) >= max {
		// A zero or negative max rejects everything.
		if len(kept) == 0 {
			return RateDecision{History: kept, RetryAfter: window}
		}
		oldest := kept[0]
		for _, ts := range kept[1:] {
			if ts.Before(oldest) {
				oldest = ts
			}
		}
		return RateDecision{History: kept, RetryAfter: oldest.Add(window).Sub(now)}
	}
	return RateDecision{Allowed: true, History: append(kept, now)}
}
