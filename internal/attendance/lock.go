package attendance

import (
	"fmt"
	"math"
	"time"
)

// Lock reasons reported to callers.
const (
	ReasonWindow     = "window"
	ReasonSameDay    = "same_day"
	ReasonInProgress = "in_progress"
)

// Window decides when a class may submit attendance again.
type Window struct {
	// UnlockAfter is the minimum time between two submissions for a class.
	UnlockAfter time.Duration
	// SameDayGuard additionally refuses a second submission on the same
	// local calendar day.
	SameDayGuard bool
	Location     *time.Location
}

// LockStatus is the outcome of a lock evaluation.
type LockStatus struct {
	Allowed        bool       `json:"allowed"`
	RemainingHours int        `json:"remaining_hours"`
	Reason         string     `json:"reason,omitempty"`
	LastSubmission *time.Time `json:"last_submission,omitempty"`
}

// Evaluate is a pure function of the latest submission time and now.
// The rolling window is checked first so RemainingHours always reflects it
// while it applies; the same-day guard then reports the hours until the next
// local midnight.
func (w Window) Evaluate(last *time.Time, now time.Time) LockStatus {
	if last == nil {
		return LockStatus{Allowed: true}
	}
	status := LockStatus{LastSubmission: last}
	elapsed := now.Sub(*last)
	if elapsed < w.UnlockAfter {
		status.Reason = ReasonWindow
		status.RemainingHours = ceilHours(w.UnlockAfter - elapsed)
		return status
	}
	if w.SameDayGuard && w.sameDay(*last, now) {
		status.Reason = ReasonSameDay
		status.RemainingHours = ceilHours(w.nextMidnight(now).Sub(now))
		return status
	}
	status.Allowed = true
	return status
}

func (w Window) location() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

func (w Window) sameDay(a, b time.Time) bool {
	loc := w.location()
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

func (w Window) nextMidnight(now time.Time) time.Time {
	y, m, d := now.In(w.location()).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, w.location())
}

// DayBounds returns the UTC start and end of the local day containing t.
func (w Window) DayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.In(w.location()).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, w.location())
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

func ceilHours(d time.Duration) int {
	h := int(math.Ceil(d.Hours()))
	if h < 1 {
		return 1
	}
	return h
}

// LockedError is returned when a submission arrives inside the lock window.
type LockedError struct {
	Status LockStatus
}

func (e *LockedError) Error() string {
	if e.Status.Reason == ReasonInProgress {
		return "attendance locked: another submission for this class is in progress"
	}
	return fmt.Sprintf("attendance locked: try again in %d hour(s)", e.Status.RemainingHours)
}
