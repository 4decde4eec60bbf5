package attendance

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"schoolconnect/internal/metrics"
)

// Sweeper deletes attendance rows older than the retention horizon.
type Sweeper struct {
	repo    *Repository
	horizon time.Duration
	now     func() time.Time
}

// NewSweeper creates a sweeper; a non-positive horizon disables it.
func NewSweeper(repo *Repository, horizon time.Duration) *Sweeper {
	return &Sweeper{repo: repo, horizon: horizon, now: time.Now}
}

// Sweep deletes every row dated before now minus the horizon.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	if s == nil || s.horizon <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-s.horizon)
	n, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.AttendanceSwept.Add(float64(n))
		logrus.WithFields(logrus.Fields{"deleted": n, "cutoff": cutoff}).Info("attendance retention sweep")
	}
	return n, nil
}
