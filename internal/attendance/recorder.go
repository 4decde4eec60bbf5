package attendance

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"schoolconnect/internal/apperr"
	"schoolconnect/internal/metrics"
	"schoolconnect/internal/notify"
	"schoolconnect/internal/school"
	"schoolconnect/internal/store"
)

const submitLockTTL = 30 * time.Second

// Entry is one student's presence in a submission.
type Entry struct {
	StudentID string `json:"student_id"`
	Present   bool   `json:"present"`
}

// Submission is a batch of entries for one class. Channel, when set, picks
// the absence notice channel for this submission.
type Submission struct {
	ClassID string
	Entries []Entry
	Channel notify.Channel
}

// Result summarises a recorded submission and what it triggered.
type Result struct {
	ClassID       string         `json:"class_id"`
	Date          time.Time      `json:"date"`
	Present       int            `json:"present"`
	Absent        int            `json:"absent"`
	Notifications *notify.Result `json:"notifications,omitempty"`
	NotifyError   string         `json:"notify_error,omitempty"`
	Swept         int64          `json:"swept"`
}

// AbsenceNotifier tells parents about absent students.
type AbsenceNotifier interface {
	NotifyAbsent(ctx context.Context, a notify.Absence) (notify.Result, error)
}

// Recorder persists submissions and triggers the absence notices and the
// retention sweep.
type Recorder struct {
	db       *store.DB
	repo     *Repository
	school   *school.Repository
	window   Window
	locker   store.Locker
	notifier AbsenceNotifier
	sweeper  *Sweeper
	now      func() time.Time
}

// NewRecorder wires a recorder. locker and notifier may be nil.
func NewRecorder(db *store.DB, repo *Repository, dir *school.Repository, window Window, locker store.Locker, notifier AbsenceNotifier, sweeper *Sweeper) *Recorder {
	if locker == nil {
		locker = store.NoopLocker{}
	}
	return &Recorder{
		db:       db,
		repo:     repo,
		school:   dir,
		window:   window,
		locker:   locker,
		notifier: notifier,
		sweeper:  sweeper,
		now:      time.Now,
	}
}

// Record validates and stores a submission in one transaction. The lock
// window is re-evaluated inside the transaction so a concurrent submission
// for the same class cannot slip past a stale check.
func (r *Recorder) Record(ctx context.Context, sub Submission) (Result, error) {
	classID := strings.TrimSpace(sub.ClassID)
	if classID == "" {
		metrics.AttendanceSubmissions.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return Result{}, apperr.Invalid("class id required")
	}
	if len(sub.Entries) == 0 {
		metrics.AttendanceSubmissions.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return Result{}, apperr.Invalid("attendance entries required")
	}
	log := logrus.WithField("class_id", classID)

	release, ok, err := r.locker.Acquire(ctx, "attendance:submit:"+classID, submitLockTTL)
	if err != nil {
		// the transaction below still serialises the write
		log.WithError(err).Warn("submission lock unavailable")
	} else if !ok {
		metrics.AttendanceSubmissions.WithLabelValues(metrics.OutcomeLocked).Inc()
		return Result{}, &LockedError{Status: LockStatus{Reason: ReasonInProgress}}
	}
	defer release()

	now := r.now().UTC().Truncate(time.Second)
	res := Result{ClassID: classID, Date: now}
	var (
		className string
		absent    []school.Student
	)
	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		repo := r.repo.WithTx(tx)
		name, err := repo.LockClass(ctx, classID)
		if err != nil {
			return err
		}
		className = name
		roster, err := r.school.WithTx(tx).ListStudentsByClass(ctx, classID)
		if err != nil {
			return err
		}
		byID, err := checkRoster(roster, sub.Entries)
		if err != nil {
			return err
		}
		last, err := repo.LatestForClass(ctx, classID)
		if err != nil {
			return err
		}
		if status := r.window.Evaluate(last, now); !status.Allowed {
			return &LockedError{Status: status}
		}
		for _, e := range sub.Entries {
			id := strings.TrimSpace(e.StudentID)
			if err := repo.Upsert(ctx, Record{StudentID: id, ClassID: classID, Date: now, Present: e.Present}); err != nil {
				return err
			}
			if e.Present {
				res.Present++
			} else {
				res.Absent++
				absent = append(absent, byID[id])
			}
		}
		return nil
	})
	if err != nil {
		var locked *LockedError
		switch {
		case errors.As(err, &locked):
			metrics.AttendanceSubmissions.WithLabelValues(metrics.OutcomeLocked).Inc()
			log.WithFields(logrus.Fields{"reason": locked.Status.Reason, "remaining_hours": locked.Status.RemainingHours}).Info("attendance submission locked")
		case errors.Is(err, apperr.ErrInvalidRequest), errors.Is(err, apperr.ErrNotFound):
			metrics.AttendanceSubmissions.WithLabelValues(metrics.OutcomeInvalid).Inc()
		default:
			metrics.AttendanceSubmissions.WithLabelValues(metrics.OutcomeFailed).Inc()
		}
		return Result{}, err
	}
	metrics.AttendanceSubmissions.WithLabelValues(metrics.OutcomeRecorded).Inc()
	log.WithFields(logrus.Fields{"present": res.Present, "absent": res.Absent}).Info("attendance recorded")

	if len(absent) > 0 && r.notifier != nil {
		nres, err := r.notifier.NotifyAbsent(ctx, notify.Absence{ClassID: classID, ClassName: className, Students: absent, Date: now, Channel: sub.Channel})
		if err != nil {
			log.WithError(err).Error("absence notification failed")
			res.NotifyError = apperr.Message(err)
		} else {
			res.Notifications = &nres
		}
	}

	if n, err := r.sweeper.Sweep(ctx); err != nil {
		log.WithError(err).Error("attendance retention sweep failed")
	} else {
		res.Swept = n
	}
	return res, nil
}

// checkRoster requires exactly one entry per class member and returns the
// roster indexed by id.
func checkRoster(roster []school.Student, entries []Entry) (map[string]school.Student, error) {
	if len(roster) == 0 {
		return nil, apperr.Invalid("class has no students")
	}
	byID := make(map[string]school.Student, len(roster))
	for _, s := range roster {
		byID[s.ID] = s
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		id := strings.TrimSpace(e.StudentID)
		if id == "" {
			return nil, apperr.Invalid("student id required")
		}
		if _, ok := byID[id]; !ok {
			return nil, apperr.Invalidf("student %s is not in this class", id)
		}
		if _, dup := seen[id]; dup {
			return nil, apperr.Invalidf("student %s listed more than once", id)
		}
		seen[id] = struct{}{}
	}
	if missing := len(byID) - len(seen); missing > 0 {
		return nil, apperr.Invalidf("attendance missing for %d student(s)", missing)
	}
	return byID, nil
}
