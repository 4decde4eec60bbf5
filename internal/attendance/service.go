package attendance

import (
	"context"
	"strings"
	"time"

	"schoolconnect/internal/apperr"
	"schoolconnect/internal/school"
)

// ClassAbsentees groups absent students under their class.
type ClassAbsentees struct {
	ClassID   string     `json:"class_id"`
	ClassName string     `json:"class_name"`
	Students  []Absentee `json:"students"`
}

// Service answers read-only attendance questions.
type Service struct {
	repo   *Repository
	school *school.Repository
	window Window
	now    func() time.Time
}

// NewService creates a service backed by the attendance and school repositories.
func NewService(repo *Repository, dir *school.Repository, window Window) *Service {
	return &Service{repo: repo, school: dir, window: window, now: time.Now}
}

// Lock evaluates whether classID may submit now. A class that does not exist
// has never submitted and is reported as allowed.
func (s *Service) Lock(ctx context.Context, classID string) (LockStatus, error) {
	classID = strings.TrimSpace(classID)
	if classID == "" {
		return LockStatus{}, apperr.Invalid("class id required")
	}
	last, err := s.repo.LatestForClass(ctx, classID)
	if err != nil {
		return LockStatus{}, err
	}
	return s.window.Evaluate(last, s.now()), nil
}

// Last returns the latest submission time of a class, or nil.
func (s *Service) Last(ctx context.Context, classID string) (*time.Time, error) {
	return s.repo.LatestForClass(ctx, classID)
}

// TakenToday reports whether the class has any record in the current local day.
func (s *Service) TakenToday(ctx context.Context, classID string) (bool, error) {
	from, to := s.window.DayBounds(s.now())
	n, err := s.repo.CountBetween(ctx, classID, from, to)
	return n > 0, err
}

// AbsentToday lists today's absentees grouped by class. No class ids means
// every class.
func (s *Service) AbsentToday(ctx context.Context, classIDs ...string) ([]ClassAbsentees, error) {
	from, to := s.window.DayBounds(s.now())
	rows, err := s.repo.AbsentBetween(ctx, from, to, classIDs)
	if err != nil {
		return nil, err
	}
	return groupByClass(rows), nil
}

// AbsentForTeacher lists today's absentees in the classes of the teacher
// linked to email.
func (s *Service) AbsentForTeacher(ctx context.Context, email string) ([]ClassAbsentees, error) {
	t, err := s.school.TeacherByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apperr.NotFound("teacher")
	}
	classes, err := s.school.ListClasses(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return []ClassAbsentees{}, nil
	}
	ids := make([]string, len(classes))
	for i, c := range classes {
		ids[i] = c.ID
	}
	return s.AbsentToday(ctx, ids...)
}

// rows arrive ordered by class name.
func groupByClass(rows []Absentee) []ClassAbsentees {
	out := []ClassAbsentees{}
	for _, a := range rows {
		if n := len(out); n == 0 || out[n-1].ClassID != a.ClassID {
			out = append(out, ClassAbsentees{ClassID: a.ClassID, ClassName: a.ClassName})
		}
		last := &out[len(out)-1]
		last.Students = append(last.Students, a)
	}
	return out
}
