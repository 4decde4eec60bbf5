package attendance

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"schoolconnect/internal/apperr"
	"schoolconnect/internal/store"
)

// Record is one student's presence for one submission.
type Record struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	ClassID   string    `json:"class_id"`
	Date      time.Time `json:"date"`
	Present   bool      `json:"present"`
}

// Absentee is an absent record joined with the student and class.
type Absentee struct {
	StudentID     string    `json:"student_id"`
	StudentName   string    `json:"student_name"`
	ParentContact string    `json:"parent_contact"`
	ClassID       string    `json:"class_id"`
	ClassName     string    `json:"class_name"`
	Date          time.Time `json:"date"`
}

// Repository persists attendance rows.
type Repository struct {
	db *store.DB
	ex store.Executor
}

// NewRepository creates a repo.
func NewRepository(db *store.DB) *Repository {
	return &Repository{db: db, ex: db.Client}
}

// WithTx returns a copy of the repository bound to tx.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: r.db, ex: tx}
}

// LockClass takes a row lock on the class for the rest of the transaction and
// returns its name. SQLite serialises writers on its own.
func (r *Repository) LockClass(ctx context.Context, classID string) (string, error) {
	var name string
	err := r.ex.QueryRowContext(ctx, `SELECT name FROM classes WHERE id = $1`+r.db.ForUpdate(), classID).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperr.NotFound("class")
		}
		return "", errors.Wrap(err, "lock class")
	}
	return name, nil
}

// LatestForClass returns the newest submission time of a class, or nil.
func (r *Repository) LatestForClass(ctx context.Context, classID string) (*time.Time, error) {
	var last time.Time
	err := r.ex.QueryRowContext(ctx, `
		SELECT date FROM attendance
		WHERE class_id = $1
		ORDER BY date DESC
		LIMIT 1
	`, classID).Scan(&last)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "latest attendance")
	}
	last = last.UTC()
	return &last, nil
}

// Upsert writes a record keyed on (student_id, date); an existing row for
// that key takes the new presence value.
func (r *Repository) Upsert(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := r.ex.ExecContext(ctx, `
		INSERT INTO attendance (id, student_id, class_id, date, present)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (student_id, date) DO UPDATE SET
			present = excluded.present,
			class_id = excluded.class_id
	`, rec.ID, rec.StudentID, rec.ClassID, rec.Date.UTC(), rec.Present)
	return errors.Wrapf(err, "upsert attendance for %s", rec.StudentID)
}

// ForClassAt returns the records of one submission.
func (r *Repository) ForClassAt(ctx context.Context, classID string, at time.Time) ([]Record, error) {
	rows, err := r.ex.QueryContext(ctx, `
		SELECT id, student_id, class_id, date, present
		FROM attendance
		WHERE class_id = $1 AND date = $2
		ORDER BY student_id
	`, classID, at.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "query attendance")
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.ClassID, &rec.Date, &rec.Present); err != nil {
			return nil, errors.Wrap(err, "scan attendance")
		}
		rec.Date = rec.Date.UTC()
		res = append(res, rec)
	}
	return res, rows.Err()
}

// DeleteOlderThan removes every row dated before cutoff.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.ex.ExecContext(ctx, `DELETE FROM attendance WHERE date < $1`, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "delete old attendance")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "rows affected")
}

// CountBetween counts the class rows dated in [from, to).
func (r *Repository) CountBetween(ctx context.Context, classID string, from, to time.Time) (int, error) {
	var n int
	err := r.ex.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attendance
		WHERE class_id = $1 AND date >= $2 AND date < $3
	`, classID, from.UTC(), to.UTC()).Scan(&n)
	return n, errors.Wrap(err, "count attendance")
}

// AbsentBetween lists absent rows dated in [from, to), optionally limited to
// classIDs.
func (r *Repository) AbsentBetween(ctx context.Context, from, to time.Time, classIDs []string) ([]Absentee, error) {
	query := `
		SELECT s.id, s.name, s.parent_contact, c.id, c.name, a.date
		FROM attendance a
		JOIN students s ON s.id = a.student_id
		JOIN classes c ON c.id = a.class_id
		WHERE a.present = $1 AND a.date >= $2 AND a.date < $3`
	args := []any{false, from.UTC(), to.UTC()}
	if len(classIDs) > 0 {
		marks := make([]string, len(classIDs))
		for i, id := range classIDs {
			args = append(args, id)
			marks[i] = fmt.Sprintf("$%d", len(args))
		}
		query += ` AND a.class_id IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY c.name, c.id, s.name, s.id`

	rows, err := r.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query absentees")
	}
	defer rows.Close()
	var res []Absentee
	for rows.Next() {
		var a Absentee
		if err := rows.Scan(&a.StudentID, &a.StudentName, &a.ParentContact, &a.ClassID, &a.ClassName, &a.Date); err != nil {
			return nil, errors.Wrap(err, "scan absentee")
		}
		a.Date = a.Date.UTC()
		res = append(res, a)
	}
	return res, rows.Err()
}
