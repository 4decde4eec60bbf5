package school

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"schoolconnect/internal/apperr"
	"schoolconnect/internal/store"
)

// Repository persists the school directory, templates and the message audit log.
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

const studentSelect = `
	SELECT s.id, s.name, s.parent_name, s.parent_email, s.parent_contact, s.class_id, c.name, s.created_at
	FROM students s
	LEFT JOIN classes c ON c.id = s.class_id`

func scanStudent(row interface{ Scan(...any) error }) (Student, error) {
	var s Student
	err := row.Scan(&s.ID, &s.Name, &s.ParentName, &s.ParentEmail, &s.ParentContact, &s.ClassID, &s.ClassName, &s.CreatedAt)
	return s, err
}

func (r *Repository) queryStudents(ctx context.Context, query string, args ...any) ([]Student, error) {
	rows, err := r.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query students")
	}
	defer rows.Close()
	var res []Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan student")
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CreateStudent validates and inserts a student.
func (r *Repository) CreateStudent(ctx context.Context, s Student) (Student, error) {
	s.Name = strings.TrimSpace(s.Name)
	s.ParentContact = strings.TrimSpace(s.ParentContact)
	if s.Name == "" || s.ParentContact == "" {
		return Student{}, apperr.Invalid("name and parent contact required")
	}
	if err := r.requireClass(ctx, s.ClassID); err != nil {
		return Student{}, err
	}
	s.ID = uuid.NewString()
	s.CreatedAt = time.Now().UTC()
	_, err := r.ex.ExecContext(ctx, `
		INSERT INTO students (id, name, parent_name, parent_email, parent_contact, class_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.Name, s.ParentName, s.ParentEmail, s.ParentContact, nullIfEmpty(s.ClassID), s.CreatedAt)
	if err != nil {
		return Student{}, errors.Wrap(err, "insert student")
	}
	created, err := r.GetStudent(ctx, s.ID)
	if err != nil || created == nil {
		return s, err
	}
	return *created, nil
}

// GetStudent returns a student with its class name, or nil when missing.
func (r *Repository) GetStudent(ctx context.Context, id string) (*Student, error) {
	s, err := scanStudent(r.ex.QueryRowContext(ctx, studentSelect+` WHERE s.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get student")
	}
	return &s, nil
}

// ListStudents returns every student ordered by name.
func (r *Repository) ListStudents(ctx context.Context) ([]Student, error) {
	return r.queryStudents(ctx, studentSelect+` ORDER BY s.name, s.id`)
}

// ListStudentsByClass returns the members of a class.
func (r *Repository) ListStudentsByClass(ctx context.Context, classID string) ([]Student, error) {
	return r.queryStudents(ctx, studentSelect+` WHERE s.class_id = $1 ORDER BY s.name, s.id`, classID)
}

// UpdateStudent overwrites the editable fields of a student.
func (r *Repository) UpdateStudent(ctx context.Context, s Student) (Student, error) {
	s.Name = strings.TrimSpace(s.Name)
	s.ParentContact = strings.TrimSpace(s.ParentContact)
	if s.Name == "" || s.ParentContact == "" {
		return Student{}, apperr.Invalid("name and parent contact required")
	}
	if err := r.requireClass(ctx, s.ClassID); err != nil {
		return Student{}, err
	}
	res, err := r.ex.ExecContext(ctx, `
		UPDATE students
		SET name = $1, parent_name = $2, parent_email = $3, parent_contact = $4, class_id = $5
		WHERE id = $6
	`, s.Name, s.ParentName, s.ParentEmail, s.ParentContact, nullIfEmpty(s.ClassID), s.ID)
	if err := affected(res, err, "student"); err != nil {
		return Student{}, err
	}
	updated, err := r.GetStudent(ctx, s.ID)
	if err != nil {
		return Student{}, err
	}
	return *updated, nil
}

// DeleteStudent removes a student; attendance rows cascade.
func (r *Repository) DeleteStudent(ctx context.Context, id string) error {
	res, err := r.ex.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, id)
	return affected(res, err, "student")
}

const classSelect = `
	SELECT c.id, c.name, c.teacher_id, u.name,
		(SELECT COUNT(*) FROM students s WHERE s.class_id = c.id), c.created_at
	FROM classes c
	LEFT JOIN teachers t ON t.id = c.teacher_id
	LEFT JOIN users u ON u.id = t.user_id`

func scanClass(row interface{ Scan(...any) error }) (Class, error) {
	var c Class
	err := row.Scan(&c.ID, &c.Name, &c.TeacherID, &c.TeacherName, &c.StudentCount, &c.CreatedAt)
	return c, err
}

// CreateClass inserts a class, optionally assigned to a teacher.
func (r *Repository) CreateClass(ctx context.Context, name string, teacherID *string) (Class, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Class{}, apperr.Invalid("class name required")
	}
	if err := r.requireTeacher(ctx, teacherID); err != nil {
		return Class{}, err
	}
	c := Class{ID: uuid.NewString(), Name: name, TeacherID: nullIfEmpty(teacherID), CreatedAt: time.Now().UTC()}
	_, err := r.ex.ExecContext(ctx, `
		INSERT INTO classes (id, name, teacher_id, created_at) VALUES ($1, $2, $3, $4)
	`, c.ID, c.Name, c.TeacherID, c.CreatedAt)
	if err != nil {
		return Class{}, errors.Wrap(err, "insert class")
	}
	created, err := r.GetClass(ctx, c.ID)
	if err != nil || created == nil {
		return c, err
	}
	return *created, nil
}

// GetClass returns a class with teacher name and head count, or nil when missing.
func (r *Repository) GetClass(ctx context.Context, id string) (*Class, error) {
	c, err := scanClass(r.ex.QueryRowContext(ctx, classSelect+` WHERE c.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get class")
	}
	return &c, nil
}

// ListClasses returns all classes, or only those of teacherID when it is set.
func (r *Repository) ListClasses(ctx context.Context, teacherID string) ([]Class, error) {
	query := classSelect
	args := []any{}
	if teacherID != "" {
		query += ` WHERE c.teacher_id = $1`
		args = append(args, teacherID)
	}
	query += ` ORDER BY c.name, c.id`
	rows, err := r.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query classes")
	}
	defer rows.Close()
	var res []Class
	for rows.Next() {
		c, err := scanClass(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan class")
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpdateClass renames a class or reassigns its teacher.
func (r *Repository) UpdateClass(ctx context.Context, id, name string, teacherID *string) (Class, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Class{}, apperr.Invalid("class name required")
	}
	if err := r.requireTeacher(ctx, teacherID); err != nil {
		return Class{}, err
	}
	res, err := r.ex.ExecContext(ctx, `UPDATE classes SET name = $1, teacher_id = $2 WHERE id = $3`, name, nullIfEmpty(teacherID), id)
	if err := affected(res, err, "class"); err != nil {
		return Class{}, err
	}
	c, err := r.GetClass(ctx, id)
	if err != nil {
		return Class{}, err
	}
	return *c, nil
}

// DeleteClass removes a class; its students become unassigned.
func (r *Repository) DeleteClass(ctx context.Context, id string) error {
	res, err := r.ex.ExecContext(ctx, `DELETE FROM classes WHERE id = $1`, id)
	return affected(res, err, "class")
}

const teacherSelect = `
	SELECT t.id, t.user_id, u.name, u.email, t.phone, t.created_at
	FROM teachers t
	JOIN users u ON u.id = t.user_id`

func scanTeacher(row interface{ Scan(...any) error }) (Teacher, error) {
	var t Teacher
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.Email, &t.Phone, &t.CreatedAt)
	return t, err
}

// CreateTeacher inserts the identity user and the teacher profile in one transaction.
func (r *Repository) CreateTeacher(ctx context.Context, name, email string, phone *string) (Teacher, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return Teacher{}, apperr.Invalid("teacher email required")
	}
	if err := r.emailFree(ctx, email, ""); err != nil {
		return Teacher{}, err
	}
	now := time.Now().UTC()
	t := Teacher{ID: uuid.NewString(), UserID: uuid.NewString(), Name: strings.TrimSpace(name), Email: email, Phone: nullIfEmpty(phone), CreatedAt: now}
	insert := func(ex store.Executor) error {
		if _, err := ex.ExecContext(ctx, `
			INSERT INTO users (id, name, email, role, created_at) VALUES ($1, $2, $3, $4, $5)
		`, t.UserID, t.Name, t.Email, RoleTeacher, now); err != nil {
			return errors.Wrap(err, "insert user")
		}
		_, err := ex.ExecContext(ctx, `
			INSERT INTO teachers (id, user_id, phone, created_at) VALUES ($1, $2, $3, $4)
		`, t.ID, t.UserID, t.Phone, now)
		return errors.Wrap(err, "insert teacher")
	}
	if err := r.inTx(ctx, insert); err != nil {
		return Teacher{}, err
	}
	return t, nil
}

// ListTeachers returns every teacher with the linked account.
func (r *Repository) ListTeachers(ctx context.Context) ([]Teacher, error) {
	rows, err := r.ex.QueryContext(ctx, teacherSelect+` ORDER BY u.name, t.id`)
	if err != nil {
		return nil, errors.Wrap(err, "query teachers")
	}
	defer rows.Close()
	var res []Teacher
	for rows.Next() {
		t, err := scanTeacher(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan teacher")
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TeacherByEmail resolves the teacher linked to an identity email, or nil.
func (r *Repository) TeacherByEmail(ctx context.Context, email string) (*Teacher, error) {
	t, err := scanTeacher(r.ex.QueryRowContext(ctx, teacherSelect+` WHERE u.email = $1`, strings.ToLower(strings.TrimSpace(email))))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get teacher")
	}
	return &t, nil
}

// GetTeacher returns a teacher with the classes assigned to them, or nil when
// missing.
func (r *Repository) GetTeacher(ctx context.Context, id string) (*Teacher, error) {
	t, err := scanTeacher(r.ex.QueryRowContext(ctx, teacherSelect+` WHERE t.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get teacher")
	}
	classes, err := r.ListClasses(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.Classes = classes
	if t.Classes == nil {
		t.Classes = []Class{}
	}
	return &t, nil
}

// UpdateTeacher changes the account name and email and the teacher phone in
// one transaction.
func (r *Repository) UpdateTeacher(ctx context.Context, id, name, email string, phone *string) (Teacher, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return Teacher{}, apperr.Invalid("teacher email required")
	}
	current, err := r.GetTeacher(ctx, id)
	if err != nil {
		return Teacher{}, err
	}
	if current == nil {
		return Teacher{}, apperr.NotFound("teacher")
	}
	if err := r.emailFree(ctx, email, current.UserID); err != nil {
		return Teacher{}, err
	}
	err = r.inTx(ctx, func(ex store.Executor) error {
		if _, err := ex.ExecContext(ctx, `UPDATE users SET name = $1, email = $2 WHERE id = $3`,
			strings.TrimSpace(name), email, current.UserID); err != nil {
			return errors.Wrap(err, "update user")
		}
		_, err := ex.ExecContext(ctx, `UPDATE teachers SET phone = $1 WHERE id = $2`, nullIfEmpty(phone), id)
		return errors.Wrap(err, "update teacher")
	})
	if err != nil {
		return Teacher{}, err
	}
	updated, err := r.GetTeacher(ctx, id)
	if err != nil {
		return Teacher{}, err
	}
	if updated == nil {
		return Teacher{}, apperr.NotFound("teacher")
	}
	return *updated, nil
}

// DeleteTeacher removes the teacher and the linked account. Their classes
// become unassigned.
func (r *Repository) DeleteTeacher(ctx context.Context, id string) error {
	t, err := r.GetTeacher(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return apperr.NotFound("teacher")
	}
	return r.inTx(ctx, func(ex store.Executor) error {
		if _, err := ex.ExecContext(ctx, `UPDATE classes SET teacher_id = NULL WHERE teacher_id = $1`, id); err != nil {
			return errors.Wrap(err, "unassign classes")
		}
		if _, err := ex.ExecContext(ctx, `DELETE FROM teachers WHERE id = $1`, id); err != nil {
			return errors.Wrap(err, "delete teacher")
		}
		_, err := ex.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, t.UserID)
		return errors.Wrap(err, "delete user")
	})
}

// emailFree rejects an email already used by an account other than userID.
func (r *Repository) emailFree(ctx context.Context, email, userID string) error {
	var owner string
	err := r.ex.QueryRowContext(ctx, `SELECT id FROM users WHERE email = $1`, email).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "lookup user")
	}
	if owner != userID {
		return apperr.Invalidf("email %s already in use", email)
	}
	return nil
}

func (r *Repository) requireClass(ctx context.Context, id *string) error {
	if id == nil || strings.TrimSpace(*id) == "" {
		return nil
	}
	ok, err := r.IsClass(ctx, strings.TrimSpace(*id))
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("class")
	}
	return nil
}

func (r *Repository) requireTeacher(ctx context.Context, id *string) error {
	if id == nil || strings.TrimSpace(*id) == "" {
		return nil
	}
	ok, err := r.exists(ctx, `SELECT 1 FROM teachers WHERE id = $1`, strings.TrimSpace(*id))
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("teacher")
	}
	return nil
}

// inTx runs fn in the bound transaction, or in a new one.
func (r *Repository) inTx(ctx context.Context, fn func(store.Executor) error) error {
	if _, ok := r.ex.(*sql.Tx); ok || r.db == nil {
		return fn(r.ex)
	}
	return r.db.WithTx(ctx, func(tx *sql.Tx) error { return fn(tx) })
}

// CreateTemplate stores a named message template.
func (r *Repository) CreateTemplate(ctx context.Context, name, content string) (Template, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(content) == "" {
		return Template{}, apperr.Invalid("name and content required")
	}
	t := Template{ID: uuid.NewString(), Name: name, Content: content, CreatedAt: time.Now().UTC()}
	_, err := r.ex.ExecContext(ctx, `
		INSERT INTO message_templates (id, name, content, created_at) VALUES ($1, $2, $3, $4)
	`, t.ID, t.Name, t.Content, t.CreatedAt)
	if err != nil {
		return Template{}, errors.Wrap(err, "insert template")
	}
	return t, nil
}

// ListTemplates returns templates newest first.
func (r *Repository) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := r.ex.QueryContext(ctx, `SELECT id, name, content, created_at FROM message_templates ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, errors.Wrap(err, "query templates")
	}
	defer rows.Close()
	var res []Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.Name, &t.Content, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan template")
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TemplateByName returns the newest template with that name, or nil.
func (r *Repository) TemplateByName(ctx context.Context, name string) (*Template, error) {
	var t Template
	err := r.ex.QueryRowContext(ctx, `
		SELECT id, name, content, created_at FROM message_templates
		WHERE name = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, name).Scan(&t.ID, &t.Name, &t.Content, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get template")
	}
	return &t, nil
}

// DeleteTemplate removes a template.
func (r *Repository) DeleteTemplate(ctx context.Context, id string) error {
	res, err := r.ex.ExecContext(ctx, `DELETE FROM message_templates WHERE id = $1`, id)
	return affected(res, err, "template")
}

// CreateMessage appends one audit row. Messages are never updated.
func (r *Repository) CreateMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Targets == nil {
		m.Targets = []string{}
	}
	targets, err := json.Marshal(m.Targets)
	if err != nil {
		return Message{}, errors.Wrap(err, "encode targets")
	}
	_, err = r.ex.ExecContext(ctx, `
		INSERT INTO messages (id, sender_id, message, type, targets, image_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.SenderID, m.Body, m.Channel, string(targets), m.ImageURL, m.CreatedAt)
	if err != nil {
		return Message{}, errors.Wrap(err, "insert message")
	}
	return m, nil
}

// ListMessages returns the most recent audit rows, newest first.
func (r *Repository) ListMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	rows, err := r.ex.QueryContext(ctx, `
		SELECT id, sender_id, message, type, targets, image_url, created_at
		FROM messages
		ORDER BY created_at DESC, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()
	var res []Message
	for rows.Next() {
		var (
			m       Message
			targets string
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Body, &m.Channel, &targets, &m.ImageURL, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if err := json.Unmarshal([]byte(targets), &m.Targets); err != nil {
			return nil, errors.Wrap(err, "decode targets")
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func affected(res sql.Result, err error, what string) error {
	if err != nil {
		return errors.Wrapf(err, "write %s", what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "write %s", what)
	}
	if n == 0 {
		return apperr.NotFound(what)
	}
	return nil
}

func nullIfEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	return strPtr(strings.TrimSpace(*s))
}

// IsStudent reports whether id names a student.
func (r *Repository) IsStudent(ctx context.Context, id string) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM students WHERE id = $1`, id)
}

// IsClass reports whether id names a class.
func (r *Repository) IsClass(ctx context.Context, id string) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM classes WHERE id = $1`, id)
}

func (r *Repository) exists(ctx context.Context, query, id string) (bool, error) {
	var one int
	err := r.ex.QueryRowContext(ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "lookup id")
	}
	return true, nil
}
