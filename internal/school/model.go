package school

import "time"

// Roles supplied by the identity provider.
const (
	RoleAdmin   = "ADMIN"
	RoleTeacher = "TEACHER"
)

// Student is a pupil with the parent contact notifications go to.
type Student struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ParentName    *string   `json:"parent_name,omitempty"`
	ParentEmail   *string   `json:"parent_email,omitempty"`
	ParentContact string    `json:"parent_contact"`
	ClassID       *string   `json:"class_id,omitempty"`
	ClassName     *string   `json:"class_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Class groups students under an optional teacher.
type Class struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	TeacherID    *string   `json:"teacher_id,omitempty"`
	TeacherName  *string   `json:"teacher_name,omitempty"`
	StudentCount int       `json:"student_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Teacher is linked to one identity-provider account.
type Teacher struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     *string   `json:"phone,omitempty"`
	Classes   []Class   `json:"classes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is the audit row written once per dispatch.
type Message struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"message"`
	Channel   string    `json:"type"`
	Targets   []string  `json:"targets"`
	ImageURL  *string   `json:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Template is a reusable message body with [placeholder] tokens.
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
