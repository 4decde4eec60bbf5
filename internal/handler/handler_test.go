package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolconnect/internal/attendance"
	"schoolconnect/internal/auth"
	"schoolconnect/internal/config"
	"schoolconnect/internal/notify"
	"schoolconnect/internal/school"
	"schoolconnect/internal/store"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (s *recordingSender) Send(_ context.Context, m notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	return nil
}

type env struct {
	t      *testing.T
	router *gin.Engine
	cfg    config.App
	school *school.Repository
	sender *recordingSender
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := store.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.App{
		Env:           "test",
		JWTIssuer:     "schoolconnect",
		JWTSigningKey: "test-key",
		AccessTTL:     time.Hour,
	}
	window := attendance.Window{UnlockAfter: 20 * time.Hour, SameDayGuard: true, Location: time.UTC}
	dir := school.NewRepository(db)
	attRepo := attendance.NewRepository(db)
	sender := &recordingSender{}
	dispatcher := notify.NewDispatcher(dir, dir, notify.NewRenderer(time.UTC, "02/01/2006"), 2, map[notify.Channel]notify.Sender{
		notify.SMS: sender, notify.Email: sender, notify.WhatsApp: sender,
	})
	absence := notify.NewAbsenceNotifier(dispatcher, dir, notify.SMS, "")
	router := NewRouter(Deps{
		Config:     cfg,
		DB:         db,
		School:     dir,
		Attendance: attendance.NewService(attRepo, dir, window),
		Recorder:   attendance.NewRecorder(db, attRepo, dir, window, nil, absence, attendance.NewSweeper(attRepo, 20*time.Hour)),
		Dispatcher: dispatcher,
	})
	return &env{t: t, router: router, cfg: cfg, school: dir, sender: sender}
}

func (e *env) token(email, role string) string {
	tok, err := auth.Issue(email, email, role, e.cfg.JWTIssuer, e.cfg.JWTSigningKey, time.Hour)
	require.NoError(e.t, err)
	return tok.AccessToken
}

func (e *env) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

// seed creates a teacher-owned class with two students sharing a parent phone
// and one with a different phone.
func (e *env) seed(admin string) (school.Class, []school.Student) {
	ctx := context.Background()
	teacher, err := e.school.CreateTeacher(ctx, "Meera", "meera@example.com", nil)
	require.NoError(e.t, err)

	w := e.do(http.MethodPost, "/v1/classes", admin, gin.H{"name": "5A", "teacher_id": teacher.ID})
	require.Equal(e.t, http.StatusCreated, w.Code, w.Body.String())
	var class school.Class
	decode(e.t, w, &class)

	var students []school.Student
	for _, s := range []struct{ name, phone string }{{"Asha", "9000000001"}, {"Ravi", "9000000001"}, {"Meena", "9000000003"}} {
		w := e.do(http.MethodPost, "/v1/students", admin, gin.H{"name": s.name, "parent_contact": s.phone, "class_id": class.ID})
		require.Equal(e.t, http.StatusCreated, w.Code, w.Body.String())
		var st school.Student
		decode(e.t, w, &st)
		students = append(students, st)
	}
	return class, students
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/v1/classes", "", nil).Code)
	teacher := e.token("meera@example.com", school.RoleTeacher)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/v1/students", teacher, nil).Code)
}

func TestDevToken(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodPost, "/v1/dev/token", "", gin.H{"email": "admin@example.com", "role": "ADMIN"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var tok auth.Token
	decode(t, w, &tok)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/students", tok.AccessToken, nil).Code)

	w = e.do(http.MethodPost, "/v1/dev/token", "", gin.H{"email": "x@example.com", "role": "ROOT"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTeacherSubmitsAttendance(t *testing.T) {
	e := newEnv(t)
	admin := e.token("admin@example.com", school.RoleAdmin)
	class, students := e.seed(admin)
	teacher := e.token("meera@example.com", school.RoleTeacher)

	w := e.do(http.MethodGet, "/v1/classes", teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct{ Classes []school.Class }
	decode(t, w, &listed)
	require.Len(t, listed.Classes, 1)
	assert.Equal(t, 3, listed.Classes[0].StudentCount)

	w = e.do(http.MethodGet, "/v1/classes/"+class.ID+"/attendance/lock", teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var lock attendance.LockStatus
	decode(t, w, &lock)
	assert.True(t, lock.Allowed)

	body := gin.H{
		"present_ids": []string{students[0].ID},
		"absent_ids":  []string{students[1].ID, students[2].ID},
	}
	w = e.do(http.MethodPost, "/v1/classes/"+class.ID+"/attendance", teacher, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res attendance.Result
	decode(t, w, &res)
	assert.Equal(t, 1, res.Present)
	assert.Equal(t, 2, res.Absent)
	require.NotNil(t, res.Notifications)
	assert.Equal(t, 2, res.Notifications.Sent)
	require.Len(t, e.sender.sent, 2)

	w = e.do(http.MethodPost, "/v1/classes/"+class.ID+"/attendance", teacher, body)
	require.Equal(t, http.StatusConflict, w.Code)
	var locked struct {
		Locked         bool   `json:"locked"`
		Reason         string `json:"reason"`
		RemainingHours int    `json:"remaining_hours"`
	}
	decode(t, w, &locked)
	assert.True(t, locked.Locked)
	assert.Equal(t, attendance.ReasonWindow, locked.Reason)
	assert.Equal(t, 20, locked.RemainingHours)

	w = e.do(http.MethodGet, "/v1/classes/"+class.ID+"/attendance/today", teacher, nil)
	assert.JSONEq(t, `{"taken":true}`, w.Body.String())

	w = e.do(http.MethodGet, "/v1/teachers/me/absents", teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var absents struct{ Classes []attendance.ClassAbsentees }
	decode(t, w, &absents)
	require.Len(t, absents.Classes, 1)
	assert.Len(t, absents.Classes[0].Students, 2)

	w = e.do(http.MethodGet, "/v1/messages/history", admin, nil)
	var history struct{ Messages []school.Message }
	decode(t, w, &history)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, notify.SystemSender, history.Messages[0].SenderID)
}

func TestTeacherCannotTouchOtherClasses(t *testing.T) {
	e := newEnv(t)
	admin := e.token("admin@example.com", school.RoleAdmin)
	class, _ := e.seed(admin)
	_, err := e.school.CreateTeacher(context.Background(), "Other", "other@example.com", nil)
	require.NoError(t, err)
	other := e.token("other@example.com", school.RoleTeacher)

	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/v1/classes/"+class.ID+"/students", other, nil).Code)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPost, "/v1/classes/"+class.ID+"/attendance", other, gin.H{"present_ids": []string{"x"}}).Code)

	stranger := e.token("stranger@example.com", school.RoleTeacher)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/v1/classes", stranger, nil).Code)
}

func TestSubmitValidation(t *testing.T) {
	e := newEnv(t)
	admin := e.token("admin@example.com", school.RoleAdmin)
	class, students := e.seed(admin)

	w := e.do(http.MethodPost, "/v1/classes/"+class.ID+"/attendance", admin, gin.H{"present_ids": []string{students[0].ID}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "attendance missing for 2 student(s)")

	w = e.do(http.MethodPost, "/v1/classes/nope/attendance", admin, gin.H{"present_ids": []string{students[0].ID}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendMessage(t *testing.T) {
	e := newEnv(t)
	admin := e.token("admin@example.com", school.RoleAdmin)
	class, _ := e.seed(admin)

	w := e.do(http.MethodPost, "/v1/messages/send", admin, gin.H{
		"targets": []string{class.ID},
		"message": "Dear parent of [student_name] ([class])",
		"type":    "sms",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res notify.Result
	decode(t, w, &res)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 0, res.Failed)
	assert.NotEmpty(t, res.MessageID)

	w = e.do(http.MethodGet, "/v1/messages/history", admin, nil)
	var history struct{ Messages []school.Message }
	decode(t, w, &history)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, []string{class.ID}, history.Messages[0].Targets)
	assert.Equal(t, "Dear parent of [student_name] ([class])", history.Messages[0].Body)

	tests := []struct {
		name string
		body gin.H
	}{
		{name: "no targets", body: gin.H{"targets": []string{}, "message": "hi", "type": "SMS"}},
		{name: "unknown channel", body: gin.H{"targets": []string{"all"}, "message": "hi", "type": "FAX"}},
		{name: "blank message", body: gin.H{"targets": []string{"all"}, "message": "   ", "type": "SMS"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/v1/messages/send", admin, tt.body).Code)
		})
	}
}

func TestTemplatesCRUD(t *testing.T) {
	e := newEnv(t)
	admin := e.token("admin@example.com", school.RoleAdmin)

	w := e.do(http.MethodPost, "/v1/templates", admin, gin.H{"name": "absence", "content": "[student_name] absent"})
	require.Equal(t, http.StatusCreated, w.Code)
	var tpl school.Template
	decode(t, w, &tpl)

	w = e.do(http.MethodGet, "/v1/templates", admin, nil)
	assert.Contains(t, w.Body.String(), "[student_name] absent")

	assert.Equal(t, http.StatusNoContent, e.do(http.MethodDelete, "/v1/templates/"+tpl.ID, admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodDelete, "/v1/templates/"+tpl.ID, admin, nil).Code)
}

func TestUploadWithoutStorage(t *testing.T) {
	e := newEnv(t)
	admin := e.token("admin@example.com", school.RoleAdmin)
	w := e.do(http.MethodPost, "/v1/uploads", admin, gin.H{"data": "data:image/png;base64,AAAA"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestTeacherEndpoints(t *testing.T) {
	e := newEnv(t)
	admin := e.token("admin@example.com", school.RoleAdmin)
	class, _ := e.seed(admin)
	teacher, err := e.school.TeacherByEmail(context.Background(), "meera@example.com")
	require.NoError(t, err)
	require.NotNil(t, teacher)
	path := "/v1/teachers/" + teacher.ID

	w := e.do(http.MethodGet, path, admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got school.Teacher
	decode(t, w, &got)
	require.Len(t, got.Classes, 1)
	assert.Equal(t, class.ID, got.Classes[0].ID)

	w = e.do(http.MethodPut, path, admin, gin.H{"name": "Meera S", "email": "meera.s@example.com", "phone": "9000000009"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &got)
	assert.Equal(t, "meera.s@example.com", got.Email)

	renamed := e.token("meera.s@example.com", school.RoleTeacher)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/v1/classes/"+class.ID+"/students", renamed, nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPut, path, admin, gin.H{"name": "x", "email": "not-an-email"}).Code)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, path, renamed, nil).Code)

	assert.Equal(t, http.StatusNoContent, e.do(http.MethodDelete, path, admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, path, admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodDelete, path, admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/v1/classes", renamed, nil).Code)
}

func TestUnknownReferenceIsNotFound(t *testing.T) {
	e := newEnv(t)
	admin := e.token("admin@example.com", school.RoleAdmin)
	class, students := e.seed(admin)

	w := e.do(http.MethodPut, "/v1/students/"+students[0].ID, admin, gin.H{"name": "Asha", "parent_contact": "9000000001", "class_id": "no-such-class"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "class not found")

	w = e.do(http.MethodPost, "/v1/classes", admin, gin.H{"name": "6B", "teacher_id": "no-such-teacher"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "teacher not found")

	w = e.do(http.MethodPut, "/v1/classes/"+class.ID, admin, gin.H{"name": "5A", "teacher_id": "no-such-teacher"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitChoosesNotificationChannel(t *testing.T) {
	e := newEnv(t)
	admin := e.token("admin@example.com", school.RoleAdmin)
	class, students := e.seed(admin)

	body := gin.H{
		"present_ids": []string{students[0].ID, students[1].ID},
		"absent_ids":  []string{students[2].ID},
		"channel":     "carrier-pigeon",
	}
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/v1/classes/"+class.ID+"/attendance", admin, body).Code)

	body["channel"] = "whatsapp"
	w := e.do(http.MethodPost, "/v1/classes/"+class.ID+"/attendance", admin, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = e.do(http.MethodGet, "/v1/messages/history", admin, nil)
	var history struct{ Messages []school.Message }
	decode(t, w, &history)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "WHATSAPP", history.Messages[0].Channel)
}
