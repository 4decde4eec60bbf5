package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolconnect/internal/apperr"
	"schoolconnect/internal/school"
)

type fakeDirectory struct {
	students []school.Student
}

func (f *fakeDirectory) ListStudents(context.Context) ([]school.Student, error) {
	return f.students, nil
}

func (f *fakeDirectory) GetStudent(_ context.Context, id string) (*school.Student, error) {
	for _, s := range f.students {
		if s.ID == id {
			s := s
			return &s, nil
		}
	}
	return nil, nil
}

func (f *fakeDirectory) ListStudentsByClass(_ context.Context, classID string) ([]school.Student, error) {
	var out []school.Student
	for _, s := range f.students {
		if s.ClassID != nil && *s.ClassID == classID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeDirectory) IsStudent(ctx context.Context, id string) (bool, error) {
	s, err := f.GetStudent(ctx, id)
	return s != nil, err
}

func (f *fakeDirectory) IsClass(_ context.Context, id string) (bool, error) {
	for _, s := range f.students {
		if s.ClassID != nil && *s.ClassID == id {
			return true, nil
		}
	}
	return id == "empty-class", nil
}

type fakeAudit struct {
	rows []school.Message
}

func (f *fakeAudit) CreateMessage(_ context.Context, m school.Message) (school.Message, error) {
	m.ID = "msg-1"
	f.rows = append(f.rows, m)
	return m, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []Message
	fail map[string]bool
}

func (f *fakeSender) Send(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[m.To] {
		return errors.New("provider rejected")
	}
	f.sent = append(f.sent, m)
	return nil
}

func ptr(s string) *string { return &s }

func student(id, name, contact, classID, className string) school.Student {
	return school.Student{ID: id, Name: name, ParentContact: contact, ClassID: ptr(classID), ClassName: ptr(className)}
}

func newDispatcher(dir Directory, audit AuditLog, s Sender) *Dispatcher {
	loc := time.FixedZone("IST", 5*3600+1800)
	d := NewDispatcher(dir, audit, NewRenderer(loc, "02/01/2006"), 3, map[Channel]Sender{SMS: s, WhatsApp: s, Email: s})
	d.now = func() time.Time { return time.Date(2024, 3, 4, 20, 0, 0, 0, time.UTC) }
	return d
}

func TestDispatchDeduplicatesByParentContact(t *testing.T) {
	dir := &fakeDirectory{students: []school.Student{
		student("s1", "Asha", "9000000001", "c1", "5A"),
		student("s2", "Ravi", "9000000001", "c1", "5A"),
		student("s3", "Meena", "9000000003", "c1", "5A"),
	}}
	audit := &fakeAudit{}
	sender := &fakeSender{}

	res, err := newDispatcher(dir, audit, sender).Dispatch(context.Background(), Request{
		Targets: []Target{ClassTarget("c1")},
		Body:    "Dear parent of [student_name]",
		Channel: SMS,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 0, res.Failed)
	require.Len(t, sender.sent, 2)

	bodies := []string{sender.sent[0].Body, sender.sent[1].Body}
	assert.ElementsMatch(t, []string{"Dear parent of Asha", "Dear parent of Meena"}, bodies)
}

func TestDispatchFailureDoesNotAbortOthers(t *testing.T) {
	dir := &fakeDirectory{students: []school.Student{
		student("s1", "Asha", "9000000001", "c1", "5A"),
		student("s2", "Ravi", "9000000002", "c1", "5A"),
	}}
	audit := &fakeAudit{}
	sender := &fakeSender{fail: map[string]bool{"9000000002": true}}

	res, err := newDispatcher(dir, audit, sender).Dispatch(context.Background(), Request{
		Targets: []Target{StudentTarget("s1"), StudentTarget("s2")},
		Body:    "Hello [student_name]",
		Channel: SMS,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].OK)
	assert.False(t, res.Results[1].OK)
	assert.Equal(t, "provider rejected", res.Results[1].Error)

	require.Len(t, audit.rows, 1)
	row := audit.rows[0]
	assert.Equal(t, SystemSender, row.SenderID)
	assert.Equal(t, "Hello [student_name]", row.Body)
	assert.Equal(t, "SMS", row.Channel)
	assert.Equal(t, []string{"s1", "s2"}, row.Targets)
	assert.Equal(t, "msg-1", res.MessageID)
}

func TestDispatchEmptyClassStillAudits(t *testing.T) {
	audit := &fakeAudit{}
	sender := &fakeSender{}

	res, err := newDispatcher(&fakeDirectory{}, audit, sender).Dispatch(context.Background(), Request{
		Targets: []Target{ClassTarget("empty-class")},
		Body:    "Hi",
		Channel: SMS,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 0, res.Failed)
	assert.Empty(t, sender.sent)
	require.Len(t, audit.rows, 1)
	assert.Equal(t, []string{"empty-class"}, audit.rows[0].Targets)
}

func TestDispatchBroadcast(t *testing.T) {
	dir := &fakeDirectory{students: []school.Student{
		student("s1", "Asha", "9000000001", "c1", "5A"),
		student("s2", "Ravi", "9000000002", "c2", "6B"),
	}}
	audit := &fakeAudit{}
	sender := &fakeSender{}

	res, err := newDispatcher(dir, audit, sender).Dispatch(context.Background(), Request{
		Targets:  []Target{Broadcast(), StudentTarget("s1")},
		Body:     "[student_name] of [class] on [date]",
		Channel:  WhatsApp,
		ImageURL: "https://img.example/notice.png",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	for _, m := range sender.sent {
		assert.Equal(t, "https://img.example/notice.png", m.ImageURL)
		assert.Contains(t, m.Body, "05/03/2024")
	}
	require.Len(t, audit.rows, 1)
	assert.Equal(t, []string{"all", "s1"}, audit.rows[0].Targets)
	require.NotNil(t, audit.rows[0].ImageURL)
}

func TestDispatchImageOnlyForWhatsApp(t *testing.T) {
	dir := &fakeDirectory{students: []school.Student{student("s1", "Asha", "9000000001", "c1", "5A")}}
	sender := &fakeSender{}

	_, err := newDispatcher(dir, &fakeAudit{}, sender).Dispatch(context.Background(), Request{
		Targets:  []Target{StudentTarget("s1")},
		Body:     "Hi",
		Channel:  SMS,
		ImageURL: "https://img.example/notice.png",
	})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Empty(t, sender.sent[0].ImageURL)
}

func TestDispatchEmailWithoutAddressFails(t *testing.T) {
	s1 := student("s1", "Asha", "9000000001", "c1", "5A")
	s1.ParentEmail = ptr("asha.parent@example.com")
	s2 := student("s2", "Ravi", "9000000002", "c1", "5A")
	s3 := student("s3", "Kiran", "9000000003", "c1", "5A")
	dir := &fakeDirectory{students: []school.Student{s1, s2, s3}}
	sender := &fakeSender{}

	res, err := newDispatcher(dir, &fakeAudit{}, sender).Dispatch(context.Background(), Request{
		Targets: []Target{ClassTarget("c1")},
		Body:    "Hi",
		Channel: Email,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, res.Failed)
}

func TestDispatchValidation(t *testing.T) {
	d := newDispatcher(&fakeDirectory{}, &fakeAudit{}, &fakeSender{})
	tests := []struct {
		name string
		req  Request
	}{
		{name: "empty body", req: Request{Targets: []Target{Broadcast()}, Body: "  ", Channel: SMS}},
		{name: "no targets", req: Request{Body: "Hi", Channel: SMS}},
		{name: "unknown channel", req: Request{Targets: []Target{Broadcast()}, Body: "Hi", Channel: "FAX"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Dispatch(context.Background(), tt.req)
			assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
		})
	}
}

func TestRender(t *testing.T) {
	r := NewRenderer(time.UTC, "02/01/2006")
	date := time.Date(2024, 7, 1, 9, 30, 0, 0, time.UTC)

	got := r.Render("Absent: [student_name] on [date]", map[string]any{"student_name": "Asha", "date": date})
	assert.Equal(t, "Absent: Asha on 01/07/2024", got)
	assert.NotContains(t, got, "[")
	assert.NotContains(t, got, "]")

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown placeholder is blank", body: "Hi [nickname]!", want: "Hi !"},
		{name: "repeated placeholder", body: "[student_name]/[student_name]", want: "Asha/Asha"},
		{name: "not an identifier", body: "see [a b] and []", want: "see [a b] and []"},
		{name: "unterminated", body: "[student_name", want: "[student_name"},
		{name: "substituted value is not re-rendered", body: "[x]", want: "[student_name]"},
		{name: "nil pointer", body: "[class]", want: ""},
	}
	vars := map[string]any{"student_name": "Asha", "x": "[student_name]", "class": (*string)(nil)}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Render(tt.body, vars))
		})
	}
}

func TestTagTargets(t *testing.T) {
	dir := &fakeDirectory{students: []school.Student{student("s1", "Asha", "9000000001", "c1", "5A")}}

	got, err := TagTargets(context.Background(), dir, []string{"s1", "c1", "ALL", "student:s9", "class:c9", "ghost", " "})
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.Equal(t, TargetStudent, got[0].Kind)
	assert.Equal(t, TargetClass, got[1].Kind)
	assert.Equal(t, TargetBroadcast, got[2].Kind)
	assert.Equal(t, Target{Kind: TargetStudent, ID: "s9", Raw: "student:s9"}, got[3])
	assert.Equal(t, Target{Kind: TargetClass, ID: "c9", Raw: "class:c9"}, got[4])
	assert.Equal(t, TargetKind(0), got[5].Kind)
	assert.Equal(t, "ghost", got[5].String())

	_, err = TagTargets(context.Background(), dir, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
}

type fakeTemplates map[string]string

func (f fakeTemplates) TemplateByName(_ context.Context, name string) (*school.Template, error) {
	if c, ok := f[name]; ok {
		return &school.Template{Name: name, Content: c}, nil
	}
	return nil, nil
}

func TestAbsenceNotifierTemplateChoice(t *testing.T) {
	s1 := student("s1", "Asha", "9000000001", "c1", "5A")
	dir := &fakeDirectory{students: []school.Student{s1}}
	date := time.Date(2024, 3, 4, 5, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		templates fakeTemplates
		want      string
	}{
		{name: "class template", templates: fakeTemplates{"absence:5A": "5A: [student_name]", "absence": "generic"}, want: "5A: Asha"},
		{name: "generic template", templates: fakeTemplates{"absence": "[student_name] absent [date]"}, want: "Asha absent 04/03/2024"},
		{name: "built-in default", templates: fakeTemplates{}, want: "Hello! This is School Connect. Your child Asha was marked absent on 04/03/2024."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			audit := &fakeAudit{}
			n := NewAbsenceNotifier(newDispatcher(dir, audit, sender), tt.templates, SMS, "")

			res, err := n.NotifyAbsent(context.Background(), Absence{ClassID: "c1", ClassName: "5A", Students: []school.Student{s1}, Date: date})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Sent)
			require.Len(t, sender.sent, 1)
			assert.Equal(t, tt.want, sender.sent[0].Body)
			require.Len(t, audit.rows, 1)
			assert.False(t, strings.Contains(audit.rows[0].Body, "Asha"))
		})
	}
}

func TestParseChannel(t *testing.T) {
	c, err := ParseChannel(" whatsapp ")
	require.NoError(t, err)
	assert.Equal(t, WhatsApp, c)

	_, err = ParseChannel("pigeon")
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
}

type digitsSender struct {
	fakeSender
}

func (*digitsSender) AddressKey(addr string) string {
	return strings.Map(func(r rune) rune {
		if r < '0' || r > '9' {
			return -1
		}
		return r
	}, addr)
}

func TestDispatchDeduplicatesBySenderAddressKey(t *testing.T) {
	dir := &fakeDirectory{students: []school.Student{
		student("s1", "Asha", "98765 43210", "c1", "5A"),
		student("s2", "Ravi", "98765-43210", "c1", "5A"),
	}}
	sender := &digitsSender{}

	res, err := newDispatcher(dir, &fakeAudit{}, sender).Dispatch(context.Background(), Request{
		Targets: []Target{ClassTarget("c1")},
		Body:    "Hello [student_name]",
		Channel: SMS,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "Hello Asha", sender.sent[0].Body)
	assert.Equal(t, "98765 43210", sender.sent[0].To)
}

func TestAbsenceNotifierChannelOverride(t *testing.T) {
	withEmail := student("s1", "Asha", "9000000001", "c1", "5A")
	withEmail.ParentEmail = ptr("asha.parent@example.com")
	noEmail := student("s2", "Ravi", "9000000002", "c1", "5A")
	dir := &fakeDirectory{students: []school.Student{withEmail, noEmail}}

	sms, mail := &fakeSender{}, &fakeSender{}
	audit := &fakeAudit{}
	d := NewDispatcher(dir, audit, NewRenderer(time.UTC, ""), 2, map[Channel]Sender{SMS: sms, Email: mail})
	n := NewAbsenceNotifier(d, fakeTemplates{}, SMS, "Absence")

	res, err := n.NotifyAbsent(context.Background(), Absence{
		ClassID:  "c1",
		Students: []school.Student{withEmail, noEmail},
		Channel:  Email,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Len(t, res.Results, 2)
	require.Len(t, mail.sent, 1)
	assert.Equal(t, "asha.parent@example.com", mail.sent[0].To)
	assert.Equal(t, "Absence", mail.sent[0].Subject)
	require.Len(t, sms.sent, 1)
	assert.Equal(t, "9000000002", sms.sent[0].To)
	require.Len(t, audit.rows, 2)
	assert.Equal(t, "EMAIL", audit.rows[0].Channel)
	assert.Equal(t, "SMS", audit.rows[1].Channel)

	sms.sent, mail.sent = nil, nil
	_, err = n.NotifyAbsent(context.Background(), Absence{ClassID: "c1", Students: []school.Student{withEmail}})
	require.NoError(t, err)
	assert.Len(t, sms.sent, 1)
	assert.Empty(t, mail.sent)
}
