package notify

import (
	"context"
	"strings"
	"time"

	"schoolconnect/internal/school"
)

// DefaultAbsenceTemplate is used when no stored template matches.
const DefaultAbsenceTemplate = "Hello! This is School Connect. Your child [student_name] was marked absent on [date]."

// Absence lists the absent students of one submission.
type Absence struct {
	ClassID   string
	ClassName string
	Students  []school.Student
	Date      time.Time

	// Channel overrides the configured channel when set.
	Channel Channel
}

// Templates finds stored templates by name.
type Templates interface {
	TemplateByName(ctx context.Context, name string) (*school.Template, error)
}

// AbsenceNotifier sends the absence notice for a submission.
type AbsenceNotifier struct {
	dispatcher *Dispatcher
	templates  Templates
	channel    Channel
	subject    string
}

// NewAbsenceNotifier creates a notifier dispatching on channel.
func NewAbsenceNotifier(d *Dispatcher, templates Templates, channel Channel, subject string) *AbsenceNotifier {
	return &AbsenceNotifier{dispatcher: d, templates: templates, channel: channel, subject: subject}
}

// NotifyAbsent dispatches one message targeting every absent student. Over
// EMAIL, students without a parent email are notified by SMS instead.
func (n *AbsenceNotifier) NotifyAbsent(ctx context.Context, a Absence) (Result, error) {
	if len(a.Students) == 0 {
		return Result{Results: []DeliveryResult{}}, nil
	}
	body, err := n.template(ctx, a.ClassName)
	if err != nil {
		return Result{}, err
	}
	ch := n.channel
	if a.Channel != "" {
		ch = a.Channel
	}
	if ch != Email {
		return n.dispatch(ctx, ch, body, a.Students, a.Date)
	}

	var withEmail, withoutEmail []school.Student
	for _, s := range a.Students {
		if s.ParentEmail != nil && strings.TrimSpace(*s.ParentEmail) != "" {
			withEmail = append(withEmail, s)
		} else {
			withoutEmail = append(withoutEmail, s)
		}
	}
	res := Result{Results: []DeliveryResult{}}
	for _, part := range []struct {
		ch       Channel
		students []school.Student
	}{{Email, withEmail}, {SMS, withoutEmail}} {
		if len(part.students) == 0 {
			continue
		}
		r, err := n.dispatch(ctx, part.ch, body, part.students, a.Date)
		res.merge(r)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (n *AbsenceNotifier) dispatch(ctx context.Context, ch Channel, body string, students []school.Student, at time.Time) (Result, error) {
	targets := make([]Target, len(students))
	for i, s := range students {
		targets[i] = StudentTarget(s.ID)
	}
	return n.dispatcher.Dispatch(ctx, Request{
		Targets: targets,
		Body:    body,
		Channel: ch,
		Subject: n.subject,
		At:      at,
	})
}

func (r *Result) merge(o Result) {
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.Results = append(r.Results, o.Results...)
	if r.MessageID == "" {
		r.MessageID = o.MessageID
	}
}

// template prefers "absence:<class name>", then "absence", then the default.
func (n *AbsenceNotifier) template(ctx context.Context, className string) (string, error) {
	names := []string{"absence"}
	if className = strings.TrimSpace(className); className != "" {
		names = append([]string{"absence:" + className}, names...)
	}
	for _, name := range names {
		t, err := n.templates.TemplateByName(ctx, name)
		if err != nil {
			return "", err
		}
		if t != nil && strings.TrimSpace(t.Content) != "" {
			return t.Content, nil
		}
	}
	return DefaultAbsenceTemplate, nil
}
