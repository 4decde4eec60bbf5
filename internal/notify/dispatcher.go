// Package notify resolves recipients for a message, renders it per recipient
// and fans it out over one delivery channel.
package notify

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"schoolconnect/internal/apperr"
	"schoolconnect/internal/metrics"
	"schoolconnect/internal/school"
)

// SystemSender is the sender id stored on audit rows written by dispatch.
const SystemSender = "system"

// Channel selects the delivery provider.
type Channel string

const (
	SMS      Channel = "SMS"
	Email    Channel = "EMAIL"
	WhatsApp Channel = "WHATSAPP"
)

// ParseChannel accepts a channel name in any case.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(strings.ToUpper(strings.TrimSpace(s))); c {
	case SMS, Email, WhatsApp:
		return c, nil
	}
	return "", apperr.Invalidf("unknown channel %q", s)
}

// Message is one rendered delivery handed to a Sender.
type Message struct {
	To       string
	Subject  string
	Body     string
	ImageURL string
}

// Sender delivers one message over a provider.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// AddressKeyer is implemented by senders that rewrite addresses before
// delivery. Recipients whose keys match share one message.
type AddressKeyer interface {
	AddressKey(addr string) string
}

// Directory looks up students for target resolution.
type Directory interface {
	ListStudents(ctx context.Context) ([]school.Student, error)
	GetStudent(ctx context.Context, id string) (*school.Student, error)
	ListStudentsByClass(ctx context.Context, classID string) ([]school.Student, error)
}

// AuditLog stores the one audit row written per dispatch.
type AuditLog interface {
	CreateMessage(ctx context.Context, m school.Message) (school.Message, error)
}

// Request describes one dispatch.
type Request struct {
	Targets  []Target
	Body     string
	Channel  Channel
	Subject  string
	ImageURL string
	// At is the date rendered into [date]; zero means now.
	At time.Time
}

// DeliveryResult is the outcome for one recipient.
type DeliveryResult struct {
	StudentID   string `json:"student_id"`
	StudentName string `json:"student_name"`
	To          string `json:"to"`
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
}

// Result summarises a dispatch.
type Result struct {
	Sent      int              `json:"sent"`
	Failed    int              `json:"failed"`
	Results   []DeliveryResult `json:"results"`
	MessageID string           `json:"message_id,omitempty"`
}

// Dispatcher fans a message out to the parents of the targeted students.
type Dispatcher struct {
	dir         Directory
	audit       AuditLog
	senders     map[Channel]Sender
	renderer    Renderer
	concurrency int
	now         func() time.Time
}

// NewDispatcher creates a dispatcher sending at most concurrency messages at once.
func NewDispatcher(dir Directory, audit AuditLog, renderer Renderer, concurrency int, senders map[Channel]Sender) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Dispatcher{
		dir:         dir,
		audit:       audit,
		senders:     senders,
		renderer:    renderer,
		concurrency: concurrency,
		now:         time.Now,
	}
}

type recipient struct {
	student school.Student
	address string
}

// Dispatch resolves, deduplicates by parent address, renders and sends. A
// failing recipient never stops the others. Exactly one audit row is written
// with the unrendered body and the targets as given.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Body) == "" {
		return Result{}, apperr.Invalid("message body required")
	}
	if len(req.Targets) == 0 {
		return Result{}, apperr.Invalid("targets required")
	}
	sender, ok := d.senders[req.Channel]
	if !ok || sender == nil {
		return Result{}, apperr.Invalidf("channel %q not available", req.Channel)
	}
	if req.Channel != WhatsApp {
		req.ImageURL = ""
	}
	at := req.At
	if at.IsZero() {
		at = d.now()
	}
	start := time.Now()
	defer func() {
		metrics.DispatchSeconds.WithLabelValues(string(req.Channel)).Observe(time.Since(start).Seconds())
	}()

	students, err := d.resolve(ctx, req.Targets)
	if err != nil {
		return Result{}, err
	}
	recipients := dedupe(students, req.Channel, addressKey(sender))

	results := make([]DeliveryResult, len(recipients))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, rc := range recipients {
		i, rc := i, rc
		g.Go(func() error {
			results[i] = d.deliver(ctx, sender, req, rc, at)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Results: results}
	for _, r := range results {
		if r.OK {
			res.Sent++
		} else {
			res.Failed++
		}
	}

	raw := make([]string, len(req.Targets))
	for i, t := range req.Targets {
		raw[i] = t.String()
	}
	audit := school.Message{SenderID: SystemSender, Body: req.Body, Channel: string(req.Channel), Targets: raw}
	if req.ImageURL != "" {
		audit.ImageURL = &req.ImageURL
	}
	msg, err := d.audit.CreateMessage(ctx, audit)
	if err != nil {
		return res, errors.Wrap(err, "record message")
	}
	res.MessageID = msg.ID

	logrus.WithFields(logrus.Fields{
		"channel":    req.Channel,
		"recipients": len(recipients),
		"sent":       res.Sent,
		"failed":     res.Failed,
	}).Info("notification dispatch finished")
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, sender Sender, req Request, rc recipient, at time.Time) DeliveryResult {
	out := DeliveryResult{StudentID: rc.student.ID, StudentName: rc.student.Name, To: rc.address}
	err := errors.New("no parent address on file")
	if rc.address != "" {
		body := d.renderer.Render(req.Body, map[string]any{
			"student_name": rc.student.Name,
			"parent_name":  rc.student.ParentName,
			"class":        rc.student.ClassName,
			"date":         at,
		})
		err = sender.Send(ctx, Message{To: rc.address, Subject: req.Subject, Body: body, ImageURL: req.ImageURL})
	}
	status := "sent"
	if err != nil {
		status = "failed"
		out.Error = err.Error()
		logrus.WithFields(logrus.Fields{"channel": req.Channel, "student_id": rc.student.ID}).WithError(err).Warn("notification delivery failed")
	} else {
		out.OK = true
	}
	metrics.Notifications.WithLabelValues(string(req.Channel), status).Inc()
	return out
}

// resolve expands targets into students. A broadcast covers everyone, so the
// remaining targets are not looked up.
func (d *Dispatcher) resolve(ctx context.Context, targets []Target) ([]school.Student, error) {
	for _, t := range targets {
		if t.Kind == TargetBroadcast {
			all, err := d.dir.ListStudents(ctx)
			return all, errors.Wrap(err, "list students")
		}
	}
	var out []school.Student
	for _, t := range targets {
		switch t.Kind {
		case TargetStudent:
			s, err := d.dir.GetStudent(ctx, t.ID)
			if err != nil {
				return nil, err
			}
			if s == nil {
				logrus.WithField("student_id", t.ID).Warn("target student not found")
				continue
			}
			out = append(out, *s)
		case TargetClass:
			members, err := d.dir.ListStudentsByClass(ctx, t.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, members...)
		}
	}
	return out, nil
}

func addressKey(s Sender) func(string) string {
	if k, ok := s.(AddressKeyer); ok {
		return k.AddressKey
	}
	return strings.ToLower
}

// dedupe keeps the first student seen for each parent address, compared by
// key. Students with no address on file are kept so their failure is reported.
func dedupe(students []school.Student, ch Channel, key func(string) string) []recipient {
	seen := make(map[string]struct{}, len(students))
	out := make([]recipient, 0, len(students))
	for _, s := range students {
		addr := address(s, ch)
		if addr != "" {
			k := key(addr)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
		}
		out = append(out, recipient{student: s, address: addr})
	}
	return out
}

func address(s school.Student, ch Channel) string {
	if ch == Email {
		if s.ParentEmail == nil {
			return ""
		}
		return strings.TrimSpace(*s.ParentEmail)
	}
	return strings.TrimSpace(s.ParentContact)
}
