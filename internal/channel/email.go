package channel

import (
	"context"
	"net/http"
	"net/mail"
	"strings"

	"github.com/pkg/errors"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"schoolconnect/internal/config"
	"schoolconnect/internal/notify"
)

// Email providers.
const (
	ProviderSMTP     = "smtp"
	ProviderSendgrid = "sendgrid"
)

var (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

const defaultSubject = "School Connect"

// Email sends plain text mail over SMTP or SendGrid. Without configuration it
// only logs.
type Email struct {
	from    string
	subject string
	deliver func(ctx context.Context, to, subject, body string) error
}

// NewEmail creates the email sender for cfg.Provider.
func NewEmail(cfg config.Email) *Email {
	e := &Email{from: cfg.From, subject: cfg.Subject}
	if e.subject == "" {
		e.subject = defaultSubject
	}
	switch strings.ToLower(cfg.Provider) {
	case ProviderSMTP:
		if cfg.SMTPHost != "" && cfg.From != "" {
			dialer := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
			e.deliver = e.smtp(dialer)
		}
	case ProviderSendgrid:
		if cfg.SendgridAPIKey != "" && cfg.From != "" {
			e.deliver = e.sendgrid(cfg.SendgridAPIKey)
		}
	}
	return e
}

// AddressKey identifies a parent by the bare, lower-cased mailbox.
func (e *Email) AddressKey(addr string) string {
	if a, err := mail.ParseAddress(strings.TrimSpace(addr)); err == nil {
		return strings.ToLower(a.Address)
	}
	return strings.ToLower(strings.TrimSpace(addr))
}

// Send delivers one email.
func (e *Email) Send(ctx context.Context, m notify.Message) error {
	addr, err := mail.ParseAddress(strings.TrimSpace(m.To))
	if err != nil {
		return errors.Wrapf(err, "invalid email address %q", m.To)
	}
	subject := m.Subject
	if subject == "" {
		subject = e.subject
	}
	if e.deliver == nil {
		logrus.WithFields(logrus.Fields{"to": addr.Address, "subject": subject, "body": m.Body}).Info("email not configured, logging only")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.deliver(ctx, addr.Address, subject, m.Body)
}

func (e *Email) smtp(dialer *gomail.Dialer) func(context.Context, string, string, string) error {
	return func(_ context.Context, to, subject, body string) error {
		msg := gomail.NewMessage()
		msg.SetHeader("From", e.from)
		msg.SetHeader("To", to)
		msg.SetHeader("Subject", subject)
		msg.SetBody("text/plain", body)
		return errors.Wrap(dialer.DialAndSend(msg), "smtp send")
	}
}

func (e *Email) sendgrid(key string) func(context.Context, string, string, string) error {
	from := sgmail.NewEmail("", e.from)
	return func(_ context.Context, to, subject, body string) error {
		p := sgmail.NewPersonalization()
		p.Subject = subject
		p.AddTos(sgmail.NewEmail("", to))

		m := sgmail.NewV3Mail()
		m.SetFrom(from)
		m.AddPersonalizations(p)
		m.AddContent(sgmail.NewContent("text/plain", body))

		req := sendgrid.GetRequest(key, sendgridEndpoint, sendgridHost)
		req.Method = http.MethodPost
		req.Body = sgmail.GetRequestBody(m)
		res, err := sendgrid.API(req)
		if err != nil {
			return errors.Wrap(err, "sendgrid send")
		}
		if res.StatusCode >= http.StatusBadRequest {
			return errors.Errorf("sendgrid status %d: %s", res.StatusCode, res.Body)
		}
		return nil
	}
}
