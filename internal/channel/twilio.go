package channel

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"schoolconnect/internal/config"
	"schoolconnect/internal/notify"
)

const whatsappPrefix = "whatsapp:"

// messageAPI is the slice of the Twilio REST client the senders use.
type messageAPI interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

func newTwilioAPI(cfg config.Twilio) messageAPI {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return client.Api
}

// SMS sends text messages through Twilio. Without credentials it only logs.
type SMS struct {
	api         messageAPI
	from        string
	countryCode string
}

// NewSMS creates the SMS sender.
func NewSMS(cfg config.Twilio, countryCode string) *SMS {
	s := &SMS{from: cfg.PhoneNumber, countryCode: countryCode}
	if cfg.PhoneNumber != "" {
		s.api = newTwilioAPI(cfg)
	}
	return s
}

// AddressKey identifies a parent by the number the message is sent to.
func (s *SMS) AddressKey(addr string) string { return phoneKey(addr, s.countryCode) }

// Send delivers one SMS.
func (s *SMS) Send(ctx context.Context, m notify.Message) error {
	to, err := NormalizePhone(m.To, s.countryCode)
	if err != nil {
		return err
	}
	if s.api == nil {
		logrus.WithFields(logrus.Fields{"to": to, "body": m.Body}).Info("sms not configured, logging only")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(m.Body)
	resp, err := s.api.CreateMessage(params)
	if err != nil {
		return errors.Wrap(err, "twilio sms")
	}
	logrus.WithFields(logrus.Fields{"to": to, "sid": sid(resp)}).Debug("sms sent")
	return nil
}

// WhatsApp sends WhatsApp messages, optionally with one image, through Twilio.
type WhatsApp struct {
	api         messageAPI
	from        string
	countryCode string
}

// NewWhatsApp creates the WhatsApp sender.
func NewWhatsApp(cfg config.Twilio, countryCode string) *WhatsApp {
	w := &WhatsApp{from: cfg.WhatsAppNumber, countryCode: countryCode}
	if cfg.WhatsAppNumber != "" {
		w.api = newTwilioAPI(cfg)
	}
	return w
}

// AddressKey identifies a parent by the number the message is sent to.
func (w *WhatsApp) AddressKey(addr string) string { return phoneKey(addr, w.countryCode) }

// Send delivers one WhatsApp message.
func (w *WhatsApp) Send(ctx context.Context, m notify.Message) error {
	to, err := NormalizePhone(m.To, w.countryCode)
	if err != nil {
		return err
	}
	if w.api == nil {
		logrus.WithFields(logrus.Fields{"to": to, "body": m.Body, "image_url": m.ImageURL}).Info("whatsapp not configured, logging only")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(whatsappPrefix + to)
	params.SetFrom(whatsappAddress(w.from))
	params.SetBody(m.Body)
	if m.ImageURL != "" {
		params.SetMediaUrl([]string{m.ImageURL})
	}
	resp, err := w.api.CreateMessage(params)
	if err != nil {
		return errors.Wrap(err, "twilio whatsapp")
	}
	logrus.WithFields(logrus.Fields{"to": to, "sid": sid(resp)}).Debug("whatsapp sent")
	return nil
}

func whatsappAddress(n string) string {
	if len(n) >= len(whatsappPrefix) && n[:len(whatsappPrefix)] == whatsappPrefix {
		return n
	}
	return whatsappPrefix + n
}

func sid(m *openapi.ApiV2010Message) string {
	if m == nil || m.Sid == nil {
		return ""
	}
	return *m.Sid
}
