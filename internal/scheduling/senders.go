package scheduling

import (
	"context"
	"fmt"

	"github.com/go-gomail/gomail"
	"github.com/medrex/appointments/pkg/config"
	"github.com/medrex/appointments/pkg/interfaces"
	"github.com/medrex/appointments/pkg/logger"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPEmailSender delivers email through an SMTP relay
type SMTPEmailSender struct {
	dialer mailDialer
	from   string
	logger *logger.Logger
}

var _ interfaces.EmailSender = (*SMTPEmailSender)(nil)

// NewSMTPEmailSender creates an email sender from SMTP settings
func NewSMTPEmailSender(cfg config.SMTPConfig, log *logger.Logger) *SMTPEmailSender {
	return &SMTPEmailSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
		logger: log,
	}
}

// SendEmail sends a plain-text email
func (s *SMTPEmailSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("error sending email: %w", err)
	}

	s.logger.WithContext(ctx).WithField("subject", subject).Debug("Email sent")
	return nil
}

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioSMSSender delivers text messages through Twilio
type TwilioSMSSender struct {
	messages messageCreator
	from     string
	logger   *logger.Logger
}

var _ interfaces.SMSSender = (*TwilioSMSSender)(nil)

// NewTwilioSMSSender creates an SMS sender from Twilio credentials
func NewTwilioSMSSender(cfg config.TwilioConfig, log *logger.Logger) *TwilioSMSSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioSMSSender{
		messages: client.Api,
		from:     cfg.FromNumber,
		logger:   log,
	}
}

// SendSMS sends a text message
func (s *TwilioSMSSender) SendSMS(ctx context.Context, to, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(message)

	resp, err := s.messages.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("error sending sms: %w", err)
	}

	entry := s.logger.WithContext(ctx)
	if resp != nil && resp.Sid != nil {
		entry = entry.WithField("message_sid", *resp.Sid)
	}
	entry.Debug("SMS sent")
	return nil
}
