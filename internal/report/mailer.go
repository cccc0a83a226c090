package report

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"

	"github.com/soaringjerry/aimaturity/internal/services"
)

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	// TLS is one of "mandatory", "opportunistic" or "none".
	TLS     string
	Timeout time.Duration
}

// SMTPMailer sends report emails through one SMTP relay.
type SMTPMailer struct {
	cfg SMTPConfig
	now func() time.Time
}

var _ services.Mailer = (*SMTPMailer)(nil)

func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.From == "" {
		cfg.From = cfg.User
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp sender address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPMailer{cfg: cfg, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (m *SMTPMailer) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTimeout(m.cfg.Timeout),
		mail.WithTLSPolicy(tlsPolicy(m.cfg.TLS)),
	}
	if m.cfg.Port == 465 {
		opts = append(opts, mail.WithSSLPort(false))
	}
	if m.cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.User),
			mail.WithPassword(m.cfg.Password),
		)
	}
	return mail.NewClient(m.cfg.Host, opts...)
}

func tlsPolicy(s string) mail.TLSPolicy {
	switch s {
	case "none":
		return mail.NoTLS
	case "opportunistic":
		return mail.TLSOpportunistic
	default:
		return mail.TLSMandatory
	}
}

// buildMessage assembles the report email with the PDF attached.
func (m *SMTPMailer) buildMessage(in services.ReportInput, pdf []byte) (*mail.Msg, error) {
	subject, body, err := RenderEmail(in, m.now())
	if err != nil {
		return nil, err
	}
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("sender %q: %w", m.cfg.From, err)
	}
	if err := msg.To(in.Email); err != nil {
		return nil, fmt.Errorf("recipient %q: %w", in.Email, err)
	}
	msg.Subject(subject)
	msg.SetDate()
	msg.SetMessageID()
	msg.SetBodyString(mail.TypeTextHTML, body)
	msg.AttachReadSeeker(AttachmentName(in), bytes.NewReader(pdf))
	return msg, nil
}

func (m *SMTPMailer) SendReport(ctx context.Context, in services.ReportInput, pdf []byte) (string, error) {
	if len(pdf) == 0 {
		return "", fmt.Errorf("empty pdf for %s", in.AssessmentID)
	}
	msg, err := m.buildMessage(in, pdf)
	if err != nil {
		return "", err
	}
	c, err := m.client()
	if err != nil {
		return "", fmt.Errorf("smtp client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return "", fmt.Errorf("smtp send to %s: %w", in.Email, err)
	}
	return msg.GetMessageID(), nil
}

// LogMailer only logs deliveries. It stands in for SMTP in development.
type LogMailer struct{}

var _ services.Mailer = LogMailer{}

func (LogMailer) SendReport(ctx context.Context, in services.ReportInput, pdf []byte) (string, error) {
	id := "<" + uuid.NewString() + "@localhost>"
	log.Printf("log mailer: report for %s to %s (%d bytes pdf) id=%s", in.AssessmentID, in.Email, len(pdf), id)
	return id, nil
}
