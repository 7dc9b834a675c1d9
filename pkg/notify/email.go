package notify

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/sde-tools/gdbmaint/pkg/models"
)

// EmailConfig configures report delivery. Maintenance runs overnight from a
// task scheduler, so email is how anyone finds out what happened.
type EmailConfig struct {
	Enabled       bool
	SMTPHost      string
	SMTPPort      int
	Username      string
	Password      string
	From          string
	To            []string
	SubjectPrefix string
}

// Mailer sends run reports over SMTP.
type Mailer struct {
	cfg  EmailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewMailer creates a mailer. A disabled config yields a mailer whose Send
// is a no-op, so callers don't branch.
func NewMailer(cfg EmailConfig) *Mailer {
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 25
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "Geodatabase maintenance report"
	}
	return &Mailer{cfg: cfg, send: smtp.SendMail}
}

// SendRunReport emails the run summary and the captured log body.
func (m *Mailer) SendRunReport(run *models.Run, body string) error {
	if !m.cfg.Enabled {
		return nil
	}
	if m.cfg.From == "" || len(m.cfg.To) == 0 {
		return fmt.Errorf("notify: from and to addresses are required")
	}

	subject := fmt.Sprintf("%s - %s - %s",
		m.cfg.SubjectPrefix, strings.Join(run.Connections, ","), run.Status)

	msg := m.message(subject, run, body)
	addr := fmt.Sprintf("%s:%d", m.cfg.SMTPHost, m.cfg.SMTPPort)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.SMTPHost)
	}

	if err := m.send(addr, auth, m.cfg.From, m.cfg.To, msg); err != nil {
		return fmt.Errorf("notify: send report: %w", err)
	}
	return nil
}

func (m *Mailer) message(subject string, run *models.Run, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(m.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "Run %s on %s\r\n", run.ID, run.Host)
	fmt.Fprintf(&b, "Modes: %s\r\n", strings.Join(run.Modes, ","))
	fmt.Fprintf(&b, "Status: %s\r\n", run.Status)
	if run.Error != "" {
		fmt.Fprintf(&b, "Error: %s\r\n", run.Error)
	}
	fmt.Fprintf(&b, "Duration: %s\r\n", run.Duration().Round(time.Second))
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
