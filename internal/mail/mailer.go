package mail

import (
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// Mailer sends transactional mail. Sends are non-critical side effects:
// callers fire them through SendAsync and never block on the result.
type Mailer interface {
	Send(to, subject, body string) error
}

type SMTPMailer struct {
	config *config.MailConfig
}

func NewSMTPMailer(cfg *config.Config) *SMTPMailer {
	return &SMTPMailer{config: &cfg.Mail}
}

func (m *SMTPMailer) Send(to, subject, body string) error {
	if m.config.Host == "" {
		return fmt.Errorf("smtp host not configured")
	}

	from := m.config.From
	if from == "" {
		from = m.config.User
	}

	// RFC 822 headers, CRLF-separated, blank line before the body.
	headers := []string{
		fmt.Sprintf("From: %s", from),
		fmt.Sprintf("To: %s", to),
		fmt.Sprintf("Subject: %s", subject),
		"MIME-Version: 1.0",
		`Content-Type: text/plain; charset="UTF-8"`,
		"",
		body,
	}
	message := strings.Join(headers, "\r\n")

	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)
	auth := smtp.PlainAuth("", m.config.User, m.config.Password, m.config.Host)

	return smtp.SendMail(addr, auth, from, []string{to}, []byte(message))
}

// SendAsync delivers on a separate goroutine and logs failures instead
// of propagating them.
func SendAsync(m Mailer, to, subject, body string) {
	if m == nil {
		return
	}
	go func() {
		if err := m.Send(to, subject, body); err != nil {
			util.Warn("Failed to send email",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}()
}
