// internal/notifications/mailer.go
package notifications

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"cpetscm/internal/compliance"
)

// DefaultTemplate is the digest template shipped with the binary.
const DefaultTemplate = "tscm_email_template.html"

//go:embed templates/*.html
var templateFS embed.FS

// MailConfig holds SMTP settings.
type MailConfig struct {
	Server   string
	Port     int
	Username string
	Password string
	From     string
}

// Sender delivers composed messages. *gomail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Mailer renders run digests and mails them.
type Mailer struct {
	from      string
	sender    Sender
	templates *template.Template
	nowFunc   func() time.Time
}

func NewMailer(cfg MailConfig) (*Mailer, error) {
	return NewMailerWithSender(cfg.From, gomail.NewPlainDialer(cfg.Server, cfg.Port, cfg.Username, cfg.Password))
}

func NewMailerWithSender(from string, sender Sender) (*Mailer, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"ago": humanize.Time,
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse mail templates: %w", err)
	}
	return &Mailer{
		from:      from,
		sender:    sender,
		templates: tmpl,
		nowFunc:   time.Now,
	}, nil
}

type digestView struct {
	Subject   string
	Generated time.Time
	Compliant int
	Total     int
	Devices   []*compliance.EmailDoc
}

// Render executes the named template over a digest list.
func (m *Mailer) Render(name string, payload Payload) (string, error) {
	if name == "" {
		name = DefaultTemplate
	}
	tmpl := m.templates.Lookup(name)
	if tmpl == nil {
		return "", fmt.Errorf("unknown mail template %q", name)
	}

	view := digestView{
		Subject:   payload.Subject,
		Generated: m.nowFunc(),
		Total:     len(payload.TemplateBody),
		Devices:   payload.TemplateBody,
	}
	for _, doc := range payload.TemplateBody {
		if doc.IsCompliant {
			view.Compliant++
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.String(), nil
}

// Handle is the send_email job handler.
func (m *Mailer) Handle(ctx context.Context, job *Job) error {
	payload := job.Payload
	if len(payload.To) == 0 {
		logrus.WithField("job_id", job.ID).Warn("Digest has no recipients, not sending")
		return nil
	}

	body, err := m.Render(payload.TemplateName, payload)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", payload.To...)
	msg.SetHeader("Subject", payload.Subject)
	msg.SetBody("text/html", body)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.sender.DialAndSend(msg); err != nil {
		return fmt.Errorf("failed to send digest: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"recipients": len(payload.To),
		"snapshots":  len(payload.TemplateBody),
	}).Info("Sent compliance digest")
	return nil
}
