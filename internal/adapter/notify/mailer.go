// Package notify sends operator email notifications over SMTP. Without an
// SMTP host configured the mailer degrades to logging, so notification
// failures can never take down job processing.
package notify

import (
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/config"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
)

// Mailer implements domain.Notifier.
type Mailer struct {
	host     string
	port     int
	user     string
	password string
	from     string
	admin    string
	reviewer string
}

func NewMailer(cfg config.Config) *Mailer {
	return &Mailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		user:     cfg.SMTPUser,
		password: cfg.SMTPPassword,
		from:     cfg.NotifyFrom,
		admin:    cfg.AdminEmail,
		reviewer: cfg.ReviewerEmail,
	}
}

func (m *Mailer) send(ctx domain.Context, to, subject, body string) error {
	log := observability.LoggerFromContext(ctx)
	if m.host == "" || to == "" {
		log.Warn("notification skipped, smtp not configured",
			slog.String("subject", subject), slog.String("to", to))
		return nil
	}

	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("op=notify.send from: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("op=notify.send to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{
		mail.WithPort(m.port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.user),
		mail.WithPassword(m.password),
	}
	client, err := mail.NewClient(m.host, opts...)
	if err != nil {
		return fmt.Errorf("op=notify.send client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("op=notify.send: %w: %v", domain.ErrConnection, err)
	}
	return nil
}

// NotifyPermanentFailure tells the operator a job exhausted its retries.
func (m *Mailer) NotifyPermanentFailure(ctx domain.Context, job domain.IncomingJob, cause string) error {
	subject := fmt.Sprintf("[creditor-matcher] job %s failed permanently", job.ID)
	body := fmt.Sprintf(
		"Job %s (ticket %s, from %s) failed permanently after %d retries.\n\nCause: %s\n",
		job.ID, job.TicketID, job.FromEmail, job.RetryCount, cause)
	return m.send(ctx, m.admin, subject, body)
}

// NotifyReview tells the reviewer a record was written or queued with less
// than full confidence.
func (m *Mailer) NotifyReview(ctx domain.Context, job domain.IncomingJob, res domain.ConsolidatedResult, overall float64) error {
	subject := fmt.Sprintf("[creditor-matcher] review: ticket %s (%.0f%% confidence)", job.TicketID, overall*100)
	body := fmt.Sprintf(
		"Ticket: %s\nJob: %s\nFrom: %s\n\nAmount: %s EUR\nCreditor: %s\nClient: %s\nOverall confidence: %.2f\n",
		job.TicketID, job.ID, job.FromEmail,
		res.FinalAmount.StringFixed(2), res.CreditorName, res.ClientName, overall)
	return m.send(ctx, m.reviewer, subject, body)
}
