// Package notify sends the guest welcome message with access codes and the
// portal link.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"github.com/guest-lock-manager/access-engine/internal/activity"
	"github.com/guest-lock-manager/access-engine/internal/apperr"
	"github.com/guest-lock-manager/access-engine/internal/config"
	"github.com/guest-lock-manager/access-engine/internal/guesttoken"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

const errNoEmail = "no email address"

// Message is a rendered email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers a rendered message.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPMailer sends mail through an SMTP relay.
type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPMailer creates a mailer from the SMTP settings.
func NewSMTPMailer(cfg config.SMTP) *SMTPMailer {
	return &SMTPMailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

// Send dials the relay and delivers msg. gomail has no context support, so
// ctx is only checked before dialing.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gm := gomail.NewMessage()
	gm.SetHeader("From", m.from)
	gm.SetHeader("To", msg.To)
	gm.SetHeader("Subject", msg.Subject)
	gm.SetBody("text/plain", msg.Body)
	return m.dialer.DialAndSend(gm)
}

// BookingReader loads bookings.
type BookingReader interface {
	GetByID(ctx context.Context, id string) (*models.Booking, error)
}

// CredentialSource lists the current codes of a booking.
type CredentialSource interface {
	Credentials(ctx context.Context, bookingID, lang string) ([]models.CredentialView, error)
}

// TokenIssuer signs guest portal links.
type TokenIssuer interface {
	Issue(b *models.Booking, lateBuffer time.Duration) (*guesttoken.Issued, error)
}

// NotificationLog records delivery attempts.
type NotificationLog interface {
	Create(ctx context.Context, n *models.Notification) error
}

// Service renders and sends guest notifications.
type Service struct {
	bookings    BookingReader
	credentials CredentialSource
	tokens      TokenIssuer
	log         NotificationLog
	mailer      Mailer
	activity    *activity.Recorder
	cfg         config.Config
	logger      logrus.FieldLogger
}

// NewService creates a notification service. A nil mailer disables sending.
func NewService(
	bookings BookingReader,
	credentials CredentialSource,
	tokens TokenIssuer,
	log NotificationLog,
	mailer Mailer,
	recorder *activity.Recorder,
	cfg config.Config,
	logger logrus.FieldLogger,
) *Service {
	return &Service{
		bookings:    bookings,
		credentials: credentials,
		tokens:      tokens,
		log:         log,
		mailer:      mailer,
		activity:    recorder,
		cfg:         cfg,
		logger:      logger.WithField("component", "notify"),
	}
}

// SendWelcome sends the welcome message for a booking.
func (s *Service) SendWelcome(ctx context.Context, bookingID string) error {
	if s.mailer == nil {
		s.logger.WithField("booking_id", bookingID).Debug("Email not configured, skipping welcome message")
		return nil
	}

	b, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("booking %s: %w", bookingID, apperr.ErrNotFound)
	}

	if b.GuestEmail == nil || *b.GuestEmail == "" {
		s.failed(ctx, b, "", "", errors.New(errNoEmail))
		return errors.New(errNoEmail)
	}

	msg, err := s.render(ctx, b)
	if err != nil {
		s.failed(ctx, b, *b.GuestEmail, "", err)
		return err
	}

	if err := s.mailer.Send(ctx, *msg); err != nil {
		s.failed(ctx, b, msg.To, msg.Subject, err)
		return &apperr.ProviderError{Provider: "smtp", Op: "send", Err: err}
	}

	s.write(ctx, &models.Notification{
		BookingID: b.ID,
		Channel:   models.ChannelEmail,
		Recipient: msg.To,
		Subject:   msg.Subject,
		Status:    models.NotificationSent,
	})
	s.activity.Record(ctx, activity.Entry{
		EventType: models.EventNotificationSent,
		BookingID: b.ID,
		Detail:    fmt.Sprintf("Welcome email sent to %s", msg.To),
		Metadata:  map[string]any{"channel": models.ChannelEmail},
	})
	s.logger.WithFields(logrus.Fields{"booking_id": b.ID, "to": msg.To}).Info("Welcome message sent")
	return nil
}

// Resend sends the welcome message again on admin request.
func (s *Service) Resend(ctx context.Context, bookingID string) error {
	if s.mailer == nil {
		return apperr.NewConflict("email delivery is not configured")
	}
	return s.SendWelcome(ctx, bookingID)
}

func (s *Service) render(ctx context.Context, b *models.Booking) (*Message, error) {
	prop, _ := s.cfg.Property(b.PropertyID)
	loc := prop.Location()
	_, late := prop.Buffers()

	views, err := s.credentials.Credentials(ctx, b.ID, b.GuestLanguage)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	link, err := s.tokens.Issue(b, late)
	if err != nil {
		return nil, err
	}

	data := welcomeData{
		GuestName: b.GuestName,
		Property:  prop.Name,
		Checkin:   b.CheckinAt.In(loc).Format(dateLayout),
		Checkout:  b.CheckoutAt.In(loc).Format(dateLayout),
		PortalURL: link.URL,
	}
	if data.Property == "" {
		data.Property = prop.ID
	}
	for _, v := range views {
		if v.Status != models.CodeActive && v.Status != models.CodePending {
			continue
		}
		data.Codes = append(data.Codes, welcomeCode{Name: v.LockName, Code: v.Code})
	}

	tmpl := welcomeTemplates[models.LangEN]
	if t, ok := welcomeTemplates[b.GuestLanguage]; ok {
		tmpl = t
	}

	var subject, body bytes.Buffer
	if err := tmpl.ExecuteTemplate(&subject, "subject", data); err != nil {
		return nil, fmt.Errorf("rendering subject: %w", err)
	}
	if err := tmpl.ExecuteTemplate(&body, "body", data); err != nil {
		return nil, fmt.Errorf("rendering body: %w", err)
	}
	return &Message{To: *b.GuestEmail, Subject: subject.String(), Body: body.String()}, nil
}

func (s *Service) failed(ctx context.Context, b *models.Booking, to, subject string, cause error) {
	reason := cause.Error()
	s.write(ctx, &models.Notification{
		BookingID: b.ID,
		Channel:   models.ChannelEmail,
		Recipient: to,
		Subject:   subject,
		Status:    models.NotificationFailed,
		Error:     &reason,
	})
	s.activity.Record(ctx, activity.Entry{
		EventType: models.EventError,
		BookingID: b.ID,
		Detail:    fmt.Sprintf("Welcome email not sent: %s", reason),
		Metadata:  map[string]any{"channel": models.ChannelEmail},
	})
	s.logger.WithError(cause).WithField("booking_id", b.ID).Warn("Welcome message failed")
}

func (s *Service) write(ctx context.Context, n *models.Notification) {
	if err := s.log.Create(context.WithoutCancel(ctx), n); err != nil {
		s.logger.WithError(err).WithField("booking_id", n.BookingID).Error("Failed to record notification")
	}
}

const dateLayout = "02/01/2006 15:04"

type welcomeCode struct {
	Name string
	Code string
}

type welcomeData struct {
	GuestName string
	Property  string
	Checkin   string
	Checkout  string
	Codes     []welcomeCode
	PortalURL string
}

var welcomeTemplates = map[string]*template.Template{
	models.LangIT: template.Must(template.New("it").Parse(`
{{- define "subject"}}Benvenuto a {{.Property}}{{end -}}
{{- define "body"}}Ciao {{.GuestName}}, siamo felici di accoglierti!

Check-in: {{.Checkin}}
Check-out: {{.Checkout}}
{{if .Codes}}
I tuoi codici d'accesso:
{{range .Codes}}{{.Name}}: {{.Code}}
{{end}}{{end}}
Tutte le informazioni per il soggiorno:
{{.PortalURL}}

A presto!
{{end -}}`)),
	models.LangEN: template.Must(template.New("en").Parse(`
{{- define "subject"}}Welcome to {{.Property}}{{end -}}
{{- define "body"}}Hi {{.GuestName}}, we're excited to host you!

Check-in: {{.Checkin}}
Check-out: {{.Checkout}}
{{if .Codes}}
Your access codes:
{{range .Codes}}{{.Name}}: {{.Code}}
{{end}}{{end}}
Everything you need for your stay:
{{.PortalURL}}

See you soon!
{{end -}}`)),
}
