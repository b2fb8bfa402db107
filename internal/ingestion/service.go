package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/guest-lock-manager/access-engine/internal/activity"
	"github.com/guest-lock-manager/access-engine/internal/apperr"
	"github.com/guest-lock-manager/access-engine/internal/config"
	"github.com/guest-lock-manager/access-engine/internal/lifecycle"
	"github.com/guest-lock-manager/access-engine/internal/storage"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

// Converger is the part of the lifecycle manager ingestion drives.
type Converger interface {
	Converge(ctx context.Context, bookingID string) (*lifecycle.Outcome, error)
	Interrupt(bookingID string)
}

// Notifier sends the guest welcome message.
type Notifier interface {
	SendWelcome(ctx context.Context, bookingID string) error
}

// Result describes what ingesting one event did.
type Result struct {
	Booking        *models.Booking    `json:"booking"`
	Created        bool               `json:"created"`
	Changed        bool               `json:"changed"`
	Ignored        bool               `json:"ignored,omitempty"`
	PreviousStatus string             `json:"previous_status,omitempty"`
	Outcome        *lifecycle.Outcome `json:"outcome,omitempty"`
}

// Service ingests reservation events.
type Service struct {
	bookings  *storage.BookingRepository
	lifecycle Converger
	notifier  Notifier
	activity  *activity.Recorder
	cfg       config.Config
	validate  *validator.Validate
	logger    logrus.FieldLogger
}

// NewService creates an ingestion service. notifier may be nil.
func NewService(
	bookings *storage.BookingRepository,
	converger Converger,
	notifier Notifier,
	recorder *activity.Recorder,
	cfg config.Config,
	logger logrus.FieldLogger,
) *Service {
	return &Service{
		bookings:  bookings,
		lifecycle: converger,
		notifier:  notifier,
		activity:  recorder,
		cfg:       cfg,
		validate:  newValidator(),
		logger:    logger.WithField("component", "ingestion"),
	}
}

// Validate normalizes and validates e.
func (s *Service) Validate(e Event) (Event, error) {
	e = Normalize(e, s.cfg.DefaultPropertyID)
	if err := s.validate.Struct(e); err != nil {
		return e, validationError(err)
	}
	if _, ok := s.cfg.Property(e.PropertyID); !ok {
		return e, apperr.NewValidation("unknown property", "property_id")
	}
	return e, nil
}

// Ingest creates or updates the booking described by e and converges its
// credentials. (source, external_id) is the idempotency key; replays update
// the existing booking and never create a second one.
func (s *Service) Ingest(ctx context.Context, e Event) (*Result, error) {
	e, err := s.Validate(e)
	if err != nil {
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{"source": e.Source, "external_id": e.ExternalID})

	var existing *models.Booking
	if e.ExternalID != "" {
		if existing, err = s.bookings.GetByExternal(ctx, e.Source, e.ExternalID); err != nil {
			return nil, err
		}
	}

	var result *Result
	if existing == nil {
		result, err = s.create(ctx, e)
		if errors.Is(err, storage.ErrDuplicate) {
			// Lost an insert race against a concurrent replay.
			if existing, err = s.bookings.GetByExternal(ctx, e.Source, e.ExternalID); err != nil {
				return nil, err
			}
			if existing == nil {
				return nil, fmt.Errorf("booking %s/%s vanished after duplicate insert", e.Source, e.ExternalID)
			}
			result, err = s.update(ctx, existing, e)
		}
	} else {
		result, err = s.update(ctx, existing, e)
	}
	if err != nil {
		return nil, err
	}

	if result.Ignored {
		log.WithFields(logrus.Fields{"booking_id": result.Booking.ID, "status": result.Booking.Status}).
			Info("Ignoring update to closed booking")
		return result, nil
	}

	b := result.Booking
	if b.IsCancelled() && result.PreviousStatus != models.BookingCancelled {
		s.lifecycle.Interrupt(b.ID)
	}
	result.Outcome = s.converge(ctx, b.ID)

	if result.Created && b.CredentialEligible() {
		s.welcome(ctx, b.ID)
	}

	log.WithFields(logrus.Fields{
		"booking_id": b.ID,
		"created":    result.Created,
		"changed":    result.Changed,
		"status":     b.Status,
	}).Info("Booking ingested")
	return result, nil
}

func (s *Service) create(ctx context.Context, e Event) (*Result, error) {
	if e.Source == models.SourceManual && e.Status != models.BookingCancelled {
		if err := s.checkOverlap(ctx, e, ""); err != nil {
			return nil, err
		}
	}

	b := &models.Booking{
		Source:           e.Source,
		ExternalID:       optional(e.ExternalID),
		ConfirmationCode: optional(e.ConfirmationCode),
		GuestName:        e.GuestName,
		GuestEmail:       optional(e.GuestEmail),
		GuestPhone:       optional(e.GuestPhone),
		GuestLanguage:    e.GuestLanguage,
		PropertyID:       e.PropertyID,
		CheckinAt:        e.CheckinAt,
		CheckoutAt:       e.CheckoutAt,
		NumGuests:        e.NumGuests,
		Status:           e.Status,
		Notes:            optional(e.Notes),
	}
	if b.Status == models.BookingCancelled {
		now := time.Now().UTC()
		b.CancelledAt = &now
	}
	if err := s.bookings.Create(ctx, b); err != nil {
		return nil, err
	}

	s.activity.Record(ctx, activity.Entry{
		EventType: models.EventBookingCreated,
		BookingID: b.ID,
		Actor:     actorFor(e.Source),
		Detail:    fmt.Sprintf("Booking for %s created from %s", b.GuestName, b.Source),
		Metadata: map[string]any{
			"source":      b.Source,
			"external_id": e.ExternalID,
			"status":      b.Status,
			"checkin_at":  b.CheckinAt,
			"checkout_at": b.CheckoutAt,
		},
	})
	s.activity.Broadcaster().BroadcastBookingStatusChanged(b.ID, "", b.Status)

	return &Result{Booking: b, Created: true, Changed: true}, nil
}

// update applies e to an existing booking. Status only moves forward and a
// closed booking is never rewritten.
func (s *Service) update(ctx context.Context, b *models.Booking, e Event) (*Result, error) {
	prev := b.Status
	result := &Result{Booking: b, PreviousStatus: prev}
	if b.Status == models.BookingCancelled || b.Status == models.BookingCheckedOut {
		result.Ignored = true
		return result, nil
	}

	next := *b
	next.ConfirmationCode = optional(e.ConfirmationCode)
	next.GuestName = e.GuestName
	next.GuestEmail = optional(e.GuestEmail)
	next.GuestPhone = optional(e.GuestPhone)
	next.GuestLanguage = e.GuestLanguage
	next.PropertyID = e.PropertyID
	next.CheckinAt = e.CheckinAt
	next.CheckoutAt = e.CheckoutAt
	next.NumGuests = e.NumGuests
	next.Notes = optional(e.Notes)
	if models.CanTransitionBooking(prev, e.Status) {
		next.Status = e.Status
	}
	if next.Status == models.BookingCancelled {
		now := time.Now().UTC()
		next.CancelledAt = &now
	}

	changes := diff(b, &next)
	if len(changes) == 0 {
		return result, nil
	}

	if next.Source == models.SourceManual && next.CredentialEligible() {
		if err := s.checkOverlap(ctx, e, b.ID); err != nil {
			return nil, err
		}
	}

	if err := s.bookings.Update(ctx, &next, prev); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			// Status moved underneath us, typically a concurrent cancel.
			current, gerr := s.bookings.GetByID(ctx, b.ID)
			if gerr != nil {
				return nil, gerr
			}
			if current != nil && (current.IsCancelled() || current.Status == models.BookingCheckedOut) {
				return &Result{Booking: current, PreviousStatus: current.Status, Ignored: true}, nil
			}
		}
		return nil, err
	}
	result.Booking, result.Changed = &next, true

	event, detail := models.EventBookingUpdated, fmt.Sprintf("Booking for %s updated", next.GuestName)
	if next.IsCancelled() {
		event, detail = models.EventBookingCancelled, fmt.Sprintf("Booking for %s cancelled by %s", next.GuestName, next.Source)
	}
	s.activity.Record(ctx, activity.Entry{
		EventType: event,
		BookingID: next.ID,
		Actor:     actorFor(e.Source),
		Detail:    detail,
		Metadata:  map[string]any{"changes": changes, "previous_status": prev},
	})
	if next.Status != prev {
		s.activity.Broadcaster().BroadcastBookingStatusChanged(next.ID, prev, next.Status)
	}
	return result, nil
}

// Cancel cancels a booking immediately and withdraws its codes. Cancelling
// twice is a no-op; a checked-out booking cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, bookingID, actor string) (*models.Booking, error) {
	b, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("booking %s: %w", bookingID, apperr.ErrNotFound)
	}

	switch b.Status {
	case models.BookingCancelled:
		return b, nil
	case models.BookingCheckedOut:
		return nil, apperr.NewConflict("Booking already checked out")
	}

	prev := b.Status
	if err := s.bookings.UpdateStatus(ctx, b.ID, models.BookingCancelled, models.BookingConfirmed, models.BookingCheckedIn); err != nil {
		if !errors.Is(err, storage.ErrInvalidTransition) {
			return nil, err
		}
		// Lost a race; report whatever won.
		current, gerr := s.bookings.GetByID(ctx, b.ID)
		if gerr != nil {
			return nil, gerr
		}
		if current == nil {
			return nil, fmt.Errorf("booking %s: %w", bookingID, apperr.ErrNotFound)
		}
		if current.IsCancelled() {
			return current, nil
		}
		return nil, apperr.NewConflict("Booking is %s", current.Status)
	}

	s.activity.Record(ctx, activity.Entry{
		EventType: models.EventBookingCancelled,
		BookingID: b.ID,
		Actor:     actor,
		Detail:    fmt.Sprintf("Booking for %s cancelled by %s", b.GuestName, actor),
		Metadata:  map[string]any{"previous_status": prev},
	})
	s.activity.Broadcaster().BroadcastBookingStatusChanged(b.ID, prev, models.BookingCancelled)
	s.logger.WithFields(logrus.Fields{"booking_id": b.ID, "actor": actor}).Info("Booking cancelled")

	s.lifecycle.Interrupt(b.ID)
	s.converge(ctx, b.ID)

	return s.bookings.GetByID(ctx, b.ID)
}

// converge runs convergence and logs instead of returning failures: the
// booking change is already durable and the sweeper picks up leftovers.
func (s *Service) converge(ctx context.Context, bookingID string) *lifecycle.Outcome {
	outcome, err := s.lifecycle.Converge(ctx, bookingID)
	if err != nil {
		s.logger.WithError(err).WithField("booking_id", bookingID).Error("Convergence failed")
		return outcome
	}
	if outcome != nil && len(outcome.Failed()) > 0 {
		s.logger.WithFields(logrus.Fields{
			"booking_id": bookingID,
			"failed":     len(outcome.Failed()),
		}).Warn("Some codes could not be created")
	}
	return outcome
}

func (s *Service) welcome(ctx context.Context, bookingID string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SendWelcome(ctx, bookingID); err != nil {
		s.logger.WithError(err).WithField("booking_id", bookingID).Warn("Welcome message not sent")
	}
}

func (s *Service) checkOverlap(ctx context.Context, e Event, excludeID string) error {
	overlapping, err := s.bookings.FindOverlapping(ctx, e.PropertyID, e.CheckinAt, e.CheckoutAt, excludeID)
	if err != nil {
		return err
	}
	if len(overlapping) == 0 {
		return nil
	}
	o := overlapping[0]
	return apperr.NewConflict("Stay overlaps booking %s for %s (%s to %s)",
		o.ID, o.GuestName, o.CheckinAt.UTC().Format(time.RFC3339), o.CheckoutAt.UTC().Format(time.RFC3339))
}

// diff lists the fields that differ between two versions of a booking.
func diff(a, b *models.Booking) map[string]any {
	changes := make(map[string]any)
	if !a.CheckinAt.Equal(b.CheckinAt) {
		changes["checkin_at"] = b.CheckinAt
	}
	if !a.CheckoutAt.Equal(b.CheckoutAt) {
		changes["checkout_at"] = b.CheckoutAt
	}
	if a.Status != b.Status {
		changes["status"] = b.Status
	}
	if a.PropertyID != b.PropertyID {
		changes["property_id"] = b.PropertyID
	}
	if a.GuestName != b.GuestName {
		changes["guest_name"] = b.GuestName
	}
	if deref(a.GuestEmail) != deref(b.GuestEmail) {
		changes["guest_email"] = deref(b.GuestEmail)
	}
	if deref(a.GuestPhone) != deref(b.GuestPhone) {
		changes["guest_phone"] = deref(b.GuestPhone)
	}
	if a.GuestLanguage != b.GuestLanguage {
		changes["guest_language"] = b.GuestLanguage
	}
	if a.NumGuests != b.NumGuests {
		changes["num_guests"] = b.NumGuests
	}
	if deref(a.ConfirmationCode) != deref(b.ConfirmationCode) {
		changes["confirmation_code"] = deref(b.ConfirmationCode)
	}
	if deref(a.Notes) != deref(b.Notes) {
		changes["notes"] = deref(b.Notes)
	}
	return changes
}

func actorFor(source string) string {
	if source == models.SourceManual {
		return models.ActorAdmin
	}
	return models.ActorWebhook
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
