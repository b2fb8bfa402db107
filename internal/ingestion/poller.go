package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/guest-lock-manager/access-engine/internal/config"
)

// SourceLodgify tags bookings pulled by the poller.
const SourceLodgify = "lodgify"

// PollReport counts what one poll did.
type PollReport struct {
	Fetched int `json:"fetched"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Poller periodically pulls reservations from Lodgify and ingests them.
type Poller struct {
	service *Service
	client  *LodgifyClient
	cfg     config.Config
	cron    *cron.Cron
	logger  logrus.FieldLogger
	now     func() time.Time
}

// NewPoller creates a poller for the configured Lodgify account.
func NewPoller(service *Service, client *LodgifyClient, cfg config.Config, logger logrus.FieldLogger) *Poller {
	return &Poller{
		service: service,
		client:  client,
		cfg:     cfg,
		cron:    cron.New(),
		logger:  logger.WithField("component", "lodgify_poller"),
		now:     time.Now,
	}
}

// Start schedules the poll job.
func (p *Poller) Start() error {
	interval := p.cfg.Lodgify.PollInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	if _, err := p.cron.AddFunc("@every "+interval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if _, err := p.Poll(ctx); err != nil {
			p.logger.WithError(err).Error("Lodgify poll failed")
		}
	}); err != nil {
		return fmt.Errorf("scheduling lodgify poll: %w", err)
	}

	p.cron.Start()
	p.logger.WithField("interval", interval).Info("Lodgify poller started")
	return nil
}

// Stop waits for a running poll to finish.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
	p.logger.Info("Lodgify poller stopped")
}

// Poll fetches reservations over the configured horizon and ingests each.
// A reservation that fails ingestion is logged and skipped.
func (p *Poller) Poll(ctx context.Context) (*PollReport, error) {
	horizon := p.cfg.Lodgify.Horizon
	if horizon <= 0 {
		horizon = 90 * 24 * time.Hour
	}
	start := p.now().UTC()

	reservations, err := p.client.Reservations(ctx, p.cfg.Lodgify.PropertyID, start, start.Add(horizon))
	if err != nil {
		return nil, err
	}

	report := &PollReport{Fetched: len(reservations)}
	for _, r := range reservations {
		log := p.logger.WithField("external_id", r.Key())

		e, err := p.event(r)
		if err != nil {
			log.WithError(err).Warn("Skipping unreadable reservation")
			report.Failed++
			continue
		}

		result, err := p.service.Ingest(ctx, e)
		switch {
		case err != nil:
			log.WithError(err).Warn("Reservation not ingested")
			report.Failed++
		case result.Created:
			report.Created++
		case result.Changed:
			report.Updated++
		default:
			report.Skipped++
		}
	}

	p.logger.WithFields(logrus.Fields{
		"fetched": report.Fetched,
		"created": report.Created,
		"updated": report.Updated,
		"failed":  report.Failed,
	}).Info("Lodgify poll complete")
	return report, nil
}

func (p *Poller) event(r LodgifyReservation) (Event, error) {
	name := r.Guest.Name
	if name == "" {
		name = "Guest"
	}
	return EventFromPayload(p.cfg, SourceLodgify, Payload{
		ExternalID:       r.Key(),
		ConfirmationCode: r.ConfirmationCode,
		GuestName:        name,
		GuestEmail:       r.Guest.Email,
		GuestPhone:       r.Guest.Phone,
		GuestLanguage:    r.Guest.Language,
		Checkin:          r.Arrival,
		Checkout:         r.Departure,
		NumGuests:        r.People,
		Status:           r.Status,
	})
}
