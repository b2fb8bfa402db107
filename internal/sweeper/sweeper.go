// Package sweeper reconciles the credential ledger against the wall clock:
// it activates codes whose window opened, expires codes whose window ended,
// retries failures, checks guests out
// and refreshes device health.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/guest-lock-manager/access-engine/internal/activity"
	"github.com/guest-lock-manager/access-engine/internal/config"
	"github.com/guest-lock-manager/access-engine/internal/lifecycle"
	"github.com/guest-lock-manager/access-engine/internal/provider"
	"github.com/guest-lock-manager/access-engine/internal/storage"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

// pendingGrace is how long a pending row may sit before the sweeper assumes
// its convergence died and runs it again.
const pendingGrace = time.Minute

// Report counts what one sweep did.
type Report struct {
	Activated  int `json:"activated"`
	Expired    int `json:"expired"`
	Retried    int `json:"retried"`
	Escalated  int `json:"escalated"`
	CheckedOut int `json:"checked_out"`
	Resumed    int `json:"resumed"`
	Errors     int `json:"errors"`
}

// Sweeper runs the periodic reconciliation jobs.
type Sweeper struct {
	manager   *lifecycle.Manager
	codes     *storage.AccessCodeRepository
	bookings  *storage.BookingRepository
	locks     *storage.LockRepository
	providers *provider.Registry
	activity  *activity.Recorder
	cfg       config.Config
	cron      *cron.Cron
	logger    logrus.FieldLogger
	now       func() time.Time

	running sync.Mutex
}

// New creates a sweeper.
func New(
	manager *lifecycle.Manager,
	codes *storage.AccessCodeRepository,
	bookings *storage.BookingRepository,
	locks *storage.LockRepository,
	providers *provider.Registry,
	recorder *activity.Recorder,
	cfg config.Config,
	logger logrus.FieldLogger,
) *Sweeper {
	return &Sweeper{
		manager:   manager,
		codes:     codes,
		bookings:  bookings,
		locks:     locks,
		providers: providers,
		activity:  recorder,
		cfg:       cfg,
		cron:      cron.New(),
		logger:    logger.WithField("component", "sweeper"),
		now:       time.Now,
	}
}

// Start schedules the sweep and device refresh jobs.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc("@every "+s.cfg.Sweeper.Interval.String(), func() {
		if !s.running.TryLock() {
			s.logger.Warn("Previous sweep still running, skipping")
			return
		}
		defer s.running.Unlock()
		if _, err := s.sweep(context.Background()); err != nil {
			s.logger.WithError(err).Error("Sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}

	if refresh := s.cfg.Sweeper.DeviceRefresh; refresh > 0 {
		if _, err := s.cron.AddFunc("@every "+refresh.String(), func() {
			ctx, cancel := context.WithTimeout(context.Background(), refresh)
			defer cancel()
			s.RefreshDevices(ctx)
		}); err != nil {
			return fmt.Errorf("scheduling device refresh: %w", err)
		}
	}

	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"interval":       s.cfg.Sweeper.Interval,
		"device_refresh": s.cfg.Sweeper.DeviceRefresh,
	}).Info("Sweeper started")
	return nil
}

// Stop waits for running jobs to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Sweeper stopped")
}

// Sweep runs one reconciliation pass. Concurrent calls are serialized.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	s.running.Lock()
	defer s.running.Unlock()
	return s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) (*Report, error) {
	now := s.now()
	report := &Report{}

	if err := s.activate(ctx, now, report); err != nil {
		return report, err
	}
	if err := s.expire(ctx, now, report); err != nil {
		return report, err
	}
	if err := s.retryFailed(ctx, now, report); err != nil {
		return report, err
	}
	if err := s.resumePending(ctx, now, report); err != nil {
		return report, err
	}
	if err := s.checkOut(ctx, now, report); err != nil {
		return report, err
	}

	log := s.logger.WithFields(logrus.Fields{
		"activated":   report.Activated,
		"expired":     report.Expired,
		"retried":     report.Retried,
		"escalated":   report.Escalated,
		"checked_out": report.CheckedOut,
		"resumed":     report.Resumed,
		"errors":      report.Errors,
	})
	if *report == (Report{}) {
		log.Debug("Sweep complete")
	} else {
		log.Info("Sweep complete")
	}
	return report, nil
}

// activate converges bookings holding scheduled codes whose window has
// opened.
func (s *Sweeper) activate(ctx context.Context, now time.Time, report *Report) error {
	due, err := s.codes.ListDueForActivation(ctx, now)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, c := range due {
		if seen[c.BookingID] {
			continue
		}
		seen[c.BookingID] = true
		outcome, err := s.manager.Converge(ctx, c.BookingID)
		if err != nil {
			s.logger.WithError(err).WithField("booking_id", c.BookingID).Warn("Activating scheduled codes failed")
			report.Errors++
			continue
		}
		for _, r := range outcome.Results {
			switch r.Action {
			case lifecycle.ActionResumed:
				report.Activated++
			case lifecycle.ActionFailed:
				report.Errors++
			}
		}
	}
	return nil
}

// expire revokes active codes whose window has ended.
func (s *Sweeper) expire(ctx context.Context, now time.Time, report *Report) error {
	expired, err := s.codes.ListExpired(ctx, now)
	if err != nil {
		return err
	}
	for _, c := range expired {
		if err := s.manager.ExpireCode(ctx, c.ID); err != nil {
			s.logger.WithError(err).WithField("code_id", c.ID).Warn("Code not expired")
			report.Errors++
			continue
		}
		report.Expired++
	}
	return nil
}

// retryFailed gives recent failures another attempt and escalates creation
// failures past the retry ceiling once. Failed revocations are retried
// regardless of age.
func (s *Sweeper) retryFailed(ctx context.Context, now time.Time, report *Report) error {
	ceiling := now.Add(-s.cfg.Sweeper.FailedRetryCeiling)

	recent, err := s.codes.ListFailedSince(ctx, ceiling)
	if err != nil {
		return err
	}
	stale, err := s.codes.ListStaleFailed(ctx, ceiling)
	if err != nil {
		return err
	}

	for _, c := range stale {
		if c.Operation == models.OpCreate {
			s.manager.Escalate(ctx, &c, fmt.Sprintf("Code for lock %s still failing after %s: %s",
				c.LockID, s.cfg.Sweeper.FailedRetryCeiling, lastError(c)))
			report.Escalated++
			continue
		}
		recent = append(recent, c)
	}

	for _, c := range recent {
		code, err := s.manager.RetryCode(ctx, c.ID)
		switch {
		case err != nil:
			s.logger.WithError(err).WithField("code_id", c.ID).Warn("Retry failed")
			report.Errors++
		case code != nil && code.Status == models.CodeFailed:
			report.Errors++
		default:
			report.Retried++
		}
	}
	return nil
}

// resumePending reconverges bookings whose pending rows outlived the
// convergence that created them. Scheduled rows are left to activate.
func (s *Sweeper) resumePending(ctx context.Context, now time.Time, report *Report) error {
	pending, err := s.codes.ListByStatus(ctx, models.CodePending, 0)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, c := range pending {
		if seen[c.BookingID] || c.UpdatedAt.After(now.Add(-pendingGrace)) || s.scheduled(ctx, c, now) {
			continue
		}
		seen[c.BookingID] = true
		if _, err := s.manager.Converge(ctx, c.BookingID); err != nil {
			s.logger.WithError(err).WithField("booking_id", c.BookingID).Warn("Resuming pending codes failed")
			report.Errors++
			continue
		}
		report.Resumed++
	}
	return nil
}

// scheduled reports whether a pending row is waiting for its window on a
// device that cannot hold it back itself.
func (s *Sweeper) scheduled(ctx context.Context, c models.AccessCode, now time.Time) bool {
	if c.Attempts > 0 || !now.Before(c.ValidFrom) {
		return false
	}
	lock, err := s.locks.GetByID(ctx, c.LockID)
	if err != nil || lock == nil {
		return false
	}
	p, err := s.providers.For(*lock)
	return err == nil && provider.Windowless(p)
}

// checkOut moves bookings past checkout plus the late buffer to checked_out.
func (s *Sweeper) checkOut(ctx context.Context, now time.Time, report *Report) error {
	due, err := s.bookings.ListCheckoutBefore(ctx, now)
	if err != nil {
		return err
	}

	for _, b := range due {
		prop, _ := s.cfg.Property(b.PropertyID)
		if now.Before(s.manager.WindowFor(&b).Until) {
			continue
		}

		err := s.bookings.UpdateStatus(ctx, b.ID, models.BookingCheckedOut, models.BookingConfirmed, models.BookingCheckedIn)
		if errors.Is(err, storage.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			s.logger.WithError(err).WithField("booking_id", b.ID).Warn("Checkout failed")
			report.Errors++
			continue
		}

		s.activity.Record(ctx, activity.Entry{
			EventType: models.EventBookingCheckedOut,
			BookingID: b.ID,
			Detail:    fmt.Sprintf("%s checked out", b.GuestName),
			Metadata: map[string]any{
				"previous_status": b.Status,
				"checkout_local":  b.CheckoutAt.In(prop.Location()).Format("2006-01-02 15:04"),
			},
		})
		s.activity.Broadcaster().BroadcastBookingStatusChanged(b.ID, b.Status, models.BookingCheckedOut)
		report.CheckedOut++
	}
	return nil
}

// RefreshDevices queries every active lock and records its health.
func (s *Sweeper) RefreshDevices(ctx context.Context) {
	locks, err := s.locks.ListActive(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Listing locks for refresh failed")
		return
	}

	for _, lock := range locks {
		log := s.logger.WithFields(logrus.Fields{"lock_id": lock.ID, "provider": lock.Provider})

		var status provider.DeviceStatus
		p, err := s.providers.For(lock)
		if err == nil {
			status, err = p.QueryDevice(ctx, lock)
		}
		if err != nil {
			log.WithError(err).Warn("Device query failed")
			status = provider.DeviceStatus{Online: false}
		}

		if err := s.locks.UpdateStatus(ctx, lock.ID, status.Online, status.Battery); err != nil {
			log.WithError(err).Error("Recording device health failed")
			continue
		}
		if status.Online != lock.Online || !sameBattery(status.Battery, lock.BatteryLevel) {
			s.activity.Broadcaster().BroadcastLockStatusChanged(lock.ID, lock.DeviceID, status.Online, status.Battery)
		}
	}
}

func sameBattery(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func lastError(c models.AccessCode) string {
	if c.LastError == nil {
		return "unknown error"
	}
	return *c.LastError
}
