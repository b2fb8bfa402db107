package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/guest-lock-manager/access-engine/internal/activity"
	"github.com/guest-lock-manager/access-engine/internal/apperr"
	"github.com/guest-lock-manager/access-engine/internal/config"
	"github.com/guest-lock-manager/access-engine/internal/provider"
	"github.com/guest-lock-manager/access-engine/internal/storage"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

// Per-lock actions reported in an Outcome.
const (
	ActionCreated   = "created"
	ActionKept      = "kept"
	ActionResumed   = "resumed"
	ActionReplaced  = "replaced"
	ActionRevoked   = "revoked"
	ActionAbandoned = "abandoned"
	ActionFailed    = "failed"
	ActionDeferred  = "deferred"
	ActionScheduled = "scheduled"
)

// LockResult is what convergence did on one lock.
type LockResult struct {
	LockID string `json:"lock_id"`
	CodeID string `json:"code_id,omitempty"`
	Action string `json:"action"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Outcome summarizes one convergence run.
type Outcome struct {
	BookingID     string       `json:"booking_id"`
	BookingStatus string       `json:"booking_status"`
	Results       []LockResult `json:"results"`
}

// Failed returns the results that ended in failure.
func (o *Outcome) Failed() []LockResult {
	var failed []LockResult
	for _, r := range o.Results {
		if r.Action == ActionFailed {
			failed = append(failed, r)
		}
	}
	return failed
}

// Manager drives access codes towards the state a booking calls for. All
// work for one booking is serialized; work across locks runs concurrently.
type Manager struct {
	bookings  *storage.BookingRepository
	codes     *storage.AccessCodeRepository
	locks     *storage.LockRepository
	providers *provider.Registry
	activity  *activity.Recorder
	cfg       config.Config
	logger    logrus.FieldLogger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	keys  *keyedMutex

	mu       sync.Mutex
	inflight map[string]map[*context.CancelFunc]struct{}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSleep overrides the retry backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// NewManager creates a lifecycle manager.
func NewManager(
	bookings *storage.BookingRepository,
	codes *storage.AccessCodeRepository,
	locks *storage.LockRepository,
	providers *provider.Registry,
	recorder *activity.Recorder,
	cfg config.Config,
	logger logrus.FieldLogger,
	opts ...Option,
) *Manager {
	m := &Manager{
		bookings:  bookings,
		codes:     codes,
		locks:     locks,
		providers: providers,
		activity:  recorder,
		cfg:       cfg,
		logger:    logger.WithField("component", "lifecycle"),
		now:       time.Now,
		sleep:     sleepCtx,
		keys:      newKeyedMutex(),
		inflight:  make(map[string]map[*context.CancelFunc]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WindowFor computes the code window for a booking from its property.
func (m *Manager) WindowFor(b *models.Booking) Window {
	prop, _ := m.cfg.Property(b.PropertyID)
	return ComputeWindow(b.CheckinAt, b.CheckoutAt, BuffersFor(prop))
}

// InWindow reports whether the booking's code window is open now.
func (m *Manager) InWindow(b *models.Booking) bool {
	w := m.WindowFor(b)
	now := m.now()
	return !now.Before(w.From) && now.Before(w.Until)
}

// Interrupt cancels any in-flight convergence for a booking. Rows it was
// working on still reach a recorded state.
func (m *Manager) Interrupt(bookingID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for cancel := range m.inflight[bookingID] {
		(*cancel)()
	}
}

// track registers a cancellable context for Interrupt.
func (m *Manager) track(ctx context.Context, bookingID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	key := &cancel

	m.mu.Lock()
	if m.inflight[bookingID] == nil {
		m.inflight[bookingID] = make(map[*context.CancelFunc]struct{})
	}
	m.inflight[bookingID][key] = struct{}{}
	m.mu.Unlock()

	return ctx, func() {
		m.mu.Lock()
		delete(m.inflight[bookingID], key)
		if len(m.inflight[bookingID]) == 0 {
			delete(m.inflight, bookingID)
		}
		m.mu.Unlock()
		cancel()
	}
}

// lockBooking tracks ctx for Interrupt and takes the per-booking lock.
func (m *Manager) lockBooking(ctx context.Context, bookingID string) (context.Context, func(), error) {
	ctx, untrack := m.track(ctx, bookingID)
	if err := m.keys.Lock(ctx, bookingID); err != nil {
		untrack()
		return nil, nil, err
	}
	return ctx, func() {
		m.keys.Unlock(bookingID)
		untrack()
	}, nil
}

// Converge brings the booking's codes in line with its current status.
func (m *Manager) Converge(ctx context.Context, bookingID string) (*Outcome, error) {
	ctx, unlock, err := m.lockBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := m.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("booking %s: %w", bookingID, apperr.ErrNotFound)
	}

	log := m.logger.WithFields(logrus.Fields{"booking_id": b.ID, "status": b.Status})
	outcome := &Outcome{BookingID: b.ID, BookingStatus: b.Status}

	switch b.Status {
	case models.BookingCancelled:
		outcome.Results, err = m.convergeCancelled(ctx, b)
	case models.BookingConfirmed, models.BookingCheckedIn:
		outcome.Results, err = m.convergeEligible(ctx, b)
	default:
		log.Debug("Nothing to converge")
		return outcome, nil
	}
	if err != nil {
		return outcome, err
	}

	log.WithFields(logrus.Fields{
		"locks":  len(outcome.Results),
		"failed": len(outcome.Failed()),
	}).Info("Booking converged")
	return outcome, nil
}

// convergeEligible ensures one active code with the current window on every
// active lock of the property.
func (m *Manager) convergeEligible(ctx context.Context, b *models.Booking) ([]LockResult, error) {
	w := m.WindowFor(b)
	if !m.now().Before(w.Until) {
		return nil, nil
	}

	locks, err := m.locks.ListActiveByProperty(ctx, b.PropertyID)
	if err != nil {
		return nil, err
	}
	codes, err := m.codes.ListByBooking(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	byLock := make(map[string][]models.AccessCode)
	for _, c := range codes {
		byLock[c.LockID] = append(byLock[c.LockID], c)
	}

	results := make([]LockResult, len(locks))
	var g errgroup.Group
	g.SetLimit(m.concurrency())
	for i, lock := range locks {
		g.Go(func() error {
			res, err := m.convergeLock(ctx, b, lock, w, byLock[lock.ID], m.attempts())
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

// convergeLock applies the eligible-booking rules to one lock.
func (m *Manager) convergeLock(ctx context.Context, b *models.Booking, lock models.Lock, w Window, codes []models.AccessCode, attempts int) (LockResult, error) {
	result := LockResult{LockID: lock.ID}
	replaced := false

	for i := range codes {
		c := &codes[i]
		switch {
		case c.Status == models.CodeActive && c.SameWindow(w.From, w.Until):
			result.CodeID, result.Action, result.Status = c.ID, ActionKept, c.Status
			return result, nil

		case c.Status == models.CodeActive:
			// Dates moved. The old code must come off before a new one goes on.
			if _, err := m.revoke(ctx, b, lock, c, models.ActorSystem, "Code revoked after booking dates changed"); err != nil {
				return result, err
			}
			replaced = true

		case c.Status == models.CodePending && c.SameWindow(w.From, w.Until):
			if m.holdUntilOpen(lock, w) {
				result.CodeID, result.Action, result.Status = c.ID, ActionScheduled, c.Status
				return result, nil
			}
			res, err := m.materialize(ctx, b, lock, c, w, attempts)
			if res.Action == ActionCreated {
				res.Action = ActionResumed
			}
			return res, err

		case c.Status == models.CodePending:
			if err := m.abandon(ctx, c, "Pending code abandoned after booking dates changed"); err != nil {
				return result, err
			}
			replaced = true

		case c.Status == models.CodeFailed && c.Operation == models.OpCreate && c.SameWindow(w.From, w.Until):
			result.CodeID, result.Action, result.Status = c.ID, ActionDeferred, c.Status
			if c.LastError != nil {
				result.Error = *c.LastError
			}
			return result, nil

		case c.Status == models.CodeFailed && c.Operation == models.OpCreate:
			if err := m.abandon(ctx, c, "Failed code abandoned after booking dates changed"); err != nil {
				return result, err
			}
		}
	}

	if err := ctx.Err(); err != nil {
		result.Action, result.Error = ActionDeferred, err.Error()
		return result, nil
	}

	code := &models.AccessCode{BookingID: b.ID, LockID: lock.ID, ValidFrom: w.From, ValidUntil: w.Until}
	if err := m.codes.InsertPending(context.WithoutCancel(ctx), code); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			result.Action = ActionKept
			return result, nil
		}
		return result, err
	}
	if m.holdUntilOpen(lock, w) {
		m.logger.WithFields(logrus.Fields{"booking_id": b.ID, "lock_id": lock.ID, "valid_from": w.From}).
			Debug("Code scheduled until its window opens")
		result.CodeID, result.Action, result.Status = code.ID, ActionScheduled, code.Status
		return result, nil
	}

	res, err := m.materialize(ctx, b, lock, code, w, attempts)
	if replaced && res.Action == ActionCreated {
		res.Action = ActionReplaced
	}
	return res, err
}

// holdUntilOpen reports whether a code for lock must stay pending because
// the device would accept it before the window opens.
func (m *Manager) holdUntilOpen(lock models.Lock, w Window) bool {
	p, err := m.providers.For(lock)
	if err != nil {
		return false
	}
	return provider.Windowless(p) && m.now().Before(w.From)
}

// materialize pushes a pending or failed-create code to the device, retrying
// with backoff. The row always ends active or failed.
func (m *Manager) materialize(ctx context.Context, b *models.Booking, lock models.Lock, code *models.AccessCode, w Window, attempts int) (LockResult, error) {
	result := LockResult{LockID: lock.ID, CodeID: code.ID}
	wctx := context.WithoutCancel(ctx)
	log := m.logger.WithFields(logrus.Fields{"booking_id": b.ID, "lock_id": lock.ID, "code_id": code.ID})
	prev := code.Status

	p, err := m.providers.For(lock)
	if err != nil {
		return m.fail(wctx, b, lock, code, prev, err, 0)
	}

	var lastErr error
	made := 0
	backoff := m.cfg.Lifecycle.RetryBackoff
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			var d time.Duration
			if attempt-1 < len(backoff) {
				d = backoff[attempt-1]
			}
			if err := m.sleep(ctx, d); err != nil {
				break
			}
		}

		if _, err := m.codes.RecordAttempt(wctx, code.ID); err != nil {
			return result, err
		}
		made++

		cred, err := p.CreateCode(ctx, lock, w)
		if err == nil {
			if err := m.codes.Activate(wctx, code.ID, cred.Code, cred.Ref); err != nil {
				// The row moved underneath us. Take the code back off the device.
				log.WithError(err).Error("Activating created code failed")
				if rerr := p.RevokeCode(wctx, lock, cred.Ref); rerr != nil {
					log.WithError(rerr).Error("Could not remove orphaned code from device")
				}
				return result, err
			}
			code.Status, code.Code, code.ProviderRef = models.CodeActive, cred.Code, &cred.Ref
			m.codeChanged(*code, prev)
			m.activity.Record(wctx, activity.Entry{
				EventType: models.EventCodeCreated,
				BookingID: b.ID,
				LockID:    lock.ID,
				CodeID:    code.ID,
				Detail:    fmt.Sprintf("Access code created on %s", lock.DisplayName(models.LangEN)),
				Metadata:  map[string]any{"provider": lock.Provider, "attempts": made},
			})
			log.WithField("attempts", made).Info("Access code created")

			result.Action, result.Status = ActionCreated, models.CodeActive
			return result, nil
		}

		lastErr = err
		log.WithError(err).WithField("attempt", attempt+1).Warn("Code creation attempt failed")
		if errors.Is(err, gobreaker.ErrOpenState) || ctx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	if lastErr == nil {
		lastErr = errors.New("interrupted")
	}
	return m.fail(wctx, b, lock, code, prev, lastErr, made)
}

func (m *Manager) fail(ctx context.Context, b *models.Booking, lock models.Lock, code *models.AccessCode, prev string, cause error, attempts int) (LockResult, error) {
	result := LockResult{LockID: lock.ID, CodeID: code.ID}
	msg := cause.Error()
	if err := m.codes.MarkFailed(ctx, code.ID, models.OpCreate, msg); err != nil {
		return result, err
	}
	code.Status, code.LastError = models.CodeFailed, &msg
	m.codeChanged(*code, prev)
	m.activity.Record(ctx, activity.Entry{
		EventType: models.EventCodeFailed,
		BookingID: b.ID,
		LockID:    lock.ID,
		CodeID:    code.ID,
		Detail:    fmt.Sprintf("Access code creation failed on %s", lock.DisplayName(models.LangEN)),
		Metadata:  map[string]any{"error": msg, "attempts": attempts},
	})
	m.logger.WithFields(logrus.Fields{"booking_id": b.ID, "lock_id": lock.ID, "code_id": code.ID}).
		WithError(cause).Error("Access code creation failed")

	result.Action, result.Status, result.Error = ActionFailed, models.CodeFailed, msg
	return result, nil
}

// convergeCancelled takes every code of a cancelled booking off its device.
// Revoke failures are recorded and left for the sweeper; cancellation itself
// always succeeds.
func (m *Manager) convergeCancelled(ctx context.Context, b *models.Booking) ([]LockResult, error) {
	codes, err := m.codes.ListByBooking(ctx, b.ID)
	if err != nil {
		return nil, err
	}

	var open []models.AccessCode
	for _, c := range codes {
		if c.IsLive() || c.Status == models.CodeFailed {
			open = append(open, c)
		}
	}

	results := make([]LockResult, len(open))
	var g errgroup.Group
	g.SetLimit(m.concurrency())
	for i := range open {
		c := &open[i]
		g.Go(func() error {
			results[i] = LockResult{LockID: c.LockID, CodeID: c.ID}

			if c.Status == models.CodeFailed && c.Operation == models.OpCreate || c.Status == models.CodePending && !c.HasRef() {
				if err := m.abandon(ctx, c, "Code withdrawn after booking cancellation"); err != nil {
					return err
				}
				results[i].Action, results[i].Status = ActionAbandoned, models.CodeRevoked
				return nil
			}

			lock, err := m.locks.GetByID(ctx, c.LockID)
			if err != nil {
				return err
			}
			if lock == nil {
				return fmt.Errorf("lock %s: %w", c.LockID, apperr.ErrNotFound)
			}
			res, err := m.revoke(ctx, b, *lock, c, models.ActorSystem, "Code revoked after booking cancellation")
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

// revoke removes a code from its device. On failure the code moves to
// failed with operation revoke and the sweeper retries it.
func (m *Manager) revoke(ctx context.Context, b *models.Booking, lock models.Lock, code *models.AccessCode, actor, detail string) (LockResult, error) {
	result := LockResult{LockID: lock.ID, CodeID: code.ID}
	wctx := context.WithoutCancel(ctx)
	prev := code.Status
	log := m.logger.WithFields(logrus.Fields{"booking_id": code.BookingID, "lock_id": lock.ID, "code_id": code.ID})

	var err error
	if code.HasRef() {
		var p provider.Provider
		if p, err = m.providers.For(lock); err == nil {
			err = p.RevokeCode(ctx, lock, *code.ProviderRef)
		}
	}

	if err == nil {
		if err := m.codes.MarkRevoked(wctx, code.ID); err != nil {
			return result, err
		}
		code.Status = models.CodeRevoked
		m.codeChanged(*code, prev)
		m.activity.Record(wctx, activity.Entry{
			EventType: models.EventCodeRevoked,
			BookingID: code.BookingID,
			LockID:    lock.ID,
			CodeID:    code.ID,
			Actor:     actor,
			Detail:    detail,
		})
		log.Info("Access code revoked")
		result.Action, result.Status = ActionRevoked, models.CodeRevoked
		return result, nil
	}

	msg := err.Error()
	if err := m.codes.MarkFailed(wctx, code.ID, models.OpRevoke, msg); err != nil {
		return result, err
	}
	n, rerr := m.codes.RecordRevokeFailure(wctx, code.ID, msg)
	if rerr != nil {
		return result, rerr
	}
	code.Status, code.Operation, code.LastError, code.RevokeAttempts = models.CodeFailed, models.OpRevoke, &msg, n
	m.codeChanged(*code, prev)
	m.activity.Record(wctx, activity.Entry{
		EventType: models.EventError,
		BookingID: code.BookingID,
		LockID:    lock.ID,
		CodeID:    code.ID,
		Actor:     actor,
		Detail:    fmt.Sprintf("Could not revoke code on %s", lock.DisplayName(models.LangEN)),
		Metadata:  map[string]any{"error": msg, "revoke_attempts": n},
	})
	log.WithError(err).Error("Access code revoke failed")
	m.escalateIfExhausted(wctx, code, lock)

	result.Action, result.Status, result.Error = ActionFailed, models.CodeFailed, msg
	return result, nil
}

// abandon retires a code that never reached the device.
func (m *Manager) abandon(ctx context.Context, code *models.AccessCode, detail string) error {
	wctx := context.WithoutCancel(ctx)
	prev := code.Status
	if err := m.codes.MarkRevoked(wctx, code.ID); err != nil {
		return err
	}
	code.Status = models.CodeRevoked
	m.codeChanged(*code, prev)
	m.activity.Record(wctx, activity.Entry{
		EventType: models.EventCodeRevoked,
		BookingID: code.BookingID,
		LockID:    code.LockID,
		CodeID:    code.ID,
		Detail:    detail,
	})
	return nil
}

// ExpireCode revokes an active code whose window has ended. On failure the
// code stays active for the next sweep; after MaxRevokeAttempts operators
// are alerted once.
func (m *Manager) ExpireCode(ctx context.Context, codeID string) error {
	code, err := m.codes.GetByID(ctx, codeID)
	if err != nil {
		return err
	}
	if code == nil {
		return fmt.Errorf("code %s: %w", codeID, apperr.ErrNotFound)
	}

	ctx, unlock, err := m.lockBooking(ctx, code.BookingID)
	if err != nil {
		return err
	}
	defer unlock()

	if code, err = m.codes.GetByID(ctx, codeID); err != nil {
		return err
	}
	if code.Status != models.CodeActive {
		return nil
	}

	lock, err := m.locks.GetByID(ctx, code.LockID)
	if err != nil {
		return err
	}
	if lock == nil {
		return fmt.Errorf("lock %s: %w", code.LockID, apperr.ErrNotFound)
	}

	wctx := context.WithoutCancel(ctx)
	if code.HasRef() {
		p, err := m.providers.For(*lock)
		if err == nil {
			err = p.RevokeCode(ctx, *lock, *code.ProviderRef)
		}
		if err != nil {
			n, rerr := m.codes.RecordRevokeFailure(wctx, code.ID, err.Error())
			if rerr != nil {
				return rerr
			}
			code.RevokeAttempts = n
			m.logger.WithFields(logrus.Fields{"code_id": code.ID, "lock_id": lock.ID, "revoke_attempts": n}).
				WithError(err).Warn("Expiring code failed; will retry")
			m.escalateIfExhausted(wctx, code, *lock)
			return err
		}
	}

	if err := m.codes.MarkExpired(wctx, code.ID); err != nil {
		return err
	}
	code.Status = models.CodeExpired
	m.codeChanged(*code, models.CodeActive)
	m.activity.Record(wctx, activity.Entry{
		EventType: models.EventCodeExpired,
		BookingID: code.BookingID,
		LockID:    lock.ID,
		CodeID:    code.ID,
		Detail:    fmt.Sprintf("Access code expired on %s", lock.DisplayName(models.LangEN)),
	})
	return nil
}

func (m *Manager) escalateIfExhausted(ctx context.Context, code *models.AccessCode, lock models.Lock) {
	if code.RevokeAttempts < m.cfg.Sweeper.MaxRevokeAttempts || code.EscalatedAt != nil {
		return
	}
	m.Escalate(ctx, code, fmt.Sprintf("Code on %s could not be removed after %d attempts", lock.DisplayName(models.LangEN), code.RevokeAttempts))
}

// Escalate alerts operators about a code once.
func (m *Manager) Escalate(ctx context.Context, code *models.AccessCode, detail string) {
	if err := m.codes.MarkEscalated(ctx, code.ID); err != nil {
		m.logger.WithError(err).WithField("code_id", code.ID).Error("Marking code escalated failed")
		return
	}
	now := m.now()
	code.EscalatedAt = &now
	m.activity.Record(ctx, activity.Entry{
		EventType: models.EventError,
		BookingID: code.BookingID,
		LockID:    code.LockID,
		CodeID:    code.ID,
		Detail:    detail,
		Metadata:  map[string]any{"escalated": true, "status": code.Status, "operation": code.Operation},
	})
	m.logger.WithFields(logrus.Fields{"code_id": code.ID, "lock_id": code.LockID}).Error(detail)
}

// RetryCode gives a failed code one more attempt. A failed create whose
// booking no longer wants it is abandoned instead.
func (m *Manager) RetryCode(ctx context.Context, codeID string) (*models.AccessCode, error) {
	code, err := m.codes.GetByID(ctx, codeID)
	if err != nil {
		return nil, err
	}
	if code == nil {
		return nil, fmt.Errorf("code %s: %w", codeID, apperr.ErrNotFound)
	}

	ctx, unlock, err := m.lockBooking(ctx, code.BookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if code, err = m.codes.GetByID(ctx, codeID); err != nil {
		return nil, err
	}
	if code.Status != models.CodeFailed {
		return nil, apperr.NewConflict("Code is %s, only failed codes can be retried", code.Status)
	}

	b, err := m.bookings.GetByID(ctx, code.BookingID)
	if err != nil {
		return nil, err
	}
	lock, err := m.locks.GetByID(ctx, code.LockID)
	if err != nil {
		return nil, err
	}
	if b == nil || lock == nil {
		return nil, fmt.Errorf("code %s references missing booking or lock: %w", code.ID, apperr.ErrNotFound)
	}

	if code.Operation == models.OpRevoke {
		if _, err := m.revoke(ctx, b, *lock, code, models.ActorSystem, "Code revoked on retry"); err != nil {
			return nil, err
		}
		return m.codes.GetByID(ctx, code.ID)
	}

	w := m.WindowFor(b)
	switch {
	case !b.CredentialEligible() || !lock.Active || !m.now().Before(w.Until):
		if err := m.abandon(ctx, code, "Failed code abandoned; booking no longer needs it"); err != nil {
			return nil, err
		}
	case !code.SameWindow(w.From, w.Until):
		if err := m.abandon(ctx, code, "Failed code abandoned after booking dates changed"); err != nil {
			return nil, err
		}
		res, err := m.convergeLock(ctx, b, *lock, w, nil, 1)
		if err != nil {
			return nil, err
		}
		if res.CodeID != "" {
			return m.codes.GetByID(ctx, res.CodeID)
		}
	default:
		if _, err := m.materialize(ctx, b, *lock, code, w, 1); err != nil {
			return nil, err
		}
	}
	return m.codes.GetByID(ctx, code.ID)
}

// RevokeCode is the manual revoke used by administrators.
func (m *Manager) RevokeCode(ctx context.Context, codeID, actor string) (*models.AccessCode, error) {
	code, err := m.codes.GetByID(ctx, codeID)
	if err != nil {
		return nil, err
	}
	if code == nil {
		return nil, fmt.Errorf("code %s: %w", codeID, apperr.ErrNotFound)
	}

	ctx, unlock, err := m.lockBooking(ctx, code.BookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if code, err = m.codes.GetByID(ctx, codeID); err != nil {
		return nil, err
	}
	switch code.Status {
	case models.CodeRevoked:
		return nil, apperr.NewConflict("Code already revoked")
	case models.CodeExpired:
		return nil, apperr.NewConflict("Code already expired")
	}

	b, err := m.bookings.GetByID(ctx, code.BookingID)
	if err != nil {
		return nil, err
	}
	lock, err := m.locks.GetByID(ctx, code.LockID)
	if err != nil {
		return nil, err
	}
	if b == nil || lock == nil {
		return nil, fmt.Errorf("code %s references missing booking or lock: %w", code.ID, apperr.ErrNotFound)
	}

	if code.Status == models.CodePending && !code.HasRef() || code.Status == models.CodeFailed && code.Operation == models.OpCreate {
		if err := m.abandon(ctx, code, "Code revoked by "+actor); err != nil {
			return nil, err
		}
		return m.codes.GetByID(ctx, code.ID)
	}

	res, err := m.revoke(ctx, b, *lock, code, actor, "Code revoked by "+actor)
	if err != nil {
		return nil, err
	}
	if res.Action == ActionFailed {
		return nil, &apperr.ProviderError{Provider: string(lock.Provider), Op: "revoke_code", Err: errors.New(res.Error)}
	}
	return m.codes.GetByID(ctx, code.ID)
}

// Credentials returns the current code per lock for a booking.
func (m *Manager) Credentials(ctx context.Context, bookingID, lang string) ([]models.CredentialView, error) {
	b, err := m.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("booking %s: %w", bookingID, apperr.ErrNotFound)
	}

	views, err := m.codes.CredentialViews(ctx, bookingID, lang)
	if err != nil {
		return nil, err
	}

	// Views are ordered newest first within each lock.
	seen := make(map[string]bool)
	current := make([]models.CredentialView, 0, len(views))
	for _, v := range views {
		if seen[v.LockID] {
			continue
		}
		seen[v.LockID] = true
		current = append(current, v)
	}
	return current, nil
}

func (m *Manager) codeChanged(code models.AccessCode, prev string) {
	if code.Status != prev {
		m.activity.Broadcaster().BroadcastCodeStatusChanged(code, prev)
	}
}

func (m *Manager) attempts() int {
	return 1 + len(m.cfg.Lifecycle.RetryBackoff)
}

func (m *Manager) concurrency() int {
	if m.cfg.Lifecycle.MaxConcurrency > 0 {
		return m.cfg.Lifecycle.MaxConcurrency
	}
	return 4
}
