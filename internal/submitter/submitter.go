// Package submitter drives rescue transactions from pending to resolved.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"position-rescue-alerts/internal/alerting"
	"position-rescue-alerts/internal/ledger"
	"position-rescue-alerts/internal/storage"
)

// ErrClosed indicates the submitter is shutting down and accepts no new work.
var ErrClosed = errors.New("submitter: closed")

// Alerter receives alerts raised from inside submission tasks.
type Alerter interface {
	Dispatch(alert alerting.Alert)
}

// Options bound submission retries and confirmation polling.
type Options struct {
	MaxSubmitAttempts  int
	MaxConfirmAttempts int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
}

// Submitter builds, submits, and confirms rescue transactions. Each
// invocation runs as an independent task so a slow confirmation wait for
// one position never delays evaluation of others. Progress is reported
// to the state store, never back to the caller.
type Submitter struct {
	client ledger.Client
	store  storage.ActionStore
	alerts Alerter
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Submitter.
func New(client ledger.Client, store storage.ActionStore, alerts Alerter, opts Options, logger zerolog.Logger) *Submitter {
	if opts.MaxSubmitAttempts <= 0 {
		opts.MaxSubmitAttempts = 3
	}
	if opts.MaxConfirmAttempts <= 0 {
		opts.MaxConfirmAttempts = 10
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffCap < opts.BackoffBase {
		opts.BackoffCap = opts.BackoffBase
	}

	return &Submitter{
		client: client,
		store:  store,
		alerts: alerts,
		opts:   opts,
		logger: logger.With().Str("component", "submitter").Logger(),
		quit:   make(chan struct{}),
	}
}

// Submit starts the asynchronous submission task for a pending action.
func (s *Submitter) Submit(action storage.RescueAction, position ledger.PositionID) error {
	if err := s.track(); err != nil {
		return err
	}
	go func() {
		defer s.wg.Done()
		if txRef, ok := s.submitPhase(action, position); ok {
			s.confirmPhase(action, txRef)
		}
	}()
	return nil
}

// Resume continues confirmation polling for an action found SUBMITTED at
// startup. The transaction may have landed while the process was down, so
// its outcome is queried, never assumed.
func (s *Submitter) Resume(action storage.RescueAction) error {
	if action.TxRef == nil {
		return fmt.Errorf("submitter: action %s has no tx ref to resume", action.ID)
	}
	if err := s.track(); err != nil {
		return err
	}
	txRef := *action.TxRef
	go func() {
		defer s.wg.Done()
		s.confirmPhase(action, txRef)
	}()
	return nil
}

// Close stops accepting work and waits for in-flight tasks. Tasks finish
// their current ledger call and stop; an unresolved action stays
// SUBMITTED for the next startup reconciliation.
func (s *Submitter) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Submitter) track() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.wg.Add(1)
	return nil
}

// submitPhase pushes the transaction onto the chain. It returns the tx
// reference and true once the ledger accepted it.
func (s *Submitter) submitPhase(action storage.RescueAction, position ledger.PositionID) (string, bool) {
	ctx := context.Background()
	log := s.logger.With().Str("action", action.ID).Logger()
	delay := s.opts.BackoffBase

	for attempt := 1; attempt <= s.opts.MaxSubmitAttempts; attempt++ {
		if err := s.store.RecordAttempt(ctx, action.ID); err != nil {
			log.Error().Err(err).Msg("failed to record attempt")
		}

		txRef, err := s.client.SubmitRescue(ctx, position)
		if err == nil {
			s.updateStatus(action, storage.StatusSubmitted, &txRef, nil)
			log.Info().Str("tx", txRef).Int("attempt", attempt).Msg("rescue submitted")
			return txRef, true
		}

		if ledger.IsRejection(err) {
			// The chain said no for a logical reason; retrying the same
			// rescue cannot succeed.
			reason := err.Error()
			s.updateStatus(action, storage.StatusFailed, nil, &reason)
			log.Warn().Err(err).Msg("rescue rejected by ledger")
			return "", false
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("rescue submission failed, will retry")
		if attempt == s.opts.MaxSubmitAttempts {
			reason := fmt.Sprintf("submission retries exhausted: %v", err)
			s.updateStatus(action, storage.StatusFailed, nil, &reason)
			return "", false
		}
		if !s.sleep(delay) {
			log.Info().Msg("shutdown during submission backoff, leaving action pending")
			return "", false
		}
		delay = s.nextDelay(delay)
	}
	return "", false
}

// confirmPhase polls the ledger until the transaction resolves or the
// poll bound is exhausted.
func (s *Submitter) confirmPhase(action storage.RescueAction, txRef string) {
	ctx := context.Background()
	log := s.logger.With().Str("action", action.ID).Str("tx", txRef).Logger()
	delay := s.opts.BackoffBase

	for attempt := 1; attempt <= s.opts.MaxConfirmAttempts; attempt++ {
		status, err := s.client.TransactionStatus(ctx, txRef)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("confirmation poll failed")
		} else {
			switch status.State {
			case ledger.TxConfirmed:
				s.updateStatus(action, storage.StatusConfirmed, &txRef, nil)
				log.Info().Msg("rescue confirmed")
				return
			case ledger.TxRejected:
				reason := status.Reason
				s.updateStatus(action, storage.StatusFailed, &txRef, &reason)
				log.Warn().Str("reason", status.Reason).Msg("rescue rejected on chain")
				return
			case ledger.TxPending:
				log.Debug().Int("attempt", attempt).Msg("transaction still pending")
			}
		}

		if attempt == s.opts.MaxConfirmAttempts {
			break
		}
		if !s.sleep(delay) {
			log.Info().Msg("shutdown during confirmation wait, reconciliation will resolve")
			return
		}
		delay = s.nextDelay(delay)
	}

	reason := "confirmation timeout"
	s.updateStatus(action, storage.StatusFailed, &txRef, &reason)
	log.Warn().Msg("confirmation attempts exhausted")
}

// updateStatus reports progress to the state store. An invalid transition
// here means the store was misused; it aborts this action's processing
// and surfaces at high severity.
func (s *Submitter) updateStatus(action storage.RescueAction, status storage.ActionStatus, txRef, reason *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.store.UpdateActionStatus(ctx, action.ID, status, txRef, reason)
	if err == nil {
		return
	}

	s.logger.Error().Err(err).Str("action", action.ID).Str("status", string(status)).
		Msg("failed to update action status")
	if errors.Is(err, storage.ErrInvalidTransition) && s.alerts != nil {
		alert := alerting.NewAlert(
			alerting.SeverityCritical,
			action.PositionID,
			"",
			fmt.Sprintf("invalid status transition for action %s to %s", action.ID, status),
		).WithAction(action.ID)
		s.alerts.Dispatch(alert)
	}
}

func (s *Submitter) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.quit:
		return false
	case <-timer.C:
		return true
	}
}

func (s *Submitter) nextDelay(current time.Duration) time.Duration {
	next := current * 2
	if next > s.opts.BackoffCap {
		next = s.opts.BackoffCap
	}
	return next
}
