package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"position-rescue-alerts/internal/alerting"
	"position-rescue-alerts/internal/config"
	"position-rescue-alerts/internal/fetcher"
	"position-rescue-alerts/internal/ledger"
	"position-rescue-alerts/internal/metrics"
	"position-rescue-alerts/internal/risk"
	"position-rescue-alerts/internal/scheduler"
	"position-rescue-alerts/internal/storage"
	"position-rescue-alerts/internal/submitter"
)

// RescueSubmitter is the submission surface the orchestrator drives.
type RescueSubmitter interface {
	Submit(action storage.RescueAction, position ledger.PositionID) error
	Resume(action storage.RescueAction) error
}

// AlertSink receives alerts raised by the control loop.
type AlertSink interface {
	Dispatch(alert alerting.Alert)
}

// Stores groups the state-store facets the orchestrator needs.
type Stores struct {
	Actions  storage.ActionStore
	Verdicts storage.VerdictStore
	Samples  storage.SampleStore
	Locker   storage.AdvisoryLocker
}

// Service is the rescue orchestrator: it pulls snapshots on a cadence,
// evaluates risk, consults the state store, triggers rescue submission
// when required, and raises alerts. Races between cycles are resolved by
// the store's single-writer guard, never by the loop itself.
type Service struct {
	scheduler *scheduler.Scheduler
	fetcher   fetcher.SnapshotFetcher
	evaluator risk.Evaluator
	stores    Stores
	sub       RescueSubmitter
	alerts    AlertSink
	adaptive  *risk.Adaptive
	logger    zerolog.Logger

	positions []ledger.PositionID
	cooldown  time.Duration
	lockKey   int64
}

// New constructs the orchestrator.
func New(cfg *config.Config, sched *scheduler.Scheduler, fetch fetcher.SnapshotFetcher, evaluator risk.Evaluator, stores Stores, sub RescueSubmitter, alerts AlertSink, logger zerolog.Logger) (*Service, error) {
	positions, err := cfg.TrackedPositions()
	if err != nil {
		return nil, err
	}

	var adaptive *risk.Adaptive
	if a, ok := evaluator.(*risk.Adaptive); ok {
		adaptive = a
	}

	return &Service{
		scheduler: sched,
		fetcher:   fetch,
		evaluator: evaluator,
		stores:    stores,
		sub:       sub,
		alerts:    alerts,
		adaptive:  adaptive,
		logger:    logger.With().Str("component", "service").Logger(),
		positions: positions,
		cooldown:  cfg.Rescue.FailedCooldown,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
	}, nil
}

// Run reconciles leftover actions and then begins the polling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if err := s.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	return s.scheduler.Run(ctx, s.ProcessCycle)
}

// Reconcile resolves actions left in flight by a previous process. A
// SUBMITTED action may have landed while we were down, so its outcome is
// queried from the ledger, never assumed failed. A PENDING action never
// reached the chain and is failed outright.
func (s *Service) Reconcile(ctx context.Context) error {
	if s.stores.Actions == nil {
		return nil
	}

	actions, err := s.stores.Actions.ListUnresolvedActions(ctx)
	if err != nil {
		return err
	}

	for _, action := range actions {
		log := s.logger.With().Str("action", action.ID).Logger()
		switch action.Status {
		case storage.StatusSubmitted:
			if action.TxRef == nil {
				reason := "submitted without transaction reference"
				s.failAction(ctx, action, reason)
				continue
			}
			if err := s.sub.Resume(action); err != nil {
				log.Error().Err(err).Msg("failed to resume confirmation polling")
				continue
			}
			log.Info().Str("tx", *action.TxRef).Msg("resuming confirmation polling for submitted action")
		case storage.StatusPending:
			s.failAction(ctx, action, "interrupted before submission")
			log.Warn().Msg("pending action left by previous run marked failed")
		}
	}
	return nil
}

func (s *Service) failAction(ctx context.Context, action storage.RescueAction, reason string) {
	err := s.stores.Actions.UpdateActionStatus(ctx, action.ID, storage.StatusFailed, nil, &reason)
	if err == nil {
		return
	}
	s.logger.Error().Err(err).Str("action", action.ID).Msg("failed to mark action failed")
	if errors.Is(err, storage.ErrInvalidTransition) && s.alerts != nil {
		alert := alerting.NewAlert(
			alerting.SeverityCritical,
			action.PositionID,
			"",
			fmt.Sprintf("invalid status transition while failing action %s", action.ID),
		).WithAction(action.ID)
		s.alerts.Dispatch(alert)
	}
}

// ProcessCycle runs one evaluation pass over all tracked positions.
func (s *Service) ProcessCycle(ctx context.Context, cycle time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("cycle", cycle).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	metrics.CyclesTotal.Inc()

	results := s.fetcher.Fetch(ctx, s.positions)
	for _, id := range s.positions {
		res, ok := results[id]
		if !ok {
			continue
		}
		if res.Err != nil {
			metrics.FetchErrorsTotal.Inc()
			s.logger.Warn().Err(res.Err).Str("position", id.String()).
				Msg("snapshot unavailable, retrying next cycle")
			s.recordErroredSample(ctx, id, cycle, res.Err)
			continue
		}
		if err := s.processPosition(ctx, cycle, res.Position); err != nil {
			// Errors are isolated per position; the loop never dies for one.
			s.logger.Error().Err(err).Str("position", id.String()).Msg("position processing failed")
		}
	}

	s.emitResolutionAlerts(ctx)
	return nil
}

func (s *Service) processPosition(ctx context.Context, cycle time.Time, pos ledger.Position) error {
	positionID := pos.ID.String()

	last, err := s.stores.Verdicts.LastVerdict(ctx, positionID)
	if err != nil {
		return err
	}
	if last != nil && pos.UpdatedAt.Before(last.SnapshotTS) {
		s.logger.Debug().Str("position", positionID).
			Time("snapshot", pos.UpdatedAt).Time("recorded", last.SnapshotTS).
			Msg("discarding stale snapshot")
		return nil
	}

	verdict := s.evaluator.Evaluate(pos)
	level := verdict.Level.String()

	s.recordSample(ctx, cycle, pos, verdict)

	if err := s.stores.Verdicts.RecordVerdict(ctx, storage.VerdictRecord{
		PositionID: positionID,
		Level:      level,
		Margin:     verdict.Margin,
		SnapshotTS: pos.UpdatedAt,
	}); err != nil {
		return err
	}

	changed := verdictChanged(last, verdict.Level)
	if changed {
		metrics.VerdictChangesTotal.WithLabelValues(level).Inc()
	}

	var created *storage.RescueAction
	if verdict.Level == risk.RescueRequired {
		created, err = s.maybeTrigger(ctx, verdict)
		if err != nil {
			return err
		}
	}

	if changed || created != nil {
		alert := alerting.NewAlert(severityFor(verdict.Level), positionID, level, verdictMessage(verdict, created)).
			WithMargin(verdict.Margin)
		if created != nil {
			alert = alert.WithAction(created.ID)
		}
		s.dispatch(alert)
	}

	return nil
}

// verdictChanged reports whether an alert-worthy transition happened. The
// very first observation of a safe position is not a transition.
func verdictChanged(last *storage.VerdictRecord, level risk.Level) bool {
	if last == nil {
		return level != risk.Safe
	}
	return last.Level != level.String()
}

// maybeTrigger creates a rescue action unless one already owns the
// position. The DuplicateActiveAction race is resolved by the store's
// single-writer guard, not by this loop.
func (s *Service) maybeTrigger(ctx context.Context, verdict risk.Verdict) (*storage.RescueAction, error) {
	id := verdict.Snapshot.ID
	positionID := id.String()

	active, err := s.stores.Actions.GetActiveAction(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, nil
	}

	lastResolved, err := s.stores.Actions.LastResolvedAction(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if lastResolved != nil && lastResolved.Status == storage.StatusFailed &&
		time.Since(lastResolved.UpdatedAt) < s.cooldown {
		s.logger.Debug().Str("position", positionID).Msg("rescue cooldown active after failed action")
		return nil, nil
	}

	epoch := verdict.Snapshot.UpdatedAt.Unix()
	action, err := s.stores.Actions.CreateAction(ctx, id, epoch, verdict.Margin)
	if errors.Is(err, storage.ErrDuplicateActiveAction) {
		// Another cycle or a still-in-flight action already owns it.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.RescuesTriggeredTotal.Inc()
	s.logger.Info().Str("position", positionID).Str("action", action.ID).
		Str("margin", verdict.Margin.String()).Msg("rescue action created")

	if err := s.sub.Submit(action, id); err != nil {
		if errors.Is(err, submitter.ErrClosed) {
			s.logger.Warn().Str("action", action.ID).Msg("submitter closed, action awaits reconciliation")
			return &action, nil
		}
		return &action, err
	}
	return &action, nil
}

// emitResolutionAlerts raises exactly one alert per resolved action, even
// across a restart.
func (s *Service) emitResolutionAlerts(ctx context.Context) {
	resolved, err := s.stores.Actions.ListResolvedUnalerted(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list resolved actions")
		return
	}

	for _, action := range resolved {
		metrics.ActionsResolvedTotal.WithLabelValues(string(action.Status)).Inc()

		severity := alerting.SeverityInfo
		message := "rescue confirmed"
		if action.Status == storage.StatusFailed {
			severity = alerting.SeverityCritical
			message = "rescue failed"
			if action.FailReason != nil {
				message = "rescue failed: " + *action.FailReason
			}
		}
		if action.TxRef != nil {
			message += " (tx " + *action.TxRef + ")"
		}

		alert := alerting.NewAlert(severity, action.PositionID, "", message).
			WithAction(action.ID).
			WithMargin(action.TriggerMargin)
		s.dispatch(alert)

		if err := s.stores.Actions.MarkResolutionAlerted(ctx, action.ID); err != nil {
			s.logger.Error().Err(err).Str("action", action.ID).Msg("failed to mark resolution alerted")
			continue
		}

		if s.adaptive != nil {
			s.adaptive.RecordOutcome(action.TriggerMargin, action.Status == storage.StatusConfirmed)
		}
	}
}

func (s *Service) dispatch(alert alerting.Alert) {
	if s.alerts == nil {
		return
	}
	metrics.AlertsDispatchedTotal.Inc()
	s.alerts.Dispatch(alert)
}

func (s *Service) recordSample(ctx context.Context, cycle time.Time, pos ledger.Position, verdict risk.Verdict) {
	if s.stores.Samples == nil {
		return
	}
	sample := storage.PositionSample{
		PositionID: pos.ID.String(),
		CycleTS:    cycle,
		Collateral: pos.Collateral,
		Debt:       pos.Debt,
		Margin:     verdict.Margin,
		Level:      verdict.Level.String(),
		Status:     "complete",
	}
	if err := s.stores.Samples.UpsertPositionSample(ctx, sample); err != nil {
		s.logger.Error().Err(err).Str("position", sample.PositionID).Msg("failed to upsert sample")
	}
}

func (s *Service) recordErroredSample(ctx context.Context, id ledger.PositionID, cycle time.Time, fetchErr error) {
	if s.stores.Samples == nil {
		return
	}
	msg := fetchErr.Error()
	sample := storage.PositionSample{
		PositionID: id.String(),
		CycleTS:    cycle,
		Status:     "errored",
		Error:      &msg,
	}
	if err := s.stores.Samples.UpsertPositionSample(ctx, sample); err != nil {
		s.logger.Error().Err(err).Str("position", sample.PositionID).Msg("failed to record errored sample")
	}
}

func severityFor(level risk.Level) alerting.Severity {
	switch level {
	case risk.RescueRequired:
		return alerting.SeverityCritical
	case risk.Warning:
		return alerting.SeverityWarning
	default:
		return alerting.SeverityInfo
	}
}

func verdictMessage(verdict risk.Verdict, created *storage.RescueAction) string {
	if created != nil {
		return fmt.Sprintf("rescue triggered at margin %s", verdict.Margin.StringFixed(4))
	}
	return fmt.Sprintf("risk level now %s (margin %s)", verdict.Level, verdict.Margin.StringFixed(4))
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.stores.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.stores.Locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
