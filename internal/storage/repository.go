package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"position-rescue-alerts/internal/ledger"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrDuplicateActiveAction indicates a rescue action is already
	// pending or submitted for the position. This is the exactly-once
	// guard; callers absorb it as an expected race.
	ErrDuplicateActiveAction = errors.New("storage: active rescue action already exists")
	// ErrInvalidTransition indicates a backward or otherwise illegal
	// status transition was requested. This is a logic error, not a race.
	ErrInvalidTransition = errors.New("storage: invalid action status transition")
	// ErrActionNotFound indicates the referenced action does not exist.
	ErrActionNotFound = errors.New("storage: rescue action not found")
)

const (
	insertActionSQL = `INSERT INTO rescue_actions (
        id,
        position_id,
        trigger_epoch,
        status,
        trigger_margin
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id, position_id, trigger_epoch, status, tx_ref, attempts,
              fail_reason, trigger_margin, resolution_alerted, created_at, updated_at;`

	actionColumns = `id, position_id, trigger_epoch, status, tx_ref, attempts,
        fail_reason, trigger_margin, resolution_alerted, created_at, updated_at`

	updateActionStatusSQL = `UPDATE rescue_actions
    SET status = $2,
        tx_ref = COALESCE($3, tx_ref),
        fail_reason = COALESCE($4, fail_reason),
        updated_at = now()
    WHERE id = $1
      AND status = ANY($5);`

	recordAttemptSQL = `UPDATE rescue_actions
    SET attempts = attempts + 1, updated_at = now()
    WHERE id = $1;`

	markResolutionAlertedSQL = `UPDATE rescue_actions
    SET resolution_alerted = TRUE, updated_at = now()
    WHERE id = $1;`

	recordVerdictSQL = `INSERT INTO position_verdicts (
        position_id, level, margin, snapshot_ts, updated_at
    ) VALUES (
        $1,$2,$3,$4, now()
    )
    ON CONFLICT (position_id) DO UPDATE
    SET level = EXCLUDED.level,
        margin = EXCLUDED.margin,
        snapshot_ts = EXCLUDED.snapshot_ts,
        updated_at = now()
    WHERE position_verdicts.snapshot_ts <= EXCLUDED.snapshot_ts;`

	lastVerdictSQL = `SELECT position_id, level, margin, snapshot_ts, updated_at
    FROM position_verdicts WHERE position_id = $1;`

	upsertSampleSQL = `INSERT INTO position_samples (
        position_id, cycle_ts, collateral, debt, margin, level, status, error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (position_id, cycle_ts) DO UPDATE
    SET collateral = EXCLUDED.collateral,
        debt       = EXCLUDED.debt,
        margin     = EXCLUDED.margin,
        level      = EXCLUDED.level,
        status     = EXCLUDED.status,
        error      = EXCLUDED.error;`

	sampleColumns = `position_id, cycle_ts, collateral, debt, margin, level, status, error, created_at`

	insertAlertSQL = `INSERT INTO alerts (
        id, position_id, severity, level, action_id, message
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    );`

	listRecentAlertsSQL = `SELECT id, position_id, severity, level, action_id, message, created_at
    FROM alerts ORDER BY created_at DESC LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`

	uniqueViolationCode = "23505"
	// activeActionIdx is the partial unique index backing the
	// one-active-action-per-position guard.
	activeActionIdx = "rescue_actions_active_idx"
	// maxActionSeq bounds the id sequence for repeated retries of one
	// trigger condition.
	maxActionSeq = 64
)

// ActionStore defines operations on rescue action records. The store is
// the single source of truth and the only component that mutates them.
type ActionStore interface {
	GetActiveAction(ctx context.Context, positionID string) (*RescueAction, error)
	CreateAction(ctx context.Context, position ledger.PositionID, triggerEpoch int64, triggerMargin decimal.Decimal) (RescueAction, error)
	UpdateActionStatus(ctx context.Context, actionID string, status ActionStatus, txRef, failReason *string) error
	RecordAttempt(ctx context.Context, actionID string) error
	LastResolvedAction(ctx context.Context, positionID string) (*RescueAction, error)
	ListUnresolvedActions(ctx context.Context) ([]RescueAction, error)
	ListResolvedUnalerted(ctx context.Context) ([]RescueAction, error)
	MarkResolutionAlerted(ctx context.Context, actionID string) error
	ListRecentActions(ctx context.Context, limit int) ([]RescueAction, error)
}

// VerdictStore tracks the last-observed verdict per position.
type VerdictStore interface {
	LastVerdict(ctx context.Context, positionID string) (*VerdictRecord, error)
	RecordVerdict(ctx context.Context, rec VerdictRecord) error
}

// SampleStore persists per-cycle observation rows.
type SampleStore interface {
	UpsertPositionSample(ctx context.Context, sample PositionSample) error
	ListSamplesBetween(ctx context.Context, positionID string, from, to time.Time) ([]PositionSample, error)
	ListRecentSamples(ctx context.Context, limit int) ([]PositionSample, error)
}

// AlertAuditStore defines operations for alert auditing.
type AlertAuditStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) error
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to actions, verdicts, samples, and alerts.
type Store struct {
	pool *pgxpool.Pool

	lockMux sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, locks: make(map[string]*sync.Mutex)}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// positionLock serialises createAction/updateStatus calls per position.
func (s *Store) positionLock(positionID string) *sync.Mutex {
	s.lockMux.Lock()
	defer s.lockMux.Unlock()
	mu, ok := s.locks[positionID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[positionID] = mu
	}
	return mu
}

func positionOfAction(actionID string) string {
	idx := strings.LastIndex(actionID, "@")
	if idx < 0 {
		return actionID
	}
	return actionID[:idx]
}

// GetActiveAction returns the position's pending or submitted action, or
// nil when none is active.
func (s *Store) GetActiveAction(ctx context.Context, positionID string) (*RescueAction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM rescue_actions
        WHERE position_id = $1 AND status IN ('pending','submitted');`, positionID)
	action, scanErr := scanActionRow(row)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("get active action: %w", scanErr)
	}
	return &action, nil
}

// CreateAction registers a new pending rescue action. It fails with
// ErrDuplicateActiveAction while another action is pending or submitted
// for the same position; the partial unique index is the backstop for
// concurrent writers outside this process. A primary key collision with
// a resolved action means the same trigger condition is being retried
// after a failure that changed nothing on chain, so the id moves to the
// next sequence suffix instead of being rejected.
func (s *Store) CreateAction(ctx context.Context, position ledger.PositionID, triggerEpoch int64, triggerMargin decimal.Decimal) (RescueAction, error) {
	pool, err := s.getPool()
	if err != nil {
		return RescueAction{}, err
	}

	mu := s.positionLock(position.String())
	mu.Lock()
	defer mu.Unlock()

	for seq := 0; seq < maxActionSeq; seq++ {
		row := pool.QueryRow(ctx, insertActionSQL,
			RetryActionID(position, triggerEpoch, seq),
			position.String(),
			triggerEpoch,
			string(StatusPending),
			triggerMargin.String(),
		)
		action, scanErr := scanActionRow(row)
		if scanErr == nil {
			return action, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(scanErr, &pgErr) && pgErr.Code == uniqueViolationCode {
			if pgErr.ConstraintName == activeActionIdx {
				return RescueAction{}, ErrDuplicateActiveAction
			}
			continue
		}
		return RescueAction{}, fmt.Errorf("create action: %w", scanErr)
	}
	return RescueAction{}, fmt.Errorf("create action: id sequence exhausted for %s", ActionID(position, triggerEpoch))
}

// UpdateActionStatus advances an action's lifecycle. Transitions are
// forward-only; anything else fails with ErrInvalidTransition.
func (s *Store) UpdateActionStatus(ctx context.Context, actionID string, status ActionStatus, txRef, failReason *string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	priors := allowedPriors(status)
	if len(priors) == 0 {
		return ErrInvalidTransition
	}

	mu := s.positionLock(positionOfAction(actionID))
	mu.Lock()
	defer mu.Unlock()

	cmdTag, execErr := pool.Exec(ctx, updateActionStatusSQL, actionID, string(status), txRef, failReason, priors)
	if execErr != nil {
		return fmt.Errorf("update action status: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM rescue_actions WHERE id = $1);`, actionID).Scan(&exists); err != nil {
			return fmt.Errorf("update action status: %w", err)
		}
		if !exists {
			return ErrActionNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

func allowedPriors(next ActionStatus) []string {
	var priors []string
	for _, from := range []ActionStatus{StatusPending, StatusSubmitted} {
		if from.CanTransition(next) {
			priors = append(priors, string(from))
		}
	}
	return priors
}

// RecordAttempt bumps the submission attempt counter.
func (s *Store) RecordAttempt(ctx context.Context, actionID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, recordAttemptSQL, actionID); execErr != nil {
		return fmt.Errorf("record attempt: %w", execErr)
	}
	return nil
}

// LastResolvedAction returns the most recently resolved action for the
// position, or nil. Used for the failed-rescue cooldown.
func (s *Store) LastResolvedAction(ctx context.Context, positionID string) (*RescueAction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM rescue_actions
        WHERE position_id = $1 AND status IN ('confirmed','failed')
        ORDER BY updated_at DESC LIMIT 1;`, positionID)
	action, scanErr := scanActionRow(row)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("last resolved action: %w", scanErr)
	}
	return &action, nil
}

// ListUnresolvedActions returns all pending or submitted actions; the
// startup reconciliation pass resolves them before the loop resumes.
func (s *Store) ListUnresolvedActions(ctx context.Context) ([]RescueAction, error) {
	return s.listActions(ctx, `SELECT `+actionColumns+` FROM rescue_actions
        WHERE status IN ('pending','submitted') ORDER BY created_at;`)
}

// ListResolvedUnalerted returns resolved actions whose resolution alert
// has not yet been emitted.
func (s *Store) ListResolvedUnalerted(ctx context.Context) ([]RescueAction, error) {
	return s.listActions(ctx, `SELECT `+actionColumns+` FROM rescue_actions
        WHERE status IN ('confirmed','failed') AND NOT resolution_alerted
        ORDER BY updated_at;`)
}

// MarkResolutionAlerted records that the resolution alert went out.
func (s *Store) MarkResolutionAlerted(ctx context.Context, actionID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markResolutionAlertedSQL, actionID); execErr != nil {
		return fmt.Errorf("mark resolution alerted: %w", execErr)
	}
	return nil
}

// ListRecentActions lists most recent actions for display.
func (s *Store) ListRecentActions(ctx context.Context, limit int) ([]RescueAction, error) {
	return s.listActions(ctx, `SELECT `+actionColumns+` FROM rescue_actions
        ORDER BY created_at DESC LIMIT `+fmt.Sprintf("%d", limit)+`;`)
}

func (s *Store) listActions(ctx context.Context, query string) ([]RescueAction, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query)
	if queryErr != nil {
		return nil, fmt.Errorf("list actions: %w", queryErr)
	}
	defer rows.Close()

	actions := make([]RescueAction, 0)
	for rows.Next() {
		action, scanErr := scanActionRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		actions = append(actions, action)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return actions, nil
}

// LastVerdict returns the last recorded verdict, or nil when none exists.
func (s *Store) LastVerdict(ctx context.Context, positionID string) (*VerdictRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var rec VerdictRecord
	var marginStr string
	scanErr := pool.QueryRow(ctx, lastVerdictSQL, positionID).Scan(
		&rec.PositionID, &rec.Level, &marginStr, &rec.SnapshotTS, &rec.UpdatedAt,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("last verdict: %w", scanErr)
	}

	margin, convErr := decimal.NewFromString(marginStr)
	if convErr != nil {
		return nil, fmt.Errorf("parse verdict margin: %w", convErr)
	}
	rec.Margin = margin
	return &rec, nil
}

// RecordVerdict upserts the last-observed verdict. A record carrying a
// snapshot older than the stored one is silently discarded.
func (s *Store) RecordVerdict(ctx context.Context, rec VerdictRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, recordVerdictSQL,
		rec.PositionID, rec.Level, rec.Margin.String(), rec.SnapshotTS,
	); execErr != nil {
		return fmt.Errorf("record verdict: %w", execErr)
	}
	return nil
}

// UpsertPositionSample persists or updates a per-cycle observation.
func (s *Store) UpsertPositionSample(ctx context.Context, sample PositionSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if sample.Error != nil {
		errMsg = *sample.Error
	}

	if _, execErr := pool.Exec(ctx, upsertSampleSQL,
		sample.PositionID,
		sample.CycleTS,
		sample.Collateral.String(),
		sample.Debt.String(),
		sample.Margin.String(),
		sample.Level,
		sample.Status,
		errMsg,
	); execErr != nil {
		return fmt.Errorf("upsert position sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists one position's samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, positionID string, from, to time.Time) ([]PositionSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, `SELECT `+sampleColumns+` FROM position_samples
        WHERE position_id = $1 AND cycle_ts >= $2 AND cycle_ts < $3
        ORDER BY cycle_ts;`, positionID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows)
}

// ListRecentSamples lists the most recent samples across positions.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]PositionSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, `SELECT `+sampleColumns+` FROM position_samples
        ORDER BY cycle_ts DESC LIMIT $1;`, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows)
}

// InsertAlert persists an alert emission for auditing.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var actionID interface{}
	if alert.ActionID != nil {
		actionID = *alert.ActionID
	}

	if _, execErr := pool.Exec(ctx, insertAlertSQL,
		alert.ID, alert.PositionID, alert.Severity, alert.Level, actionID, alert.Message,
	); execErr != nil {
		return fmt.Errorf("insert alert: %w", execErr)
	}
	return nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		var actionID *string
		if err := rows.Scan(
			&rec.ID, &rec.PositionID, &rec.Severity, &rec.Level, &actionID, &rec.Message, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.ActionID = actionID
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts and reports how many rows went.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActionRow(row rowScanner) (RescueAction, error) {
	var (
		action     RescueAction
		txRef      *string
		failReason *string
		marginStr  string
	)
	if err := row.Scan(
		&action.ID,
		&action.PositionID,
		&action.TriggerEpoch,
		&action.Status,
		&txRef,
		&action.Attempts,
		&failReason,
		&marginStr,
		&action.ResolutionAlerted,
		&action.CreatedAt,
		&action.UpdatedAt,
	); err != nil {
		return RescueAction{}, err
	}

	margin, convErr := decimal.NewFromString(marginStr)
	if convErr != nil {
		return RescueAction{}, fmt.Errorf("parse trigger margin: %w", convErr)
	}
	action.TriggerMargin = margin
	action.TxRef = txRef
	action.FailReason = failReason
	return action, nil
}

func collectSamples(rows pgx.Rows) ([]PositionSample, error) {
	samples := make([]PositionSample, 0)
	for rows.Next() {
		var (
			sample        PositionSample
			collateralStr string
			debtStr       string
			marginStr     string
			errMsg        *string
		)
		if err := rows.Scan(
			&sample.PositionID,
			&sample.CycleTS,
			&collateralStr,
			&debtStr,
			&marginStr,
			&sample.Level,
			&sample.Status,
			&errMsg,
			&sample.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		sample.Collateral, convErr = decimal.NewFromString(collateralStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse collateral: %w", convErr)
		}
		sample.Debt, convErr = decimal.NewFromString(debtStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse debt: %w", convErr)
		}
		sample.Margin, convErr = decimal.NewFromString(marginStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse margin: %w", convErr)
		}
		sample.Error = errMsg
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}
