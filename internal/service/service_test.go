package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"position-rescue-alerts/internal/alerting"
	"position-rescue-alerts/internal/config"
	"position-rescue-alerts/internal/fetcher"
	"position-rescue-alerts/internal/ledger"
	"position-rescue-alerts/internal/risk"
	"position-rescue-alerts/internal/storage"
)

type memStore struct {
	mu       sync.Mutex
	actions  map[string]*storage.RescueAction
	verdicts map[string]storage.VerdictRecord
	samples  []storage.PositionSample
}

func newMemStore() *memStore {
	return &memStore{
		actions:  make(map[string]*storage.RescueAction),
		verdicts: make(map[string]storage.VerdictRecord),
	}
}

func (m *memStore) GetActiveAction(ctx context.Context, positionID string) (*storage.RescueAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.PositionID == positionID && !a.Status.Resolved() {
			copied := *a
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateAction(ctx context.Context, position ledger.PositionID, triggerEpoch int64, triggerMargin decimal.Decimal) (storage.RescueAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.PositionID == position.String() && !a.Status.Resolved() {
			return storage.RescueAction{}, storage.ErrDuplicateActiveAction
		}
	}
	// 与 pgx 实现一致: 主键被已终结动作占用时顺延序号, 绝不覆盖旧行。
	var id string
	for seq := 0; ; seq++ {
		id = storage.RetryActionID(position, triggerEpoch, seq)
		if _, exists := m.actions[id]; !exists {
			break
		}
	}
	action := storage.RescueAction{
		ID:            id,
		PositionID:    position.String(),
		TriggerEpoch:  triggerEpoch,
		Status:        storage.StatusPending,
		TriggerMargin: triggerMargin,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	m.actions[action.ID] = &action
	copied := action
	return copied, nil
}

func (m *memStore) UpdateActionStatus(ctx context.Context, actionID string, status storage.ActionStatus, txRef, failReason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	action, ok := m.actions[actionID]
	if !ok {
		return storage.ErrActionNotFound
	}
	if !action.Status.CanTransition(status) {
		return storage.ErrInvalidTransition
	}
	action.Status = status
	action.UpdatedAt = time.Now()
	if txRef != nil {
		action.TxRef = txRef
	}
	if failReason != nil {
		action.FailReason = failReason
	}
	return nil
}

func (m *memStore) RecordAttempt(ctx context.Context, actionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actions[actionID]; ok {
		a.Attempts++
	}
	return nil
}

func (m *memStore) LastResolvedAction(ctx context.Context, positionID string) (*storage.RescueAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *storage.RescueAction
	for _, a := range m.actions {
		if a.PositionID != positionID || !a.Status.Resolved() {
			continue
		}
		if latest == nil || a.UpdatedAt.After(latest.UpdatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (m *memStore) ListUnresolvedActions(ctx context.Context) ([]storage.RescueAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.RescueAction
	for _, a := range m.actions {
		if !a.Status.Resolved() {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memStore) ListResolvedUnalerted(ctx context.Context) ([]storage.RescueAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.RescueAction
	for _, a := range m.actions {
		if a.Status.Resolved() && !a.ResolutionAlerted {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memStore) MarkResolutionAlerted(ctx context.Context, actionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actions[actionID]; ok {
		a.ResolutionAlerted = true
	}
	return nil
}

func (m *memStore) ListRecentActions(ctx context.Context, limit int) ([]storage.RescueAction, error) {
	return nil, nil
}

func (m *memStore) LastVerdict(ctx context.Context, positionID string) (*storage.VerdictRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.verdicts[positionID]; ok {
		copied := rec
		return &copied, nil
	}
	return nil, nil
}

func (m *memStore) RecordVerdict(ctx context.Context, rec storage.VerdictRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.verdicts[rec.PositionID]; ok && rec.SnapshotTS.Before(prev.SnapshotTS) {
		return nil
	}
	m.verdicts[rec.PositionID] = rec
	return nil
}

func (m *memStore) UpsertPositionSample(ctx context.Context, sample storage.PositionSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample)
	return nil
}

func (m *memStore) ListSamplesBetween(ctx context.Context, positionID string, from, to time.Time) ([]storage.PositionSample, error) {
	return nil, nil
}

func (m *memStore) ListRecentSamples(ctx context.Context, limit int) ([]storage.PositionSample, error) {
	return nil, nil
}

var (
	_ storage.ActionStore  = (*memStore)(nil)
	_ storage.VerdictStore = (*memStore)(nil)
	_ storage.SampleStore  = (*memStore)(nil)
)

// recordingSubmitter 记录提交请求并可立即按脚本终结动作。
type recordingSubmitter struct {
	mu      sync.Mutex
	store   *memStore
	outcome *storage.ActionStatus
	submits []string
	resumes []string
}

func (r *recordingSubmitter) Submit(action storage.RescueAction, position ledger.PositionID) error {
	r.mu.Lock()
	r.submits = append(r.submits, action.ID)
	outcome := r.outcome
	r.mu.Unlock()
	if outcome != nil {
		txRef := "0xtx-" + action.ID
		_ = r.store.UpdateActionStatus(context.Background(), action.ID, storage.StatusSubmitted, &txRef, nil)
		if *outcome == storage.StatusFailed {
			reason := "transaction reverted"
			_ = r.store.UpdateActionStatus(context.Background(), action.ID, storage.StatusFailed, &txRef, &reason)
		} else {
			_ = r.store.UpdateActionStatus(context.Background(), action.ID, *outcome, &txRef, nil)
		}
	}
	return nil
}

func (r *recordingSubmitter) Resume(action storage.RescueAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumes = append(r.resumes, action.ID)
	return nil
}

type memAlerts struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (m *memAlerts) Dispatch(alert alerting.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
}

func (m *memAlerts) all() []alerting.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]alerting.Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// staticFetcher feeds a mutable snapshot for a single position.
type staticFetcher struct {
	mu  sync.Mutex
	pos ledger.Position
}

func (s *staticFetcher) set(collateral, debt string, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos.Collateral = decimal.RequireFromString(collateral)
	s.pos.Debt = decimal.RequireFromString(debt)
	s.pos.UpdatedAt = updatedAt
}

func (s *staticFetcher) Fetch(ctx context.Context, ids []ledger.PositionID) map[ledger.PositionID]fetcher.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[ledger.PositionID]fetcher.Result, len(ids))
	for _, id := range ids {
		pos := s.pos
		pos.ID = id
		out[id] = fetcher.Result{Position: pos}
	}
	return out
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Positions = []string{"0xabc/eth-usdc"}
	cfg.Risk.WarnRatio = 1.5
	cfg.Risk.RescueRatio = 1.1
	cfg.Rescue.FailedCooldown = 10 * time.Minute
	cfg.Scheduler.Interval = 30 * time.Second
	return cfg
}

func newTestService(t *testing.T, store *memStore, fetch fetcher.SnapshotFetcher, sub RescueSubmitter, alerts AlertSink) *Service {
	t.Helper()
	cfg := testConfig()
	evaluator := risk.NewCollateralRatio(risk.Thresholds{
		WarnRatio:   decimal.NewFromFloat(cfg.Risk.WarnRatio),
		RescueRatio: decimal.NewFromFloat(cfg.Risk.RescueRatio),
	})
	stores := Stores{Actions: store, Verdicts: store, Samples: store}
	svc, err := New(cfg, nil, fetch, evaluator, stores, sub, alerts, zerolog.Nop())
	if err != nil {
		t.Fatalf("构造服务失败: %v", err)
	}
	return svc
}

func TestCycleTriggersSingleRescue(t *testing.T) {
	store := newMemStore()
	fetch := &staticFetcher{}
	fetch.set("100", "100", time.Unix(1700000000, 0))
	sub := &recordingSubmitter{store: store}
	alerts := &memAlerts{}
	svc := newTestService(t, store, fetch, sub, alerts)

	if err := svc.ProcessCycle(context.Background(), time.Unix(1700000030, 0)); err != nil {
		t.Fatalf("周期执行失败: %v", err)
	}

	if len(sub.submits) != 1 {
		t.Fatalf("应触发一次提交, 实际 %d", len(sub.submits))
	}
	active, _ := store.GetActiveAction(context.Background(), "0xabc/eth-usdc")
	if active == nil {
		t.Fatal("应存在活跃动作")
	}

	// 继续处于危险状态的后续周期不得再建动作或重复告警。
	fetch.set("100", "100", time.Unix(1700000060, 0))
	if err := svc.ProcessCycle(context.Background(), time.Unix(1700000060, 0)); err != nil {
		t.Fatalf("周期执行失败: %v", err)
	}
	if len(sub.submits) != 1 {
		t.Fatalf("活跃动作存在时不应再次提交, 实际 %d", len(sub.submits))
	}
	if got := alerts.all(); len(got) != 1 {
		t.Fatalf("级别未变化时不应重复告警, 实际 %d 条", len(got))
	}
}

func TestHappyPathEmitsExactlyTwoAlerts(t *testing.T) {
	store := newMemStore()
	fetch := &staticFetcher{}
	fetch.set("200", "100", time.Unix(1700000000, 0))
	confirmed := storage.StatusConfirmed
	sub := &recordingSubmitter{store: store, outcome: &confirmed}
	alerts := &memAlerts{}
	svc := newTestService(t, store, fetch, sub, alerts)

	// 第一周期 safe: 无告警。
	if err := svc.ProcessCycle(context.Background(), time.Unix(1700000030, 0)); err != nil {
		t.Fatalf("周期执行失败: %v", err)
	}
	if len(alerts.all()) != 0 {
		t.Fatalf("安全仓位不应告警, 实际 %d 条", len(alerts.all()))
	}

	// 第二周期跌破 rescue 线: 触发告警 + 确认后的终结告警。
	fetch.set("100", "100", time.Unix(1700000060, 0))
	if err := svc.ProcessCycle(context.Background(), time.Unix(1700000060, 0)); err != nil {
		t.Fatalf("周期执行失败: %v", err)
	}

	got := alerts.all()
	if len(got) != 2 {
		t.Fatalf("完整救援流程应产生恰好 2 条告警, 实际 %d", len(got))
	}
	if got[0].Severity != alerting.SeverityCritical || got[0].ActionID == nil {
		t.Fatalf("第一条应为带动作的触发告警: %+v", got[0])
	}
	if got[1].Severity != alerting.SeverityInfo {
		t.Fatalf("第二条应为确认级别 info 的终结告警: %+v", got[1])
	}

	// 救援确认后链上仓位恢复健康: 仅产生一条恢复告警, 不重复终结告警。
	fetch.set("200", "100", time.Unix(1700000090, 0))
	_ = svc.ProcessCycle(context.Background(), time.Unix(1700000090, 0))
	got = alerts.all()
	if len(got) != 3 {
		t.Fatalf("恢复周期应只新增恢复告警, 实际共 %d 条", len(got))
	}
	if got[2].Severity != alerting.SeverityInfo || got[2].ActionID != nil {
		t.Fatalf("恢复告警不应携带动作: %+v", got[2])
	}
	if len(sub.submits) != 1 {
		t.Fatalf("整个流程应只提交一次, 实际 %d", len(sub.submits))
	}

	// 再一个安全周期: 级别未变, 无新告警。
	fetch.set("200", "100", time.Unix(1700000120, 0))
	_ = svc.ProcessCycle(context.Background(), time.Unix(1700000120, 0))
	if len(alerts.all()) != 3 {
		t.Fatalf("级别未变化不应再告警, 实际 %d 条", len(alerts.all()))
	}
}

func TestVerdictChangeAlertsWithoutAction(t *testing.T) {
	store := newMemStore()
	fetch := &staticFetcher{}
	fetch.set("200", "100", time.Unix(1700000000, 0))
	sub := &recordingSubmitter{store: store}
	alerts := &memAlerts{}
	svc := newTestService(t, store, fetch, sub, alerts)

	_ = svc.ProcessCycle(context.Background(), time.Unix(1700000030, 0))

	// safe -> warning 只告警不提交。
	fetch.set("130", "100", time.Unix(1700000060, 0))
	_ = svc.ProcessCycle(context.Background(), time.Unix(1700000060, 0))

	got := alerts.all()
	if len(got) != 1 {
		t.Fatalf("降级应告警一次, 实际 %d 条", len(got))
	}
	if got[0].Severity != alerting.SeverityWarning || got[0].ActionID != nil {
		t.Fatalf("warning 告警不应携带动作: %+v", got[0])
	}
	if len(sub.submits) != 0 {
		t.Fatal("warning 级别不应触发提交")
	}

	// warning -> safe 恢复也应告警。
	fetch.set("200", "100", time.Unix(1700000090, 0))
	_ = svc.ProcessCycle(context.Background(), time.Unix(1700000090, 0))
	got = alerts.all()
	if len(got) != 2 || got[1].Severity != alerting.SeverityInfo {
		t.Fatalf("恢复 safe 应产生 info 告警: %+v", got)
	}
}

func TestStaleSnapshotIsDiscarded(t *testing.T) {
	store := newMemStore()
	fetch := &staticFetcher{}
	fetch.set("200", "100", time.Unix(1700000060, 0))
	sub := &recordingSubmitter{store: store}
	alerts := &memAlerts{}
	svc := newTestService(t, store, fetch, sub, alerts)

	_ = svc.ProcessCycle(context.Background(), time.Unix(1700000060, 0))

	// 更旧的快照显示危险, 但不得回退已记录的判定。
	fetch.set("50", "100", time.Unix(1700000000, 0))
	_ = svc.ProcessCycle(context.Background(), time.Unix(1700000090, 0))

	if len(sub.submits) != 0 {
		t.Fatal("过期快照不应触发提交")
	}
	if len(alerts.all()) != 0 {
		t.Fatal("过期快照不应触发告警")
	}
	rec, _ := store.LastVerdict(context.Background(), "0xabc/eth-usdc")
	if rec == nil || rec.Level != "safe" {
		t.Fatalf("已记录判定不应被过期快照覆盖: %+v", rec)
	}
}

func TestFailedActionCooldownBlocksImmediateRetry(t *testing.T) {
	store := newMemStore()
	fetch := &staticFetcher{}
	fetch.set("100", "100", time.Unix(1700000000, 0))
	failed := storage.StatusFailed
	sub := &recordingSubmitter{store: store, outcome: &failed}
	alerts := &memAlerts{}
	svc := newTestService(t, store, fetch, sub, alerts)

	_ = svc.ProcessCycle(context.Background(), time.Unix(1700000030, 0))
	if len(sub.submits) != 1 {
		t.Fatalf("应触发首次提交, 实际 %d", len(sub.submits))
	}

	// 动作刚失败, 冷却期内不得再建。
	fetch.set("100", "100", time.Unix(1700000060, 0))
	_ = svc.ProcessCycle(context.Background(), time.Unix(1700000060, 0))
	if len(sub.submits) != 1 {
		t.Fatalf("冷却期内不应重试, 实际 %d 次提交", len(sub.submits))
	}

	// 冷却期过后允许新动作。
	svc.cooldown = 0
	fetch.set("100", "100", time.Unix(1700000090, 0))
	_ = svc.ProcessCycle(context.Background(), time.Unix(1700000090, 0))
	if len(sub.submits) != 2 {
		t.Fatalf("冷却期后应允许新动作, 实际 %d 次提交", len(sub.submits))
	}
}

func TestFailedActionRetriedWithUnchangedSnapshot(t *testing.T) {
	store := newMemStore()
	fetch := &staticFetcher{}
	// 失败的救援不会改动链上状态, updatedAt 在整个测试里保持不变。
	fetch.set("100", "100", time.Unix(1700000000, 0))
	failed := storage.StatusFailed
	sub := &recordingSubmitter{store: store, outcome: &failed}
	alerts := &memAlerts{}
	svc := newTestService(t, store, fetch, sub, alerts)

	_ = svc.ProcessCycle(context.Background(), time.Unix(1700000030, 0))
	if len(sub.submits) != 1 {
		t.Fatalf("应触发首次提交, 实际 %d", len(sub.submits))
	}

	svc.cooldown = 0
	_ = svc.ProcessCycle(context.Background(), time.Unix(1700000060, 0))
	if len(sub.submits) != 2 {
		t.Fatalf("快照纪元未变时冷却期后仍应重试, 实际 %d 次提交", len(sub.submits))
	}
	if sub.submits[0] == sub.submits[1] {
		t.Fatalf("重试不应复用已失败动作的标识: %v", sub.submits)
	}

	count := 0
	for _, a := range store.actions {
		if a.PositionID == "0xabc/eth-usdc" {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("应存在两个独立的动作记录, 实际 %d", count)
	}
}

func TestReconcileResumesSubmittedAndFailsPending(t *testing.T) {
	store := newMemStore()
	id, _ := ledger.ParsePositionID("0xabc/eth-usdc")

	// 一个带交易引用的 submitted 和一个残留的 pending。
	submitted, _ := store.CreateAction(context.Background(), id, 1700000000, decimal.Zero)
	txRef := "0xtx1"
	_ = store.UpdateActionStatus(context.Background(), submitted.ID, storage.StatusSubmitted, &txRef, nil)

	other, _ := ledger.ParsePositionID("0xdef/wbtc-usdc")
	pending, _ := store.CreateAction(context.Background(), other, 1700000000, decimal.Zero)

	sub := &recordingSubmitter{store: store}
	alerts := &memAlerts{}
	svc := newTestService(t, store, &staticFetcher{}, sub, alerts)

	if err := svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("对账失败: %v", err)
	}

	if len(sub.resumes) != 1 || sub.resumes[0] != submitted.ID {
		t.Fatalf("submitted 动作应恢复确认轮询: %v", sub.resumes)
	}

	got, _ := store.LastResolvedAction(context.Background(), pending.PositionID)
	if got == nil || got.Status != storage.StatusFailed {
		t.Fatal("pending 残留应标记为失败")
	}
	if got.FailReason == nil || *got.FailReason != "interrupted before submission" {
		t.Fatalf("失败原因不正确: %+v", got.FailReason)
	}
}

func TestConcurrentTriggerCreatesOneAction(t *testing.T) {
	store := newMemStore()
	fetch := &staticFetcher{}
	fetch.set("100", "100", time.Unix(1700000000, 0))
	sub := &recordingSubmitter{store: store}
	alerts := &memAlerts{}
	svc := newTestService(t, store, fetch, sub, alerts)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.ProcessCycle(context.Background(), time.Unix(1700000030, 0))
		}()
	}
	wg.Wait()

	count := 0
	for _, a := range store.actions {
		if a.PositionID == "0xabc/eth-usdc" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("并发触发应只创建一个动作, 实际 %d", count)
	}
}
