package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/airtraffic/internal/domain"
)

// strategyTimeout bounds one platform firewall invocation so a hung
// command cannot stall the daemon's reconcile loop.
const strategyTimeout = 10 * time.Second

// FirewallEnforcer implements domain.Enforcer over an ordered list of
// platform strategies. Blocks land on the first strategy that succeeds,
// with later ones as fallbacks; allows sweep every strategy so a block
// left in a fallback backend is removed too. Enforcement records make
// re-applies no-ops.
type FirewallEnforcer struct {
	strategies []domain.EnforcementStrategy
	logger     *zap.Logger
	timeout    time.Duration

	mu      sync.Mutex
	locks   map[domain.AppID]*sync.Mutex
	records map[domain.AppID]domain.PolicyState
}

// NewFirewallEnforcer creates an enforcer over the given strategies, in
// fallback order.
func NewFirewallEnforcer(strategies []domain.EnforcementStrategy, logger *zap.Logger) *FirewallEnforcer {
	return &FirewallEnforcer{
		strategies: strategies,
		logger:     logger,
		timeout:    strategyTimeout,
		locks:      make(map[domain.AppID]*sync.Mutex),
		records:    make(map[domain.AppID]domain.PolicyState),
	}
}

// Apply drives the firewall to entry.State. Returns *EnforcementError
// only when every strategy failed.
func (e *FirewallEnforcer) Apply(ctx context.Context, entry domain.PolicyEntry) error {
	_, err := e.apply(ctx, entry)
	return err
}

// ApplyAll applies a batch of entries, collecting per-item outcomes.
// One application failing never stops the rest of the batch.
func (e *FirewallEnforcer) ApplyAll(ctx context.Context, entries []domain.PolicyEntry) *domain.BatchResult {
	result := &domain.BatchResult{}
	for _, entry := range entries {
		strategy, err := e.apply(ctx, entry)
		item := domain.BatchItem{App: entry.App, Strategy: strategy, Err: err}
		if err != nil {
			result.Failed = append(result.Failed, item)
			continue
		}
		result.Applied = append(result.Applied, item)
	}
	return result
}

// ReconcileEntries verifies the OS firewall against the intended state
// of every given entry and re-applies where it drifted. Per-entry
// failures are logged and skipped; the next cycle retries.
func (e *FirewallEnforcer) ReconcileEntries(ctx context.Context, entries []domain.PolicyEntry) error {
	for _, entry := range entries {
		blocked, err := e.verify(ctx, entry)
		if err != nil {
			e.logger.Warn("reconcile: verify failed",
				zap.String("app", string(entry.App)), zap.Error(err))
			continue
		}

		wantBlocked := entry.State == domain.StateBlocked
		if blocked == wantBlocked {
			e.record(entry.App, entry.State)
			continue
		}

		e.logger.Info("reconcile: firewall drifted, re-applying",
			zap.String("app", string(entry.App)),
			zap.String("want", string(entry.State)),
			zap.Bool("blocked", blocked))

		e.forget(entry.App)
		if _, err := e.apply(ctx, entry); err != nil {
			e.logger.Error("reconcile: re-apply failed",
				zap.String("app", string(entry.App)), zap.Error(err))
		}
	}
	return nil
}

func (e *FirewallEnforcer) apply(ctx context.Context, entry domain.PolicyEntry) (string, error) {
	lock := e.appLock(entry.App)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	recorded, ok := e.records[entry.App]
	e.mu.Unlock()
	if ok && recorded == entry.State {
		return "", nil // already enforced
	}

	if entry.State == domain.StateAllowed {
		return e.sweepAllow(ctx, entry)
	}

	var attempts []domain.StrategyAttempt
	for _, s := range e.strategies {
		sctx, cancel := context.WithTimeout(ctx, e.timeout)
		err := s.Block(sctx, entry)
		cancel()

		if err == nil {
			e.record(entry.App, entry.State)
			e.logger.Info("enforced",
				zap.String("app", string(entry.App)),
				zap.String("state", string(entry.State)),
				zap.String("strategy", s.Name()))
			return s.Name(), nil
		}

		e.logger.Warn("strategy failed, trying next",
			zap.String("app", string(entry.App)),
			zap.String("strategy", s.Name()),
			zap.Error(err))
		attempts = append(attempts, domain.StrategyAttempt{Strategy: s.Name(), Err: err})
	}

	return "", &domain.EnforcementError{App: entry.App, State: entry.State, Attempts: attempts}
}

// sweepAllow removes any block for entry.App from every strategy, not
// just the first. A block installed by a fallback strategy in an earlier
// process would survive a first-success stop, since Allow is a no-op on
// strategies holding no rule. Removal is idempotent, so sweeping is
// always safe.
func (e *FirewallEnforcer) sweepAllow(ctx context.Context, entry domain.PolicyEntry) (string, error) {
	var attempts []domain.StrategyAttempt
	succeeded := ""
	for _, s := range e.strategies {
		sctx, cancel := context.WithTimeout(ctx, e.timeout)
		err := s.Allow(sctx, entry)
		cancel()

		if err != nil {
			e.logger.Warn("allow failed on strategy",
				zap.String("app", string(entry.App)),
				zap.String("strategy", s.Name()),
				zap.Error(err))
			attempts = append(attempts, domain.StrategyAttempt{Strategy: s.Name(), Err: err})
			continue
		}
		if succeeded == "" {
			succeeded = s.Name()
		}
	}

	if succeeded == "" {
		return "", &domain.EnforcementError{App: entry.App, State: entry.State, Attempts: attempts}
	}

	e.record(entry.App, entry.State)
	e.logger.Info("enforced",
		zap.String("app", string(entry.App)),
		zap.String("state", string(entry.State)),
		zap.String("strategy", succeeded))
	return succeeded, nil
}

// verify asks every strategy whether entry is currently blocked at the
// OS level. Any strategy holding a block rule means blocked: a rule can
// live in a fallback backend, and asking only the first strategy would
// report such a block as drift on every cycle.
func (e *FirewallEnforcer) verify(ctx context.Context, entry domain.PolicyEntry) (bool, error) {
	var lastErr error
	answered := false
	for _, s := range e.strategies {
		sctx, cancel := context.WithTimeout(ctx, e.timeout)
		blocked, err := s.Verify(sctx, entry)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		answered = true
		if blocked {
			return true, nil
		}
	}
	if !answered {
		return false, lastErr
	}
	return false, nil
}

func (e *FirewallEnforcer) appLock(app domain.AppID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[app]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[app] = lock
	}
	return lock
}

func (e *FirewallEnforcer) record(app domain.AppID, state domain.PolicyState) {
	e.mu.Lock()
	e.records[app] = state
	e.mu.Unlock()
}

func (e *FirewallEnforcer) forget(app domain.AppID) {
	e.mu.Lock()
	delete(e.records, app)
	e.mu.Unlock()
}

// PolicyEnforcer couples the enforcer with the policy store so callers
// get durable-intent-then-enforce in one operation.
type PolicyEnforcer struct {
	enforcer *FirewallEnforcer
	policy   domain.PolicyStore
	logger   *zap.Logger
}

// NewPolicyEnforcer creates the policy-backed enforcer facade.
func NewPolicyEnforcer(enforcer *FirewallEnforcer, policy domain.PolicyStore, logger *zap.Logger) *PolicyEnforcer {
	return &PolicyEnforcer{enforcer: enforcer, policy: policy, logger: logger}
}

// SetState records the intended state durably, then enforces it. The
// policy write is never rolled back on enforcement failure: intent
// stands and reconcile keeps retrying.
func (p *PolicyEnforcer) SetState(ctx context.Context, entry domain.PolicyEntry) error {
	entry.LastChanged = time.Now()
	if err := p.policy.Set(entry); err != nil {
		return err
	}
	return p.enforcer.Apply(ctx, entry)
}

// SetAll toggles every known application (plus extras for running apps
// never toggled before) to state, then enforces the batch. Per-item
// outcomes land in the BatchResult.
func (p *PolicyEnforcer) SetAll(ctx context.Context, state domain.PolicyState, extra []domain.PolicyEntry) (*domain.BatchResult, error) {
	if err := p.policy.SetAll(state, extra); err != nil {
		return nil, err
	}
	entries, err := p.policy.Entries()
	if err != nil {
		return nil, err
	}
	return p.enforcer.ApplyAll(ctx, entries), nil
}

// Reconcile re-checks every stored policy entry against the OS firewall.
func (p *PolicyEnforcer) Reconcile(ctx context.Context) error {
	entries, err := p.policy.Entries()
	if err != nil {
		return err
	}
	return p.enforcer.ReconcileEntries(ctx, entries)
}

// Apply delegates to the underlying enforcer without touching policy.
func (p *PolicyEnforcer) Apply(ctx context.Context, entry domain.PolicyEntry) error {
	return p.enforcer.Apply(ctx, entry)
}

// ApplyAll delegates to the underlying enforcer without touching policy.
func (p *PolicyEnforcer) ApplyAll(ctx context.Context, entries []domain.PolicyEntry) *domain.BatchResult {
	return p.enforcer.ApplyAll(ctx, entries)
}

// Ensure PolicyEnforcer implements domain.Enforcer.
var _ domain.Enforcer = (*PolicyEnforcer)(nil)
