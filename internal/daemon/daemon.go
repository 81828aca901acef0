// Package daemon runs the background sampling loop: read counters,
// compute deltas, persist, and keep the firewall reconciled.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/airtraffic/internal/domain"
	"github.com/eliteGoblin/airtraffic/internal/usecase"
)

// Config holds daemon loop intervals.
type Config struct {
	SampleInterval    time.Duration
	ReconcileInterval time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns production intervals.
func DefaultConfig() Config {
	return Config{
		SampleInterval:    60 * time.Second,
		ReconcileInterval: 10 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Daemon is the background sampler. One instance per host, guarded by
// the liveness marker.
type Daemon struct {
	config   Config
	sampler  domain.TrafficSampler
	store    domain.UsageStore
	enforcer *usecase.PolicyEnforcer
	marker   domain.LivenessMarker
	pm       domain.ProcessManager
	logger   *zap.Logger

	mu    sync.Mutex
	state domain.DaemonState
	prev  domain.Snapshot
}

// New creates a daemon from its collaborators.
func New(config Config, sampler domain.TrafficSampler, store domain.UsageStore,
	enforcer *usecase.PolicyEnforcer, marker domain.LivenessMarker,
	pm domain.ProcessManager, logger *zap.Logger) *Daemon {
	return &Daemon{
		config:   config,
		sampler:  sampler,
		store:    store,
		enforcer: enforcer,
		marker:   marker,
		pm:       pm,
		logger:   logger,
		state:    domain.DaemonStopped,
	}
}

// State returns the current lifecycle state.
func (d *Daemon) State() domain.DaemonState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Daemon) setState(s domain.DaemonState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Run executes the sampling loop until ctx is cancelled. It returns nil
// on a clean shutdown; a fatal error (lost permissions, broken store)
// flips the state to crashed and is returned.
func (d *Daemon) Run(ctx context.Context) error {
	d.setState(domain.DaemonStarting)

	// Sampling without root yields nothing useful, so fail fast before
	// claiming the marker.
	first, err := d.sampler.Sample()
	if err != nil {
		d.setState(domain.DaemonCrashed)
		return fmt.Errorf("initial sample: %w", err)
	}

	err = d.marker.Acquire(domain.DaemonInfo{PID: d.pm.GetCurrentPID()})
	if err != nil {
		d.setState(domain.DaemonStopped)
		return err
	}
	defer d.marker.Release()

	// Seed the previous snapshot from the persisted baseline so deltas
	// bridge the downtime instead of restarting from zero.
	baseline, err := d.store.Baseline()
	if err != nil {
		d.setState(domain.DaemonCrashed)
		return fmt.Errorf("load baseline: %w", err)
	}
	if len(baseline) > 0 {
		d.prev = baseline
	} else {
		d.prev = first
	}

	if err := d.enforcer.Reconcile(ctx); err != nil {
		d.logger.Warn("initial reconcile failed", zap.Error(err))
	}

	d.setState(domain.DaemonRunning)
	d.logger.Info("daemon running",
		zap.Int("pid", d.pm.GetCurrentPID()),
		zap.Duration("sample_interval", d.config.SampleInterval))

	sampleTicker := time.NewTicker(d.config.SampleInterval)
	defer sampleTicker.Stop()
	reconcileTicker := time.NewTicker(d.config.ReconcileInterval)
	defer reconcileTicker.Stop()
	heartbeatTicker := time.NewTicker(d.config.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.setState(domain.DaemonStopping)
			d.logger.Info("daemon stopping")
			d.setState(domain.DaemonStopped)
			return nil

		case <-sampleTicker.C:
			if err := d.tick(); err != nil {
				if isFatal(err) {
					d.setState(domain.DaemonCrashed)
					d.logger.Error("fatal error, daemon exiting", zap.Error(err))
					return err
				}
				// Transient: skip this interval, counters catch up next tick.
				d.logger.Warn("sample tick failed", zap.Error(err))
			}

		case <-reconcileTicker.C:
			if err := d.enforcer.Reconcile(ctx); err != nil {
				d.logger.Warn("reconcile failed", zap.Error(err))
			}

		case <-heartbeatTicker.C:
			if err := d.marker.Heartbeat(); err != nil {
				d.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (d *Daemon) tick() error {
	cur, err := d.sampler.Sample()
	if err != nil {
		return fmt.Errorf("sample: %w", err)
	}

	now := time.Now()
	samples := ComputeDeltas(d.prev, cur, now)

	if err := d.store.AppendTick(samples, cur); err != nil {
		return fmt.Errorf("persist tick: %w", err)
	}

	d.prev = cur
	if len(samples) > 0 {
		d.logger.Debug("tick persisted", zap.Int("samples", len(samples)))
	}
	return nil
}

func isFatal(err error) bool {
	return errors.Is(err, domain.ErrPermission) || errors.Is(err, domain.ErrStoreUnavailable)
}

// ComputeDeltas diffs two cumulative snapshots into per-application
// samples at ts, sorted by application for deterministic persistence.
//
// An application first seen in cur has no previous counters to diff
// against, so it contributes nothing this interval. A counter lower than
// its previous value (process restart reset it) clamps to zero rather
// than recording a bogus negative. All-zero samples are dropped.
func ComputeDeltas(prev, cur domain.Snapshot, ts time.Time) []domain.Sample {
	samples := make([]domain.Sample, 0, len(cur))
	for app, c := range cur {
		p, ok := prev[app]
		if !ok {
			continue
		}

		var sent, recv uint64
		if c.Sent >= p.Sent {
			sent = c.Sent - p.Sent
		}
		if c.Recv >= p.Recv {
			recv = c.Recv - p.Recv
		}
		if sent == 0 && recv == 0 {
			continue
		}

		samples = append(samples, domain.Sample{
			App:       app,
			Timestamp: ts,
			SentDelta: sent,
			RecvDelta: recv,
		})
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].App < samples[j].App })
	return samples
}
