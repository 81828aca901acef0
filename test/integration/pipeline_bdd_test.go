//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/airtraffic/internal/daemon"
	"github.com/eliteGoblin/airtraffic/internal/domain"
	"github.com/eliteGoblin/airtraffic/internal/store"
	"github.com/eliteGoblin/airtraffic/internal/usecase"
)

// recordingStrategy behaves like a working firewall backend in memory.
type recordingStrategy struct {
	blocked map[domain.AppID]bool
}

func (s *recordingStrategy) Name() string    { return "recording" }
func (s *recordingStrategy) Available() bool { return true }
func (s *recordingStrategy) Block(ctx context.Context, e domain.PolicyEntry) error {
	s.blocked[e.App] = true
	return nil
}
func (s *recordingStrategy) Allow(ctx context.Context, e domain.PolicyEntry) error {
	delete(s.blocked, e.App)
	return nil
}
func (s *recordingStrategy) Verify(ctx context.Context, e domain.PolicyEntry) (bool, error) {
	return s.blocked[e.App], nil
}

var _ = Describe("Usage pipeline", func() {
	var (
		usageStore *store.UsageStore
		base       time.Time
	)

	BeforeEach(func() {
		var err error
		usageStore, err = store.OpenUsage(filepath.Join(GinkgoT().TempDir(), "usage.db"), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		base = time.Date(2026, 8, 29, 10, 0, 0, 0, time.Local)
	})

	AfterEach(func() {
		Expect(usageStore.Close()).To(Succeed())
	})

	It("attributes sampled deltas to aggregate queries", func() {
		boot := domain.Snapshot{"firefox": {Sent: 1000, Recv: 2000}}
		tick1 := domain.Snapshot{"firefox": {Sent: 1500, Recv: 2600}}
		tick2 := domain.Snapshot{"firefox": {Sent: 1500, Recv: 3000}, "slack": {Sent: 10, Recv: 10}}

		s1 := daemon.ComputeDeltas(boot, tick1, base)
		Expect(usageStore.AppendTick(s1, tick1)).To(Succeed())

		s2 := daemon.ComputeDeltas(tick1, tick2, base.Add(time.Minute))
		Expect(usageStore.AppendTick(s2, tick2)).To(Succeed())

		rows, err := usecase.NewAggregator(usageStore).Since(base)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(1), "slack's first sighting carries no delta")
		Expect(rows[0].App).To(Equal(domain.AppID("firefox")))
		Expect(rows[0].TotalSent).To(Equal(uint64(500)))
		Expect(rows[0].TotalRecv).To(Equal(uint64(1000)))
	})

	It("bridges a daemon restart through the persisted baseline", func() {
		tick := domain.Snapshot{"firefox": {Sent: 5000, Recv: 9000}}
		Expect(usageStore.AppendTick(nil, tick)).To(Succeed())

		// New daemon process: seed prev from the baseline instead of
		// treating every app as first-seen.
		seeded, err := usageStore.Baseline()
		Expect(err).NotTo(HaveOccurred())

		after := domain.Snapshot{"firefox": {Sent: 5100, Recv: 9400}}
		samples := daemon.ComputeDeltas(seeded, after, base.Add(2*time.Minute))
		Expect(samples).To(HaveLen(1))
		Expect(samples[0].SentDelta).To(Equal(uint64(100)))
		Expect(samples[0].RecvDelta).To(Equal(uint64(400)))
	})
})

var _ = Describe("Enforcement pipeline", func() {
	var (
		policyStore *store.PolicyStore
		firewall    *recordingStrategy
		pe          *usecase.PolicyEnforcer
		ctx         context.Context
	)

	BeforeEach(func() {
		key := make([]byte, 32)
		_, err := rand.Read(key)
		Expect(err).NotTo(HaveOccurred())

		policyStore, err = store.OpenPolicy(filepath.Join(GinkgoT().TempDir(), "policy.db"), key)
		Expect(err).NotTo(HaveOccurred())

		firewall = &recordingStrategy{blocked: make(map[domain.AppID]bool)}
		enforcer := usecase.NewFirewallEnforcer([]domain.EnforcementStrategy{firewall}, zap.NewNop())
		pe = usecase.NewPolicyEnforcer(enforcer, policyStore, zap.NewNop())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(policyStore.Close()).To(Succeed())
	})

	It("records intent durably and drives the firewall", func() {
		entry := domain.PolicyEntry{App: "firefox", Path: "/usr/lib/firefox/firefox", State: domain.StateBlocked}
		Expect(pe.SetState(ctx, entry)).To(Succeed())

		Expect(firewall.blocked).To(HaveKey(domain.AppID("firefox")))
		state, err := policyStore.Get("firefox")
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(domain.StateBlocked))
	})

	It("re-applies policy when the firewall drifts", func() {
		entry := domain.PolicyEntry{App: "firefox", Path: "/usr/lib/firefox/firefox", State: domain.StateBlocked}
		Expect(pe.SetState(ctx, entry)).To(Succeed())

		// Out-of-band rule removal.
		delete(firewall.blocked, "firefox")

		Expect(pe.Reconcile(ctx)).To(Succeed())
		Expect(firewall.blocked).To(HaveKey(domain.AppID("firefox")))
	})

	It("block-all flips the default for future applications", func() {
		Expect(policyStore.Set(domain.PolicyEntry{
			App: "firefox", Path: "/a", State: domain.StateAllowed,
		})).To(Succeed())

		result, err := pe.SetAll(ctx, domain.StateBlocked, []domain.PolicyEntry{
			{App: "slack", Path: "/b"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.OK()).To(BeTrue())
		Expect(firewall.blocked).To(HaveKey(domain.AppID("firefox")))
		Expect(firewall.blocked).To(HaveKey(domain.AppID("slack")))

		state, err := policyStore.Get("zoom")
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(domain.StateBlocked))
	})
})
