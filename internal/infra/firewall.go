package infra

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/eliteGoblin/airtraffic/internal/domain"
)

// CommandRunner executes an external command and returns its combined
// output. Injected into strategies so tests can capture the exact
// command lines without touching the host firewall.
type CommandRunner func(ctx context.Context, name string, args ...string) (string, error)

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// DetectStrategies probes the host for usable firewall mechanisms and
// returns them in fallback order. A nil runner uses real command
// execution.
func DetectStrategies(run CommandRunner) []domain.EnforcementStrategy {
	if run == nil {
		run = runCommand
	}

	candidates := []domain.EnforcementStrategy{
		NewSocketFilterStrategy(run),
		NewIptablesStrategy(run),
		NewNftablesStrategy(run),
		NewNetshStrategy(run),
	}

	available := make([]domain.EnforcementStrategy, 0, len(candidates))
	for _, s := range candidates {
		if s.Available() {
			available = append(available, s)
		}
	}
	return available
}

// --- macOS Application Firewall -------------------------------------------

const socketFilterPath = "/usr/libexec/ApplicationFirewall/socketfilterfw"

// SocketFilterStrategy drives the macOS Application Firewall. It blocks
// the .app bundle containing the executable when there is one, matching
// what System Settings > Firewall operates on.
type SocketFilterStrategy struct {
	run CommandRunner
}

func NewSocketFilterStrategy(run CommandRunner) *SocketFilterStrategy {
	return &SocketFilterStrategy{run: run}
}

func (s *SocketFilterStrategy) Name() string { return "socketfilterfw" }

func (s *SocketFilterStrategy) Available() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	_, err := os.Stat(socketFilterPath)
	return err == nil
}

func (s *SocketFilterStrategy) target(entry domain.PolicyEntry) string {
	if bundle := appBundlePath(entry.Path); bundle != "" {
		return bundle
	}
	return entry.Path
}

func (s *SocketFilterStrategy) Block(ctx context.Context, entry domain.PolicyEntry) error {
	target := s.target(entry)

	out, err := s.run(ctx, socketFilterPath, "--add", target)
	if err != nil && !strings.Contains(strings.ToLower(out), "already") {
		return fmt.Errorf("add %s to firewall list: %v: %s", target, err, strings.TrimSpace(out))
	}

	if out, err := s.run(ctx, socketFilterPath, "--blockapp", target); err != nil {
		return fmt.Errorf("block %s: %v: %s", target, err, strings.TrimSpace(out))
	}
	return nil
}

func (s *SocketFilterStrategy) Allow(ctx context.Context, entry domain.PolicyEntry) error {
	target := s.target(entry)

	if _, err := s.run(ctx, socketFilterPath, "--unblockapp", target); err == nil {
		return nil
	}
	// Not in the list under this path: drop it entirely.
	if out, err := s.run(ctx, socketFilterPath, "--remove", target); err != nil {
		return fmt.Errorf("unblock %s: %v: %s", target, err, strings.TrimSpace(out))
	}
	return nil
}

func (s *SocketFilterStrategy) Verify(ctx context.Context, entry domain.PolicyEntry) (bool, error) {
	out, err := s.run(ctx, socketFilterPath, "--getappblocked", s.target(entry))
	if err != nil {
		return false, fmt.Errorf("query %s: %v", s.target(entry), err)
	}
	lower := strings.ToLower(out)
	return strings.Contains(lower, "block") || strings.Contains(lower, "deny"), nil
}

// appBundlePath walks up from an executable path to the containing .app
// bundle, or returns "" when the executable is not bundled.
func appBundlePath(exePath string) string {
	current := exePath
	for current != "/" && current != "." && current != "" {
		if strings.HasSuffix(current, ".app") {
			return current
		}
		current = filepath.Dir(current)
	}
	return ""
}

// --- Linux iptables -------------------------------------------------------

// IptablesStrategy blocks via iptables owner matching on the command
// name. Requires the owner module with --cmd-owner support; probed per
// invocation since kernels and iptables builds vary.
type IptablesStrategy struct {
	run CommandRunner
}

func NewIptablesStrategy(run CommandRunner) *IptablesStrategy {
	return &IptablesStrategy{run: run}
}

func (s *IptablesStrategy) Name() string { return "iptables" }

func (s *IptablesStrategy) Available() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := exec.LookPath("iptables")
	return err == nil
}

func (s *IptablesStrategy) Block(ctx context.Context, entry domain.PolicyEntry) error {
	cmdName := filepath.Base(entry.Path)

	help, _ := s.run(ctx, "iptables", "-m", "owner", "--help")
	if !strings.Contains(help, "--cmd-owner") {
		return fmt.Errorf("owner module lacks --cmd-owner support")
	}

	for _, chain := range []string{"OUTPUT", "INPUT"} {
		out, err := s.run(ctx, "iptables", "-A", chain,
			"-m", "owner", "--cmd-owner", cmdName, "-j", "DROP")
		if err != nil {
			return fmt.Errorf("append %s rule for %s: %v: %s", chain, cmdName, err, strings.TrimSpace(out))
		}
	}
	return nil
}

func (s *IptablesStrategy) Allow(ctx context.Context, entry domain.PolicyEntry) error {
	cmdName := filepath.Base(entry.Path)

	// Deleting a rule that was never installed is fine.
	for _, chain := range []string{"OUTPUT", "INPUT"} {
		_, _ = s.run(ctx, "iptables", "-D", chain,
			"-m", "owner", "--cmd-owner", cmdName, "-j", "DROP")
	}
	return nil
}

func (s *IptablesStrategy) Verify(ctx context.Context, entry domain.PolicyEntry) (bool, error) {
	out, err := s.run(ctx, "iptables", "-L", "OUTPUT", "-n", "-v")
	if err != nil {
		return false, fmt.Errorf("list OUTPUT chain: %v", err)
	}
	return strings.Contains(out, filepath.Base(entry.Path)), nil
}

// --- Linux nftables -------------------------------------------------------

const (
	nftTable = "airtraffic"
	nftChain = "output_filter"
)

// NftablesStrategy blocks via an nftables meta-comm drop rule in a
// dedicated inet table. Fallback for hosts without iptables cmd-owner.
type NftablesStrategy struct {
	run CommandRunner
}

func NewNftablesStrategy(run CommandRunner) *NftablesStrategy {
	return &NftablesStrategy{run: run}
}

func (s *NftablesStrategy) Name() string { return "nftables" }

func (s *NftablesStrategy) Available() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := exec.LookPath("nft")
	return err == nil
}

func (s *NftablesStrategy) Block(ctx context.Context, entry domain.PolicyEntry) error {
	cmdName := filepath.Base(entry.Path)

	// Table and chain creation is idempotent; errors surface on the
	// rule insert below if the setup actually failed.
	_, _ = s.run(ctx, "nft", "add", "table", "inet", nftTable)
	_, _ = s.run(ctx, "nft", "add", "chain", "inet", nftTable, nftChain,
		"{ type filter hook output priority 0; policy accept; }")

	// nft appends duplicates happily, so check for an existing drop
	// rule before inserting one.
	if listing, err := s.run(ctx, "nft", "list", "chain", "inet", nftTable, nftChain); err == nil {
		if nftHasDropRule(listing, cmdName) {
			return nil
		}
	}

	out, err := s.run(ctx, "nft", "add", "rule", "inet", nftTable, nftChain,
		"meta", "comm", cmdName, "drop")
	if err != nil {
		return fmt.Errorf("add drop rule for %s: %v: %s", cmdName, err, strings.TrimSpace(out))
	}
	return nil
}

// nftHasDropRule reports whether a chain listing already contains a drop
// rule for cmdName.
func nftHasDropRule(listing, cmdName string) bool {
	for _, line := range strings.Split(listing, "\n") {
		if strings.Contains(line, cmdName) && strings.Contains(line, "drop") {
			return true
		}
	}
	return false
}

func (s *NftablesStrategy) Allow(ctx context.Context, entry domain.PolicyEntry) error {
	cmdName := filepath.Base(entry.Path)

	out, err := s.run(ctx, "nft", "-a", "list", "chain", "inet", nftTable, nftChain)
	if err != nil {
		return nil // table/chain never created: nothing to remove
	}

	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, cmdName) || !strings.Contains(line, "drop") {
			continue
		}
		parts := strings.Split(line, "# handle ")
		if len(parts) < 2 {
			continue
		}
		handle := strings.TrimSpace(parts[1])
		if out, err := s.run(ctx, "nft", "delete", "rule", "inet", nftTable, nftChain,
			"handle", handle); err != nil {
			return fmt.Errorf("delete rule handle %s: %v: %s", handle, err, strings.TrimSpace(out))
		}
	}
	return nil
}

func (s *NftablesStrategy) Verify(ctx context.Context, entry domain.PolicyEntry) (bool, error) {
	out, err := s.run(ctx, "nft", "list", "table", "inet", nftTable)
	if err != nil {
		return false, nil // table absent: nothing blocked by us
	}
	return strings.Contains(out, filepath.Base(entry.Path)), nil
}

// --- Windows Firewall -----------------------------------------------------

// NetshStrategy drives Windows Firewall via netsh advfirewall, one
// outbound and one inbound rule per application.
type NetshStrategy struct {
	run CommandRunner
}

func NewNetshStrategy(run CommandRunner) *NetshStrategy {
	return &NetshStrategy{run: run}
}

func (s *NetshStrategy) Name() string { return "netsh" }

func (s *NetshStrategy) Available() bool {
	return runtime.GOOS == "windows"
}

func netshRuleNames(app domain.AppID) (out, in string) {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return -1
	}, string(app))
	return "AirTraffic_Block_" + safe + "_Out", "AirTraffic_Block_" + safe + "_In"
}

func (s *NetshStrategy) Block(ctx context.Context, entry domain.PolicyEntry) error {
	ruleOut, ruleIn := netshRuleNames(entry.App)

	// Replace any stale rules first.
	_, _ = s.run(ctx, "netsh", "advfirewall", "firewall", "delete", "rule", "name="+ruleOut)
	_, _ = s.run(ctx, "netsh", "advfirewall", "firewall", "delete", "rule", "name="+ruleIn)

	out, err := s.run(ctx, "netsh", "advfirewall", "firewall", "add", "rule",
		"name="+ruleOut, "dir=out", "action=block",
		"program="+entry.Path, "enable=yes", "profile=any")
	if err != nil {
		return fmt.Errorf("add outbound rule: %v: %s", err, strings.TrimSpace(out))
	}

	out, err = s.run(ctx, "netsh", "advfirewall", "firewall", "add", "rule",
		"name="+ruleIn, "dir=in", "action=block",
		"program="+entry.Path, "enable=yes", "profile=any")
	if err != nil {
		// Don't leave a half-applied pair behind.
		_, _ = s.run(ctx, "netsh", "advfirewall", "firewall", "delete", "rule", "name="+ruleOut)
		return fmt.Errorf("add inbound rule: %v: %s", err, strings.TrimSpace(out))
	}
	return nil
}

func (s *NetshStrategy) Allow(ctx context.Context, entry domain.PolicyEntry) error {
	ruleOut, ruleIn := netshRuleNames(entry.App)
	_, _ = s.run(ctx, "netsh", "advfirewall", "firewall", "delete", "rule", "name="+ruleOut)
	_, _ = s.run(ctx, "netsh", "advfirewall", "firewall", "delete", "rule", "name="+ruleIn)
	return nil
}

func (s *NetshStrategy) Verify(ctx context.Context, entry domain.PolicyEntry) (bool, error) {
	ruleOut, _ := netshRuleNames(entry.App)
	out, err := s.run(ctx, "netsh", "advfirewall", "firewall", "show", "rule", "name="+ruleOut)
	if err != nil {
		return false, nil
	}
	return !strings.Contains(out, "No rules match"), nil
}

// Ensure implementations satisfy the strategy interface.
var (
	_ domain.EnforcementStrategy = (*SocketFilterStrategy)(nil)
	_ domain.EnforcementStrategy = (*IptablesStrategy)(nil)
	_ domain.EnforcementStrategy = (*NftablesStrategy)(nil)
	_ domain.EnforcementStrategy = (*NetshStrategy)(nil)
)
