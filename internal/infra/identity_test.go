package infra

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eliteGoblin/airtraffic/internal/domain"
)

func TestResolveAppID_DarwinBundle(t *testing.T) {
	tests := []struct {
		name string
		proc string
		exe  string
		want domain.AppID
	}{
		{
			name: "bundled executable uses bundle name",
			proc: "Safari",
			exe:  "/Applications/Safari.app/Contents/MacOS/Safari",
			want: "Safari",
		},
		{
			name: "helper inside bundle maps to the bundle",
			proc: "com.apple.WebKit.Networking",
			exe:  "/Applications/Safari.app/Contents/Frameworks/Helper",
			want: "Safari",
		},
		{
			name: "unbundled binary keeps process name",
			proc: "sshd",
			exe:  "/usr/sbin/sshd",
			want: "sshd",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveAppID("darwin", tt.proc, tt.exe))
		})
	}
}

func TestResolveAppID_WindowsStripsExe(t *testing.T) {
	got := resolveAppID("windows", "chrome.exe", `C:\Program Files\Google\Chrome\chrome.exe`)
	assert.Equal(t, domain.AppID("chrome"), got)
}

func TestResolveAppID_LinuxUsesName(t *testing.T) {
	assert.Equal(t, domain.AppID("firefox"), resolveAppID("linux", "firefox", "/usr/lib/firefox/firefox"))
}

func TestResolveAppID_EmptyNameFallsBackToExe(t *testing.T) {
	assert.Equal(t, domain.AppID("nginx"), resolveAppID("linux", "", "/usr/sbin/nginx"))
}

func TestResolveAppID_Deterministic(t *testing.T) {
	a := resolveAppID("darwin", "Slack", "/Applications/Slack.app/Contents/MacOS/Slack")
	b := resolveAppID("darwin", "Slack Helper", "/Applications/Slack.app/Contents/Frameworks/Slack Helper")
	assert.Equal(t, a, b, "every process of one bundle shares an identity")
}
