package rodbrowser

import (
	"testing"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/require"
)

func TestNewLauncherKeepsExplicitPath(t *testing.T) {
	t.Parallel()

	l, err := NewLauncher(Config{BrowserPath: "/opt/chromium/chrome"})
	require.NoError(t, err)
	require.Equal(t, "/opt/chromium/chrome", l.cfg.BrowserPath)
	require.Equal(t, "1366,900", l.cfg.WindowSize)
}

func TestNewProcessFlags(t *testing.T) {
	t.Parallel()

	l, err := NewLauncher(Config{BrowserPath: "/bin/true", Headless: true, NoSandbox: true})
	require.NoError(t, err)
	lc := l.newProcess()

	require.True(t, lc.Has("disable-dev-shm-usage"))
	require.Equal(t, "new", lc.Get("headless"))
	require.True(t, lc.Has("no-sandbox"))
}

func TestHeapBytes(t *testing.T) {
	t.Parallel()

	got, err := heapBytes([]*proto.PerformanceMetric{
		{Name: "Documents", Value: 3},
		{Name: "JSHeapTotalSize", Value: 1_048_576},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1_048_576), got)

	_, err = heapBytes(nil)
	require.ErrorIs(t, err, errNoHeapMetric)
}
