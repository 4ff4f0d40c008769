package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pool-watcher/internal/config"
	"pool-watcher/internal/metrics"
	"pool-watcher/internal/model"
	"pool-watcher/internal/policy"
	"pool-watcher/internal/sink"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureEmitter struct{ alerts []model.Alert }

func (c *captureEmitter) Enqueue(a model.Alert) bool {
	c.alerts = append(c.alerts, a)
	return true
}

func testConfig(dir string) config.Config {
	return config.Config{
		LogPath:              filepath.Join(dir, "access.log"),
		TailPollInterval:     20 * time.Millisecond,
		TailStartupGrace:     2 * time.Second,
		WindowSize:           10,
		ErrorRateThreshold:   50,
		ErrorRateMinRequests: 1,
		FailoverCooldown:     time.Minute,
		ErrorRateCooldown:    time.Minute,
		PrimaryPool:          "blue",
		BackupPool:           "green",
		TopUpstreams:         3,
		OutboxPath:           filepath.Join(dir, "outbox.log"),
	}
}

// logLine 은 upstream status 마다 주소 하나씩 맞춰서 붙인다 (10.0.0.1:3000, 10.0.0.2:3000, ...).
func logLine(pool string, status int, upstream string) string {
	n := len(strings.Split(upstream, ","))
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("10.0.0.%d:3000", i+1)
	}
	return fmt.Sprintf(`{"time":"2025-10-30T00:00:00Z","pool":%q,"release":"%s-1","status":%d,`+
		`"upstream_status":%q,"upstream_addr":%q}`, pool, pool, status, upstream, strings.Join(addrs, ", "))
}

func TestLogLine_AlignsAddrsWithStatuses(t *testing.T) {
	cfg := testConfig(t.TempDir())
	m := metrics.New()
	w := New(cfg, policy.NewEngine(PolicyConfig(cfg), &captureEmitter{}, m), m)

	w.HandleLine([]byte(logLine("blue", 200, "500, 200")))

	require.Equal(t, int64(0), atomic.LoadInt64(&m.LinesRejectedTotal))
	stats := w.state.Window.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 1, stats.ErrorCount, "masked upstream 500 must reach the window as an error")
}

func TestHandleLine_RejectsDoNotTouchState(t *testing.T) {
	cfg := testConfig(t.TempDir())
	m := metrics.New()
	out := &captureEmitter{}
	w := New(cfg, policy.NewEngine(PolicyConfig(cfg), out, m), m)

	assert.Nil(t, w.HandleLine([]byte("not json")))
	assert.Nil(t, w.HandleLine([]byte(logLine("red", 200, "200"))))

	assert.Equal(t, int64(2), atomic.LoadInt64(&m.LinesRejectedTotal))
	assert.Equal(t, 0, w.state.Window.Len())

	w.HandleLine([]byte(logLine("blue", 200, "200")))
	assert.Equal(t, 1, w.state.Window.Len())
	assert.Equal(t, int64(1), atomic.LoadInt64(&m.RecordsParsedTotal))
	assert.Empty(t, out.alerts)
}

func TestHandleLine_FailoverThenErrorRate(t *testing.T) {
	cfg := testConfig(t.TempDir())
	m := metrics.New()
	out := &captureEmitter{}
	w := New(cfg, policy.NewEngine(PolicyConfig(cfg), out, m), m)

	for i := 0; i < 5; i++ {
		w.HandleLine([]byte(logLine("blue", 200, "200")))
	}
	sent := w.HandleLine([]byte(logLine("green", 200, "500, 200")))
	require.Len(t, sent, 1)
	assert.Equal(t, model.AlertFailover, sent[0].Kind)
	assert.Equal(t, "blue", sent[0].Failover.From)
	assert.Equal(t, "green", sent[0].Failover.To)

	// 6 + 4 = 10, 에러 5/10 = 50% 에서 error_rate
	for i := 0; i < 3; i++ {
		assert.Empty(t, w.HandleLine([]byte(logLine("green", 502, "502"))))
	}
	sent = w.HandleLine([]byte(logLine("green", 502, "502")))
	require.Len(t, sent, 1)
	assert.Equal(t, model.AlertErrorRate, sent[0].Kind)
	assert.Equal(t, 50.0, sent[0].Window.ErrorPct)
}

func TestRun_EndToEndOutbox(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	require.NoError(t, os.WriteFile(cfg.LogPath, []byte(logLine("green", 200, "200")+"\n"), 0o644))

	m := metrics.New()
	outbox := sink.NewOutbox(cfg.OutboxPath, false, cfg.TopUpstreams)
	disp := sink.NewDispatcher(outbox, 8, time.Second, m, nil)
	disp.Start()

	w := New(cfg, policy.NewEngine(PolicyConfig(cfg), disp, m), m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, w.Ready, 2*time.Second, 10*time.Millisecond)

	f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	var lines strings.Builder
	for i := 0; i < 10; i++ {
		lines.WriteString(logLine("blue", 200, "200") + "\n")
	}
	lines.WriteString("garbage\n")
	lines.WriteString(logLine("green", 200, "500, 200") + "\n")
	_, err = f.WriteString(lines.String())
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&m.DeliveriesOKTotal) == 1
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, disp.Shutdown(context.Background()))

	// 시작 전에 있던 green 라인은 건너뛰므로 failover 는 blue → green 한 번뿐
	data, err := os.ReadFile(cfg.OutboxPath)
	require.NoError(t, err)
	got := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, got, 1)
	cols := strings.Split(got[0], "\t")
	require.Len(t, cols, 3)
	assert.Equal(t, "failover", cols[1])
	assert.Contains(t, cols[2], `"from":"blue"`)

	assert.Equal(t, int64(12), atomic.LoadInt64(&m.LinesReadTotal))
	assert.Equal(t, int64(1), atomic.LoadInt64(&m.LinesRejectedTotal))
	assert.Equal(t, int64(11), atomic.LoadInt64(&m.RecordsParsedTotal))
}
