package policy

import (
	"fmt"
	"testing"
	"time"

	"pool-watcher/internal/metrics"
	"pool-watcher/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	alerts []model.Alert
	full   bool
}

func (r *recordingEmitter) Enqueue(a model.Alert) bool {
	if r.full {
		return false
	}
	r.alerts = append(r.alerts, a)
	return true
}

func (r *recordingEmitter) kinds() []model.AlertKind {
	var out []model.AlertKind
	for _, a := range r.alerts {
		out = append(out, a.Kind)
	}
	return out
}

func (r *recordingEmitter) count(kind model.AlertKind) int {
	n := 0
	for _, a := range r.alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	engine  *Engine
	state   *State
	out     *recordingEmitter
	clock   *fakeClock
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		state:   NewState(cfg.WindowSize),
		out:     &recordingEmitter{},
		clock:   &fakeClock{t: time.Date(2025, 10, 30, 0, 0, 0, 0, time.UTC)},
		metrics: metrics.New(),
	}
	seq := 0
	h.engine = NewEngine(cfg, h.out, h.metrics,
		WithClock(h.clock.Now),
		WithIDFunc(func() string { seq++; return fmt.Sprintf("alert-%d", seq) }),
	)
	return h
}

func defaultConfig() Config {
	return Config{
		WindowSize:           10,
		ErrorRateThreshold:   50,
		ErrorRateMinRequests: 1,
		Cooldowns: map[model.AlertKind]time.Duration{
			model.AlertFailover:  5 * time.Minute,
			model.AlertErrorRate: 5 * time.Minute,
		},
	}
}

func mkRec(pool model.Pool, status int, upstream []int, addrs []string) *model.RequestRecord {
	name := "blue"
	if pool == model.PoolBackup {
		name = "green"
	}
	if upstream == nil {
		upstream = []int{status}
	}
	if addrs == nil {
		addrs = make([]string, len(upstream))
		for i := range addrs {
			addrs[i] = fmt.Sprintf("10.0.0.%d:3000", i+1)
		}
	}
	return &model.RequestRecord{
		Pool:             pool,
		PoolName:         name,
		Release:          name + "-1.0.0",
		ClientStatus:     status,
		UpstreamStatuses: upstream,
		UpstreamAddrs:    addrs,
		Raw:              fmt.Sprintf(`{"pool":%q,"status":%d}`, name, status),
	}
}

func okRec(pool model.Pool) *model.RequestRecord { return mkRec(pool, 200, nil, nil) }

func TestEngine_FailoverScenario(t *testing.T) {
	h := newHarness(t, defaultConfig())

	for i := 0; i < 10; i++ {
		h.engine.Process(h.state, okRec(model.PoolPrimary))
	}
	sent := h.engine.Process(h.state, okRec(model.PoolBackup))

	require.Len(t, sent, 1)
	assert.Equal(t, []model.AlertKind{model.AlertFailover}, h.out.kinds())

	a := h.out.alerts[0]
	assert.Equal(t, "alert-1", a.ID)
	require.NotNil(t, a.Failover)
	assert.Equal(t, "blue", a.Failover.From)
	assert.Equal(t, "green", a.Failover.To)
	assert.Equal(t, "green-1.0.0", a.Failover.Release)
	assert.Equal(t, []int{200}, a.Failover.UpstreamStatuses)
	assert.Equal(t, []string{"10.0.0.1:3000"}, a.Failover.UpstreamAddrs)
	assert.Equal(t, model.WindowStats{Size: 10, ErrorCount: 0, ErrorPct: 0}, a.Window)
	assert.Nil(t, a.ErrorRate)
	assert.Equal(t, 0, h.out.count(model.AlertErrorRate))
}

func TestEngine_ErrorRateScenario(t *testing.T) {
	cfg := defaultConfig()
	cfg.WindowSize = 20
	// window 가 다 찬 뒤에만 판정해서 20개 전체 기준으로 순위를 본다
	cfg.ErrorRateMinRequests = 20
	h := newHarness(t, cfg)

	// 20개 중 12개가 5xx. 10.0.0.9 가 대부분의 에러를 낸다.
	for i := 0; i < 20; i++ {
		var r *model.RequestRecord
		switch {
		case i%5 == 0:
			// 첫 시도 502(10.0.0.7) → retry 성공, 클라이언트는 200
			r = mkRec(model.PoolPrimary, 200, []int{502, 200}, []string{"10.0.0.7:3000", "10.0.0.8:3000"})
		case i%5 == 1 || i%5 == 2:
			r = mkRec(model.PoolPrimary, 500, []int{500}, []string{"10.0.0.9:3000"})
		default:
			r = mkRec(model.PoolPrimary, 200, []int{200}, []string{"10.0.0.8:3000"})
		}
		h.engine.Process(h.state, r)
	}

	st := h.state.Window.Stats()
	require.Equal(t, 20, st.Size)
	require.Equal(t, 4+8, st.ErrorCount)

	require.Equal(t, 1, h.out.count(model.AlertErrorRate))
	assert.Equal(t, 0, h.out.count(model.AlertFailover))

	a := h.out.alerts[0]
	require.NotNil(t, a.ErrorRate)
	assert.Equal(t, []model.UpstreamCount{
		{Addr: "10.0.0.9:3000", Errors: 8},
		{Addr: "10.0.0.7:3000", Errors: 4},
	}, a.ErrorRate.Upstreams)
	assert.InDelta(t, 60.0, a.Window.ErrorPct, 1e-9)
}

func TestEngine_ErrorRateThresholdBoundary(t *testing.T) {
	h := newHarness(t, defaultConfig())

	for i := 0; i < 6; i++ {
		h.engine.Process(h.state, okRec(model.PoolPrimary))
	}
	for i := 0; i < 4; i++ {
		h.engine.Process(h.state, mkRec(model.PoolPrimary, 500, nil, nil))
	}
	// 40% < 50%
	assert.Equal(t, 0, h.out.count(model.AlertErrorRate))

	// 5번째 에러가 non-error 를 밀어내면 50% → 조건 성립
	h.engine.Process(h.state, mkRec(model.PoolPrimary, 500, nil, nil))
	assert.Equal(t, 1, h.out.count(model.AlertErrorRate))
	assert.InDelta(t, 50.0, h.out.alerts[0].Window.ErrorPct, 1e-9)
}

func TestEngine_ErrorRateMinRequests(t *testing.T) {
	cfg := defaultConfig()
	cfg.ErrorRateMinRequests = 3
	h := newHarness(t, cfg)

	h.engine.Process(h.state, mkRec(model.PoolPrimary, 500, nil, nil))
	h.engine.Process(h.state, mkRec(model.PoolPrimary, 500, nil, nil))
	assert.Empty(t, h.out.alerts)

	h.engine.Process(h.state, mkRec(model.PoolPrimary, 500, nil, nil))
	assert.Equal(t, 1, h.out.count(model.AlertErrorRate))
}

func TestEngine_FailoverCooldown(t *testing.T) {
	h := newHarness(t, defaultConfig())

	h.engine.Process(h.state, okRec(model.PoolPrimary))
	h.engine.Process(h.state, okRec(model.PoolBackup)) // flip #1 → 발송
	h.clock.Advance(time.Minute)
	h.engine.Process(h.state, okRec(model.PoolPrimary)) // flip #2 → 쿨다운
	assert.Equal(t, 1, h.out.count(model.AlertFailover))
	assert.Equal(t, int64(1), h.metrics.AlertsCooldownSkippedTotal)

	// 첫 발송 후 정확히 5분
	h.clock.Advance(4 * time.Minute)
	h.engine.Process(h.state, okRec(model.PoolBackup)) // flip #3 → 발송
	assert.Equal(t, 2, h.out.count(model.AlertFailover))
	assert.Equal(t, int64(3), h.metrics.FlipsObservedTotal)
}

func TestEngine_BothKindsSameTick(t *testing.T) {
	cfg := defaultConfig()
	cfg.WindowSize = 2
	h := newHarness(t, cfg)

	h.engine.Process(h.state, okRec(model.PoolPrimary))
	sent := h.engine.Process(h.state, mkRec(model.PoolBackup, 502, nil, nil))

	require.Len(t, sent, 2)
	assert.Equal(t, []model.AlertKind{model.AlertFailover, model.AlertErrorRate}, h.out.kinds())
}

func TestEngine_MaintenanceSuppression(t *testing.T) {
	cfg := defaultConfig()
	cfg.Suppressed = true
	h := newHarness(t, cfg)
	require.True(t, h.engine.Suppressed())

	h.engine.Process(h.state, okRec(model.PoolPrimary))
	h.engine.Process(h.state, okRec(model.PoolBackup))
	for i := 0; i < 10; i++ {
		h.engine.Process(h.state, mkRec(model.PoolBackup, 500, nil, nil))
	}
	assert.Empty(t, h.out.alerts)
	assert.Empty(t, h.state.LastEmitted, "suppression must not touch cooldown timers")
	assert.Positive(t, h.metrics.AlertsSuppressedTotal)

	h.engine.SetSuppressed(false)
	h.engine.Process(h.state, okRec(model.PoolPrimary))
	assert.Equal(t, []model.AlertKind{model.AlertFailover, model.AlertErrorRate}, h.out.kinds())
}

func TestEngine_SuppressionHonoursEarlierCooldown(t *testing.T) {
	h := newHarness(t, defaultConfig())

	h.engine.Process(h.state, okRec(model.PoolPrimary))
	h.engine.Process(h.state, okRec(model.PoolBackup))
	require.Equal(t, 1, h.out.count(model.AlertFailover))

	h.engine.SetSuppressed(true)
	h.clock.Advance(time.Minute)
	h.engine.Process(h.state, okRec(model.PoolPrimary))
	h.engine.SetSuppressed(false)

	// 쿨다운(5분)이 아직 남아 있으므로 억제 해제 후에도 발송되지 않는다
	h.clock.Advance(time.Minute)
	h.engine.Process(h.state, okRec(model.PoolBackup))
	assert.Equal(t, 1, h.out.count(model.AlertFailover))

	// 쿨다운이 끝나면 다음 flip 은 발송
	h.clock.Advance(3 * time.Minute)
	h.engine.Process(h.state, okRec(model.PoolPrimary))
	assert.Equal(t, 2, h.out.count(model.AlertFailover))
}

func TestEngine_QueueFullStillCommitsCooldown(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.out.full = true

	h.engine.Process(h.state, okRec(model.PoolPrimary))
	sent := h.engine.Process(h.state, okRec(model.PoolBackup))
	require.Len(t, sent, 1)
	assert.Contains(t, h.state.LastEmitted, model.AlertFailover)

	h.out.full = false
	h.engine.Process(h.state, okRec(model.PoolPrimary))
	assert.Empty(t, h.out.alerts)
}

func TestRankUpstreams_TieBreakFirstSeen(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.engine.SetSuppressed(true)

	h.engine.Process(h.state, mkRec(model.PoolPrimary, 500, []int{500}, []string{"b:1"}))
	h.engine.Process(h.state, mkRec(model.PoolPrimary, 500, []int{500}, []string{"a:1"}))
	h.engine.Process(h.state, mkRec(model.PoolPrimary, 200, []int{502, 200}, []string{"c:1", "a:1"}))
	h.engine.Process(h.state, mkRec(model.PoolPrimary, 504, []int{200}, []string{"d:1"}))
	h.engine.Process(h.state, mkRec(model.PoolPrimary, 500, []int{500}, []string{"c:1"}))

	got := RankUpstreams(h.state.Window)
	assert.Equal(t, []model.UpstreamCount{
		{Addr: "c:1", Errors: 2},
		{Addr: "b:1", Errors: 1},
		{Addr: "a:1", Errors: 1},
		{Addr: "d:1", Errors: 1},
	}, got)
}
