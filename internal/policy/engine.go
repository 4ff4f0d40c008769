// internal/policy/engine.go
package policy

import (
	"sort"
	"sync/atomic"
	"time"

	"pool-watcher/internal/detector"
	"pool-watcher/internal/metrics"
	"pool-watcher/internal/model"
	"pool-watcher/internal/window"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
)

// Config 는 판정 정책. config.Config 에서 필요한 값만 옮겨 담는다.
type Config struct {
	WindowSize           int
	ErrorRateThreshold   float64 // %
	ErrorRateMinRequests int     // error_rate 판정에 필요한 최소 window 크기 (1 미만이면 1)
	Cooldowns            map[model.AlertKind]time.Duration
	Suppressed           bool // 시작 시 maintenance 억제 여부
}

// Emitter 는 만들어진 알림을 받아 가는 쪽 (sink.Dispatcher).
// 절대 block 하면 안 된다. 큐가 가득 차면 false 를 돌려주고 버린다.
type Emitter interface {
	Enqueue(alert model.Alert) bool
}

// State
// ------------------------------------------------------------
// ingest 파이프라인이 소유하는 가변 상태 전부.
// 전역 변수 없이 Process 호출마다 명시적으로 넘긴다.
//
//   - Window:      최근 N 개 요청
//   - Flips:       마지막 pool
//   - LastEmitted: 종류별 마지막 "발송" 시각 (쿨다운 기준)
//
// ingest goroutine 하나만 만지므로 lock 이 없다.
// 프로세스 재시작 시 전부 초기화된다.
type State struct {
	Window      *window.Window
	Flips       *detector.FlipDetector
	LastEmitted map[model.AlertKind]time.Time
}

func NewState(windowSize int) *State {
	return &State{
		Window:      window.New(windowSize),
		Flips:       detector.NewFlipDetector(),
		LastEmitted: make(map[model.AlertKind]time.Time, len(model.AlertKinds)),
	}
}

// Option 은 테스트에서 시계와 ID 생성기를 바꿔 끼울 때 사용한다.
type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDFunc(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// Engine
// ------------------------------------------------------------
// 레코드 하나가 들어올 때마다
//
//  1. Window / FlipDetector 갱신
//  2. failover → error_rate 순서로 조건 평가 (같은 레코드에서 둘 다 가능)
//  3. 억제 / 쿨다운 통과 시 Alert 생성 → Emitter 로 전달 → LastEmitted 기록
//
// 종류별 상태 머신은 서로 독립이다:
//
//	ELIGIBLE --(조건 만족 & 발송)--> IN_COOLDOWN --(쿨다운 경과)--> ELIGIBLE
//
// IN_COOLDOWN 은 별도 상태값 없이 LastEmitted 와 현재 시각 차이로 판단한다.
//
// maintenance 억제는 발송 앞의 게이트일 뿐 상태 전이가 아니다.
// 억제 중에는 LastEmitted 를 건드리지 않으므로 억제 전 쿨다운은 그대로 유지된다.
type Engine struct {
	cfg     Config
	out     Emitter
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	suppressed atomic.Bool // 운영 HTTP 에서 토글하므로 atomic
}

func NewEngine(cfg Config, out Emitter, m *metrics.Metrics, opts ...Option) *Engine {
	if cfg.ErrorRateMinRequests < 1 {
		cfg.ErrorRateMinRequests = 1
	}
	if m == nil {
		m = metrics.New()
	}
	e := &Engine{
		cfg:     cfg,
		out:     out,
		metrics: m,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.suppressed.Store(cfg.Suppressed)
	return e
}

// SetSuppressed 는 maintenance 억제를 켜고 끈다. 어느 goroutine 에서 불러도 된다.
func (e *Engine) SetSuppressed(on bool) {
	if e.suppressed.Swap(on) != on {
		zlog.Info().Bool("suppressed", on).Msg("maintenance suppression changed")
	}
}

func (e *Engine) Suppressed() bool { return e.suppressed.Load() }

// Process 는 레코드 하나를 완전히 반영하고 이번에 발송한 알림을 돌려준다.
// 레코드는 전부 반영되거나(Window + Detector) 호출되지 않거나 둘 중 하나다.
func (e *Engine) Process(st *State, rec *model.RequestRecord) []model.Alert {
	st.Window.Push(rec)
	flip := st.Flips.Observe(rec)
	if flip != nil {
		atomic.AddInt64(&e.metrics.FlipsObservedTotal, 1)
	}

	now := e.now()
	stats := st.Window.Stats()

	var sent []model.Alert

	// --- 1) failover ---
	if flip != nil {
		if a, ok := e.fire(st, model.AlertFailover, now, stats, rec, func(a *model.Alert) {
			a.Failover = &model.FailoverDetail{
				From:             flip.FromName,
				To:               flip.ToName,
				Release:          flip.Record.Release,
				UpstreamStatuses: append([]int(nil), flip.Record.UpstreamStatuses...),
				UpstreamAddrs:    append([]string(nil), flip.Record.UpstreamAddrs...),
			}
		}); ok {
			sent = append(sent, a)
		}
	}

	// --- 2) error_rate ---
	if stats.Size >= e.cfg.ErrorRateMinRequests && stats.ErrorPct >= e.cfg.ErrorRateThreshold {
		if a, ok := e.fire(st, model.AlertErrorRate, now, stats, rec, func(a *model.Alert) {
			a.ErrorRate = &model.ErrorRateDetail{Upstreams: RankUpstreams(st.Window)}
		}); ok {
			sent = append(sent, a)
		}
	}

	return sent
}

// fire 는 억제 → 쿨다운 순서로 게이트를 통과하면 알림을 만들어 내보낸다.
// Emitter 가 거절(큐 full)해도 쿨다운은 기록한다. 재시도 폭주 방지.
func (e *Engine) fire(
	st *State,
	kind model.AlertKind,
	now time.Time,
	stats model.WindowStats,
	rec *model.RequestRecord,
	detail func(*model.Alert),
) (model.Alert, bool) {

	if e.suppressed.Load() {
		atomic.AddInt64(&e.metrics.AlertsSuppressedTotal, 1)
		zlog.Info().Str("kind", string(kind)).Msg("maintenance suppression on, alert skipped")
		return model.Alert{}, false
	}

	if last, ok := st.LastEmitted[kind]; ok && now.Sub(last) < e.cfg.Cooldowns[kind] {
		atomic.AddInt64(&e.metrics.AlertsCooldownSkippedTotal, 1)
		zlog.Debug().
			Str("kind", string(kind)).
			Dur("since_last", now.Sub(last)).
			Msg("alert in cooldown, skipped")
		return model.Alert{}, false
	}

	a := model.Alert{
		ID:        e.newID(),
		Kind:      kind,
		Timestamp: now,
		Window:    stats,
		Sample:    rec.Raw,
	}
	detail(&a)

	st.LastEmitted[kind] = now

	switch kind {
	case model.AlertFailover:
		atomic.AddInt64(&e.metrics.AlertsFailoverTotal, 1)
	case model.AlertErrorRate:
		atomic.AddInt64(&e.metrics.AlertsErrorRateTotal, 1)
	}

	if e.out != nil && !e.out.Enqueue(a) {
		zlog.Error().Str("kind", string(kind)).Str("alert_id", a.ID).Msg("alert dropped: dispatch queue full")
	}

	zlog.Info().
		Str("kind", string(kind)).
		Str("alert_id", a.ID).
		Int("window", stats.Size).
		Int("errors", stats.ErrorCount).
		Float64("error_pct", stats.ErrorPct).
		Msg("alert emitted")

	return a, true
}

// RankUpstreams
// ------------------------------------------------------------
// window 안의 레코드를 오래된 순으로 훑으며 upstream 주소별 에러 기여 횟수를 센다.
//
//   - upstream status >= 500 인 시도 → 같은 index 의 주소에 +1
//   - upstream 은 전부 정상인데 client status >= 500 (프록시 자체 실패) → 마지막 주소에 +1
//
// 결과는 횟수 내림차순, 동률이면 먼저 관측된 주소가 앞.
func RankUpstreams(w *window.Window) []model.UpstreamCount {
	var ranked []model.UpstreamCount
	index := map[string]int{}

	add := func(addr string) {
		i, ok := index[addr]
		if !ok {
			i = len(ranked)
			index[addr] = i
			ranked = append(ranked, model.UpstreamCount{Addr: addr})
		}
		ranked[i].Errors++
	}

	w.Each(func(rec *model.RequestRecord) {
		attributed := false
		for i, s := range rec.UpstreamStatuses {
			if s >= 500 && i < len(rec.UpstreamAddrs) {
				add(rec.UpstreamAddrs[i])
				attributed = true
			}
		}
		if !attributed && rec.ClientStatus >= 500 && len(rec.UpstreamAddrs) > 0 {
			add(rec.UpstreamAddrs[len(rec.UpstreamAddrs)-1])
		}
	})

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Errors > ranked[j].Errors
	})
	return ranked
}
