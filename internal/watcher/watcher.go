// internal/watcher/watcher.go
package watcher

import (
	"context"
	"sync/atomic"
	"time"

	"pool-watcher/internal/config"
	"pool-watcher/internal/metrics"
	"pool-watcher/internal/model"
	"pool-watcher/internal/parser"
	"pool-watcher/internal/policy"
	"pool-watcher/internal/tailer"

	zlog "github.com/rs/zerolog/log"
)

// 거부된 라인을 로그에 남길 때 잘라 낼 길이
const maxLoggedLine = 256

// PolicyConfig 는 config.Config 에서 판정 정책만 뽑아낸다.
func PolicyConfig(cfg config.Config) policy.Config {
	return policy.Config{
		WindowSize:           cfg.WindowSize,
		ErrorRateThreshold:   cfg.ErrorRateThreshold,
		ErrorRateMinRequests: cfg.ErrorRateMinRequests,
		Cooldowns: map[model.AlertKind]time.Duration{
			model.AlertFailover:  cfg.FailoverCooldown,
			model.AlertErrorRate: cfg.ErrorRateCooldown,
		},
		Suppressed: cfg.MaintenanceMode,
	}
}

// Watcher
// ------------------------------------------------------------
// ingest 파이프라인: Tailer → Parser → Engine.Process
//
// Run 을 호출한 goroutine 하나가 라인을 읽고, 파싱하고, Window/FlipDetector 를
// 갱신하고, 알림을 판정한다. State 는 이 goroutine 만 만진다.
// 알림 전달은 Engine 의 Emitter(dispatcher) 가 비동기로 처리하므로
// webhook 이 느려도 여기는 멈추지 않는다.
type Watcher struct {
	parser  *parser.Parser
	engine  *policy.Engine
	state   *policy.State
	tailer  *tailer.Tailer
	metrics *metrics.Metrics

	ready atomic.Bool
}

func New(cfg config.Config, engine *policy.Engine, m *metrics.Metrics) *Watcher {
	if m == nil {
		m = metrics.New()
	}
	return &Watcher{
		parser: parser.New(parser.PoolNames{Primary: cfg.PrimaryPool, Backup: cfg.BackupPool}),
		engine: engine,
		state:  policy.NewState(cfg.WindowSize),
		tailer: tailer.New(tailer.Options{
			Path:         cfg.LogPath,
			PollInterval: cfg.TailPollInterval,
			StartupGrace: cfg.TailStartupGrace,
			Metrics:      m,
		}),
		metrics: m,
	}
}

// Run 은 ctx 가 끝날 때까지 로그를 따라간다.
// 로그 파일을 StartupGrace 안에 열지 못한 경우에만 에러를 돌려준다.
func (w *Watcher) Run(ctx context.Context) error {
	go func() {
		select {
		case <-w.tailer.Ready():
			w.ready.Store(true)
		case <-ctx.Done():
		}
	}()

	return w.tailer.Run(ctx, func(line []byte) { w.HandleLine(line) })
}

// Ready 는 로그 파일을 한 번이라도 열었으면 true (/health 용).
func (w *Watcher) Ready() bool { return w.ready.Load() }

// HandleLine 은 라인 하나를 끝까지 처리하고 이번에 발송한 알림을 돌려준다.
// 잘못된 라인은 버리고 상태를 건드리지 않는다.
func (w *Watcher) HandleLine(line []byte) []model.Alert {
	rec, err := w.parser.Parse(line)
	if err != nil {
		atomic.AddInt64(&w.metrics.LinesRejectedTotal, 1)

		shown := line
		if len(shown) > maxLoggedLine {
			shown = shown[:maxLoggedLine]
		}
		zlog.Debug().Err(err).Bytes("line", shown).Msg("log line rejected")
		return nil
	}

	atomic.AddInt64(&w.metrics.RecordsParsedTotal, 1)
	return w.engine.Process(w.state, rec)
}
