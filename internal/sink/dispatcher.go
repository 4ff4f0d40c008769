package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pool-watcher/internal/metrics"
	"pool-watcher/internal/model"

	zlog "github.com/rs/zerolog/log"
)

// Archiver 는 전달을 시도한 알림의 사본을 받아 가는 쪽 (worker.Manager).
// Dispatcher 와 마찬가지로 block 하면 안 된다.
type Archiver interface {
	Submit(alert model.Alert) bool
}

// Dispatcher
// ------------------------------------------------------------
// ingest 경로와 Sink 사이의 비동기 경계.
//
//   - Enqueue: ingest goroutine 에서 호출. 절대 block 하지 않는다.
//     큐가 가득 차면 drop + Error 로그 + 카운터.
//   - deliverLoop: 단일 goroutine 이 큐 순서대로 Sink.Deliver 호출.
//     → 감지 순서 = 전달 순서 (같은 kind 끼리는 물론 전체 순서도 유지)
//
// 느리거나 멈춘 webhook 이 tailing 을 막아 Window / 쿨다운 시각이
// 실제 시간과 어긋나는 일을 막는 것이 이 구성 요소의 존재 이유다.
type Dispatcher struct {
	sink    Sink
	metrics *metrics.Metrics
	archive Archiver
	timeout time.Duration // 알림 1건 전달에 허용하는 최대 시간

	queue chan model.Alert

	// Enqueue 와 close(queue) 경합 방지
	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher 는 queueSize 크기의 큐를 만든다. archive 는 nil 이어도 된다.
// timeout 은 webhook 재시도까지 포함한 1건 전체 상한이다.
func NewDispatcher(s Sink, queueSize int, timeout time.Duration, m *metrics.Metrics, archive Archiver) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	if m == nil {
		m = metrics.New()
	}
	return &Dispatcher{
		sink:    s,
		metrics: m,
		archive: archive,
		timeout: timeout,
		queue:   make(chan model.Alert, queueSize),
	}
}

func (d *Dispatcher) Start() {
	d.ctx, d.cancel = context.WithCancel(context.Background())

	d.wg.Add(1)
	go d.deliverLoop()
}

// Enqueue 는 알림을 큐에 넣는다. 넣지 못하면 false.
func (d *Dispatcher) Enqueue(alert model.Alert) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		atomic.AddInt64(&d.metrics.DispatchDroppedTotal, 1)
		return false
	}

	select {
	case d.queue <- alert:
		return true
	default:
		atomic.AddInt64(&d.metrics.DispatchDroppedTotal, 1)
		return false
	}
}

// Shutdown
//
// 큐를 닫고 남은 알림을 전달할 시간을 ctx 만큼 준다.
// ctx 가 먼저 끝나면 진행 중인 전달을 취소하고(→ 남은 건 즉시 실패 처리)
// goroutine 이 빠져나올 때까지 기다린 뒤 ctx.Err() 를 반환한다.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.stop()
		return nil
	case <-ctx.Done():
		d.stop()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// deliverLoop 는 큐가 닫히고 비워질 때까지 순서대로 전달한다.
func (d *Dispatcher) deliverLoop() {
	defer d.wg.Done()

	for alert := range d.queue {
		d.deliver(alert)
	}
	zlog.Info().Str("sink", d.sink.Name()).Msg("dispatcher exiting")
}

func (d *Dispatcher) deliver(alert model.Alert) {
	ctx := d.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(d.ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	err := d.sink.Deliver(ctx, alert)

	if err != nil {
		atomic.AddInt64(&d.metrics.DeliveriesFailedTotal, 1)
		zlog.Error().
			Err(err).
			Str("sink", d.sink.Name()).
			Str("kind", string(alert.Kind)).
			Str("alert_id", alert.ID).
			Msg("alert delivery failed, alert dropped")
	} else {
		atomic.AddInt64(&d.metrics.DeliveriesOKTotal, 1)
		zlog.Info().
			Str("sink", d.sink.Name()).
			Str("kind", string(alert.Kind)).
			Str("alert_id", alert.ID).
			Dur("took", time.Since(start)).
			Msg("alert delivered")
	}

	if d.archive != nil && !d.archive.Submit(alert) {
		atomic.AddInt64(&d.metrics.ArchiveDroppedTotal, 1)
		zlog.Warn().Str("alert_id", alert.ID).Msg("archive queue full, alert not archived")
	}
}
