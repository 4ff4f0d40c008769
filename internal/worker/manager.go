// internal/worker/manager.go
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pool-watcher/internal/config"
	"pool-watcher/internal/metrics"
	"pool-watcher/internal/model"

	zlog "github.com/rs/zerolog/log"
)

// Manager 는 알림 아카이브 파이프라인이다.
// dispatcher 가 전달을 시도한 알림(성공/실패 무관)을 받아
//   - 배치로 묶어 gzip+JSONL 인코딩
//   - S3 업로드 (실패 시 로컬 DLQ 저장)
//   - idle 시간에 DLQ 재업로드
//
// 를 수행한다. 알림 채널의 전달 결과와 무관한 사후 기록용이므로
// 여기서의 실패는 알림 판정/전달에 영향을 주지 않는다.
//
// 주요 구성:
//   - alertCh: dispatcher → Manager (Submit, non-blocking)
//   - collectLoop: ArchiveBatchSize 또는 ArchiveFlushInterval 마다 배치를 uploadCh 로
//   - uploadLoop: 인코딩 + 업로드 + DLQ
type Manager struct {
	cfg     config.Config
	metrics *metrics.Metrics
	s3      *S3Uploader
	dlq     *DLQManager
	encoder *Encoder

	alertCh  chan model.Alert
	uploadCh chan []model.Alert

	// Submit 과 close(alertCh) 경합 방지
	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	dlqInterval time.Duration
}

// NewManager 는 uploader 위에 DLQ 와 encoder 를 구성한다.
func NewManager(cfg config.Config, m *metrics.Metrics, uploader *S3Uploader) *Manager {
	if m == nil {
		m = metrics.New()
	}
	return &Manager{
		cfg:         cfg,
		metrics:     m,
		s3:          uploader,
		dlq:         NewDLQManager(cfg, m, uploader),
		encoder:     NewEncoder(),
		alertCh:     make(chan model.Alert, cfg.ArchiveQueueSize),
		uploadCh:    make(chan []model.Alert, 4),
		dlqInterval: time.Second,
	}
}

// Start 는 collectLoop / uploadLoop 를 띄운다.
func (m *Manager) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(2)
	go m.collectLoop()
	go m.uploadLoop()
}

// Submit 은 알림을 아카이브 큐에 넣는다. 가득 찼거나 종료 중이면 false.
func (m *Manager) Submit(alert model.Alert) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false
	}
	select {
	case m.alertCh <- alert:
		return true
	default:
		return false
	}
}

// Shutdown
//
// 입력을 닫고 남은 배치를 올릴 시간을 ctx 만큼 준다.
// ctx 가 먼저 끝나면 진행 중인 업로드를 취소한다. 취소된 배치는 DLQ 로 간다.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.alertCh)
		m.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.stop()
		return nil
	case <-ctx.Done():
		m.stop()
		<-done
		return ctx.Err()
	}
}

func (m *Manager) stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// collectLoop 는 alertCh 가 닫히면 남은 배치를 넘기고 uploadCh 를 닫는다.
// flush 는 항상 새 slice 를 만든다 (uploadLoop 가 이전 slice 를 쓰는 중).
func (m *Manager) collectLoop() {
	defer m.wg.Done()
	defer close(m.uploadCh)

	batch := make([]model.Alert, 0, m.cfg.ArchiveBatchSize)
	timer := time.NewTimer(m.cfg.ArchiveFlushInterval)
	defer timer.Stop()

	reset := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.cfg.ArchiveFlushInterval)
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		m.uploadCh <- batch
		batch = make([]model.Alert, 0, m.cfg.ArchiveBatchSize)
		reset()
	}

	for {
		select {
		case a, ok := <-m.alertCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, a)
			if len(batch) >= m.cfg.ArchiveBatchSize {
				flush()
			}

		case <-timer.C:
			if len(batch) > 0 {
				flush()
			} else {
				timer.Reset(m.cfg.ArchiveFlushInterval)
			}
		}
	}
}

// uploadLoop 는 배치를 처리하고, 배치 사이와 idle 시간에 DLQ 를 최대 3건씩 재업로드한다.
// uploadCh 가 닫히고 비면 종료한다.
func (m *Manager) uploadLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.dlqInterval)
	defer ticker.Stop()

	drainDLQ := func() {
		for i := 0; i < 3; i++ {
			if !m.dlq.ProcessOneCtx(m.ctx) {
				return
			}
		}
	}

	for {
		select {
		case batch, ok := <-m.uploadCh:
			if !ok {
				zlog.Info().Msg("archive uploader exiting")
				return
			}
			m.processBatch(m.ctx, batch)
			drainDLQ()

		case <-ticker.C:
			drainDLQ()
		}
	}
}

// processBatch
//  1. 인코딩 실패 → drop (알림 struct 는 항상 직렬화 가능해야 하므로 사실상 버그)
//  2. S3 실패 → 로컬 DLQ
//  3. 성공 → ArchiveAlertsStoredTotal
func (m *Manager) processBatch(ctx context.Context, batch []model.Alert) {
	if len(batch) == 0 {
		return
	}

	data, err := m.encoder.EncodeBatchJSONLGZ(batch)
	if err != nil {
		atomic.AddInt64(&m.metrics.ArchiveDroppedTotal, int64(len(batch)))
		zlog.Error().Err(err).Int("alerts", len(batch)).Msg("archive encode failed, batch dropped")
		return
	}

	key := BuildS3Key(m.cfg.ArchivePrefix, NewFilename(m.cfg.InstanceID))

	if err := m.s3.UploadBytesWithRetryCtx(ctx, key, data); err != nil {
		zlog.Warn().Err(err).Str("key", key).Msg("archive upload failed, saving to DLQ")
		if err2 := m.dlq.Save(data, len(batch)); err2 != nil {
			zlog.Error().Err(err2).Msg("local DLQ save failed")
		}
		return
	}

	atomic.AddInt64(&m.metrics.ArchiveAlertsStoredTotal, int64(len(batch)))
	zlog.Debug().Str("key", key).Int("alerts", len(batch)).Msg("archive batch uploaded")
}
