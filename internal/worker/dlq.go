// internal/worker/dlq.go
package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"pool-watcher/internal/config"
	"pool-watcher/internal/metrics"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	zlog "github.com/rs/zerolog/log"
)

const metaSuffix = ".meta.json"

// DLQManager
// ------------------------------------------------------------
// S3 업로드에 실패한 아카이브 배치를 로컬 디스크에 보관하고 나중에 재업로드한다.
//
//   - data: <unix>_<instance>_<counter>.jsonl.gz (업로드하려던 바이트 그대로)
//   - meta: <data>.meta.json  {"num_alerts":N}
//
// TTL 은 파일명 prefix 의 unix timestamp 기준 (mtime 아님).
// 용량 상한을 넘으면 가장 오래된 파일부터 지운다.
//
// uploadLoop goroutine 하나만 호출하므로 파일 조작에 lock 은 없다.
// 크기 카운터만 metrics 와 공유하므로 atomic.
type DLQManager struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	uploader *S3Uploader

	dlqSizeBytes int64
}

// NewDLQManager 는 기존 파일을 스캔해 크기/개수 metric 을 복원하고
// data 없이 남은 meta 파일을 정리한다.
func NewDLQManager(cfg config.Config, m *metrics.Metrics, uploader *S3Uploader) *DLQManager {
	if err := os.MkdirAll(cfg.DLQDir, 0o755); err != nil {
		zlog.Warn().Err(err).Str("dir", cfg.DLQDir).Msg("DLQ dir create failed")
	}

	d := &DLQManager{
		cfg:      cfg,
		metrics:  m,
		uploader: uploader,
	}

	var total, count int64

	entries, err := os.ReadDir(cfg.DLQDir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}

			name := e.Name()

			if strings.HasSuffix(name, metaSuffix) {
				dataName := strings.TrimSuffix(name, metaSuffix)
				if _, err := os.Stat(filepath.Join(cfg.DLQDir, dataName)); os.IsNotExist(err) {
					_ = os.Remove(filepath.Join(cfg.DLQDir, name))
				}
				continue
			}

			if info, err := e.Info(); err == nil {
				total += info.Size()
				count++
			}
		}
	}

	atomic.StoreInt64(&d.dlqSizeBytes, total)
	atomic.AddInt64(&m.DLQSizeBytes, total)
	atomic.AddInt64(&m.DLQFilesCurrent, count)

	if count > 0 {
		zlog.Info().Int64("files", count).Int64("bytes", total).Msg("DLQ restored from disk")
	}
	return d
}

// Save 는 업로드 실패한 배치를 저장한다. 용량이 모자라면 drop 하고 nil.
func (d *DLQManager) Save(data []byte, numAlerts int) error {
	if len(data) == 0 || numAlerts <= 0 {
		return nil
	}

	size := int64(len(data))
	if !d.ensureCapacity(size) {
		zlog.Error().Int64("bytes", size).Int("alerts", numAlerts).Msg("DLQ full, batch dropped")
		atomic.AddInt64(&d.metrics.DLQAlertsDroppedTotal, int64(numAlerts))
		return nil
	}

	dataPath := filepath.Join(d.cfg.DLQDir, NewFilename(d.cfg.InstanceID))
	metaPath := dataPath + metaSuffix

	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		atomic.AddInt64(&d.metrics.DLQAlertsDroppedTotal, int64(numAlerts))
		return fmt.Errorf("dlq write %s: %w", dataPath, err)
	}
	_ = os.WriteFile(metaPath, []byte(fmt.Sprintf(`{"num_alerts":%d}`, numAlerts)), 0o600)

	atomic.AddInt64(&d.dlqSizeBytes, size)
	atomic.AddInt64(&d.metrics.DLQSizeBytes, size)
	atomic.AddInt64(&d.metrics.DLQFilesCurrent, 1)
	atomic.AddInt64(&d.metrics.DLQAlertsEnqueuedTotal, int64(numAlerts))

	zlog.Warn().Str("file", filepath.Base(dataPath)).Int("alerts", numAlerts).Msg("archive batch saved to DLQ")
	return nil
}

// ensureCapacity 는 DLQMaxSizeBytes 를 넘지 않도록 오래된 파일부터 지운다.
// 지울 파일이 더 없는데도 모자라면 false.
func (d *DLQManager) ensureCapacity(incoming int64) bool {
	max := d.cfg.DLQMaxSizeBytes
	if max <= 0 {
		return true
	}

	for {
		if atomic.LoadInt64(&d.dlqSizeBytes)+incoming <= max {
			return true
		}

		oldest := d.pickOldest()
		if oldest == "" {
			return false
		}

		d.remove(oldest)
		atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)
		zlog.Warn().Str("file", oldest).Msg("DLQ capacity exceeded, oldest removed")
	}
}

// remove 는 data/meta 를 지우고 크기 카운터를 맞춘다.
func (d *DLQManager) remove(name string) {
	dataPath := filepath.Join(d.cfg.DLQDir, name)

	if info, err := os.Stat(dataPath); err == nil {
		atomic.AddInt64(&d.dlqSizeBytes, -info.Size())
		atomic.AddInt64(&d.metrics.DLQSizeBytes, -info.Size())
	}
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + metaSuffix)
	atomic.AddInt64(&d.metrics.DLQFilesCurrent, -1)
}

// ProcessOneCtx 는 가장 오래된 파일 1개를 처리한다.
//   - TTL 초과 → 삭제
//   - 첫 라인이 유효한 JSON → ArchivePrefix 로 재업로드
//   - 아니면 → ArchiveDLQPrefix 로 격리 업로드
//
// 처리할 파일이 있었으면 true.
func (d *DLQManager) ProcessOneCtx(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	name := d.pickOldest()
	if name == "" {
		return false
	}

	dataPath := filepath.Join(d.cfg.DLQDir, name)
	metaPath := dataPath + metaSuffix

	info, err := os.Stat(dataPath)
	if err != nil {
		d.remove(name)
		return true
	}
	size := info.Size()

	if d.cfg.DLQMaxAge > 0 {
		if sec, ok := extractUnixFromFilename(name); ok {
			age := time.Duration(Unix()-sec) * time.Second
			if age > d.cfg.DLQMaxAge {
				d.remove(name)
				atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)
				zlog.Info().Str("file", name).Dur("age", age).Msg("DLQ TTL expired, deleted")
				return true
			}
		}
	}

	f, err := os.Open(dataPath)
	if err != nil {
		zlog.Warn().Err(err).Str("file", name).Msg("DLQ open failed")
		return false
	}
	defer f.Close()

	valid := validateFile(f, size)

	prefix := d.cfg.ArchivePrefix
	if !valid {
		prefix = d.cfg.ArchiveDLQPrefix
	}
	key := BuildS3Key(prefix, name)

	if err := d.uploader.UploadFileWithRetryCtx(ctx, key, f, size); err != nil {
		zlog.Warn().Err(err).Str("key", key).Msg("DLQ reupload failed")
		return false
	}

	numAlerts := int64(1)
	if meta, err := os.ReadFile(metaPath); err == nil {
		var v struct {
			NumAlerts int64 `json:"num_alerts"`
		}
		if json.Unmarshal(meta, &v) == nil && v.NumAlerts > 0 {
			numAlerts = v.NumAlerts
		}
	}

	d.remove(name)
	atomic.AddInt64(&d.metrics.DLQAlertsReuploadedTotal, numAlerts)

	zlog.Info().Str("key", key).Int64("alerts", numAlerts).Bool("valid", valid).Msg("DLQ reupload success")
	return true
}

// validateFile 은 gzip 을 풀어 첫 JSONL 라인이 JSON 인지만 본다.
func validateFile(f *os.File, size int64) bool {
	if size <= 0 {
		return false
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}

	var tmp map[string]any
	return json.Unmarshal(line, &tmp) == nil
}

// pickOldest 는 이름순(=시간순)으로 가장 오래된 data 파일명을 돌려준다.
// ReadDir 순서에 기대지 않고 직접 정렬한다.
func (d *DLQManager) pickOldest() string {
	entries, err := os.ReadDir(d.cfg.DLQDir)
	if err != nil {
		return ""
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, metaSuffix) || name[0] == '.' {
			continue
		}
		files = append(files, name)
	}
	if len(files) == 0 {
		return ""
	}

	sort.Strings(files)
	return files[0]
}

// extractUnixFromFilename: "<unix>_<instance>_<counter>.jsonl.gz"
func extractUnixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}
