package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pool-watcher/internal/model"

	json "github.com/goccy/go-json"
)

// Outbox
// ------------------------------------------------------------
// webhook 이 없을 때 쓰는 로컬 append-only 알림 파일.
//
// 라인 형식 (tab 구분, 한 알림 = 한 줄):
//
//	<RFC3339Nano UTC>\t<kind>\t<compact JSON payload>\n
//
// 운영자/자동 검증이 `grep -P '\tfailover\t'` 로 발송 여부를 확인하므로
// kind 컬럼 앞뒤의 tab 은 형식의 일부다. JSON 은 문자열 안의 tab/개행을
// escape 하므로 detail 컬럼이 줄이나 컬럼을 깨지 않는다.
//
// 매 append 마다 O_APPEND 로 열고 한 번의 Write 로 줄 전체를 쓴다.
// 프로세스가 중간에 죽어도 이전 줄은 덮어쓰지 않는다.
// 파일을 계속 열어 두지 않으므로 외부에서 outbox 를 rotate 해도 따라간다.
type Outbox struct {
	path  string
	fsync bool
	topN  int

	mu sync.Mutex
}

func NewOutbox(path string, fsync bool, topN int) *Outbox {
	return &Outbox{path: path, fsync: fsync, topN: topN}
}

func (o *Outbox) Name() string { return "outbox" }

func (o *Outbox) Deliver(ctx context.Context, alert model.Alert) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	line, err := FormatOutboxLine(alert, o.topN)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(o.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write outbox: %v", ErrDelivery, err)
	}
	if o.fsync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("%w: fsync outbox: %v", ErrDelivery, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	return nil
}

// FormatOutboxLine 은 개행까지 포함한 outbox 한 줄을 만든다.
func FormatOutboxLine(alert model.Alert, topN int) ([]byte, error) {
	detail, err := json.Marshal(NewPayload(alert, topN))
	if err != nil {
		return nil, err
	}

	ts := alert.Timestamp.UTC().Format(time.RFC3339Nano)

	line := make([]byte, 0, len(ts)+len(alert.Kind)+len(detail)+3)
	line = append(line, ts...)
	line = append(line, '\t')
	line = append(line, string(alert.Kind)...)
	line = append(line, '\t')
	line = append(line, detail...)
	line = append(line, '\n')
	return line, nil
}
