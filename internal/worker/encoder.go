package worker

import (
	"bytes"

	"pool-watcher/internal/model"
	"pool-watcher/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// Encoder 는 알림 배치를 JSONL → gzip 으로 직렬화한다.
// 한 줄 = model.Alert 하나 (outbox 의 JSON 컬럼과 같은 필드).
//
// gzip.Writer 와 결과 버퍼는 pool 에서 빌려 쓰고,
// 결과는 새 []byte 로 복사해 호출자에게 소유권을 넘긴다.
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// EncodeBatchJSONLGZ 는 알림 slice 를 gzip+JSONL 바이트로 만든다.
func (e *Encoder) EncodeBatchJSONLGZ(alerts []model.Alert) ([]byte, error) {
	buf := pool.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)

	enc := json.NewEncoder(gz)

	for i := range alerts {
		if err := enc.Encode(&alerts[i]); err != nil {
			_ = gz.Close()
			pool.GzipPool.Put(gz)
			pool.PutBuffer(buf)
			return nil, err
		}
	}

	// Close 시 gzip footer 까지 기록된다
	if err := gz.Close(); err != nil {
		pool.GzipPool.Put(gz)
		pool.PutBuffer(buf)
		return nil, err
	}
	pool.GzipPool.Put(gz)

	// pool 버퍼는 재사용되므로 복사본을 돌려준다
	raw := buf.Bytes()
	data := make([]byte, len(raw))
	copy(data, raw)

	pool.PutBuffer(buf)

	return data, nil
}
