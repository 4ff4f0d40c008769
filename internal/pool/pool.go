package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// 아카이브 배치를 gzip+JSONL 로 묶을 때마다 결과 버퍼와 gzip.Writer 를
// 새로 만들지 않도록 재사용한다.
// gzip.Writer 는 내부 상태가 커서 매번 new 하면 할당 비용이 크다.
// ---------------------------------------------------------------

var (
	// BufferPool:
	//   - gzip 인코딩 결과를 담는 임시 버퍼
	//   - 초기 용량 64KB (알림 배치는 작다)
	//   - MaxBufferCap 초과 버퍼는 풀에 넣지 않음
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 64*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer 재사용
	//   - BestSpeed: 알림 수가 적어 압축률보다 지연이 중요
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// Pool에 되돌려줄 최대 버퍼 용량
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// PutBuffer:
//   - 1MB 이하이면 풀에 재사용
//   - 그보다 크면 GC 에 맡긴다
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}
