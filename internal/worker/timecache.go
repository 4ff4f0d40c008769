// internal/worker/timecache.go
package worker

import (
	"sync/atomic"
	"time"
)

//
// timecache.go
// ------------------------------------------------------------
// 현재 epoch seconds 와 UTC 기준 날짜/시간 파티션을 1초 단위로 캐싱한다.
//
// 사용처:
//   - 아카이브 / DLQ 파일명 prefix (<unix>_...)
//   - S3 파티션 prefix (dt=YYYY-MM-DD / hr=HH)
//   - DLQ TTL 판단
// ------------------------------------------------------------

var (
	unixSec atomic.Int64

	// 날짜/시간 파티션 (UTC)
	dtVal atomic.Value // "YYYY-MM-DD"
	hrVal atomic.Value // "HH"
)

func init() {
	update()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for range ticker.C {
			update()
		}
	}()
}

func update() {
	now := time.Now().UTC()
	unixSec.Store(now.Unix())
	dtVal.Store(now.Format("2006-01-02"))
	hrVal.Store(now.Format("15"))
}

// Unix returns current epoch seconds (cached, 1-second precision).
func Unix() int64 {
	return unixSec.Load()
}

// DT returns "YYYY-MM-DD" (UTC).
func DT() string {
	return dtVal.Load().(string)
}

// HR returns "HH" (UTC).
func HR() string {
	return hrVal.Load().(string)
}
