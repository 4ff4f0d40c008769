// internal/worker/file_util.go
package worker

import (
	"fmt"
	"sync/atomic"
)

// 아카이브 object 와 DLQ 파일은 같은 이름 규칙을 쓴다.
//
//	<unix>_<instance>_<counter>.jsonl.gz
//
// 예:
//
//	1764721594_watcher1_000042.jsonl.gz
//
// 문자열 정렬 = 시간 정렬이므로 DLQ 는 이름순으로 가장 오래된 파일부터 재업로드한다.
var globalCounter uint64

// NextCounter 는 1e6 에서 0 으로 돌아가는 순번.
// 같은 초 안에서만 구분되면 되므로 충분하다.
func NextCounter() uint64 {
	return atomic.AddUint64(&globalCounter, 1) % 1_000_000
}

func NewFilename(instanceID string) string {
	return fmt.Sprintf("%d_%s_%06d.jsonl.gz", Unix(), instanceID, NextCounter())
}

// BuildS3Key
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
//
// Athena 파티션 스캔용 구조. 알림 조회도 날짜 범위로 한다.
func BuildS3Key(prefix, filename string) string {
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", prefix, DT(), HR(), filename)
}
