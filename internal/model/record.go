// internal/model/record.go
package model

import "time"

// Pool
// ------------------------------------------------------------
// 프록시 뒤의 두 upstream 그룹(primary / backup) 중 어느 쪽이
// 요청을 처리했는지 나타내는 enum.
//
// 로그에는 "blue", "green" 같은 운영 이름이 찍히므로
// 이름 → enum 매핑은 parser 가 설정(PRIMARY_POOL / BACKUP_POOL)으로 수행한다.
type Pool uint8

const (
	PoolUnknown Pool = iota
	PoolPrimary
	PoolBackup
)

func (p Pool) String() string {
	switch p {
	case PoolPrimary:
		return "primary"
	case PoolBackup:
		return "backup"
	default:
		return "unknown"
	}
}

// RequestRecord
// ------------------------------------------------------------
// access log 한 줄을 파싱한 결과.
// Parser 가 생성 → Window / FlipDetector 가 한 번씩 소비 →
// Window 에서 evict 될 때까지만 메모리에 남는다.
//
// 불변식: len(UpstreamStatuses) == len(UpstreamAddrs) >= 1
type RequestRecord struct {
	Timestamp time.Time // 요청 완료 시각 (nginx $time_iso8601)
	Pool      Pool      // 처리한 pool (enum)
	PoolName  string    // 로그에 찍힌 원본 pool 이름 (알림 메시지용)
	Release   string    // 처리한 릴리즈 식별자 (opaque)

	ClientStatus     int      // 클라이언트에게 반환된 HTTP status
	UpstreamStatuses []int    // 프록시가 retry 하며 관측한 모든 upstream status (순서 유지)
	UpstreamAddrs    []string // UpstreamStatuses 와 index 정렬된 upstream host:port

	Raw string // 원본 로그 라인 (sample 출력용, 개행 제거)
}

// IsError
//
// ClientStatus >= 500 이거나 upstream status 중 하나라도 >= 500 이면 에러.
// 프록시가 retry 로 숨긴 upstream 장애(예: "500, 200" + status 200)도
// 에러로 집계하기 위한 정의이므로 ClientStatus 만 보면 안 된다.
func (r *RequestRecord) IsError() bool {
	if r.ClientStatus >= 500 {
		return true
	}
	for _, s := range r.UpstreamStatuses {
		if s >= 500 {
			return true
		}
	}
	return false
}

// FlipEvent 는 연속된 두 레코드의 pool 이 달라졌을 때 한 번 생성되며 이후 변경되지 않는다.
type FlipEvent struct {
	From     Pool
	To       Pool
	FromName string
	ToName   string
	Record   *RequestRecord
}
