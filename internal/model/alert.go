// internal/model/alert.go
package model

import "time"

// AlertKind 는 알림 종류. outbox 에서 grep 대상이 되는 literal 이므로 값을 바꾸면 안 된다.
type AlertKind string

const (
	AlertFailover  AlertKind = "failover"
	AlertErrorRate AlertKind = "error_rate"
)

// AlertKinds 는 평가 순서(failover → error_rate)를 그대로 담고 있다.
var AlertKinds = []AlertKind{AlertFailover, AlertErrorRate}

// WindowStats 는 알림 생성 시점의 window 스냅샷.
type WindowStats struct {
	Size       int     `json:"size"`
	ErrorCount int     `json:"error_count"`
	ErrorPct   float64 `json:"error_pct"`
}

// UpstreamCount 는 window 안에서 특정 upstream 이 에러에 기여한 횟수.
type UpstreamCount struct {
	Addr   string `json:"addr"`
	Errors int    `json:"errors"`
}

// FailoverDetail
// ------------------------------------------------------------
// failover 알림 전용 상세 정보.
// From/To 는 로그 원본 이름(blue/green)이며,
// 나머지는 전환을 일으킨 "새" 레코드의 값이다.
type FailoverDetail struct {
	From             string   `json:"from"`
	To               string   `json:"to"`
	Release          string   `json:"release"`
	UpstreamStatuses []int    `json:"upstream_statuses"`
	UpstreamAddrs    []string `json:"upstream_addrs"`
}

// ErrorRateDetail 은 error_rate 알림 전용 상세 정보 (에러 기여도 내림차순).
type ErrorRateDetail struct {
	Upstreams []UpstreamCount `json:"upstreams"`
}

// Alert
// ------------------------------------------------------------
// Policy Engine 이 생성하여 Sink 로 한 번 전달되는 알림.
// 전달 이후에는 보관하지 않는다 (archive 가 켜져 있으면 사본만 업로드).
//
// Failover / ErrorRate 중 Kind 에 해당하는 쪽만 채워진다.
type Alert struct {
	ID        string      `json:"id"`
	Kind      AlertKind   `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Window    WindowStats `json:"window"`
	Sample    string      `json:"sample"`

	Failover  *FailoverDetail  `json:"failover,omitempty"`
	ErrorRate *ErrorRateDetail `json:"error_rate,omitempty"`
}
