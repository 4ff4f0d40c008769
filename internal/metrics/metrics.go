package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics 는 watcher 상태를 나타내는 카운터 모음이다.
// ingest goroutine, dispatcher, archive worker 가 동시에 갱신하므로
// 모든 필드는 atomic 으로만 접근한다.
type Metrics struct {
	// ======================
	// 입력 (Tailer / Parser)
	// ======================

	// LinesReadTotal
	// - tailer 가 읽어서 parser 로 넘긴 전체 라인 수.
	LinesReadTotal int64

	// RecordsParsedTotal
	// - 파싱에 성공해서 Window / FlipDetector 에 들어간 레코드 수.
	RecordsParsedTotal int64

	// LinesRejectedTotal
	// - 잘못된 JSON, 필수 필드 누락, 정수가 아닌 status 등으로 버린 라인 수.
	// - 진단용으로만 사용하며 Window 상태에는 영향을 주지 않는다.
	// - LinesReadTotal 대비 이 값이 높으면 nginx log_format 이 바뀌었는지 의심.
	LinesRejectedTotal int64

	// TailReopensTotal
	// - rotation / truncate 감지로 파일을 다시 연 횟수.
	TailReopensTotal int64

	// ======================
	// 판정 (Policy Engine)
	// ======================

	// FlipsObservedTotal
	// - FlipDetector 가 만든 flip 이벤트 수 (알림 여부와 무관).
	FlipsObservedTotal int64

	// AlertsFailoverTotal / AlertsErrorRateTotal
	// - 쿨다운과 억제를 통과해서 실제로 dispatcher 에 넘긴 알림 수.
	AlertsFailoverTotal  int64
	AlertsErrorRateTotal int64

	// AlertsSuppressedTotal
	// - 조건은 만족했지만 maintenance 억제로 보내지 않은 횟수.
	AlertsSuppressedTotal int64

	// AlertsCooldownSkippedTotal
	// - 조건은 만족했지만 쿨다운 중이라 보내지 않은 횟수.
	AlertsCooldownSkippedTotal int64

	// ======================
	// 전달 (Notification Sink)
	// ======================

	DeliveriesOKTotal     int64
	DeliveriesFailedTotal int64

	// DispatchDroppedTotal
	// - dispatcher 큐가 가득 차서 버린 알림 수.
	// - 0 이 아니면 webhook 이 장시간 멈춰 있다는 신호.
	DispatchDroppedTotal int64

	// ======================
	// 아카이브 (S3 / DLQ)
	// ======================

	ArchiveAlertsStoredTotal int64
	ArchiveDroppedTotal      int64
	S3PutErrorsTotal         int64
	DLQAlertsEnqueuedTotal   int64
	DLQAlertsReuploadedTotal int64
	DLQAlertsDroppedTotal    int64
	DLQFilesExpiredTotal     int64
	DLQFilesCurrent          int64
	DLQSizeBytes             int64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(512)

	fmt.Fprintf(&sb, "lines_read_total=%d\n", atomic.LoadInt64(&m.LinesReadTotal))
	fmt.Fprintf(&sb, "records_parsed_total=%d\n", atomic.LoadInt64(&m.RecordsParsedTotal))
	fmt.Fprintf(&sb, "lines_rejected_total=%d\n", atomic.LoadInt64(&m.LinesRejectedTotal))
	fmt.Fprintf(&sb, "tail_reopens_total=%d\n", atomic.LoadInt64(&m.TailReopensTotal))

	fmt.Fprintf(&sb, "flips_observed_total=%d\n", atomic.LoadInt64(&m.FlipsObservedTotal))
	fmt.Fprintf(&sb, "alerts_failover_total=%d\n", atomic.LoadInt64(&m.AlertsFailoverTotal))
	fmt.Fprintf(&sb, "alerts_error_rate_total=%d\n", atomic.LoadInt64(&m.AlertsErrorRateTotal))
	fmt.Fprintf(&sb, "alerts_suppressed_total=%d\n", atomic.LoadInt64(&m.AlertsSuppressedTotal))
	fmt.Fprintf(&sb, "alerts_cooldown_skipped_total=%d\n", atomic.LoadInt64(&m.AlertsCooldownSkippedTotal))

	fmt.Fprintf(&sb, "deliveries_ok_total=%d\n", atomic.LoadInt64(&m.DeliveriesOKTotal))
	fmt.Fprintf(&sb, "deliveries_failed_total=%d\n", atomic.LoadInt64(&m.DeliveriesFailedTotal))
	fmt.Fprintf(&sb, "dispatch_dropped_total=%d\n", atomic.LoadInt64(&m.DispatchDroppedTotal))

	fmt.Fprintf(&sb, "archive_alerts_stored_total=%d\n", atomic.LoadInt64(&m.ArchiveAlertsStoredTotal))
	fmt.Fprintf(&sb, "archive_dropped_total=%d\n", atomic.LoadInt64(&m.ArchiveDroppedTotal))
	fmt.Fprintf(&sb, "s3_put_errors_total=%d\n", atomic.LoadInt64(&m.S3PutErrorsTotal))
	fmt.Fprintf(&sb, "dlq_alerts_enqueued_total=%d\n", atomic.LoadInt64(&m.DLQAlertsEnqueuedTotal))
	fmt.Fprintf(&sb, "dlq_alerts_reuploaded_total=%d\n", atomic.LoadInt64(&m.DLQAlertsReuploadedTotal))
	fmt.Fprintf(&sb, "dlq_alerts_dropped_total=%d\n", atomic.LoadInt64(&m.DLQAlertsDroppedTotal))
	fmt.Fprintf(&sb, "dlq_files_expired_total=%d\n", atomic.LoadInt64(&m.DLQFilesExpiredTotal))
	fmt.Fprintf(&sb, "dlq_files_current=%d\n", atomic.LoadInt64(&m.DLQFilesCurrent))
	fmt.Fprintf(&sb, "dlq_size_bytes=%d\n", atomic.LoadInt64(&m.DLQSizeBytes))

	return sb.String()
}
