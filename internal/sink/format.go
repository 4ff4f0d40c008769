package sink

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"pool-watcher/internal/model"
)

// Payload 는 webhook 본문이자 outbox detail 컬럼.
// text 는 Slack incoming webhook 호환 필드, alert 는 기계가 읽는 원본.
type Payload struct {
	Text  string       `json:"text"`
	Alert *model.Alert `json:"alert"`
}

func NewPayload(a model.Alert, topN int) Payload {
	return Payload{
		Text:  "*" + Title(a) + "*\n" + Body(a, topN),
		Alert: &a,
	}
}

// Title 은 알림 한 줄 요약.
func Title(a model.Alert) string {
	switch a.Kind {
	case model.AlertFailover:
		if a.Failover != nil {
			return fmt.Sprintf("Failover detected: %s → %s", a.Failover.From, a.Failover.To)
		}
		return "Failover detected"
	case model.AlertErrorRate:
		return fmt.Sprintf("High error rate: %.2f%% over last %d requests", a.Window.ErrorPct, a.Window.Size)
	default:
		return string(a.Kind)
	}
}

// Body 는 사람이 읽는 상세 본문. error_rate 는 상위 topN 개 upstream 만 보여준다.
func Body(a model.Alert, topN int) string {
	var sb strings.Builder

	switch {
	case a.Kind == model.AlertFailover && a.Failover != nil:
		f := a.Failover
		fmt.Fprintf(&sb, "Failover detected at %s\n", a.Timestamp.UTC().Format(time.RFC3339))
		fmt.Fprintf(&sb, "Release: %s\n", f.Release)
		fmt.Fprintf(&sb, "Upstream: %s\n", attempts(f.UpstreamStatuses, f.UpstreamAddrs))
	case a.Kind == model.AlertErrorRate && a.ErrorRate != nil:
		ups := a.ErrorRate.Upstreams
		if topN > 0 && len(ups) > topN {
			ups = ups[:topN]
		}
		parts := make([]string, 0, len(ups))
		for _, u := range ups {
			parts = append(parts, u.Addr+"="+strconv.Itoa(u.Errors))
		}
		fmt.Fprintf(&sb, "Top upstreams: %s\n", strings.Join(parts, ", "))
	}

	fmt.Fprintf(&sb, "Window=%d, errors=%d (%.2f%%)\n", a.Window.Size, a.Window.ErrorCount, a.Window.ErrorPct)
	fmt.Fprintf(&sb, "Sample: %s", a.Sample)
	return sb.String()
}

// attempts 는 "502 @ a:1, 200 @ b:1" 형태로 시도 순서를 보여준다.
func attempts(statuses []int, addrs []string) string {
	parts := make([]string, 0, len(statuses))
	for i, s := range statuses {
		addr := "?"
		if i < len(addrs) {
			addr = addrs[i]
		}
		parts = append(parts, fmt.Sprintf("%d @ %s", s, addr))
	}
	return strings.Join(parts, ", ")
}
