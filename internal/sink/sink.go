// internal/sink/sink.go
package sink

import (
	"context"
	"errors"
	"net/http"

	"pool-watcher/internal/config"
	"pool-watcher/internal/model"
)

// ErrDelivery 는 전달 실패(webhook non-2xx / timeout, outbox 쓰기 실패)를 감싸는 sentinel.
var ErrDelivery = errors.New("alert delivery failed")

// Sink
// ------------------------------------------------------------
// 알림 하나를 정확히 하나의 채널로 전달한다.
//
//   - Webhook: SLACK_WEBHOOK_URL 이 설정된 경우
//   - Outbox:  그 외 (로컬 append-only 파일)
//
// 채널은 시작 시 Select 로 한 번만 정해지고, 호출마다 분기하지 않는다.
// 실패는 error 로 돌려줄 뿐 재시도 폭주를 만들지 않는다.
type Sink interface {
	Deliver(ctx context.Context, alert model.Alert) error
	Name() string
}

// Select 는 설정에 따라 webhook 또는 outbox 를 만든다.
func Select(cfg config.Config) Sink {
	if cfg.WebhookURL != "" {
		return NewWebhook(WebhookOptions{
			URL:      cfg.WebhookURL,
			Timeout:  cfg.WebhookTimeout,
			Attempts: cfg.WebhookAttempts,
			TopN:     cfg.TopUpstreams,
			Client:   &http.Client{},
		})
	}
	return NewOutbox(cfg.OutboxPath, cfg.OutboxFsync, cfg.TopUpstreams)
}
