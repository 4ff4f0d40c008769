package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"pool-watcher/internal/model"

	json "github.com/goccy/go-json"
)

type WebhookOptions struct {
	URL      string
	Timeout  time.Duration // 시도당 timeout
	Attempts int           // 최대 시도 횟수 (>= 1)
	TopN     int
	Client   *http.Client
}

// Webhook
// ------------------------------------------------------------
// Slack incoming webhook 등 HTTP POST 로 알림을 보낸다.
//   - 2xx 만 성공
//   - 시도당 timeout, 최대 Attempts 번까지만 재시도 (200ms → 2s backoff)
//   - 끝내 실패하면 ErrDelivery. 알림은 버려지고 쿨다운은 이미 기록되어 있다.
type Webhook struct {
	opts WebhookOptions
}

func NewWebhook(opts WebhookOptions) *Webhook {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Webhook{opts: opts}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Deliver(ctx context.Context, alert model.Alert) error {
	body, err := json.Marshal(NewPayload(alert, w.opts.TopN))
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", ErrDelivery, err)
	}

	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= w.opts.Attempts; attempt++ {
		if err := w.post(ctx, body); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == w.opts.Attempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrDelivery, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}

	return fmt.Errorf("%w: after %d attempts: %v", ErrDelivery, w.opts.Attempts, lastErr)
}

// post 는 1회 시도. 본문은 재시도마다 새 reader 로 감싼다.
func (w *Webhook) post(ctx context.Context, body []byte) error {
	ctx2, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx2, http.MethodPost, w.opts.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	// keep-alive 재사용을 위해 본문은 끝까지 읽는다
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
