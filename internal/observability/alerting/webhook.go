package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "AgentLoom/internal/errors"
)

const defaultWebhookTimeout = 10 * time.Second

// HTTPWebhook 把告警事件以 JSON 形式 POST 到固定回调地址，
// 是 WebhookSender 的默认实现。
type HTTPWebhook struct {
	url        string
	httpClient *http.Client
}

// NewHTTPWebhook 创建回调发送器。
func NewHTTPWebhook(url string, timeout time.Duration) (*HTTPWebhook, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "webhook 回调地址不能为空")
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &HTTPWebhook{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Send 实现 WebhookSender。非 2xx 响应视为发送失败。
func (w *HTTPWebhook) Send(ctx context.Context, event Event) error {
	payload, err := json.Marshal(map[string]any{
		"code":        string(event.Code),
		"message":     event.Message,
		"severity":    string(event.Severity),
		"run_id":      event.RunID,
		"target":      event.Target,
		"attempts":    event.Attempts,
		"max_retries": event.MaxRetries,
		"metadata":    event.Metadata,
		"occurred_at": event.OccurredAt.Format(time.RFC3339),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化告警事件失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建告警回调请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "发送告警回调失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return xerrors.New(xerrors.CodeUnknown,
			fmt.Sprintf("告警回调返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return nil
}
