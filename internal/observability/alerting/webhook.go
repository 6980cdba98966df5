package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const webhookTimeout = 5 * time.Second

// SlackWebhook 通过 Incoming Webhook 向 Slack 发送消息。
type SlackWebhook struct {
	URL        string
	HTTPClient *http.Client
}

// Send 实现 SlackSender。
func (w *SlackWebhook) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{"channel": channel, "text": content}
	return postJSON(ctx, w.client(), w.URL, payload)
}

func (w *SlackWebhook) client() *http.Client {
	if w.HTTPClient != nil {
		return w.HTTPClient
	}
	return &http.Client{Timeout: webhookTimeout}
}

// DingTalkWebhook 通过机器人 Webhook 向钉钉发送文本消息。
type DingTalkWebhook struct {
	URL        string
	HTTPClient *http.Client
}

// Send 实现 DingTalkSender。
func (w *DingTalkWebhook) Send(ctx context.Context, content string) error {
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	}
	return postJSON(ctx, w.client(), w.URL, payload)
}

func (w *DingTalkWebhook) client() *http.Client {
	if w.HTTPClient != nil {
		return w.HTTPClient
	}
	return &http.Client{Timeout: webhookTimeout}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	if url == "" {
		return fmt.Errorf("webhook 地址为空")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码 webhook 消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造 webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 webhook 失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook 返回状态 %d", resp.StatusCode)
	}
	return nil
}
