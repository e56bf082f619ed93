// Package gatewayapi 实现中继网关 REST 面的 HTTP 客户端。
// 除会话申请外的调用都以 X-Session-Id 头携带会话凭证，未建会话时快速失败。
package gatewayapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/taoyao-code/iot-relay-client/internal/relay"
)

const (
	headerAPIKey    = "X-Api-Key"
	headerSessionID = "X-Session-Id"
)

// Config 网关客户端配置
type Config struct {
	// BaseURL 网关根地址，如 https://relay.example.com
	BaseURL string
	// APIKey 静态接入凭证
	APIKey string
	// Timeout 单次请求超时（仅在未注入 http.Client 时生效）
	Timeout time.Duration
}

// Client 网关 HTTP 客户端；实现 relay.Gateway
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string

	mu        sync.RWMutex
	sessionID string
}

// 编译期确认接口实现
var _ relay.Gateway = (*Client)(nil)

// NewClient 创建网关客户端；client 为空时使用带超时的默认客户端
func NewClient(cfg Config, client *http.Client) *Client {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		http:    client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
	}
}

// SetSession 设置后续调用的会话凭证
func (c *Client) SetSession(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

// ClearSession 清除会话凭证
func (c *Client) ClearSession() {
	c.SetSession("")
}

func (c *Client) currentSession() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// do 统一请求出口：编码 JSON、附加凭证头、读取响应体。
// needSession 为真且会话未建立时不发请求，直接返回 relay.ErrNoSession。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, needSession bool) (int, []byte, error) {
	sessionID := ""
	if needSession {
		sessionID = c.currentSession()
		if sessionID == "" {
			return 0, nil, relay.ErrNoSession
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(headerAPIKey, c.apiKey)
	}
	if sessionID != "" {
		req.Header.Set(headerSessionID, sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// CreateSession 申请新会话标识
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	code, body, err := c.do(ctx, http.MethodPost, "/session", nil, nil, false)
	if err != nil {
		return "", err
	}
	if code != http.StatusOK && code != http.StatusCreated {
		return "", fmt.Errorf("create session: unexpected status %d", code)
	}
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("create session: decode response: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("create session: empty sessionId in response")
	}
	return out.SessionID, nil
}

// grantBody 授权请求体；会话从头部取，不随体传输
type grantBody struct {
	Action   relay.GrantAction `json:"action"`
	DeviceID string            `json:"deviceId"`
}

// RequestGrant 发起授权请求并归一化判定结果
func (c *Client) RequestGrant(ctx context.Context, key relay.GrantKey) (relay.GrantResult, error) {
	code, body, err := c.do(ctx, http.MethodPost, "/grants", nil, grantBody{Action: key.Action, DeviceID: key.DeviceID}, true)
	if err != nil {
		return relay.GrantErrored, err
	}
	switch code {
	case http.StatusOK:
		var out struct {
			Result relay.GrantResult `json:"result"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return relay.GrantErrored, fmt.Errorf("grant: decode response: %w", err)
		}
		if out.Result == "" {
			out.Result = relay.GrantGranted
		}
		return out.Result, nil
	case http.StatusUnauthorized:
		return relay.GrantUnauthorized, nil
	case http.StatusForbidden:
		return relay.GrantForbidden, nil
	default:
		return relay.GrantErrored, fmt.Errorf("grant: unexpected status %d", code)
	}
}

// subscriptionBody 物理订阅描述；会话由头部携带
type subscriptionBody struct {
	Type         relay.SubscriptionType `json:"type"`
	DeviceID     string                 `json:"deviceId"`
	TelemetryKey string                 `json:"telemetryKey,omitempty"`
}

// Subscribe 建立物理订阅
func (c *Client) Subscribe(ctx context.Context, d relay.Descriptor) error {
	body := subscriptionBody{Type: d.Type, DeviceID: d.DeviceID, TelemetryKey: d.TelemetryKey}
	code, _, err := c.do(ctx, http.MethodPut, "/subscriptions", nil, body, true)
	if err != nil {
		return err
	}
	if code != http.StatusOK && code != http.StatusNoContent {
		return fmt.Errorf("subscribe: unexpected status %d", code)
	}
	return nil
}

// Unsubscribe 拆除物理订阅
func (c *Client) Unsubscribe(ctx context.Context, d relay.Descriptor) error {
	body := subscriptionBody{Type: d.Type, DeviceID: d.DeviceID, TelemetryKey: d.TelemetryKey}
	code, _, err := c.do(ctx, http.MethodDelete, "/subscriptions", nil, body, true)
	if err != nil {
		return err
	}
	if code != http.StatusOK && code != http.StatusNoContent {
		return fmt.Errorf("unsubscribe: unexpected status %d", code)
	}
	return nil
}

// LastValue 查询最近一次数据；网关无数据时返回 nil
func (c *Client) LastValue(ctx context.Context, d relay.Descriptor) (*relay.LastValue, error) {
	q := url.Values{}
	q.Set("type", string(d.Type))
	q.Set("deviceId", d.DeviceID)
	if d.TelemetryKey != "" {
		q.Set("telemetryKey", d.TelemetryKey)
	}
	code, body, err := c.do(ctx, http.MethodGet, "/lastValue", q, nil, true)
	if err != nil {
		return nil, err
	}
	switch code {
	case http.StatusOK:
		var out relay.LastValue
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("last value: decode response: %w", err)
		}
		return &out, nil
	case http.StatusNoContent, http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("last value: unexpected status %d", code)
	}
}

// InvokeDirectMethod 调用设备直接方法，返回方法响应原文
func (c *Client) InvokeDirectMethod(ctx context.Context, deviceID string, req relay.DirectMethodRequest) (json.RawMessage, error) {
	path := "/devices/" + url.PathEscape(deviceID) + "/methods/" + url.PathEscape(req.MethodName)
	code, body, err := c.do(ctx, http.MethodPost, path, nil, req, true)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("invoke direct method %s: unexpected status %d", req.MethodName, code)
	}
	return json.RawMessage(body), nil
}

// PatchDesiredProperties 下发期望属性补丁
func (c *Client) PatchDesiredProperties(ctx context.Context, deviceID string, patch map[string]any) error {
	path := "/devices/" + url.PathEscape(deviceID) + "/twin/desired"
	code, _, err := c.do(ctx, http.MethodPatch, path, nil, patch, true)
	if err != nil {
		return err
	}
	if code != http.StatusOK && code != http.StatusNoContent {
		return fmt.Errorf("patch desired properties: unexpected status %d", code)
	}
	return nil
}
