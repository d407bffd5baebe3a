package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const apiBase = "https://api.weixin.qq.com"

// Client calls the platform HTTP API. It caches the access token and
// refreshes it on expiry; safe for concurrent use.
type Client struct {
	appID      string
	appSecret  string
	httpClient *http.Client

	mu      sync.RWMutex
	token   string
	expires time.Time
}

// NewClient creates a platform API client.
func NewClient(appID, appSecret string, timeout time.Duration) *Client {
	return &Client{
		appID:      appID,
		appSecret:  appSecret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// AppID returns the configured developer id.
func (c *Client) AppID() string { return c.appID }

// apiError is the platform's error response body.
type apiError struct {
	ErrCode int64  `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (e *apiError) Err() error {
	if e.ErrCode != 0 {
		return fmt.Errorf("platform error %d: %s", e.ErrCode, e.ErrMsg)
	}
	return nil
}

// AccessToken returns a valid access token, refreshing if necessary.
// Refresh is double-checked so concurrent callers trigger at most one
// platform round trip.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	token, expires := c.token, c.expires
	c.mu.RUnlock()
	if token != "" && time.Now().Before(expires) {
		return token, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.expires) {
		return c.token, nil
	}

	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", c.appID)
	q.Set("secret", c.appSecret)

	var resp struct {
		apiError
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := c.get(ctx, "/cgi-bin/token", q, &resp); err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	if err := resp.Err(); err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}

	c.token = resp.AccessToken
	// Refresh one minute early to avoid racing the platform-side expiry.
	c.expires = time.Now().Add(time.Duration(resp.ExpiresIn)*time.Second - time.Minute)
	return c.token, nil
}

// QRCodeTicket is a login QR code issued by the platform.
type QRCodeTicket struct {
	Ticket        string `json:"ticket"`
	ExpireSeconds int64  `json:"expire_seconds"`
	URL           string `json:"url"`
}

// CreateQRCode requests a scene QR code ticket. When limit is false the
// code is temporary and expires after expireSeconds.
func (c *Client) CreateQRCode(ctx context.Context, sceneID uint64, expireSeconds int64, limit bool) (*QRCodeTicket, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	action := "QR_SCENE"
	if limit {
		action = "QR_LIMIT_SCENE"
	}
	body := map[string]any{
		"expire_seconds": expireSeconds,
		"action_name":    action,
		"action_info": map[string]any{
			"scene": map[string]any{"scene_id": sceneID},
		},
	}

	q := url.Values{}
	q.Set("access_token", token)

	var resp struct {
		apiError
		QRCodeTicket
	}
	if err := c.post(ctx, "/cgi-bin/qrcode/create", q, body, &resp); err != nil {
		return nil, fmt.Errorf("create qrcode: %w", err)
	}
	if err := resp.Err(); err != nil {
		return nil, fmt.Errorf("create qrcode: %w", err)
	}
	return &resp.QRCodeTicket, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, q url.Values, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+path+"?"+q.Encode(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
