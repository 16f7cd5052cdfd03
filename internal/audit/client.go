package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	loginPath   = "/api/v1/auth/login"
	logsPath    = "/api/v1/logs"
	renewBefore = 2 * time.Minute
	maxBody     = 1 << 20
)

// Client posts entries to the remote audit log. The bearer token comes from an API key
// login and is renewed shortly before it expires or when the server rejects it.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	Now     func() time.Time

	mu      sync.Mutex
	session session
}

type session struct {
	token   string
	expires time.Time
}

func (s session) usable(now time.Time) bool {
	if s.token == "" {
		return false
	}
	return s.expires.IsZero() || s.expires.Sub(now) >= renewBefore
}

type Entry struct {
	Agent      string         `json:"agent"`
	Action     string         `json:"action"`
	Level      string         `json:"level"`
	Details    map[string]any `json:"details"`
	SessionKey string         `json:"session_key"`
	Metadata   map[string]any `json:"metadata"`
}

func (e Entry) normalized() Entry {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	return e
}

// StatusError is a non-2xx answer from the audit service.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("audit %s: http %d: %s", e.Op, e.Status, e.Body)
}

func (c *Client) Login(ctx context.Context) error {
	apiKey := strings.TrimSpace(c.APIKey)
	if apiKey == "" {
		return errors.New("audit: api key is empty")
	}
	var out struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := c.call(ctx, "login", loginPath, "", map[string]string{"api_key": apiKey}, &out); err != nil {
		return err
	}
	token := strings.TrimSpace(out.Token)
	if token == "" {
		return errors.New("audit: login returned no token")
	}
	expires, _ := time.Parse(time.RFC3339, strings.TrimSpace(out.ExpiresAt))

	c.mu.Lock()
	c.session = session{token: token, expires: expires}
	c.mu.Unlock()
	return nil
}

// Write posts one entry. A 401 drops the token and the entry is sent once more after a fresh login.
func (c *Client) Write(ctx context.Context, entry Entry) error {
	entry = entry.normalized()
	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}
	err = c.call(ctx, "write", logsPath, token, entry, nil)
	var status *StatusError
	if !errors.As(err, &status) || status.Status != http.StatusUnauthorized {
		return err
	}
	c.forget(token)
	if token, err = c.bearer(ctx); err != nil {
		return err
	}
	return c.call(ctx, "write", logsPath, token, entry, nil)
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	current := c.session
	c.mu.Unlock()
	if current.usable(c.now()) {
		return current.token, nil
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.token, nil
}

func (c *Client) forget(token string) {
	c.mu.Lock()
	if c.session.token == token {
		c.session = session{}
	}
	c.mu.Unlock()
}

func (c *Client) call(ctx context.Context, op, path, token string, in, out any) error {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return errors.New("audit: base url is empty")
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("audit %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("audit %s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}
