// Package transport delivers briefings to a chat channel.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

// MaxContentLength is the channel's per-message character limit.
const MaxContentLength = 2000

const defaultTimeout = 10 * time.Second

var (
	ErrNoCredential = errors.New("transport credential not configured")
	ErrRateLimited  = errors.New("transport rate limit reached; retry next tick")
)

// Sender sends UTF-8 text to a channel.
type Sender interface {
	SendText(ctx context.Context, channelID, content string) error
}

// StatusError is a non-2xx response from the channel API.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

// ChannelOptions configure a ChannelClient.
type ChannelOptions struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// MaxPerMinute caps sends; zero disables the limit.
	MaxPerMinute int
	HTTPClient   *http.Client
}

// ChannelClient posts messages to {BaseURL}/channels/{id}/messages with a
// bot credential.
type ChannelClient struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewChannelClient returns a client for opts.
func NewChannelClient(opts ChannelOptions) *ChannelClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	c := &ChannelClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   strings.TrimSpace(opts.Token),
		client:  client,
	}
	if opts.MaxPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(opts.MaxPerMinute)/60.0), 1)
	}
	return c
}

type messageBody struct {
	Content string `json:"content"`
}

// SendText posts content, truncated to MaxContentLength characters. Any
// non-2xx response is returned as a *StatusError.
func (c *ChannelClient) SendText(ctx context.Context, channelID, content string) error {
	if c.token == "" {
		return ErrNoCredential
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return errors.New("channel id is required")
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return ErrRateLimited
	}
	data, err := json.Marshal(messageBody{Content: Truncate(content, MaxContentLength)})
	if err != nil {
		return err
	}
	endpoint := c.baseURL + "/channels/" + url.PathEscape(channelID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+c.token)
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &StatusError{Status: res.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
	}
	return nil
}

// Truncate cuts s to at most limit characters, marking the cut with an ellipsis.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
