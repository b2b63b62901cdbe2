package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/audit-relay/services"
	"github.com/upb/audit-relay/services/sink"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://discord.com/api/v10"
	defaultTimeout = 15 * time.Second

	// Discord accepts nonces of at most 25 characters
	maxNonceLen = 25
)

// Channel types that accept messages
var textChannelTypes = map[int]bool{
	0:  true, // guild text
	1:  true, // dm
	3:  true, // group dm
	5:  true, // announcement
	10: true, // announcement thread
	11: true, // public thread
	12: true, // private thread
}

// nonceNamespace scopes deterministic message nonces
var nonceNamespace = uuid.MustParse("9c1f6f0e-3b1a-4a53-9f0c-6c1e1f2d8a41")

// Config holds the bot settings
type Config struct {
	BotToken string
	BaseURL  string
	Timeout  time.Duration
}

// Client sends embeds through the Discord REST API
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger

	mu       sync.RWMutex
	channels map[string]*sink.Destination
}

var _ sink.Sink = (*Client)(nil)

// NewClient creates a new Discord sink
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger:   logger,
		channels: make(map[string]*sink.Destination),
	}
}

func (c *Client) Name() string {
	return "discord"
}

type channelResponse struct {
	ID   string `json:"id"`
	Type int    `json:"type"`
	Name string `json:"name"`
}

// ResolveDestination fetches the channel once and caches it
func (c *Client) ResolveDestination(ctx context.Context, id string) (*sink.Destination, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty channel id", sink.ErrDestinationNotFound)
	}

	c.mu.RLock()
	dest, ok := c.channels[id]
	c.mu.RUnlock()
	if ok {
		return dest, nil
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/channels/"+id, nil)
	if err != nil {
		return nil, err
	}

	body, err := c.do(req, "resolve channel")
	if err != nil {
		if services.GetErrorDetails(err)["status_code"] == http.StatusNotFound {
			return nil, fmt.Errorf("%w: channel %s", sink.ErrDestinationNotFound, id)
		}
		return nil, err
	}

	var channel channelResponse
	if err := json.Unmarshal(body, &channel); err != nil {
		return nil, fmt.Errorf("failed to decode channel: %w", err)
	}
	if !textChannelTypes[channel.Type] {
		return nil, services.WrapSinkDelivery(
			fmt.Sprintf("channel %s is not text-based (type %d)", id, channel.Type), nil)
	}

	dest = &sink.Destination{ID: channel.ID, Name: channel.Name}

	c.mu.Lock()
	c.channels[id] = dest
	c.mu.Unlock()

	c.logger.Debug("resolved discord channel", zap.String("channel_id", id), zap.String("name", channel.Name))
	return dest, nil
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedMedia struct {
	URL string `json:"url"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Thumbnail   *embedMedia  `json:"thumbnail,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type createMessageRequest struct {
	Embeds       []embed `json:"embeds"`
	Nonce        string  `json:"nonce,omitempty"`
	EnforceNonce bool    `json:"enforce_nonce,omitempty"`
}

type messageResponse struct {
	ID string `json:"id"`
}

// Send posts the notification as a single embed and returns the message id.
// The nonce is derived from the notification key so Discord drops a resend
// of the same event within its dedup window.
func (c *Client) Send(ctx context.Context, dest *sink.Destination, n *sink.Notification) (string, error) {
	if dest == nil || n == nil {
		return "", errors.New("destination and notification are required")
	}

	payload := createMessageRequest{Embeds: []embed{buildEmbed(n)}}
	if n.Key != "" {
		payload.Nonce = Nonce(n.Key)
		payload.EnforceNonce = true
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/channels/"+dest.ID+"/messages", body)
	if err != nil {
		return "", err
	}

	respBody, err := c.do(req, "send message")
	if err != nil {
		return "", err
	}

	var msg messageResponse
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return "", services.WrapSinkDelivery("failed to decode message response", err)
	}
	if msg.ID == "" {
		return "", services.WrapSinkDelivery("message response carried no id", nil)
	}
	return msg.ID, nil
}

func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Nonce derives a deterministic Discord nonce from an event key
func Nonce(key string) string {
	id := uuid.NewSHA1(nonceNamespace, []byte(key))
	return strings.ReplaceAll(id.String(), "-", "")[:maxNonceLen]
}

func buildEmbed(n *sink.Notification) embed {
	e := embed{
		Title:       n.Title,
		Description: n.Description,
		Color:       n.Color,
	}
	for _, f := range n.Fields {
		e.Fields = append(e.Fields, embedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if n.ThumbnailURL != "" {
		e.Thumbnail = &embedMedia{URL: n.ThumbnailURL}
	}
	if n.Footer != "" {
		e.Footer = &embedFooter{Text: n.Footer}
	}
	if !n.Timestamp.IsZero() {
		e.Timestamp = n.Timestamp.UTC().Format(time.RFC3339)
	}
	return e
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.config.BotToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, services.WrapSinkDelivery(op+": request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, services.WrapSinkDelivery(op+": failed to read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(op, resp, body)
	}
	return body, nil
}

func classifyStatus(op string, resp *http.Response, body []byte) error {
	errType := services.ErrorTypeSinkDelivery
	if resp.StatusCode == http.StatusTooManyRequests {
		errType = services.ErrorTypeRateLimit
	}

	err := services.NewDomainError(errType, fmt.Sprintf("%s: discord returned %d", op, resp.StatusCode), nil).
		WithDetail("status_code", resp.StatusCode)

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if secs, perr := strconv.ParseFloat(retryAfter, 64); perr == nil {
			err.WithDetail("retry_after", time.Duration(secs*float64(time.Second)))
		}
	}

	var apiErr struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		err.WithDetail("discord_message", apiErr.Message)
		err.WithDetail("discord_code", apiErr.Code)
	}
	return err
}
