package vrchat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/upb/audit-relay/services/upstream"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL   = "https://api.vrchat.cloud/api/1"
	defaultUserAgent = "AuditRelay/1.0"
	defaultTimeout   = 30 * time.Second

	authCookieName = "auth"

	// maxBodyBytes caps how much of a response is read
	maxBodyBytes = 4 << 20
)

// Config holds the client settings
type Config struct {
	BaseURL           string
	Username          string
	Password          string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client talks to the VRChat REST API
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

var _ upstream.Client = (*Client)(nil)

// NewClient creates a new VRChat client
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}

	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	if config.Burst < 1 {
		config.Burst = 1
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(limit, config.Burst),
		logger:  logger,
	}
}

type currentUserResponse struct {
	ID                    string   `json:"id"`
	DisplayName           string   `json:"displayName"`
	RequiresTwoFactorAuth []string `json:"requiresTwoFactorAuth"`
}

// Login checks identity with primary credentials only
func (c *Client) Login(ctx context.Context) (*upstream.AuthResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/auth/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Basic "+basicCredentials(c.config.Username, c.config.Password))

	return c.doAuth(req, "login")
}

// VerifyTOTP submits a time-based one-time code
func (c *Client) VerifyTOTP(ctx context.Context, credential, code string) (*upstream.AuthResponse, error) {
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal 2fa request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/auth/twofactorauth/totp/verify", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuthCookie(req, credential)

	resp, respBody, err := c.do(req, "verify 2fa")
	if err != nil {
		return nil, err
	}

	var verify struct {
		Verified bool `json:"verified"`
	}
	if err := json.Unmarshal(respBody, &verify); err != nil {
		return nil, fmt.Errorf("failed to decode 2fa response: %w", err)
	}
	if !verify.Verified {
		return nil, upstream.ClassifyStatus("verify 2fa", http.StatusUnauthorized, respBody)
	}

	return &upstream.AuthResponse{Credential: authCookie(resp)}, nil
}

// CurrentUser checks identity with a session credential
func (c *Client) CurrentUser(ctx context.Context, credential string) (*upstream.AuthResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/auth/user", nil)
	if err != nil {
		return nil, err
	}
	setAuthCookie(req, credential)

	return c.doAuth(req, "current user")
}

type auditLogsResponse struct {
	Results []json.RawMessage `json:"results"`
}

type auditLogEntry struct {
	ID                string `json:"id"`
	EventType         string `json:"eventType"`
	Description       string `json:"description"`
	ActorID           string `json:"actorId"`
	ActorDisplayName  string `json:"actorDisplayName"`
	TargetID          string `json:"targetId"`
	TargetDisplayName string `json:"targetDisplayName"`
	CreatedAtSnake    string `json:"created_at"`
	CreatedAtCamel    string `json:"createdAt"`
	Created           string `json:"created"`
	// notes is free-form upstream; accept any JSON
	Notes json.RawMessage `json:"notes"`
}

// ListAuditEvents fetches one page of the group's most recent audit events
func (c *Client) ListAuditEvents(ctx context.Context, credential, groupID string, offset, count int) ([]upstream.Event, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("count", strconv.Itoa(count))
	path := "/groups/" + url.PathEscape(groupID) + "/auditLogs?" + q.Encode()

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	setAuthCookie(req, credential)

	_, body, err := c.do(req, "list audit logs")
	if err != nil {
		return nil, err
	}

	var page auditLogsResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode audit logs: %w", err)
	}

	events := make([]upstream.Event, 0, len(page.Results))
	for _, raw := range page.Results {
		var entry auditLogEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			c.logger.Warn("skipping undecodable audit entry", zap.Error(err))
			continue
		}
		if entry.ID == "" {
			c.logger.Warn("skipping audit entry without id")
			continue
		}
		events = append(events, upstream.Event{
			ID:                entry.ID,
			EventType:         entry.EventType,
			Description:       entry.Description,
			Notes:             notesText(entry.Notes),
			ActorID:           entry.ActorID,
			ActorDisplayName:  entry.ActorDisplayName,
			TargetID:          entry.TargetID,
			TargetDisplayName: entry.TargetDisplayName,
			CreatedAt:         parseTimestamp(entry.CreatedAtSnake, entry.CreatedAtCamel, entry.Created),
			Raw:               raw,
		})
	}

	return events, nil
}

func (c *Client) doAuth(req *http.Request, op string) (*upstream.AuthResponse, error) {
	resp, body, err := c.do(req, op)
	if err != nil {
		return nil, err
	}

	var user currentUserResponse
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}

	return &upstream.AuthResponse{
		Credential:        authCookie(resp),
		DisplayName:       user.DisplayName,
		RequiresTwoFactor: user.RequiresTwoFactorAuth,
	}, nil
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
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do waits for the client-side limiter, executes the request and returns the body of a 2xx response
func (c *Client) do(req *http.Request, op string) (*http.Response, []byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, nil, upstream.ClassifyTransportError(op, err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, upstream.ClassifyTransportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, upstream.ClassifyTransportError(op, err)
	}

	c.logger.Debug("upstream request",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, upstream.ClassifyStatus(op, resp.StatusCode, body)
	}
	return resp, body, nil
}

// basicCredentials URL-encodes both parts before base64, as the API requires
func basicCredentials(username, password string) string {
	enc := func(s string) string { return strings.ReplaceAll(url.QueryEscape(s), "+", "%20") }
	return base64.StdEncoding.EncodeToString([]byte(enc(username) + ":" + enc(password)))
}

func setAuthCookie(req *http.Request, credential string) {
	if credential != "" {
		req.AddCookie(&http.Cookie{Name: authCookieName, Value: credential})
	}
}

func authCookie(resp *http.Response) string {
	for _, ck := range resp.Cookies() {
		if ck.Name == authCookieName && ck.Value != "" {
			return ck.Value
		}
	}
	return ""
}

// parseTimestamp returns the first candidate that parses, or the zero time
func parseTimestamp(candidates ...string) time.Time {
	for _, s := range candidates {
		if s == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

func notesText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
