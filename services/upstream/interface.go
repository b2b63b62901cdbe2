package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/upb/audit-relay/services"
)

// Event is one audit record as returned by the upstream API
type Event struct {
	ID                string
	EventType         string
	Description       string
	Notes             string
	ActorID           string
	ActorDisplayName  string
	TargetID          string
	TargetDisplayName string
	// CreatedAt is zero when the upstream omitted or garbled the timestamp
	CreatedAt time.Time
	Raw       json.RawMessage
}

// AuthResponse is the outcome of one step of the login exchange
type AuthResponse struct {
	// Credential is the session cookie set by this response, if any
	Credential string
	// DisplayName is set once the session is fully established
	DisplayName string
	// RequiresTwoFactor lists the second-factor methods the upstream asks for
	RequiresTwoFactor []string
}

// Established reports whether the identity check returned a user
func (r *AuthResponse) Established() bool {
	return r != nil && r.DisplayName != "" && len(r.RequiresTwoFactor) == 0
}

// Authenticator performs the login exchange
type Authenticator interface {
	// Login checks identity using only primary credentials
	Login(ctx context.Context) (*AuthResponse, error)

	// VerifyTOTP submits a one-time code for the half-open session credential
	VerifyTOTP(ctx context.Context, credential, code string) (*AuthResponse, error)

	// CurrentUser checks identity using a session credential
	CurrentUser(ctx context.Context, credential string) (*AuthResponse, error)
}

// AuditSource lists recent audit events for a group
type AuditSource interface {
	ListAuditEvents(ctx context.Context, credential, groupID string, offset, count int) ([]Event, error)
}

// Client is the full upstream surface
type Client interface {
	Authenticator
	AuditSource
}

// ClassifyStatus maps a non-2xx upstream status to the error taxonomy
func ClassifyStatus(op string, status int, body []byte) error {
	msg := fmt.Sprintf("%s: upstream returned %d", op, status)

	var errType services.ErrorType
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		errType = services.ErrorTypeAuthExpired
	case status == http.StatusTooManyRequests:
		errType = services.ErrorTypeRateLimit
	case status >= 500:
		errType = services.ErrorTypeTransientNetwork
	default:
		errType = services.ErrorTypeInternal
	}

	err := services.NewDomainError(errType, msg, nil).WithDetail("status_code", status)
	if len(body) > 0 {
		snippet := body
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		err.WithDetail("body", string(snippet))
	}
	return err
}

// ClassifyTransportError wraps a failure to reach the upstream at all
func ClassifyTransportError(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return services.WrapError(services.ErrorTypeTransientNetwork, op+": upstream unreachable", err)
	}
	return services.WrapError(services.ErrorTypeTransientNetwork, op+": request failed", err)
}

// StatusCode extracts the upstream HTTP status recorded on a classified error, or 0
func StatusCode(err error) int {
	if details := services.GetErrorDetails(err); details != nil {
		if code, ok := details["status_code"].(int); ok {
			return code
		}
	}
	return 0
}
