package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/oauth2"
)

// Fallback colors for roles without a color of their own.
const (
	DefaultRoleColor    = "#99aab5"
	DefaultTopRoleColor = "#b9bbbe"
)

var ErrNotConfigured = errors.New("discord credentials not configured")

// NewDiscordSession creates a REST-only session. token carries its scheme
// ("Bot ..." or "Bearer ..."); an empty token makes anonymous requests.
// Every call is made exactly once: 5xx and 429 responses surface as
// *discordgo.RESTError instead of being retried or slept on.
func NewDiscordSession(token string, client *http.Client) (*discordgo.Session, error) {
	s, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	s.MaxRestRetries = 0
	s.ShouldRetryOnRateLimit = false
	if client != nil {
		s.Client = client
	}
	return s, nil
}

// roleColor renders a Discord color integer as #rrggbb.
func roleColor(color int, fallback string) string {
	if color == 0 {
		return fallback
	}
	return fmt.Sprintf("#%06x", color)
}

// UpstreamDetails describes a failed call to Discord for logs and responses.
type UpstreamDetails struct {
	Status int
	Body   string
}

// UpstreamDetail extracts the HTTP status and body from a discordgo or
// oauth2 error. ok is false for transport-level failures.
func UpstreamDetail(err error) (UpstreamDetails, bool) {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return UpstreamDetails{Status: restErr.Response.StatusCode, Body: string(restErr.ResponseBody)}, true
	}
	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) && rateErr.RateLimit != nil && rateErr.TooManyRequests != nil {
		return UpstreamDetails{Status: http.StatusTooManyRequests, Body: rateErr.Message}, true
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return UpstreamDetails{Status: retrieveErr.Response.StatusCode, Body: string(retrieveErr.Body)}, true
	}
	return badGatewayDetail(err)
}

// discordgo reports a 502 it will not retry as a plain formatted error.
const badGatewayPrefix = "Exceeded Max retries HTTP "

func badGatewayDetail(err error) (UpstreamDetails, bool) {
	if err == nil {
		return UpstreamDetails{}, false
	}
	msg := err.Error()
	idx := strings.Index(msg, badGatewayPrefix)
	if idx < 0 {
		return UpstreamDetails{}, false
	}
	rest := msg[idx+len(badGatewayPrefix):]
	var status int
	if _, scanErr := fmt.Sscanf(rest, "%d", &status); scanErr != nil {
		return UpstreamDetails{}, false
	}
	detail := UpstreamDetails{Status: status}
	if _, body, found := strings.Cut(rest, ", "); found {
		detail.Body = body
	}
	return detail, true
}

// ErrorDetail is the diagnostic text for err: the upstream body when there
// is one, the error message otherwise.
func ErrorDetail(err error) string {
	if detail, ok := UpstreamDetail(err); ok && strings.TrimSpace(detail.Body) != "" {
		return detail.Body
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Err.Error()
	}
	return err.Error()
}

func isNotFound(err error) bool {
	detail, ok := UpstreamDetail(err)
	return ok && detail.Status == http.StatusNotFound
}
