package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TurnstileVerifyResponse represents the response from Cloudflare Turnstile API
type TurnstileVerifyResponse struct {
	Success     bool     `json:"success"`
	ChallengeTS string   `json:"challenge_ts"`
	Hostname    string   `json:"hostname"`
	ErrorCodes  []string `json:"error-codes"`
	Action      string   `json:"action"`
	CData       string   `json:"cdata"`
}

const TurnstileVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

var ErrCaptchaFailed = errors.New("captcha verification failed")

// TurnstileVerifier checks Cloudflare Turnstile tokens. A verifier that is
// not enabled accepts everything.
type TurnstileVerifier struct {
	Enabled         bool
	SecretKey       string
	AllowedHostname string
	VerifyURL       string
	Client          *http.Client
	Logger          *zap.Logger
}

func NewTurnstileVerifier(enabled bool, secretKey, allowedHostname string, logger *zap.Logger) *TurnstileVerifier {
	return &TurnstileVerifier{
		Enabled:         enabled,
		SecretKey:       secretKey,
		AllowedHostname: allowedHostname,
		VerifyURL:       TurnstileVerifyURL,
		Client:          &http.Client{Timeout: 10 * time.Second},
		Logger:          logger,
	}
}

// Verify verifies a Cloudflare Turnstile token
// Returns (isInternalError bool, error)
// - If error is nil, verification succeeded
// - If error is not nil and isInternalError is true, it's a server-side issue (500)
// - If error is not nil and isInternalError is false, it's a client issue (400/401)
func (v *TurnstileVerifier) Verify(ctx context.Context, token, remoteIP, expectedAction string) (bool, error) {
	if v == nil || !v.Enabled {
		return false, nil
	}

	if v.SecretKey == "" {
		v.Logger.Error("Turnstile is enabled but TURNSTILE_SECRET_KEY is not set")
		return true, fmt.Errorf("turnstile configuration error")
	}

	if token == "" {
		return false, fmt.Errorf("turnstile token is required")
	}

	// Cloudflare expects a form-encoded body
	formData := url.Values{}
	formData.Set("secret", v.SecretKey)
	formData.Set("response", token)
	if remoteIP != "" {
		formData.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.VerifyURL, strings.NewReader(formData.Encode()))
	if err != nil {
		v.Logger.Error("Failed to create Turnstile request", zap.Error(err))
		return true, fmt.Errorf("failed to create verification request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.Client.Do(req)
	if err != nil {
		v.Logger.Error("Failed to send Turnstile request", zap.Error(err))
		return true, fmt.Errorf("failed to connect to verification service")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		v.Logger.Error("Turnstile API returned non-200 status", zap.Int("status", resp.StatusCode))
		return true, fmt.Errorf("verification service returned error status")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		v.Logger.Error("Failed to read Turnstile response", zap.Error(err))
		return true, fmt.Errorf("failed to read verification response")
	}

	var result TurnstileVerifyResponse
	if err := json.Unmarshal(body, &result); err != nil {
		v.Logger.Error("Failed to parse Turnstile response", zap.Error(err))
		return true, fmt.Errorf("failed to parse verification response")
	}

	if !result.Success {
		// Error codes are logged, never sent to the client.
		v.Logger.Warn("Turnstile verification failed", zap.Strings("error_codes", result.ErrorCodes))
		return false, ErrCaptchaFailed
	}

	if expectedAction != "" && result.Action != expectedAction {
		v.Logger.Warn("Turnstile action mismatch", zap.String("expected", expectedAction), zap.String("got", result.Action))
		return false, fmt.Errorf("%w: invalid action", ErrCaptchaFailed)
	}

	if v.AllowedHostname != "" && !strings.EqualFold(result.Hostname, v.AllowedHostname) {
		v.Logger.Warn("Turnstile hostname mismatch", zap.String("expected", v.AllowedHostname), zap.String("got", result.Hostname))
		return false, fmt.Errorf("%w: invalid hostname", ErrCaptchaFailed)
	}

	return false, nil
}
