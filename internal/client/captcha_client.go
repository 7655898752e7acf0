package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// CaptchaVerifier checks a client-supplied challenge token. A transient
// provider failure is reported as an error so callers can fail closed.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, clientIP string) (bool, error)
}

// CaptchaClient talks to a reCAPTCHA-compatible verify endpoint.
type CaptchaClient struct {
	httpClient *http.Client
	verifyURL  string
	secret     string
}

func NewCaptchaClient(cfg *config.Config) *CaptchaClient {
	return &CaptchaClient{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		verifyURL:  cfg.Auth.CaptchaVerifyURL,
		secret:     cfg.Auth.CaptchaSecret,
	}
}

func (c *CaptchaClient) Verify(ctx context.Context, token, clientIP string) (bool, error) {
	if token == "" {
		return false, nil
	}

	form := url.Values{}
	form.Set("secret", c.secret)
	form.Set("response", token)
	if clientIP != "" {
		form.Set("remoteip", clientIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("failed to build captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		util.Warn("Captcha provider unreachable", zap.Error(err))
		return false, fmt.Errorf("captcha verification unavailable: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("failed to decode captcha response: %w", err)
	}

	return body.Success, nil
}
