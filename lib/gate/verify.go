package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/TecharoHQ/challengegate"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken means the verification service rejected the token.
	ErrInvalidToken = errors.New("gate: challenge token is invalid")

	// ErrVerifierUnavailable means the token could not be checked at all.
	ErrVerifierUnavailable = errors.New("gate: can't reach token verifier")
)

// Verifier checks a challenge token with whoever issued it.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

type VerifierFunc func(ctx context.Context, token, remoteIP string) error

func (vf VerifierFunc) Verify(ctx context.Context, token, remoteIP string) error {
	return vf(ctx, token, remoteIP)
}

var (
	// Always accepts every token. Only use it for local development.
	Always Verifier = VerifierFunc(func(context.Context, string, string) error { return nil })

	// Never rejects every token.
	Never Verifier = VerifierFunc(func(context.Context, string, string) error { return ErrInvalidToken })
)

// SiteVerify checks tokens with the Cloudflare Turnstile siteverify API.
type SiteVerify struct {
	Secret string

	// Hostname, if set, must match the hostname the widget was solved on.
	Hostname string

	// URL defaults to challengegate.SiteVerifyURL.
	URL string

	// Client defaults to a client with a 10 second timeout.
	Client *http.Client
}

type siteVerifyResponse struct {
	Success     bool     `json:"success"`
	ErrorCodes  []string `json:"error-codes"`
	ChallengeTS string   `json:"challenge_ts"`
	Hostname    string   `json:"hostname"`
	Action      string   `json:"action"`
}

var defaultVerifyClient = &http.Client{Timeout: 10 * time.Second}

func (sv *SiteVerify) Verify(ctx context.Context, token, remoteIP string) error {
	endpoint := sv.URL
	if endpoint == "" {
		endpoint = challengegate.SiteVerifyURL
	}

	cli := sv.Client
	if cli == nil {
		cli = defaultVerifyClient
	}

	form := url.Values{
		"secret":          {sv.Secret},
		"response":        {token},
		"idempotency_key": {uuid.NewString()},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerifierUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "challengegate/"+challengegate.Version)

	t0 := time.Now()
	resp, err := cli.Do(req)
	siteVerifyDuration.Observe(time.Since(t0).Seconds())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerifierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: siteverify answered %s", ErrVerifierUnavailable, resp.Status)
	}

	var result siteVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("%w: can't decode siteverify response: %w", ErrVerifierUnavailable, err)
	}

	if !result.Success {
		return fmt.Errorf("%w: %s", ErrInvalidToken, strings.Join(result.ErrorCodes, ", "))
	}

	if sv.Hostname != "" && result.Hostname != sv.Hostname {
		return fmt.Errorf("%w: solved on %q, wanted %q", ErrInvalidToken, result.Hostname, sv.Hostname)
	}

	return nil
}
