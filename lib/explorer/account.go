package explorer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"

	"github.com/TecharoHQ/challengegate"
	"github.com/TecharoHQ/challengegate/lib/challenge"
)

var (
	ErrBadEmail   = errors.New("explorer: email address is invalid")
	ErrNoWallet   = errors.New("explorer: no wallet address given")
	ErrNoKeyGiven = errors.New("explorer: recovery answer carried no key")
)

type sendOTPBody struct {
	Email string `json:"email"`
	Token string `json:"turnstile_response,omitempty"`
}

// SendOTP asks the explorer to email a one-time password to link the
// address with an account.
func (c *Client) SendOTP(ctx context.Context, email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadEmail, err)
	}

	fetch := func(ctx context.Context, token string) (struct{}, error) {
		resp, err := c.do(ctx, request{
			feature: FeatureEmail,
			method:  http.MethodPost,
			path:    "/api/account/v2/send_otp",
			body:    sendOTPBody{Email: addr.Address, Token: token},
		})
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, resp.Body.Close()
	}

	if _, err := challenge.FetchProtected(ctx, c.Session(FeatureEmail), fetch); err != nil {
		return fmt.Errorf("explorer: send otp: %w", err)
	}

	return nil
}

// SiweMessage is the Sign-In With Ethereum message a wallet has to sign.
type SiweMessage struct {
	Message string `json:"siwe_message"`
}

type siweBody struct {
	Address string `json:"address"`
}

// WalletSignIn fetches the message the wallet at address signs to log in.
func (c *Client) WalletSignIn(ctx context.Context, address string) (*SiweMessage, error) {
	if address == "" {
		return nil, ErrNoWallet
	}

	fetch := func(ctx context.Context, token string) (*SiweMessage, error) {
		header := http.Header{}
		if token != "" {
			header.Set(challengegate.AltTokenHeader, token)
		}

		resp, err := c.do(ctx, request{
			feature: FeatureWallet,
			method:  http.MethodPost,
			path:    "/api/account/v2/siwe_message",
			header:  header,
			body:    siweBody{Address: address},
		})
		if err != nil {
			return nil, err
		}
		return decodeJSON[SiweMessage](resp)
	}

	msg, err := challenge.FetchProtected(ctx, c.Session(FeatureWallet), fetch)
	if err != nil {
		return nil, fmt.Errorf("explorer: wallet sign in: %w", err)
	}

	return msg, nil
}

type keyResponse struct {
	Key string `json:"key"`
}

// Unblock solves a challenge up front and trades the token for an API key
// that lifts the rate limit of this client.
func (c *Client) Unblock(ctx context.Context) (string, error) {
	sess := c.Session(FeatureRecovery)

	token, err := sess.Execute(ctx)
	if err != nil {
		return "", fmt.Errorf("explorer: unblock: %w", err)
	}
	if token == "" {
		return "", fmt.Errorf("explorer: unblock: %w", challenge.ErrNotSolved)
	}

	fetch := func(ctx context.Context, token string) (*keyResponse, error) {
		header := http.Header{}
		if token != "" {
			header.Set(challengegate.TokenHeader, token)
		}

		resp, err := c.do(ctx, request{
			feature: FeatureRecovery,
			method:  http.MethodGet,
			path:    "/api/v2/key",
			header:  header,
		})
		if err != nil {
			return nil, err
		}
		return decodeJSON[keyResponse](resp)
	}

	kr, err := challenge.Do(ctx, c.executor(FeatureRecovery), sess, fetch, token)
	if err != nil {
		return "", fmt.Errorf("explorer: unblock: %w", err)
	}

	if kr.Key == "" {
		return "", ErrNoKeyGiven
	}

	return kr.Key, nil
}
