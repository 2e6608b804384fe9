package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options configure Session and APIClient.
type Options struct {
	BaseURL     string
	HTTPClient  *http.Client
	Credentials CredentialStore
	// RequestTimeout bounds a whole stream. Zero means no limit.
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// authenticator supplies bearer tokens and performs the single refresh a
// request may attempt after a 401.
type authenticator struct {
	baseURL string
	http    *http.Client
	creds   CredentialStore
	logger  zerolog.Logger
}

func newAuthenticator(opts Options) authenticator {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// No client-wide timeout; streams can be long lived.
		httpClient = &http.Client{}
	}
	return authenticator{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		http:    httpClient,
		creds:   opts.Credentials,
		logger:  opts.Logger,
	}
}

func (a *authenticator) accessToken() (string, error) {
	if a.creds == nil {
		return "", &AuthError{Msg: "no credential store configured"}
	}
	creds, err := a.creds.Load()
	if errors.Is(err, ErrNoCredentials) {
		return "", &AuthError{Msg: "not signed in"}
	}
	if err != nil {
		return "", &AuthError{Msg: "cannot read credentials", Err: err}
	}
	if creds.AccessToken == "" {
		return "", &AuthError{Msg: "not signed in"}
	}
	return creds.AccessToken, nil
}

// TokenPair is the token bundle returned by login and refresh.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
}

// refresh trades the stored refresh token for a new pair, persists it and
// returns the new access token.
func (a *authenticator) refresh(ctx context.Context) (string, error) {
	creds, err := a.creds.Load()
	if err != nil || creds.RefreshToken == "" {
		return "", &AuthError{Msg: "session expired; sign in again"}
	}

	body, err := json.Marshal(map[string]string{"refresh_token": creds.RefreshToken})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{Msg: "session expired; sign in again", Err: responseError(resp)}
	}

	var pair TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return "", &AuthError{Msg: "malformed refresh response", Err: err}
	}

	creds.AccessToken = pair.AccessToken
	creds.RefreshToken = pair.RefreshToken
	creds.ExpiresAt = pair.ExpiresAt
	if err := a.creds.Save(creds); err != nil {
		return "", fmt.Errorf("save refreshed credentials: %w", err)
	}

	a.logger.Debug().Time("expires_at", pair.ExpiresAt).Msg("access token refreshed")
	return pair.AccessToken, nil
}

// sendWithRefresh performs build(token) and, on a 401, refreshes once and
// retries. The returned response is always non-2xx-checked by the caller.
func (a *authenticator) sendWithRefresh(ctx context.Context, build func(token string) (*http.Request, error)) (*http.Response, error) {
	token, err := a.accessToken()
	if err != nil {
		return nil, err
	}

	resp, err := a.send(ctx, build, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drainAndClose(resp)

	token, err = a.refresh(ctx)
	if err != nil {
		return nil, err
	}
	resp, err = a.send(ctx, build, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		cause := responseError(resp)
		drainAndClose(resp)
		return nil, &AuthError{Msg: "rejected after refresh", Err: cause}
	}
	return resp, nil
}

func (a *authenticator) send(ctx context.Context, build func(token string) (*http.Request, error), token string) (*http.Response, error) {
	req, err := build(token)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req.WithContext(ctx))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

// responseError reads an error body of the form {"message"} or {"error"}.
func responseError(resp *http.Response) *HTTPError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil {
		if body.Message != "" {
			msg = body.Message
		} else if body.Error != "" {
			msg = body.Error
		}
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
}

func drainAndClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
