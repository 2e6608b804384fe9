package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/threadline/pkg/models"
)

// MessageQuery selects a page of messages. Both cursors are inclusive: the
// page ending at Before and the page starting at After contain the cursor
// message itself.
type MessageQuery struct {
	Before string
	After  string
	Limit  int
}

func (q MessageQuery) values() url.Values {
	v := url.Values{}
	if q.Before != "" {
		v.Set("before", q.Before)
	}
	if q.After != "" {
		v.Set("after", q.After)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// LoginResult is the gateway's answer to a successful login.
type LoginResult struct {
	User struct {
		ID         int64  `json:"id"`
		Email      string `json:"email"`
		ResourceID string `json:"resource_id"`
	} `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// APIClient wraps the gateway's JSON endpoints.
type APIClient struct {
	auth authenticator
}

func NewAPIClient(opts Options) *APIClient {
	return &APIClient{auth: newAuthenticator(opts)}
}

// Login signs in and stores the returned credentials.
func (c *APIClient) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.auth.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.auth.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &AuthError{Msg: "invalid email or password", Err: responseError(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var result LoginResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}

	err = c.auth.creds.Save(&Credentials{
		AccessToken:  result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
		ExpiresAt:    result.Tokens.ExpiresAt,
		Email:        result.User.Email,
		ResourceID:   result.User.ResourceID,
	})
	if err != nil {
		return nil, fmt.Errorf("save credentials: %w", err)
	}
	return &result, nil
}

// Logout revokes the stored refresh token and forgets the credentials.
func (c *APIClient) Logout(ctx context.Context) error {
	creds, err := c.auth.creds.Load()
	if err != nil {
		return c.auth.creds.Clear()
	}
	err = c.do(ctx, http.MethodPost, "/auth/logout", map[string]string{"refresh_token": creds.RefreshToken}, nil)
	if clearErr := c.auth.creds.Clear(); clearErr != nil {
		return clearErr
	}
	return err
}

// ListThreads returns the caller's threads, most recently updated first.
func (c *APIClient) ListThreads(ctx context.Context) ([]models.Thread, error) {
	var list models.ThreadList
	if err := c.do(ctx, http.MethodGet, "/ai/resources/me/threads", nil, &list); err != nil {
		return nil, err
	}
	return list.Threads, nil
}

func (c *APIClient) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	var thread models.Thread
	if err := c.do(ctx, http.MethodGet, "/ai/threads/"+url.PathEscape(threadID), nil, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

func (c *APIClient) GetMessages(ctx context.Context, threadID string, q MessageQuery) (*models.MessagePage, error) {
	path := "/ai/threads/" + url.PathEscape(threadID) + "/messages"
	if encoded := q.values().Encode(); encoded != "" {
		path += "?" + encoded
	}
	var page models.MessagePage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *APIClient) DeleteThread(ctx context.Context, threadID string) error {
	return c.do(ctx, http.MethodDelete, "/ai/threads/"+url.PathEscape(threadID), nil, nil)
}

func (c *APIClient) RenameThread(ctx context.Context, threadID, title string) (*models.Thread, error) {
	var thread models.Thread
	err := c.do(ctx, http.MethodPatch, "/ai/threads/"+url.PathEscape(threadID), models.RenameThreadRequest{Title: title}, &thread)
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

// do sends an authenticated JSON request and decodes the reply into out.
func (c *APIClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}

	resp, err := c.auth.sendWithRefresh(ctx, func(token string) (*http.Request, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequest(method, c.auth.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
