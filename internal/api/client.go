// Package api is the REST client for the messenger backend. It handles the
// authenticated endpoints the realtime channel does not cover: login,
// registration, profile, friends, and history cleanup.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/echo-im/echoclient/internal/conversation"
	"github.com/echo-im/echoclient/internal/roster"
	"github.com/echo-im/echoclient/internal/util"
)

var log = logging.Logger("api")

// Error is a non-2xx backend reply.
type Error struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: %s (status %d)", e.Message, e.Status)
}

// IsUnauthorized reports whether err is a 401 backend reply.
func IsUnauthorized(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Client talks to the backend with an optional bearer token.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a REST client for baseURL. The token may be set later
// via SetToken after login.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: util.NormalizeURL(baseURL),
		client:  &http.Client{Timeout: util.DefaultFetchTimeout},
	}
}

// SetToken installs the bearer token used on subsequent requests.
func (c *Client) SetToken(token string) { c.token = token }

// Token returns the current bearer token.
func (c *Client) Token() string { return c.token }

// Session is the reply to a successful login or registration.
type Session struct {
	Token    string `json:"token"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Profile describes the authenticated user.
type Profile struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Login authenticates and stores the returned token on the client.
func (c *Client) Login(ctx context.Context, username, password string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &s)
	if err != nil {
		return Session{}, err
	}
	c.token = s.Token
	return s, nil
}

// Register creates an account and stores the returned token on the client.
func (c *Client) Register(ctx context.Context, username, email, password string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/api/auth/register", map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}, &s)
	if err != nil {
		return Session{}, err
	}
	c.token = s.Token
	return s, nil
}

// WhoAmI validates the stored token and returns the profile behind it.
func (c *Client) WhoAmI(ctx context.Context) (Profile, error) {
	var p Profile
	err := c.do(ctx, http.MethodGet, "/api/users/me", nil, &p)
	return p, err
}

// Friends fetches the full friend list.
func (c *Client) Friends(ctx context.Context) ([]roster.Friend, error) {
	var out []roster.Friend
	err := c.do(ctx, http.MethodGet, "/api/friends", nil, &out)
	return out, err
}

// FriendRequests fetches pending incoming requests.
func (c *Client) FriendRequests(ctx context.Context) ([]roster.Request, error) {
	var out []roster.Request
	err := c.do(ctx, http.MethodGet, "/api/friends/requests", nil, &out)
	return out, err
}

// SendFriendRequest sends a request to username.
func (c *Client) SendFriendRequest(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodPost, "/api/friends/add", map[string]string{
		"username": username,
	}, nil)
}

// AcceptFriendRequest accepts a pending request and returns the new friend.
func (c *Client) AcceptFriendRequest(ctx context.Context, requestID int64) (roster.Friend, error) {
	var f roster.Friend
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/friends/accept/%d", requestID), nil, &f)
	return f, err
}

// DeclineFriendRequest declines a pending request.
func (c *Client) DeclineFriendRequest(ctx context.Context, requestID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/friends/decline/%d", requestID), nil, nil)
}

// RemoveFriend deletes a friend relationship.
func (c *Client) RemoveFriend(ctx context.Context, userID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/friends/%d", userID), nil, nil)
}

// BlockUser blocks a user; the backend also severs the friendship.
func (c *Client) BlockUser(ctx context.Context, userID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/users/%d/block", userID), nil, nil)
}

// History fetches persisted messages for a conversation, oldest first.
func (c *Client) History(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	var out []conversation.Message
	err := c.do(ctx, http.MethodGet, "/api/messages/"+conversationID, nil, &out)
	return out, err
}

// DeleteConversation removes a conversation's history server-side.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, "/api/messages/"+conversationID, nil, nil)
}

// do runs one JSON request. A non-2xx reply becomes *Error with the backend
// message when one was supplied.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	log.Debugf("%s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode}
		var payload struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if raw, err := io.ReadAll(resp.Body); err == nil && len(raw) > 0 {
			if json.Unmarshal(raw, &payload) == nil {
				apiErr.Message = payload.Message
				if apiErr.Message == "" {
					apiErr.Message = payload.Error
				}
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
