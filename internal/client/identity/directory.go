package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameTaken      = errors.New("username already taken")
)

// Directory talks to the relay's account endpoints.
type Directory struct {
	baseURL string
	client  *http.Client
}

// NewDirectory derives the HTTP base URL from the relay WebSocket URL
// (ws://host/ws becomes http://host).
func NewDirectory(serverURL string) (*Directory, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	u.RawQuery = ""
	return &Directory{
		baseURL: strings.TrimSuffix(u.String(), "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (d *Directory) Register(ctx context.Context, username, password string) (Identity, error) {
	return d.post(ctx, "/register", credentials{username, password})
}

func (d *Directory) Login(ctx context.Context, username, password string) (Identity, error) {
	return d.post(ctx, "/login", credentials{username, password})
}

// Lookup resolves a username to its identity.
func (d *Directory) Lookup(ctx context.Context, username string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/users/"+url.PathEscape(username), nil)
	if err != nil {
		return Identity{}, err
	}
	return d.do(req)
}

func (d *Directory) post(ctx context.Context, path string, body credentials) (Identity, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Identity{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return d.do(req)
}

func (d *Directory) do(req *http.Request) (Identity, error) {
	resp, err := d.client.Do(req)
	if err != nil {
		return Identity{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusUnauthorized:
		return Identity{}, ErrInvalidCredentials
	case http.StatusNotFound:
		return Identity{}, ErrUserNotFound
	case http.StatusConflict:
		return Identity{}, ErrUsernameTaken
	default:
		return Identity{}, fmt.Errorf("%s %s: unexpected status %s", req.Method, req.URL.Path, resp.Status)
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return id, nil
}
