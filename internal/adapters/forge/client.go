package forge

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

	"fleetdeck.control/internal/core/circuitbreaker"
	"fleetdeck.control/internal/core/domain"
)

// Client talks to the external forge API: identity lookup, permission
// checks, the delegated-authorization code exchange, and the label
// operations that back claim coordination. All failures surface as
// typed errors to the caller; nothing here is fatal to the server.
type Client struct {
	apiURL       string
	authURL      string
	repo         string // "owner/name"
	clientID     string
	clientSecret string
	serverToken  string

	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

type Options struct {
	APIURL       string
	AuthURL      string
	Repo         string
	ClientID     string
	ClientSecret string
	ServerToken  string
}

func NewClient(opts Options) *Client {
	return &Client{
		apiURL:       strings.TrimRight(opts.APIURL, "/"),
		authURL:      opts.AuthURL,
		repo:         opts.Repo,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		serverToken:  opts.ServerToken,
		http:         &http.Client{Timeout: 15 * time.Second},
		breaker:      circuitbreaker.New("forge"),
	}
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("forge API returned %d: %s", e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path, token string, body, dest any) error {
	return c.breaker.Execute(func() error {
		var reader *bytes.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(data)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			var buf bytes.Buffer
			buf.ReadFrom(resp.Body)
			return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(buf.String())}
		}
		if dest == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(dest)
	})
}

// Labels lists the labels on a work item.
func (c *Client) Labels(ctx context.Context, item string) ([]string, error) {
	var raw []struct {
		Name string `json:"name"`
	}
	path := fmt.Sprintf("/repos/%s/issues/%s/labels", c.repo, item)
	if err := c.do(ctx, http.MethodGet, path, c.serverToken, nil, &raw); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(raw))
	for _, label := range raw {
		names = append(names, label.Name)
	}
	return names, nil
}

func (c *Client) AddLabel(ctx context.Context, item, label string) error {
	path := fmt.Sprintf("/repos/%s/issues/%s/labels", c.repo, item)
	body := map[string][]string{"labels": {label}}
	return c.do(ctx, http.MethodPost, path, c.serverToken, body, nil)
}

func (c *Client) RemoveLabel(ctx context.Context, item, label string) error {
	path := fmt.Sprintf("/repos/%s/issues/%s/labels/%s", c.repo, item, url.PathEscape(label))
	err := c.do(ctx, http.MethodDelete, path, c.serverToken, nil, nil)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		// The label is already gone; removal is idempotent.
		return nil
	}
	return err
}

// FindLabeled returns the open work items carrying the label.
func (c *Client) FindLabeled(ctx context.Context, label string) ([]string, error) {
	var raw []struct {
		Number int `json:"number"`
	}
	path := fmt.Sprintf("/repos/%s/issues?labels=%s&state=open&per_page=100", c.repo, url.QueryEscape(label))
	if err := c.do(ctx, http.MethodGet, path, c.serverToken, nil, &raw); err != nil {
		return nil, err
	}
	items := make([]string, 0, len(raw))
	for _, issue := range raw {
		items = append(items, fmt.Sprintf("%d", issue.Number))
	}
	return items, nil
}

// ExchangeCode trades a one-time authorization code for a user token.
func (c *Client) ExchangeCode(ctx context.Context, code string) (string, error) {
	var token string
	err := c.breaker.Execute(func() error {
		body, err := json.Marshal(map[string]string{
			"client_id":     c.clientID,
			"client_secret": c.clientSecret,
			"code":          code,
		})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return &apiError{Status: resp.StatusCode}
		}

		var payload struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return err
		}
		if payload.AccessToken == "" {
			return fmt.Errorf("code exchange returned no token")
		}
		token = payload.AccessToken
		return nil
	})
	return token, err
}

// Identity resolves the identity behind a user token.
func (c *Client) Identity(ctx context.Context, token string) (domain.Identity, error) {
	var raw struct {
		Login     string `json:"login"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := c.do(ctx, http.MethodGet, "/user", token, nil, &raw); err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{Login: raw.Login, Avatar: raw.AvatarURL}, nil
}

// PermissionLevel looks up a subject's permission on the configured
// repository using the server-held credential.
func (c *Client) PermissionLevel(ctx context.Context, subject string) (string, error) {
	var raw struct {
		Permission string `json:"permission"`
	}
	path := fmt.Sprintf("/repos/%s/collaborators/%s/permission", c.repo, url.PathEscape(subject))
	if err := c.do(ctx, http.MethodGet, path, c.serverToken, nil, &raw); err != nil {
		return "", err
	}
	return raw.Permission, nil
}
