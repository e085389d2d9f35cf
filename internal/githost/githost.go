// Package githost implements prservice.GitHostClient against the GitHub
// REST API. None of the retrieved examples pull in a GitHub SDK, so this
// follows the teacher's skabandclient shape instead: a small *http.Client
// wrapper issuing typed JSON requests with an explicit timeout, the same
// pattern executor.Remote reuses for the sidecar API.
package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shadowrealm/orchestrator/internal/prservice"
)

const apiBase = "https://api.github.com"

var _ prservice.GitHostClient = (*Client)(nil)

// Client talks to GitHub on behalf of one installation/user token.
type Client struct {
	token string
	http  *http.Client
}

// New returns a Client authenticating with token (a personal access token
// or installation token); an empty token limits the client to public,
// unauthenticated reads.
func New(token string) *Client {
	return &Client{token: token, http: &http.Client{Timeout: 20 * time.Second}}
}

// HasOpenPR implements prservice.GitHostClient.
func (c *Client) HasOpenPR(ctx context.Context, repoFullName, branch string) (bool, error) {
	url := fmt.Sprintf("%s/repos/%s/pulls?head=%s&state=open", apiBase, repoFullName, branch)
	var prs []struct {
		Number int `json:"number"`
	}
	if err := c.do(ctx, http.MethodGet, url, nil, &prs); err != nil {
		return false, err
	}
	return len(prs) > 0, nil
}

// CreatePR implements prservice.GitHostClient.
func (c *Client) CreatePR(ctx context.Context, in prservice.CreatePRInput) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/pulls", apiBase, in.RepoFullName)
	body := map[string]any{
		"title": in.Title,
		"body":  in.Description,
		"base":  in.Base,
		"head":  in.Head,
		"draft": in.Draft,
	}
	var resp struct {
		HTMLURL string `json:"html_url"`
	}
	if err := c.do(ctx, http.MethodPost, url, body, &resp); err != nil {
		return "", err
	}
	return resp.HTMLURL, nil
}

func (c *Client) do(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("githost: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("githost: %s %s: status %d: %s", method, url, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
