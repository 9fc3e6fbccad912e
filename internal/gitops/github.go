package gitops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultGitHubAPI = "https://api.github.com"

// RemoteRepo is the subset of the GitHub repository object the orchestrator
// needs.
type RemoteRepo struct {
	FullName string `json:"full_name"`
	CloneURL string `json:"clone_url"`
	HTMLURL  string `json:"html_url"`
	Private  bool   `json:"private"`
}

// GitHubClient creates or reuses remote repositories over the REST API.
type GitHubClient struct {
	Token   string
	BaseURL string
	HTTP    *http.Client
}

func NewGitHubClient(token string) *GitHubClient {
	return &GitHubClient{
		Token:   token,
		BaseURL: defaultGitHubAPI,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateRemoteRepo creates name under the authenticated user, or returns the
// existing repo when one with that name already exists.
func (g *GitHubClient) CreateRemoteRepo(ctx context.Context, name string, private bool) (*RemoteRepo, error) {
	body, _ := json.Marshal(map[string]any{
		"name":      name,
		"private":   private,
		"auto_init": false,
	})
	repo, status, err := g.do(ctx, http.MethodPost, "/user/repos", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if status == http.StatusCreated {
		return repo, nil
	}
	if status == http.StatusUnprocessableEntity {
		// Name already taken under this account; reuse it.
		login, err := g.login(ctx)
		if err != nil {
			return nil, err
		}
		existing, status, err := g.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", login, name), nil)
		if err != nil {
			return nil, err
		}
		if status == http.StatusOK {
			return existing, nil
		}
		return nil, fmt.Errorf("repo %s exists but is not accessible (status %d)", name, status)
	}
	return nil, fmt.Errorf("create repo %s: unexpected status %d", name, status)
}

func (g *GitHubClient) login(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL+"/user", nil)
	if err != nil {
		return "", err
	}
	g.auth(req)
	resp, err := g.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("authenticated user lookup failed: status %d", resp.StatusCode)
	}
	var u struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return "", err
	}
	return u.Login, nil
}

func (g *GitHubClient) do(ctx context.Context, method, path string, body io.Reader) (*RemoteRepo, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	g.auth(req)
	resp, err := g.HTTP.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	var repo RemoteRepo
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if len(data) > 0 {
		_ = json.Unmarshal(data, &repo)
	}
	return &repo, resp.StatusCode, nil
}

func (g *GitHubClient) auth(req *http.Request) {
	if strings.TrimSpace(g.Token) != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
}
