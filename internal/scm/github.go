package scm

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GitHubApp mints installation access tokens for a GitHub App. Tokens
// are cached per installation until shortly before expiry.
type GitHubApp struct {
	appID      string
	privateKey *rsa.PrivateKey
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	tokens map[int64]cachedToken
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// NewGitHubApp loads the App's RSA private key from a PEM file.
func NewGitHubApp(appID, privateKeyPath string, logger *slog.Logger) (*GitHubApp, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := os.ReadFile(privateKeyPath) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("scm: read app key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("scm: decode app key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		pkcs8, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err8 != nil {
			return nil, fmt.Errorf("scm: parse app key: %w", err)
		}
		rsaKey, ok := pkcs8.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("scm: app key is not RSA")
		}
		key = rsaKey
	}
	return &GitHubApp{
		appID:      appID,
		privateKey: key,
		baseURL:    "https://api.github.com",
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		tokens:     make(map[int64]cachedToken),
	}, nil
}

// appJWT signs the short-lived App JWT GitHub requires for installation
// token exchange. GitHub rejects JWTs with more than 10 minutes of
// lifetime; iat is backdated 60s to tolerate clock skew.
func (a *GitHubApp) appJWT(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    a.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(a.privateKey)
	if err != nil {
		return "", fmt.Errorf("scm: sign app jwt: %w", err)
	}
	return signed, nil
}

// InstallationToken returns a valid access token for the installation,
// minting a fresh one when the cached token is within a minute of expiry.
func (a *GitHubApp) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	a.mu.Lock()
	if cached, ok := a.tokens[installationID]; ok && time.Until(cached.expiresAt) > time.Minute {
		a.mu.Unlock()
		return cached.token, nil
	}
	a.mu.Unlock()

	appJWT, err := a.appJWT(time.Now().UTC())
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("scm: build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("scm: exchange installation token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("scm: installation token: status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("scm: decode installation token: %w", err)
	}

	a.mu.Lock()
	a.tokens[installationID] = cachedToken{token: out.Token, expiresAt: out.ExpiresAt}
	a.mu.Unlock()
	return out.Token, nil
}

// StatusPublisher posts commit statuses back to GitHub so intent
// decisions surface on pull requests.
type StatusPublisher struct {
	app    *GitHubApp
	logger *slog.Logger
}

// NewStatusPublisher returns a publisher backed by the App credentials.
func NewStatusPublisher(app *GitHubApp, logger *slog.Logger) *StatusPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusPublisher{app: app, logger: logger}
}

// CommitStatus is the subset of the GitHub commit status API the engine
// uses.
type CommitStatus struct {
	State       string `json:"state"` // success, failure, pending, error
	Description string `json:"description,omitempty"`
	Context     string `json:"context"`
	TargetURL   string `json:"target_url,omitempty"`
}

// Publish sets a commit status on (repo, sha). repo is "owner/name".
func (p *StatusPublisher) Publish(ctx context.Context, installationID int64, repo, sha string, status CommitStatus) error {
	token, err := p.app.InstallationToken(ctx, installationID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("scm: marshal status: %w", err)
	}
	url := fmt.Sprintf("%s/repos/%s/statuses/%s", p.app.baseURL, repo, sha)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("scm: build status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.app.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("scm: publish status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("scm: publish status: status %d: %s", resp.StatusCode, raw)
	}
	p.logger.Debug("commit status published", "repo", repo, "sha", sha, "state", status.State)
	return nil
}
