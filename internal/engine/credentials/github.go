package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"

	"cardsync/internal/platform/models"
)

// AppSigner produces the App JWT used to authenticate token exchanges.
type AppSigner interface {
	Sign() (string, error)
}

// GitHubExchanger calls POST /app/installations/{id}/access_tokens.
type GitHubExchanger struct {
	signer AppSigner
	client *github.Client
}

func NewGitHubExchanger(signer AppSigner, baseURL, userAgent string, httpClient *http.Client) (*GitHubExchanger, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc := *httpClient
	hc.Transport = &appTransport{signer: signer, base: base}

	client := github.NewClient(&hc)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, err
		}
		client.BaseURL = u
	}
	if userAgent != "" {
		client.UserAgent = userAgent
	}

	return &GitHubExchanger{signer: signer, client: client}, nil
}

func (x *GitHubExchanger) Exchange(ctx context.Context, installationID int64) (Token, error) {
	tok, _, err := x.client.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return Token{}, classifyExchangeError(installationID, err)
	}
	if tok.GetToken() == "" {
		return Token{}, fmt.Errorf("installation %d: empty token in exchange response", installationID)
	}
	return Token{Value: tok.GetToken(), ExpiresAt: tok.GetExpiresAt().Time}, nil
}

// Installation fetches account metadata for an installation id.
func (x *GitHubExchanger) Installation(ctx context.Context, installationID int64) (*models.Installation, error) {
	inst, _, err := x.client.Apps.GetInstallation(ctx, installationID)
	if err != nil {
		return nil, classifyExchangeError(installationID, err)
	}
	return &models.Installation{
		InstallationID:      inst.GetID(),
		AccountLogin:        inst.GetAccount().GetLogin(),
		AccountType:         inst.GetAccount().GetType(),
		RepositorySelection: inst.GetRepositorySelection(),
	}, nil
}

func classifyExchangeError(installationID int64, err error) error {
	var signErr *signError
	if errors.As(err, &signErr) {
		return &AuthError{InstallationID: installationID, Reason: "app credentials misconfigured", Err: signErr.err}
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusNotFound:
			return &AuthError{InstallationID: installationID, Reason: "installation not found", Err: err}
		case http.StatusUnauthorized:
			return &AuthError{InstallationID: installationID, Reason: "app credentials rejected", Err: err}
		case http.StatusForbidden:
			return &AuthError{InstallationID: installationID, Reason: "installation suspended", Err: err}
		}
	}
	return fmt.Errorf("exchange installation token %d: %w", installationID, err)
}

type signError struct{ err error }

func (e *signError) Error() string { return "sign app jwt: " + e.err.Error() }
func (e *signError) Unwrap() error { return e.err }

type appTransport struct {
	signer AppSigner
	base   http.RoundTripper
}

func (t *appTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	jwt, err := t.signer.Sign()
	if err != nil {
		return nil, &signError{err: err}
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+jwt)
	return t.base.RoundTrip(r)
}
