package hosting

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"golang.org/x/oauth2"
)

// TokenProvider serves every installation with one static token
type TokenProvider struct {
	token  string
	client *GitHub
}

var _ Provider = (*TokenProvider)(nil)

// NewTokenProvider creates a provider for a personal or CI token. An empty
// token yields an unauthenticated client.
func NewTokenProvider(ctx context.Context, token, apiURL string) (*TokenProvider, error) {
	httpClient := http.DefaultClient
	if token != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	client, err := NewGitHub(httpClient, apiURL)
	if err != nil {
		return nil, err
	}
	return &TokenProvider{token: token, client: client}, nil
}

// Client returns the shared client
func (p *TokenProvider) Client(context.Context, int64) (Client, error) {
	return p.client, nil
}

// GitToken returns the static token
func (p *TokenProvider) GitToken(context.Context, int64) (string, error) {
	return p.token, nil
}

// AppProvider authenticates as a GitHub App installation
type AppProvider struct {
	appID  int64
	key    []byte
	apiURL string

	mu         sync.Mutex
	transports map[int64]*ghinstallation.Transport
}

var _ Provider = (*AppProvider)(nil)

// NewAppProvider creates a provider for the given app id and PEM key
func NewAppProvider(appID int64, privateKey []byte, apiURL string) *AppProvider {
	return &AppProvider{
		appID:      appID,
		key:        privateKey,
		apiURL:     apiURL,
		transports: make(map[int64]*ghinstallation.Transport),
	}
}

func (p *AppProvider) transport(installationID int64) (*ghinstallation.Transport, error) {
	if installationID == 0 {
		return nil, fmt.Errorf("task has no app installation id")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if tr, ok := p.transports[installationID]; ok {
		return tr, nil
	}
	tr, err := ghinstallation.New(http.DefaultTransport, p.appID, installationID, p.key)
	if err != nil {
		return nil, fmt.Errorf("creating installation transport: %w", err)
	}
	if p.apiURL != "" {
		tr.BaseURL = strings.TrimSuffix(p.apiURL, "/")
	}
	p.transports[installationID] = tr
	return tr, nil
}

// Client returns a client acting as the installation
func (p *AppProvider) Client(_ context.Context, installationID int64) (Client, error) {
	tr, err := p.transport(installationID)
	if err != nil {
		return nil, err
	}
	return NewGitHub(&http.Client{Transport: tr}, p.apiURL)
}

// GitToken returns a short-lived installation token
func (p *AppProvider) GitToken(ctx context.Context, installationID int64) (string, error) {
	tr, err := p.transport(installationID)
	if err != nil {
		return "", err
	}
	return tr.Token(ctx)
}
