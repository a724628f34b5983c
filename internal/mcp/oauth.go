package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// oauthMetadata is the subset of RFC 8414 authorization-server metadata
// this gateway needs to decide between client-credentials and
// authorization-code flows.
type oauthMetadata struct {
	TokenEndpoint                     string   `json:"token_endpoint"`
	AuthorizationEndpoint              string   `json:"authorization_endpoint"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	ClientID                          string   `json:"client_id"`
	ClientSecret                      string   `json:"client_secret"`
}

// fetchOAuthMetadata resolves the descriptor's OAuth URL into its
// authorization-server metadata document.
func fetchOAuthMetadata(ctx context.Context, oauthURL string) (*oauthMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, oauthURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: fetching oauth metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mcp: oauth metadata endpoint returned %d", resp.StatusCode)
	}
	var meta oauthMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("mcp: decoding oauth metadata: %w", err)
	}
	return &meta, nil
}

// tokenSourceFor builds an oauth2.TokenSource that refreshes before expiry,
// using the client-credentials flow when the metadata advertises it (the
// only flow this gateway can complete unattended; an authorization-code-only
// server is treated as a configuration error at connect time).
func tokenSourceFor(ctx context.Context, meta *oauthMetadata) (oauth2.TokenSource, error) {
	supportsClientCreds := len(meta.GrantTypesSupported) == 0
	for _, g := range meta.GrantTypesSupported {
		if g == "client_credentials" {
			supportsClientCreds = true
		}
	}
	if !supportsClientCreds {
		return nil, fmt.Errorf("mcp: oauth server at %s requires an interactive authorization-code flow, unsupported for a headless MCP client", meta.TokenEndpoint)
	}

	cfg := &clientcredentials.Config{
		ClientID:     meta.ClientID,
		ClientSecret: meta.ClientSecret,
		TokenURL:     meta.TokenEndpoint,
	}
	return oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx)), nil
}

// bearerFor returns a fresh bearer token for the descriptor, or "" if the
// descriptor carries no OAuth URL (no auth needed).
func bearerFor(ctx context.Context, d Descriptor) (string, error) {
	if d.OAuthURL == "" {
		return "", nil
	}
	meta, err := fetchOAuthMetadata(ctx, d.OAuthURL)
	if err != nil {
		return "", err
	}
	ts, err := tokenSourceFor(ctx, meta)
	if err != nil {
		return "", err
	}
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("mcp: fetching oauth token: %w", err)
	}
	return tok.AccessToken, nil
}
