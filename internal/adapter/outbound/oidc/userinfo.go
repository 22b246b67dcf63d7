// Package oidc fetches OIDC userinfo for an exchanged access token.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/gateway"
	"github.com/Sentinel-Gate/Sentinelgate/internal/service"
)

const maxUserInfoBodySize = 1 << 20

// UserInfoFetcher calls an OAuthProvider's UserInfoURL with the exchanged
// token and decodes the standard OIDC userinfo claims, implementing
// service.UserInfoFetcher.
type UserInfoFetcher struct {
	client *http.Client
}

// NewUserInfoFetcher constructs a UserInfoFetcher with a bounded-timeout
// HTTP client, mirroring the base repository's outbound HTTP client sizing.
func NewUserInfoFetcher() *UserInfoFetcher {
	return &UserInfoFetcher{client: &http.Client{Timeout: 10 * time.Second}}
}

// FetchUserInfo implements service.UserInfoFetcher.
func (f *UserInfoFetcher) FetchUserInfo(ctx context.Context, provider *gateway.OAuthProvider, token *oauth2.Token) (*service.UserInfo, error) {
	if provider.UserInfoURL == "" {
		return nil, fmt.Errorf("provider %q has no userinfo_url configured", provider.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	token.SetAuthHeader(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBodySize))
	if err != nil {
		return nil, fmt.Errorf("read userinfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request returned %d: %s", resp.StatusCode, body)
	}

	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("decode userinfo response: %w", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode userinfo claims: %w", err)
	}
	groups := extractGroups(raw, provider.ADGroupClaim)

	return &service.UserInfo{Subject: claims.Sub, Email: claims.Email, Name: claims.Name, Groups: groups}, nil
}

// extractGroups reads claimName out of raw userinfo claims, accepting either
// a JSON array of strings or a single string value.
func extractGroups(raw map[string]interface{}, claimName string) []string {
	if claimName == "" {
		return nil
	}
	v, ok := raw[claimName]
	if !ok {
		return nil
	}
	switch val := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, g := range val {
			if s, ok := g.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{val}
	default:
		return nil
	}
}
