package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/authplane"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/crypto"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/gateway"
)

// AuthPlaneService errors.
var (
	ErrProviderNotFound = errors.New("oauth provider not found")
	ErrProviderDisabled = errors.New("oauth provider disabled")
	ErrFlowExpired      = errors.New("oauth flow expired or unknown")
	ErrExchangeFailed   = errors.New("authorization code exchange failed")
	ErrUserInfoFailed   = errors.New("failed to fetch user info")
)

// exchangeTimeout bounds a single call to the provider's token endpoint. An
// exchange that fails without an error response from the provider (a
// network failure or timeout) is retried once. The userinfo call is bounded
// by the fetcher's own client timeout and is not retried.
const exchangeTimeout = 10 * time.Second

// UserInfo is the subset of claims the gateway needs from a provider's
// userinfo endpoint (or ID token) to provision/update a User record.
type UserInfo struct {
	Subject string
	Email   string
	Name    string
	Groups  []string // AD/LDAP group DNs, if the provider exposes them
}

// UserInfoFetcher retrieves UserInfo for an authenticated token. Split out
// as an interface so tests can stub provider responses without a live IdP.
type UserInfoFetcher interface {
	FetchUserInfo(ctx context.Context, provider *gateway.OAuthProvider, token *oauth2.Token) (*UserInfo, error)
}

// AuthPlaneStore is the subset of gateway.Store the auth plane touches.
type AuthPlaneStore interface {
	GetProvider(ctx context.Context, id string) (*gateway.OAuthProvider, error)
	ListProviders(ctx context.Context) ([]gateway.OAuthProvider, error)
	GetUserByEmail(ctx context.Context, email string) (*gateway.User, error)
	AddUser(ctx context.Context, u *gateway.User) error
	UpdateUser(ctx context.Context, u *gateway.User) error
	ListADGroupMappings(ctx context.Context) ([]gateway.ADGroupMapping, error)
	AddRoleBinding(ctx context.Context, b *gateway.RoleBinding) error
	ListRoleBindings(ctx context.Context, userID string) ([]gateway.RoleBinding, error)
}

// RBACInvalidator is implemented by rbac.Engine; kept as a narrow interface
// to avoid a dependency cycle between service and rbac.
type RBACInvalidator interface {
	Invalidate(userID string)
}

// AuthPlaneService drives the OAuth 2.1 authorization-code+PKCE(S256) flow:
// initiate builds the provider redirect, callback exchanges the code and
// provisions/updates the User record, verify/logout operate on the
// gateway's own JWTs.
type AuthPlaneService struct {
	store   AuthPlaneStore
	flows   *authplane.FlowStore
	jwt     *crypto.JWTIssuer
	fetcher UserInfoFetcher
	rbac    RBACInvalidator
	logger  *slog.Logger
}

// NewAuthPlaneService constructs an AuthPlaneService.
func NewAuthPlaneService(store AuthPlaneStore, flows *authplane.FlowStore, jwtIssuer *crypto.JWTIssuer,
	fetcher UserInfoFetcher, rbac RBACInvalidator, logger *slog.Logger) *AuthPlaneService {
	return &AuthPlaneService{store: store, flows: flows, jwt: jwtIssuer, fetcher: fetcher, rbac: rbac, logger: logger}
}

// InitiateResult carries the redirect URL the caller sends the user's
// browser to.
type InitiateResult struct {
	RedirectURL string
	State       string
}

// Initiate starts an authorization-code+PKCE flow against providerID,
// generating the code_verifier/code_challenge(S256) pair and a random
// state/nonce, storing them in the TTL flow store.
func (s *AuthPlaneService) Initiate(ctx context.Context, providerID, redirectURI string) (*InitiateResult, error) {
	provider, err := s.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderNotFound, err)
	}
	if !provider.Enabled {
		return nil, ErrProviderDisabled
	}

	state, err := randomURLSafe(32)
	if err != nil {
		return nil, err
	}
	nonce, err := randomURLSafe(16)
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()

	s.flows.Put(&gateway.OAuthFlow{
		State:        state,
		Nonce:        nonce,
		ProviderID:   provider.ID,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
	})

	cfg := s.oauth2Config(provider, redirectURI)
	url := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier), oauth2.SetAuthURLParam("nonce", nonce))

	return &InitiateResult{RedirectURL: url, State: state}, nil
}

func (s *AuthPlaneService) oauth2Config(provider *gateway.OAuthProvider, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       provider.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  provider.AuthURL,
			TokenURL: provider.TokenURL,
		},
	}
}

// CallbackResult is the outcome of a successful authorization-code exchange:
// a minted gateway session JWT plus the resolved user record.
type CallbackResult struct {
	Token string
	User  *gateway.User
}

// Callback consumes the single-use flow identified by state, exchanges code
// for a provider token (one retry on transient failure), fetches user info,
// provisions or updates the User record, applies AD group-DN role mapping
// as a union of roles, and mints the gateway's own session JWT.
func (s *AuthPlaneService) Callback(ctx context.Context, state, code string) (*CallbackResult, error) {
	flow, err := s.flows.Take(state)
	if err != nil {
		return nil, ErrFlowExpired
	}

	provider, err := s.store.GetProvider(ctx, flow.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderNotFound, err)
	}

	cfg := s.oauth2Config(provider, flow.RedirectURI)

	token, err := s.exchangeWithRetry(ctx, cfg, code, flow.CodeVerifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	info, err := s.fetcher.FetchUserInfo(ctx, provider, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserInfoFailed, err)
	}

	user, err := s.upsertUser(ctx, provider, info)
	if err != nil {
		return nil, err
	}

	roleIDs, err := s.mapGroupsToRoles(ctx, user, info.Groups)
	if err != nil {
		s.logger.Warn("ad group mapping failed", "user_id", user.ID, "error", err)
	}

	jwtStr, err := s.jwt.Mint(user.ID, user.Email, user.Name, provider.ID, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("mint session token: %w", err)
	}

	return &CallbackResult{Token: jwtStr, User: user}, nil
}

func (s *AuthPlaneService) exchangeWithRetry(ctx context.Context, cfg *oauth2.Config, code, verifier string) (*oauth2.Token, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, exchangeTimeout)
		token, err := cfg.Exchange(callCtx, code, oauth2.VerifierOption(verifier))
		cancel()
		if err == nil {
			return token, nil
		}
		lastErr = err
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			break
		}
	}
	return nil, lastErr
}

func (s *AuthPlaneService) upsertUser(ctx context.Context, provider *gateway.OAuthProvider, info *UserInfo) (*gateway.User, error) {
	now := time.Now().UTC()
	existing, err := s.store.GetUserByEmail(ctx, info.Email)
	if err == nil {
		existing.Name = info.Name
		existing.ProviderID = provider.ID
		existing.UpdatedAt = now
		if updErr := s.store.UpdateUser(ctx, existing); updErr != nil {
			return nil, fmt.Errorf("update user: %w", updErr)
		}
		return existing, nil
	}

	user := &gateway.User{
		ID:         info.Subject,
		Email:      info.Email,
		Name:       info.Name,
		ProviderID: provider.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if user.ID == "" {
		id, genErr := randomURLSafe(16)
		if genErr != nil {
			return nil, genErr
		}
		user.ID = id
	}
	if err := s.store.AddUser(ctx, user); err != nil {
		return nil, fmt.Errorf("provision user: %w", err)
	}
	return user, nil
}

// mapGroupsToRoles binds every role mapped from any of the user's AD groups
// that is not already bound, returning the full set of bound role IDs
// (existing plus newly added) — a union, with no precedence between groups.
func (s *AuthPlaneService) mapGroupsToRoles(ctx context.Context, user *gateway.User, groups []string) ([]string, error) {
	mappings, err := s.store.ListADGroupMappings(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{})
	for _, g := range groups {
		for _, m := range mappings {
			if m.GroupDN == g {
				wanted[m.RoleID] = struct{}{}
			}
		}
	}

	existingBindings, err := s.store.ListRoleBindings(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]struct{}, len(existingBindings))
	for _, b := range existingBindings {
		have[b.RoleID] = struct{}{}
	}

	for roleID := range wanted {
		if _, ok := have[roleID]; ok {
			continue
		}
		id, genErr := randomURLSafe(12)
		if genErr != nil {
			continue
		}
		if err := s.store.AddRoleBinding(ctx, &gateway.RoleBinding{
			ID: id, UserID: user.ID, RoleID: roleID, CreatedAt: time.Now().UTC(),
		}); err != nil {
			s.logger.Warn("bind mapped role failed", "role_id", roleID, "error", err)
			continue
		}
		have[roleID] = struct{}{}
	}
	if s.rbac != nil {
		s.rbac.Invalidate(user.ID)
	}

	roleIDs := make([]string, 0, len(have))
	for id := range have {
		roleIDs = append(roleIDs, id)
	}
	return roleIDs, nil
}

// Verify validates a gateway session JWT and returns its claims.
func (s *AuthPlaneService) Verify(token string) (*crypto.Claims, error) {
	return s.jwt.Verify(token)
}

// Logout is a no-op beyond audit logging: gateway session JWTs are
// stateless and simply expire; callers discard the token client-side.
func (s *AuthPlaneService) Logout(_ context.Context, _ string) error {
	return nil
}

// ListProviders returns the enabled providers for the login picker.
func (s *AuthPlaneService) ListProviders(ctx context.Context) ([]gateway.OAuthProvider, error) {
	all, err := s.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	var enabled []gateway.OAuthProvider
	for _, p := range all {
		p.ClientSecret = ""
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	return enabled, nil
}

func randomURLSafe(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
