package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultTokenURL = "https://accounts.spotify.com/api/token"

// refreshMargin keeps us from handing out a token that expires mid-request.
const refreshMargin = 30 * time.Second

var ErrNoToken = errors.New("spotify: no stored token for user")

// StoredToken is the persisted credential pair for one provider user.
type StoredToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenStore persists tokens between runs. Token returns nil when the user
// has never authorized.
type TokenStore interface {
	Token(ctx context.Context, userID string) (*StoredToken, error)
	SaveToken(ctx context.Context, userID string, token StoredToken) error
}

// TokenSource yields a usable access token for a user.
type TokenSource interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// RefreshingSource serves stored access tokens and refreshes them against
// the provider's token endpoint once they near expiry.
type RefreshingSource struct {
	store        TokenStore
	clientID     string
	clientSecret string
	tokenURL     string
	http         *http.Client

	mutex sync.Mutex
	now   func() time.Time
}

func NewRefreshingSource(store TokenStore, clientID, clientSecret string) *RefreshingSource {
	return &RefreshingSource{
		store:        store,
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     defaultTokenURL,
		http:         &http.Client{Timeout: defaultTimeout},
		now:          time.Now,
	}
}

// NewRefreshingSourceWithURL exists for tests pointing at an httptest server.
func NewRefreshingSourceWithURL(store TokenStore, clientID, clientSecret, tokenURL string) *RefreshingSource {
	source := NewRefreshingSource(store, clientID, clientSecret)
	source.tokenURL = tokenURL
	return source
}

func (s *RefreshingSource) AccessToken(ctx context.Context, userID string) (string, error) {
	// serialized so two concurrent callers do not both burn the refresh token
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, err := s.store.Token(ctx, userID)
	if err != nil {
		return "", err
	}
	if stored == nil {
		return "", ErrNoToken
	}
	if s.now().Add(refreshMargin).Before(stored.ExpiresAt) {
		return stored.AccessToken, nil
	}
	if stored.RefreshToken == "" {
		return "", fmt.Errorf("spotify: token for %s expired and no refresh token stored", userID)
	}

	refreshed, err := s.refresh(ctx, stored.RefreshToken)
	if err != nil {
		return "", err
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = stored.RefreshToken
	}
	if err := s.store.SaveToken(ctx, userID, *refreshed); err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

func (s *RefreshingSource) refresh(ctx context.Context, refreshToken string) (*StoredToken, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.clientID, s.clientSecret)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if parsed.AccessToken == "" {
		return nil, errors.New("spotify: token endpoint returned no access_token")
	}
	return &StoredToken{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    s.now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}, nil
}

// StaticSource returns the same token for every user. The local run mode
// uses it so a single-user setup works without the refresh dance.
type StaticSource string

func (s StaticSource) AccessToken(context.Context, string) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}
