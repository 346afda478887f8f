// Package auth builds the OAuth2 HTTP client used for Google Calendar.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"

	"github.com/bobuk/campsync/internal/config"
	"github.com/bobuk/campsync/internal/log"
	"github.com/bobuk/campsync/internal/store"
)

// TokenStore persists tokens per account.
type TokenStore interface {
	Token(account string) (*oauth2.Token, error)
	SaveToken(account string, token *oauth2.Token) error
}

// Client returns an HTTP client authorized for the calendar scope. The token
// comes from the store, falling back to the configured token file; refreshed
// tokens are written back to the store.
func Client(ctx context.Context, cfg *config.Config, tokens TokenStore, l *log.Logger) (*http.Client, error) {
	oauthCfg, err := google.ConfigFromJSON(cfg.GoogleCredentials, gcal.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("%w: google credentials: %v", config.ErrConfig, err)
	}

	account := cfg.Google.Account
	token, err := tokens.Token(account)
	switch {
	case errors.Is(err, store.ErrNoToken):
		if cfg.GoogleToken == nil {
			return nil, fmt.Errorf("%w: no Google token for account %s; provide %s", config.ErrConfig, account, cfg.Google.TokenFile)
		}
		if token, err = DecodeToken(cfg.GoogleToken); err != nil {
			return nil, fmt.Errorf("%w: google token: %v", config.ErrConfig, err)
		}
		if err := tokens.SaveToken(account, token); err != nil {
			l.Warn("error saving token", err, "account", account)
		}
	case err != nil:
		return nil, err
	}

	src := &savingSource{
		base:    oauthCfg.TokenSource(ctx, token),
		last:    token.AccessToken,
		account: account,
		tokens:  tokens,
		log:     l,
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(token, src)), nil
}

// savingSource stores every token whose access token differs from the last.
type savingSource struct {
	base    oauth2.TokenSource
	account string
	tokens  TokenStore
	log     *log.Logger

	mu   sync.Mutex
	last string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	t, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t.AccessToken != s.last {
		s.last = t.AccessToken
		s.log.Debug("token refreshed", "account", s.account)
		if err := s.tokens.SaveToken(s.account, t); err != nil {
			s.log.Warn("error saving refreshed token", err, "account", s.account)
		}
	}
	return t, nil
}

// DecodeToken reads a token in oauth2 JSON form or in the authorized-user
// form written by Google's client libraries ("token", "refresh_token",
// "expiry").
func DecodeToken(data []byte) (*oauth2.Token, error) {
	var raw struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		RefreshToken string `json:"refresh_token"`
		Expiry       string `json:"expiry"`
		Token        string `json:"token"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	t := &oauth2.Token{
		AccessToken:  raw.AccessToken,
		TokenType:    raw.TokenType,
		RefreshToken: raw.RefreshToken,
	}
	if t.AccessToken == "" {
		t.AccessToken = raw.Token
	}
	if raw.Expiry != "" {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
			if exp, err := time.Parse(layout, raw.Expiry); err == nil {
				t.Expiry = exp
				break
			}
		}
	}
	if t.AccessToken == "" && t.RefreshToken == "" {
		return nil, errors.New("token has neither access nor refresh token")
	}
	return t, nil
}
