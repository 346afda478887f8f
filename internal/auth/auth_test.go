package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/bobuk/campsync/internal/config"
	"github.com/bobuk/campsync/internal/log"
	"github.com/bobuk/campsync/internal/store"
)

type memTokens struct {
	tokens map[string]*oauth2.Token
	saves  int
}

func (m *memTokens) Token(account string) (*oauth2.Token, error) {
	if t, ok := m.tokens[account]; ok {
		return t, nil
	}
	return nil, store.ErrNoToken
}

func (m *memTokens) SaveToken(account string, t *oauth2.Token) error {
	m.tokens[account] = t
	m.saves++
	return nil
}

const credentials = `{"installed":{"client_id":"id","client_secret":"secret","auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token","redirect_uris":["http://localhost"]}}`

func TestDecodeToken(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		access  string
		wantErr bool
	}{
		{name: "oauth2", data: `{"access_token":"a","refresh_token":"r","expiry":"2026-10-14T10:00:00Z"}`, access: "a"},
		{name: "authorized user", data: `{"token":"b","refresh_token":"r","expiry":"2026-10-14T10:00:00.123456"}`, access: "b"},
		{name: "empty", data: `{}`, wantErr: true},
		{name: "malformed", data: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := DecodeToken([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if tok.AccessToken != tt.access || tok.Expiry.IsZero() {
				t.Fatalf("unexpected token %+v", tok)
			}
		})
	}
}

func TestClientRequiresToken(t *testing.T) {
	cfg := config.Default()
	cfg.GoogleCredentials = []byte(credentials)

	_, err := Client(context.Background(), cfg, &memTokens{tokens: map[string]*oauth2.Token{}}, log.Discard())
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestClientSeedsStoreFromTokenFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer a" {
			t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.GoogleCredentials = []byte(credentials)
	cfg.GoogleToken = []byte(`{"access_token":"a","token_type":"Bearer","expiry":"` + time.Now().Add(time.Hour).Format(time.RFC3339) + `"}`)
	tokens := &memTokens{tokens: map[string]*oauth2.Token{}}

	client, err := Client(context.Background(), cfg, tokens, log.Discard())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if tokens.saves != 1 || tokens.tokens["default"].AccessToken != "a" {
		t.Fatalf("expected token seeded into the store")
	}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	resp.Body.Close()
}

func TestClientBadCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.GoogleCredentials = []byte(`not json`)
	_, err := Client(context.Background(), cfg, &memTokens{tokens: map[string]*oauth2.Token{}}, log.Discard())
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
