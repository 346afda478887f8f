package runner

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bobuk/campsync/internal/auth"
	"github.com/bobuk/campsync/internal/calendar"
	"github.com/bobuk/campsync/internal/checkfront"
	"github.com/bobuk/campsync/internal/config"
	"github.com/bobuk/campsync/internal/feed"
	"github.com/bobuk/campsync/internal/lodgify"
	"github.com/bobuk/campsync/internal/log"
	"github.com/bobuk/campsync/internal/store"
)

type Options struct {
	// DryRun logs calendar writes instead of performing them and disables
	// booking propagation.
	DryRun bool
	// HTTPClient is used for feeds and REST APIs; nil means http.DefaultClient.
	HTTPClient *http.Client
}

// Build wires a Runner from a resolved configuration. The caller closes the
// returned store.
func Build(ctx context.Context, cfg *config.Config, l *log.Logger, opts Options) (*Runner, *store.Store, error) {
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	backend, dir, err := newBackend(ctx, cfg, st, l)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	deps := Deps{
		Backend:   backend,
		Directory: dir,
		Feeds:     feed.NewClient(feed.NewFetcher(hc, l), cfg.Location, l),
		Runs:      st,
		Log:       l,
	}
	if cfg.LodgifyEnabled() {
		deps.Lodging = lodgify.NewClient(hc, cfg.Lodgify.BaseURL, cfg.Lodgify.APIKey, cfg.LodgifyDisplayName, cfg.Location, l)
	}
	if cfg.CheckfrontEnabled() && !opts.DryRun {
		deps.Booker = checkfront.NewClient(hc, checkfront.BaseURL(cfg.Checkfront.Host), cfg.Checkfront.APIKey, cfg.Checkfront.APISecret, l)
	}
	if opts.DryRun {
		deps.Backend = calendar.NewDryRun(backend, l)
		deps.Runs = nil
	}

	return New(cfg, deps), st, nil
}

func newBackend(ctx context.Context, cfg *config.Config, st *store.Store, l *log.Logger) (calendar.Backend, calendar.Directory, error) {
	switch cfg.Backend {
	case config.BackendGoogle:
		client, err := auth.Client(ctx, cfg, st, l)
		if err != nil {
			return nil, nil, err
		}
		g, err := calendar.NewGoogle(ctx, client, cfg.Location)
		if err != nil {
			return nil, nil, fmt.Errorf("error creating Google calendar backend: %w", err)
		}
		return g, g, nil

	case config.BackendCalDAV:
		c, err := calendar.NewCalDAV(nil, cfg.CalDAV.ServerURL, cfg.CalDAV.Username, cfg.CalDAV.Password, cfg.Location)
		if err != nil {
			return nil, nil, fmt.Errorf("error connecting to CalDAV server: %w", err)
		}
		return c, c, nil

	default:
		return nil, nil, fmt.Errorf("%w: unsupported backend %q", config.ErrConfig, cfg.Backend)
	}
}
