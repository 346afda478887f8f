// Package runner performs one sync run: it reads the shared calendar and
// every configured source, then reconciles the main calendar and each site
// calendar in turn.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/bobuk/campsync/internal/calendar"
	"github.com/bobuk/campsync/internal/clock"
	"github.com/bobuk/campsync/internal/config"
	"github.com/bobuk/campsync/internal/event"
	"github.com/bobuk/campsync/internal/log"
	"github.com/bobuk/campsync/internal/propagate"
	"github.com/bobuk/campsync/internal/reconcile"
	"github.com/bobuk/campsync/internal/store"
)

// Run statuses recorded in the history.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Feeds reads the iCal sources.
type Feeds interface {
	HipCamp(ctx context.Context, sites []config.SiteMapping) []event.Event
	Checkfront(ctx context.Context, url, marker string) []event.Event
}

// Lodging reads lodging reservations starting at since.
type Lodging interface {
	Events(ctx context.Context, since time.Time) []event.Event
}

type RunRecorder interface {
	RecordRun(ctx context.Context, r store.Run) error
}

// Deps are the collaborators of a Runner. Lodging, Booker and Runs are
// optional.
type Deps struct {
	Backend   calendar.Backend
	Directory calendar.Directory
	Feeds     Feeds
	Lodging   Lodging
	Booker    propagate.Booker
	Runs      RunRecorder
	Clock     clock.Clock
	Log       *log.Logger
}

type Runner struct {
	cfg *config.Config
	Deps
}

func New(cfg *config.Config, deps Deps) *Runner {
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if deps.Log == nil {
		deps.Log = log.Discard()
	}
	return &Runner{cfg: cfg, Deps: deps}
}

type Summary struct {
	RunID    string
	Started  time.Time
	Finished time.Time

	Main  reconcile.Result
	Sites map[string]reconcile.Result
	Total reconcile.Result

	// Propagation is false when the booking system was not configured or
	// its mapping could not be loaded.
	Propagation bool
}

func (s Summary) Status() string {
	if s.Total.Failed > 0 || s.Total.Permission > 0 {
		return StatusPartial
	}
	return StatusOK
}

// Run syncs once. Source failures only shrink the source lists; an error is
// returned when the calendar itself cannot be read.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	now := r.Clock.Now()
	s := Summary{
		RunID:   uuid.NewString(),
		Started: now,
		Sites:   make(map[string]reconcile.Result),
	}
	l := r.Log.With("run", s.RunID[:8])

	err := r.run(ctx, now, &s, l)
	s.Finished = r.Clock.Now()

	status := s.Status()
	if err != nil {
		status = StatusFailed
	}
	r.record(ctx, s, status, l)

	if err != nil {
		return s, err
	}
	t := s.Total
	l.Normal("sync complete", "created", t.Created, "updated", t.Updated, "deleted", t.Deleted,
		"propagated", t.Propagated, "failed", t.Failed+t.Permission)
	return s, nil
}

func (r *Runner) run(ctx context.Context, now time.Time, s *Summary, l *log.Logger) error {
	calID, err := calendar.Find(ctx, r.Directory, r.cfg.CalendarName)
	if err != nil {
		return err
	}
	since := r.since(now)

	existing, err := r.read(ctx, calID, since)
	if err != nil {
		return err
	}

	hipcamp := r.Feeds.HipCamp(ctx, r.cfg.Sites.All())
	checkfront := r.Feeds.Checkfront(ctx, r.cfg.Sites.CheckfrontFeedURL, r.cfg.Checkfront.GuestMarker)
	var lodging []event.Event
	if r.Lodging != nil {
		lodging = r.Lodging.Events(ctx, since)
	}
	l.Normal("fetched sources", "hipcamp", len(hipcamp), "checkfront", len(checkfront), "lodging", len(lodging), "calendar", len(existing))

	sources := make([]event.Event, 0, len(hipcamp)+len(checkfront)+len(lodging))
	sources = append(sources, hipcamp...)
	sources = append(sources, checkfront...)
	sources = append(sources, lodging...)

	var prop reconcile.Propagator
	if r.Booker != nil {
		p := propagate.New(r.Booker, r.cfg.Sites, r.cfg.Checkfront.GuestMarker, l)
		if err := p.Load(ctx, now); err != nil {
			l.Warn("booking propagation disabled for this run", err)
		} else {
			prop = p
			s.Propagation = true
		}
	}

	s.Main = reconcile.New(r.Backend, prop, l.With("calendar", r.cfg.CalendarName)).Run(ctx, calID, existing, sources, now)
	s.Total.Add(s.Main)

	r.syncSites(ctx, calID, checkfront, since, now, s, l)
	return nil
}

// syncSites mirrors Checkfront events into the per-site calendars. A site
// calendar that cannot be read is skipped.
func (r *Runner) syncSites(ctx context.Context, mainID string, checkfront []event.Event, since, now time.Time, s *Summary, l *log.Logger) {
	sites, err := calendar.FindSuffixed(ctx, r.Directory, r.cfg.SiteCalendarSuffix)
	if err != nil {
		l.Warn("error listing site calendars", err)
		return
	}

	codes := make([]string, 0, len(sites))
	for code, id := range sites {
		if id != mainID {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)

	for _, code := range codes {
		id := sites[code]
		sl := l.With("calendar", code+r.cfg.SiteCalendarSuffix)

		existing, err := r.read(ctx, id, since)
		if err != nil {
			sl.Warn("error reading site calendar", err)
			continue
		}

		var sources []event.Event
		for _, ev := range checkfront {
			if ev.SiteCode() == code {
				sources = append(sources, ev)
			}
		}

		res := reconcile.New(r.Backend, nil, sl).Run(ctx, id, existing, sources, now)
		s.Sites[code] = res
		s.Total.Add(res)
	}
}

// Desync deletes every entry this tool wrote that has not ended yet, in the
// main calendar and the site calendars. Entries without the synced marker are
// never touched.
func (r *Runner) Desync(ctx context.Context) (int, error) {
	now := r.Clock.Now()
	calID, err := calendar.Find(ctx, r.Directory, r.cfg.CalendarName)
	if err != nil {
		return 0, err
	}
	ids := []string{calID}

	sites, err := calendar.FindSuffixed(ctx, r.Directory, r.cfg.SiteCalendarSuffix)
	if err != nil {
		r.Log.Warn("error listing site calendars", err)
	}
	codes := make([]string, 0, len(sites))
	for code := range sites {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		if sites[code] != calID {
			ids = append(ids, sites[code])
		}
	}

	deleted := 0
	var errs []error
	for _, id := range ids {
		entries, err := r.Backend.List(ctx, id, r.since(now))
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", id, err))
			continue
		}
		for _, e := range entries {
			ev := calendar.ToEvent(e, r.cfg.Location)
			if !e.Synced() || ev.Ended(now) {
				continue
			}
			if err := r.Backend.Delete(ctx, id, e.ID); err != nil {
				r.Log.Warn("error deleting event", err, "title", e.Summary)
				errs = append(errs, err)
				continue
			}
			deleted++
			r.Log.Normal("Deleted synced event", "title", e.Summary, "dates", ev.DateRange())
		}
	}
	return deleted, errors.Join(errs...)
}

func (r *Runner) since(now time.Time) time.Time {
	return now.AddDate(0, 0, -r.cfg.SyncRangeDays)
}

func (r *Runner) read(ctx context.Context, calendarID string, since time.Time) ([]event.Event, error) {
	entries, err := r.Backend.List(ctx, calendarID, since)
	if err != nil {
		return nil, fmt.Errorf("read calendar: %w", err)
	}
	events := make([]event.Event, 0, len(entries))
	for _, e := range entries {
		events = append(events, calendar.ToEvent(e, r.cfg.Location))
	}
	return events, nil
}

func (r *Runner) record(ctx context.Context, s Summary, status string, l *log.Logger) {
	if r.Runs == nil {
		return
	}
	t := s.Total
	err := r.Runs.RecordRun(ctx, store.Run{
		ID:         s.RunID,
		Started:    s.Started,
		Finished:   s.Finished,
		Created:    t.Created,
		Updated:    t.Updated,
		Deleted:    t.Deleted,
		Failed:     t.Failed + t.Permission,
		Propagated: t.Propagated,
		Status:     status,
	})
	if err != nil {
		l.Warn("error recording run", err)
	}
}
