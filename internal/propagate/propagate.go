// Package propagate mirrors HipCamp reservations into Checkfront.
package propagate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/bobuk/campsync/internal/checkfront"
	"github.com/bobuk/campsync/internal/config"
	"github.com/bobuk/campsync/internal/event"
	"github.com/bobuk/campsync/internal/log"
)

// Booker is the part of the Checkfront client used for propagation.
type Booker interface {
	Items(ctx context.Context) ([]checkfront.Item, error)
	HipCampMapping(ctx context.Context, now time.Time) (map[string]string, error)
	CreateSession(ctx context.Context) (string, error)
	AddItem(ctx context.Context, session, itemID string, start, end time.Time) error
	Form(ctx context.Context) ([]checkfront.FormField, error)
	CreateBooking(ctx context.Context, session string, form map[string]string, notes string) (string, error)
	DeleteBooking(ctx context.Context, bookingID string) error
}

type Propagator struct {
	booker Booker
	sites  *config.Sites
	marker string
	log    *log.Logger

	// mapping is HipCamp booking id to Checkfront booking id for this run.
	mapping map[string]string
	loaded  bool
	// missing holds configured item ids Checkfront does not know.
	missing map[string]bool
}

func New(b Booker, sites *config.Sites, marker string, l *log.Logger) *Propagator {
	return &Propagator{
		booker:  b,
		sites:   sites,
		marker:  marker,
		log:     l,
		mapping: make(map[string]string),
	}
}

// Load fetches the existing HipCamp to Checkfront mapping. Until it succeeds
// the propagator refuses to create bookings, so a failed lookup can never
// lead to duplicates.
func (p *Propagator) Load(ctx context.Context, now time.Time) error {
	mapping, err := p.booker.HipCampMapping(ctx, now)
	if err != nil {
		return fmt.Errorf("load Checkfront mapping: %w", err)
	}
	p.mapping = mapping
	p.loaded = true
	p.log.Debug("Checkfront mapping loaded", "entries", len(mapping))
	p.checkItems(ctx)
	return nil
}

// checkItems flags site mappings whose Checkfront item does not exist. An
// unreachable item list leaves every mapping usable.
func (p *Propagator) checkItems(ctx context.Context) {
	items, err := p.booker.Items(ctx)
	if err != nil {
		p.log.Warn("error listing Checkfront items, item ids not verified", err)
		return
	}
	known := make(map[string]bool, len(items))
	for _, it := range items {
		known[it.ID] = true
	}

	p.missing = make(map[string]bool)
	for _, site := range p.sites.All() {
		if site.Bookable() && !known[site.ItemID] {
			p.missing[site.ItemID] = true
			p.log.Normal("Checkfront item not found, bookings for this site are skipped", "site", site.Name, "item", site.ItemID)
		}
	}
}

// Linked returns the Checkfront booking already recorded for a HipCamp id.
func (p *Propagator) Linked(hipcampID string) (string, bool) {
	id, ok := p.mapping[hipcampID]
	return id, ok && id != ""
}

// Propagate creates a Checkfront booking for a camp_site event and returns its
// id. Every failure is logged here and reported as no booking.
func (p *Propagator) Propagate(ctx context.Context, ev event.Event) (string, bool) {
	if !p.loaded {
		return "", false
	}
	l := p.log.With("hipcamp", ev.SourceID, "dates", ev.DateRange())

	id, err := p.book(ctx, ev, l)
	switch {
	case errors.Is(err, checkfront.ErrUnavailable):
		l.Normal("Checkfront dates already unavailable, skipping booking creation", "title", ev.Title)
		return "", false
	case err != nil:
		l.Normal("error creating Checkfront booking", "err", err)
		return "", false
	}

	p.mapping[ev.SourceID] = id
	l.Normal("created Checkfront booking", "booking", id)
	return id, true
}

func (p *Propagator) book(ctx context.Context, ev event.Event, l *log.Logger) (string, error) {
	display := ev.SiteCode()
	site, ok := p.sites.ByDisplay(display)
	if !ok {
		return "", fmt.Errorf("could not find HipCamp site for display name %q", display)
	}
	if !site.Bookable() {
		return "", fmt.Errorf("no Checkfront mapping for HipCamp site %q", site.Name)
	}
	if p.missing[site.ItemID] {
		return "", fmt.Errorf("item %s for HipCamp site %q does not exist in Checkfront", site.ItemID, site.Name)
	}

	session, err := p.booker.CreateSession(ctx)
	if err != nil {
		return "", err
	}
	// The session is local to this attempt and dropped on return.
	defer l.Debug("booking session cleared", "session", session)

	l.Debug("checking availability", "item", site.ItemID)
	if err := p.booker.AddItem(ctx, session, site.ItemID, ev.Start, ev.End); err != nil {
		return "", err
	}

	fields, err := p.booker.Form(ctx)
	if err != nil {
		return "", err
	}
	form := p.form(ev)
	if missing := missingFields(fields, form); len(missing) > 0 {
		return "", fmt.Errorf("missing required customer fields: %s", strings.Join(missing, ", "))
	}

	return p.booker.CreateBooking(ctx, session, form, checkfront.NotesFor(ev.SourceID))
}

// Remove deletes the Checkfront booking propagated for a HipCamp id. A HipCamp
// id without a booking is not an error.
func (p *Propagator) Remove(ctx context.Context, hipcampID string) bool {
	bookingID, ok := p.Linked(hipcampID)
	if !ok {
		return false
	}
	if err := p.booker.DeleteBooking(ctx, bookingID); err != nil {
		p.log.Warn("error deleting Checkfront booking", err, "hipcamp", hipcampID, "booking", bookingID)
		return false
	}
	delete(p.mapping, hipcampID)
	p.log.Normal("deleted Checkfront booking", "hipcamp", hipcampID, "booking", bookingID)
	return true
}

func (p *Propagator) form(ev event.Event) map[string]string {
	form := make(map[string]string, len(p.sites.FormDefaults)+2)
	for k, v := range p.sites.FormDefaults {
		form[k] = v
	}
	name, email := CustomerInfo(ev.Notes, p.marker)
	form["customer_name"] = name
	form["customer_email"] = email
	return form
}

func missingFields(fields []checkfront.FormField, form map[string]string) []string {
	var missing []string
	for _, f := range fields {
		if f.Required && form[f.Name] == "" {
			missing = append(missing, f.Label)
		}
	}
	return missing
}

// CustomerInfo derives the guest name and email for a propagated booking. The
// name is the first notes line up to " - " followed by marker. The email is
// the first notes line that looks like one, otherwise a placeholder built
// from the sanitized name.
func CustomerInfo(notes, marker string) (string, string) {
	lines := strings.Split(notes, "\n")
	first, _, _ := strings.Cut(lines[0], " - ")
	name := strings.TrimSpace(first)
	if name == "" {
		name = "Guest"
	}

	for _, line := range lines {
		if strings.Contains(line, "@") && strings.Contains(line, ".") {
			return name + marker, strings.TrimSpace(line)
		}
	}
	local := sanitize(name)
	if local == "" {
		local = "guest"
	}
	return name + marker, local + "@example.com"
}

// sanitize lowercases s and keeps ASCII letters and digits, folding accented
// letters to their base form.
func sanitize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	for _, r := range strings.ToLower(folded) {
		if ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
