package reconcile

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bobuk/campsync/internal/calendar"
	"github.com/bobuk/campsync/internal/event"
	"github.com/bobuk/campsync/internal/log"
)

var now = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

type call struct {
	op    string
	ref   string
	entry calendar.Entry
}

type fakeWriter struct {
	calls  []call
	next   int
	failOn map[string]error
}

func (f *fakeWriter) Insert(_ context.Context, _ string, e calendar.Entry) (string, error) {
	if err := f.failOn["insert"]; err != nil {
		return "", err
	}
	f.next++
	ref := fmt.Sprintf("new-%d", f.next)
	f.calls = append(f.calls, call{op: "insert", ref: ref, entry: e})
	return ref, nil
}

func (f *fakeWriter) Update(_ context.Context, _ string, ref string, e calendar.Entry) error {
	if err := f.failOn["update"]; err != nil {
		return err
	}
	f.calls = append(f.calls, call{op: "update", ref: ref, entry: e})
	return nil
}

func (f *fakeWriter) Delete(_ context.Context, _ string, ref string) error {
	if err := f.failOn["delete"]; err != nil {
		return err
	}
	f.calls = append(f.calls, call{op: "delete", ref: ref})
	return nil
}

func (f *fakeWriter) count(op string) int {
	n := 0
	for _, c := range f.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

type fakePropagator struct {
	linked     map[string]string
	result     string
	propagated []string
	removed    []string
}

func (f *fakePropagator) Linked(id string) (string, bool) {
	v, ok := f.linked[id]
	return v, ok
}

func (f *fakePropagator) Propagate(_ context.Context, ev event.Event) (string, bool) {
	f.propagated = append(f.propagated, ev.SourceID)
	return f.result, f.result != ""
}

func (f *fakePropagator) Remove(_ context.Context, id string) bool {
	f.removed = append(f.removed, id)
	_, ok := f.linked[id]
	return ok
}

func source(s event.Source, id string, endIn time.Duration) event.Event {
	end := now.Add(endIn)
	return event.Event{
		Start:    end.Add(-46 * time.Hour),
		End:      end,
		Title:    "HT1 - Guest " + id,
		Source:   s,
		SourceID: id,
	}
}

func stored(s event.Source, id, ref string, endIn time.Duration) event.Event {
	ev := source(s, id, endIn)
	ev.Title = event.WithSourceLabel(ev.Title, s)
	ev.CalendarRef = ref
	return ev
}

const day = 24 * time.Hour

func TestIdentityStability(t *testing.T) {
	w := &fakeWriter{}
	e := New(w, nil, log.Discard())

	sources := []event.Event{source(event.SourceCampSite, "1", 3*day), source(event.SourceLodging, "9", 5*day)}
	r := e.Run(context.Background(), "cal", nil, sources, now)
	if r.Created != 2 {
		t.Fatalf("expected 2 creates on first run, got %+v", r)
	}

	var existing []event.Event
	for _, c := range w.calls {
		c.entry.ID = c.ref
		existing = append(existing, calendar.ToEvent(c.entry, time.UTC))
	}

	w.calls = nil
	r = e.Run(context.Background(), "cal", existing, sources, now)
	if r.Created != 0 || r.Deleted != 0 || r.Updated != 2 {
		t.Fatalf("expected exactly one update per key on rerun, got %+v", r)
	}
	for _, c := range w.calls {
		if strings.Count(c.entry.Summary, "Camp_site")+strings.Count(c.entry.Summary, "Lodging") != 1 {
			t.Fatalf("expected a single source label, got %q", c.entry.Summary)
		}
	}
}

func TestNoDuplicateCreation(t *testing.T) {
	w := &fakeWriter{}
	e := New(w, nil, log.Discard())

	existing := []event.Event{stored(event.SourceCampSite, "123", "g1", 3*day)}
	r := e.Run(context.Background(), "cal", existing, []event.Event{source(event.SourceCampSite, "123", 3*day)}, now)

	if r.Created != 0 || r.Updated != 1 {
		t.Fatalf("expected update not create, got %+v", r)
	}
	if w.calls[0].ref != "g1" {
		t.Fatalf("expected update addressed by calendar ref, got %q", w.calls[0].ref)
	}
}

func TestPastEventsAreNotDeleted(t *testing.T) {
	w := &fakeWriter{}
	e := New(w, nil, log.Discard())

	existing := []event.Event{stored(event.SourceCampSite, "5", "g5", -day)}
	p := e.Plan(existing, nil, now)
	if len(p.Deletes) != 0 || p.Preserved != 1 {
		t.Fatalf("expected past entry preserved, got %+v", p)
	}
}

func TestEndedSourceEventsAreNotWritten(t *testing.T) {
	e := New(&fakeWriter{}, nil, log.Discard())

	sources := []event.Event{
		source(event.SourceCampSite, "1", -time.Hour),
		source(event.SourceCampSite, "2", 0),
	}
	existing := []event.Event{stored(event.SourceCampSite, "2", "g2", 0)}
	p := e.Plan(existing, sources, now)
	if len(p.Upserts) != 0 || p.Ended != 2 {
		t.Fatalf("expected no writes for ended events, got %+v", p)
	}
	if len(p.Deletes) != 0 {
		t.Fatalf("expected an entry ending exactly now to be preserved, got %+v", p.Deletes)
	}
}

func TestUntrackedPassthrough(t *testing.T) {
	e := New(&fakeWriter{}, nil, log.Discard())

	untracked := event.Event{Title: "Staff party", CalendarRef: "x", Source: event.SourceCalendar, End: now.Add(day)}
	sources := []event.Event{
		source(event.SourceCampSite, "1", day),
		{Title: "no id", Source: event.SourceCampSite, End: now.Add(day)},
	}
	p := e.Plan([]event.Event{untracked}, sources, now)

	if p.Untracked != 1 {
		t.Fatalf("expected untracked entry counted, got %+v", p)
	}
	for _, op := range append(p.Deletes, p.Upserts...) {
		if op.Event.CalendarRef == "x" {
			t.Fatalf("expected untracked entry never touched, got %+v", op)
		}
	}
	if len(p.Upserts) != 1 {
		t.Fatalf("expected only the tracked source event planned, got %+v", p.Upserts)
	}
}

func TestDeleteAndUpdateScenario(t *testing.T) {
	w := &fakeWriter{}
	prop := &fakePropagator{linked: map[string]string{"1": "CF-1"}}
	e := New(w, prop, log.Discard())

	existing := []event.Event{
		stored(event.SourceCampSite, "1", "g1", 3*day),
		stored(event.SourceCampSite, "2", "g2", 3*day),
	}
	existing[0].LinkedBookingID = "CF-1"

	r := e.Run(context.Background(), "cal", existing, []event.Event{source(event.SourceCampSite, "1", 3*day)}, now)

	if r.Deleted != 1 || r.Updated != 1 || r.Created != 0 {
		t.Fatalf("unexpected result %+v", r)
	}
	if w.calls[0].op != "delete" || w.calls[0].ref != "g2" {
		t.Fatalf("expected g2 deleted first, got %+v", w.calls[0])
	}
	if len(prop.propagated) != 0 {
		t.Fatalf("expected no new propagation, got %v", prop.propagated)
	}
	if len(prop.removed) != 1 || prop.removed[0] != "2" {
		t.Fatalf("expected booking lookup for the removed reservation only, got %v", prop.removed)
	}
	if r.Removed != 0 {
		t.Fatalf("expected no booking removed for an unmapped id, got %d", r.Removed)
	}
	if got := w.calls[1].entry.Private[calendar.KeyLinkedBooking]; got != "CF-1" {
		t.Fatalf("expected linkage carried forward, got %q", got)
	}
}

func TestCreateWithPropagation(t *testing.T) {
	w := &fakeWriter{}
	prop := &fakePropagator{result: "CF-77"}
	e := New(w, prop, log.Discard())

	ev := source(event.SourceCampSite, "42", 3*day)
	ev.Title = "HT1 - Jane Doe"
	r := e.Run(context.Background(), "cal", nil, []event.Event{ev}, now)

	if r.Created != 1 || r.Propagated != 1 {
		t.Fatalf("unexpected result %+v", r)
	}
	created := w.calls[0]
	if created.op != "insert" || created.entry.Summary != "HT1 - Jane Doe Camp_site" {
		t.Fatalf("unexpected create %+v", created)
	}
	if created.entry.Private["camp_site_booking_id"] != "42" || created.entry.Private["synced_by_script"] != "true" {
		t.Fatalf("unexpected metadata %v", created.entry.Private)
	}

	enrich := w.calls[1]
	if enrich.op != "update" || enrich.ref != created.ref {
		t.Fatalf("expected enrichment write on the created entry, got %+v", enrich)
	}
	if enrich.entry.Private[calendar.KeyLinkedBooking] != "CF-77" {
		t.Fatalf("expected booking id attached, got %v", enrich.entry.Private)
	}
}

func TestPropagationSkipStillWritesCalendar(t *testing.T) {
	w := &fakeWriter{}
	prop := &fakePropagator{}
	e := New(w, prop, log.Discard())

	r := e.Run(context.Background(), "cal", nil, []event.Event{source(event.SourceCampSite, "42", 3*day)}, now)
	if r.Created != 1 || r.Propagated != 0 || len(prop.propagated) != 1 {
		t.Fatalf("unexpected result %+v", r)
	}
	if w.count("update") != 0 {
		t.Fatalf("expected no enrichment write without a booking")
	}
}

func TestAlreadyMappedIsNotPropagated(t *testing.T) {
	w := &fakeWriter{}
	prop := &fakePropagator{linked: map[string]string{"42": "CF-9"}}
	e := New(w, prop, log.Discard())

	existing := []event.Event{stored(event.SourceCampSite, "42", "g42", 3*day)}
	e.Run(context.Background(), "cal", existing, []event.Event{source(event.SourceCampSite, "42", 3*day)}, now)

	if len(prop.propagated) != 0 {
		t.Fatalf("expected no propagation for a mapped id")
	}
	if w.calls[0].entry.Private[calendar.KeyLinkedBooking] != "CF-9" {
		t.Fatalf("expected mapped booking recorded on update, got %v", w.calls[0].entry.Private)
	}
}

func TestOnlyCampSitePropagates(t *testing.T) {
	prop := &fakePropagator{result: "CF-1"}
	e := New(&fakeWriter{}, prop, log.Discard())

	e.Run(context.Background(), "cal", nil, []event.Event{
		source(event.SourceBookingSystem, "AB-1", day),
		source(event.SourceLodging, "3", day),
	}, now)
	if len(prop.propagated) != 0 {
		t.Fatalf("expected no propagation, got %v", prop.propagated)
	}
}

func TestPermissionFailureContinues(t *testing.T) {
	w := &fakeWriter{failOn: map[string]error{
		"delete": fmt.Errorf("failed to delete event: %w", calendar.ErrPermission),
	}}
	e := New(w, nil, log.Discard())

	existing := []event.Event{
		stored(event.SourceCampSite, "1", "g1", day),
		stored(event.SourceCampSite, "2", "g2", day),
	}
	r := e.Run(context.Background(), "cal", existing, []event.Event{source(event.SourceLodging, "5", day)}, now)

	if r.Permission != 2 || r.Failed != 0 {
		t.Fatalf("expected permission failures counted separately, got %+v", r)
	}
	if r.Created != 1 {
		t.Fatalf("expected remaining writes to proceed, got %+v", r)
	}
}

func TestGenericFailureContinues(t *testing.T) {
	w := &fakeWriter{failOn: map[string]error{"insert": fmt.Errorf("boom")}}
	e := New(w, nil, log.Discard())

	existing := []event.Event{stored(event.SourceLodging, "1", "g1", day)}
	sources := []event.Event{source(event.SourceLodging, "1", day), source(event.SourceLodging, "2", day)}
	r := e.Run(context.Background(), "cal", existing, sources, now)

	if r.Failed != 1 || r.Updated != 1 || r.Permission != 0 {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestDuplicateCalendarEntries(t *testing.T) {
	prop := &fakePropagator{}
	e := New(&fakeWriter{}, prop, log.Discard())

	existing := []event.Event{
		stored(event.SourceCampSite, "1", "g1", day),
		stored(event.SourceCampSite, "1", "g1-dup", day),
		stored(event.SourceCampSite, "1", "g1-old", -day),
	}
	p := e.Plan(existing, []event.Event{source(event.SourceCampSite, "1", day)}, now)

	if len(p.Deletes) != 1 || p.Deletes[0].Event.CalendarRef != "g1-dup" || !p.Deletes[0].Duplicate {
		t.Fatalf("expected only the live duplicate deleted, got %+v", p.Deletes)
	}
	if len(p.Upserts) != 1 || p.Upserts[0].Event.CalendarRef != "g1" {
		t.Fatalf("expected the first entry updated, got %+v", p.Upserts)
	}

	e.Apply(context.Background(), "cal", p)
	if len(prop.removed) != 0 {
		t.Fatalf("expected no booking removal for a duplicate, got %v", prop.removed)
	}
}

func TestPlanIsOrdered(t *testing.T) {
	e := New(&fakeWriter{}, nil, log.Discard())
	p := e.Plan(nil, []event.Event{
		source(event.SourceLodging, "b", day),
		source(event.SourceCampSite, "z", day),
		source(event.SourceLodging, "a", day),
	}, now)

	var got []string
	for _, op := range p.Upserts {
		got = append(got, op.Event.Key().String())
	}
	want := "camp_site:z,lodging:a,lodging:b"
	if strings.Join(got, ",") != want {
		t.Fatalf("expected %s, got %v", want, got)
	}
}

func TestDescriptionWithoutMarkerContributesNothing(t *testing.T) {
	e := New(&fakeWriter{}, nil, log.Discard())
	// Normalizers leave SourceID empty when no identifier is found.
	p := e.Plan(nil, []event.Event{{Title: "HT1 - X", Source: event.SourceCampSite, End: now.Add(day)}}, now)
	if len(p.Upserts) != 0 {
		t.Fatalf("expected nothing planned, got %+v", p.Upserts)
	}
}
