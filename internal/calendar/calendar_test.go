package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"google.golang.org/api/option"

	"github.com/bobuk/campsync/internal/event"
)

func TestCodecRoundTrip(t *testing.T) {
	start := time.Date(2026, 10, 20, 18, 0, 0, 0, time.UTC)
	ev := event.Event{
		Start:           start,
		End:             start.Add(46 * time.Hour),
		Title:           "HT1 - Jane Doe",
		Notes:           "Jane Doe\nBooking ID: #42",
		Source:          event.SourceCampSite,
		SourceID:        "42",
		LinkedBookingID: "CF-9",
	}

	entry := FromEvent(ev)
	if entry.Summary != "HT1 - Jane Doe Camp_site" {
		t.Fatalf("expected source label appended, got %q", entry.Summary)
	}
	if entry.Private["camp_site_booking_id"] != "42" || !entry.Synced() {
		t.Fatalf("expected identity metadata, got %v", entry.Private)
	}
	if entry.Private[KeyLinkedBooking] != "CF-9" {
		t.Fatalf("expected linked booking metadata, got %v", entry.Private)
	}

	entry.ID = "gcal-1"
	back := ToEvent(entry, time.UTC)
	if back.Key() != ev.Key() || back.CalendarRef != "gcal-1" || back.LinkedBookingID != "CF-9" {
		t.Fatalf("unexpected read-back %+v", back)
	}
	if FromEvent(back).Summary != entry.Summary {
		t.Fatalf("expected label not to be appended twice")
	}
}

func TestToEventUntracked(t *testing.T) {
	ev := ToEvent(Entry{ID: "x", Summary: "Staff meeting"}, time.UTC)
	if ev.Tracked() || ev.Source != event.SourceCalendar {
		t.Fatalf("expected untracked calendar event, got %+v", ev)
	}
}

func TestToEventKeyOrder(t *testing.T) {
	ev := ToEvent(Entry{Private: map[string]string{
		"booking_system_booking_id": "CF-1",
		"camp_site_booking_id":      "7",
	}}, time.UTC)
	if ev.Source != event.SourceCampSite || ev.SourceID != "7" {
		t.Fatalf("expected camp_site key to win, got %v", ev.Key())
	}
}

func TestToEventAllDay(t *testing.T) {
	entry := Entry{
		Start:   time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2026, 10, 22, 0, 0, 0, 0, time.UTC),
		AllDay:  true,
		Private: map[string]string{"lodging_booking_id": "5"},
	}
	ev := ToEvent(entry, time.UTC)
	if ev.Start.Hour() != event.CheckInHour || ev.End.Hour() != event.CheckOutHour {
		t.Fatalf("expected check-in/check-out hours, got %v - %v", ev.Start, ev.End)
	}
}

type fakeDirectory []Info

func (d fakeDirectory) Calendars(context.Context) ([]Info, error) { return d, nil }

func TestFind(t *testing.T) {
	dir := fakeDirectory{
		{ID: "main", Name: "DBR Camping"},
		{ID: "ht1", Name: "HT1 Checkfront"},
		{ID: "ht2", Name: "HT2 Checkfront"},
		{ID: "bare", Name: " Checkfront"},
	}

	id, err := Find(context.Background(), dir, "DBR Camping")
	if err != nil || id != "main" {
		t.Fatalf("expected main, got %q %v", id, err)
	}
	if _, err := Find(context.Background(), dir, "Nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	sites, err := FindSuffixed(context.Background(), dir, " Checkfront")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(sites) != 2 || sites["HT1"] != "ht1" || sites["HT2"] != "ht2" {
		t.Fatalf("unexpected site calendars %v", sites)
	}
}

func newGoogleTest(t *testing.T, h http.HandlerFunc) *Google {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	g, err := NewGoogle(context.Background(), srv.Client(), time.UTC, option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return g
}

func TestGoogleList(t *testing.T) {
	g := newGoogleTest(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/events") {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("singleEvents") != "true" {
			t.Errorf("expected singleEvents=true")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{
					"id":      "a",
					"summary": "HT1 - Jane Doe Camp_site",
					"start":   map[string]string{"dateTime": "2026-10-20T14:00:00-04:00"},
					"end":     map[string]string{"dateTime": "2026-10-22T12:00:00-04:00"},
					"extendedProperties": map[string]any{
						"private": map[string]string{"camp_site_booking_id": "42", "synced_by_script": "true"},
					},
				},
				{
					"id":      "b",
					"summary": "Maintenance",
					"start":   map[string]string{"date": "2026-11-01"},
					"end":     map[string]string{"date": "2026-11-02"},
				},
				{
					"id":     "c",
					"status": "cancelled",
				},
			},
		})
	})

	entries, err := g.List(context.Background(), "primary", time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected cancelled entry skipped, got %d entries", len(entries))
	}
	if entries[0].Private["camp_site_booking_id"] != "42" || entries[0].AllDay {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if !entries[1].AllDay || entries[1].Start.Day() != 1 {
		t.Fatalf("unexpected all-day entry %+v", entries[1])
	}
}

func TestGoogleInsert(t *testing.T) {
	g := newGoogleTest(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		props, _ := body["extendedProperties"].(map[string]any)
		private, _ := props["private"].(map[string]any)
		if private["camp_site_booking_id"] != "42" {
			t.Errorf("expected private metadata in body, got %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "new-id"})
	})

	start := time.Date(2026, 10, 20, 18, 0, 0, 0, time.UTC)
	entry := FromEvent(event.Event{Start: start, End: start.Add(time.Hour), Title: "HT1 - Jane", Source: event.SourceCampSite, SourceID: "42"})
	id, err := g.Insert(context.Background(), "primary", entry)
	if err != nil || id != "new-id" {
		t.Fatalf("expected new-id, got %q %v", id, err)
	}
}

func TestGooglePermissionError(t *testing.T) {
	g := newGoogleTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":403,"message":"Insufficient Permission","errors":[{"reason":"insufficientPermissions","message":"Insufficient Permission"}]}}`))
	})

	err := g.Delete(context.Background(), "primary", "a")
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("expected ErrPermission, got %v", err)
	}
}

func TestGoogleOtherError(t *testing.T) {
	g := newGoogleTest(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":404,"message":"Not Found"}}`, http.StatusNotFound)
	})

	err := g.Delete(context.Background(), "primary", "a")
	if err == nil || errors.Is(err, ErrPermission) {
		t.Fatalf("expected non-permission error, got %v", err)
	}
}

func TestCalDAVObjectEncoding(t *testing.T) {
	start := time.Date(2026, 10, 20, 18, 0, 0, 0, time.UTC)
	entry := FromEvent(event.Event{
		Start: start, End: start.Add(46 * time.Hour),
		Title: "HT1 - Jane", Source: event.SourceCampSite, SourceID: "42",
	})

	cal := toCalendar("uid-1", entry)
	var buf strings.Builder
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(buf.String(), "X-CAMPSYNC-CAMP-SITE-BOOKING-ID;VALUE=TEXT:42") {
		t.Fatalf("expected metadata property, got\n%s", buf.String())
	}

	c := &CalDAV{loc: time.UTC}
	back, err := c.fromComponent(cal.Children[0])
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if back.ID != "uid-1" || back.Private["camp_site_booking_id"] != "42" || !back.Synced() {
		t.Fatalf("unexpected decoded entry %+v", back)
	}
	if !back.Start.Equal(start) {
		t.Fatalf("expected start %v, got %v", start, back.Start)
	}
}
