// Package calendar reads and writes the shared occupancy calendar.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bobuk/campsync/internal/event"
)

// ErrPermission marks a write rejected for insufficient calendar scope.
var ErrPermission = errors.New("insufficient calendar permission")

// ErrNotFound is returned when no calendar has the requested name.
var ErrNotFound = errors.New("calendar not found")

// Private metadata keys written alongside the per-source id keys.
const (
	KeySyncedByScript = "synced_by_script"
	KeyLinkedBooking  = "linked_booking_id"
)

// Entry is an event as stored by a backend.
type Entry struct {
	ID          string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	// AllDay entries only carry dates in Start and End.
	AllDay  bool
	Private map[string]string
}

// Synced reports whether the entry was written by this tool.
func (e Entry) Synced() bool {
	return e.Private[KeySyncedByScript] == "true"
}

type Backend interface {
	List(ctx context.Context, calendarID string, timeMin time.Time) ([]Entry, error)
	Insert(ctx context.Context, calendarID string, e Entry) (string, error)
	Update(ctx context.Context, calendarID, eventID string, e Entry) error
	Delete(ctx context.Context, calendarID, eventID string) error
}

type Info struct {
	ID   string
	Name string
}

// Directory lists the calendars visible to the account.
type Directory interface {
	Calendars(ctx context.Context) ([]Info, error)
}

// Find returns the id of the calendar called name.
func Find(ctx context.Context, d Directory, name string) (string, error) {
	infos, err := d.Calendars(ctx)
	if err != nil {
		return "", fmt.Errorf("list calendars: %w", err)
	}
	for _, info := range infos {
		if info.Name == name {
			return info.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNotFound, name)
}

// FindSuffixed returns calendars whose name ends with suffix, keyed by the
// name with the suffix removed.
func FindSuffixed(ctx context.Context, d Directory, suffix string) (map[string]string, error) {
	infos, err := d.Calendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	found := make(map[string]string)
	for _, info := range infos {
		code, ok := strings.CutSuffix(info.Name, suffix)
		if !ok || code == "" {
			continue
		}
		found[strings.TrimSpace(code)] = info.ID
	}
	return found, nil
}

// ToEvent recovers the normalized event from a stored entry. Source metadata
// keys are checked in event.Tracked order; an entry without any becomes an
// untracked calendar event. All-day entries get check-in and check-out times
// in loc.
func ToEvent(e Entry, loc *time.Location) event.Event {
	ev := event.Event{
		Start:           e.Start,
		End:             e.End,
		Title:           e.Summary,
		Notes:           e.Description,
		Source:          event.SourceCalendar,
		CalendarRef:     e.ID,
		LinkedBookingID: e.Private[KeyLinkedBooking],
	}
	if e.AllDay {
		ev.Start, ev.End = event.Combine(e.Start, e.End, loc)
	}

	for _, s := range event.Tracked {
		if id := e.Private[s.MetadataKey()]; id != "" {
			ev.Source = s
			ev.SourceID = id
			break
		}
	}
	return ev
}

// FromEvent builds the entry written for ev. The title carries the source
// label and the metadata carries the identity needed to read it back.
func FromEvent(ev event.Event) Entry {
	private := map[string]string{
		KeySyncedByScript: "true",
	}
	if ev.Tracked() {
		private[ev.Source.MetadataKey()] = ev.SourceID
	}
	if ev.LinkedBookingID != "" {
		private[KeyLinkedBooking] = ev.LinkedBookingID
	}

	title := ev.Title
	if ev.Source != event.SourceCalendar {
		title = event.WithSourceLabel(title, ev.Source)
	}
	return Entry{
		ID:          ev.CalendarRef,
		Summary:     title,
		Description: ev.Notes,
		Start:       ev.Start,
		End:         ev.End,
		Private:     private,
	}
}
