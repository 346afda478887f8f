package event

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Source identifies the system an event originated from.
type Source int

const (
	SourceCalendar Source = iota
	SourceCampSite
	SourceBookingSystem
	SourceLodging
)

// Tracked lists the sources whose events carry an identity the engine manages,
// in the order calendar metadata keys are checked on read-back.
var Tracked = []Source{SourceCampSite, SourceBookingSystem, SourceLodging}

func (s Source) String() string {
	switch s {
	case SourceCalendar:
		return "calendar"
	case SourceCampSite:
		return "camp_site"
	case SourceBookingSystem:
		return "booking_system"
	case SourceLodging:
		return "lodging"
	default:
		panic(fmt.Sprintf("event: unknown source %d", int(s)))
	}
}

// Label is the capitalized source name appended to titles on write,
// e.g. "Camp_site".
func (s Source) Label() string {
	name := s.String()
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(r)) + strings.ToLower(name[size:])
}

// MetadataKey is the private metadata key holding the source id.
func (s Source) MetadataKey() string {
	return s.String() + "_booking_id"
}

// ParseSource is the inverse of Source.String.
func ParseSource(name string) (Source, error) {
	switch name {
	case "calendar":
		return SourceCalendar, nil
	case "camp_site":
		return SourceCampSite, nil
	case "booking_system":
		return SourceBookingSystem, nil
	case "lodging":
		return SourceLodging, nil
	}
	return SourceCalendar, fmt.Errorf("unknown source %q", name)
}

// Key is the identity of a reservation across systems.
type Key struct {
	Source   Source
	SourceID string
}

func (k Key) String() string {
	return k.Source.String() + ":" + k.SourceID
}

// Event is the normalized reservation exchanged between components.
type Event struct {
	Start time.Time
	End   time.Time
	Title string
	Notes string

	Source   Source
	SourceID string

	// CalendarRef is set on events read back from the shared calendar and
	// after a successful create.
	CalendarRef string

	// LinkedBookingID is the booking-system record created for this event by
	// propagation, as recorded in calendar metadata.
	LinkedBookingID string
}

// Tracked reports whether the event can take part in reconciliation.
func (e Event) Tracked() bool {
	return e.Source != SourceCalendar && e.SourceID != ""
}

func (e Event) Key() Key {
	return Key{Source: e.Source, SourceID: e.SourceID}
}

// Ended reports whether the event concluded at or before now.
func (e Event) Ended(now time.Time) bool {
	return !e.End.After(now)
}

// DateRange formats the event dates for log lines.
func (e Event) DateRange() string {
	if e.Start.IsZero() {
		return "(no date)"
	}
	start := e.Start.Format(time.DateOnly)
	if e.End.IsZero() {
		return "(" + start + ")"
	}
	end := e.End.Format(time.DateOnly)
	if start == end {
		return "(" + start + ")"
	}
	return "(" + start + " to " + end + ")"
}

// SiteCode returns the title prefix before " - ", which producers set to the
// site display name.
func (e Event) SiteCode() string {
	code, _, _ := strings.Cut(e.Title, " - ")
	return strings.TrimSpace(code)
}

// Check-in and check-out times applied to date-only reservations.
const (
	CheckInHour  = 14
	CheckOutHour = 12
)

// Combine turns arrival and departure calendar dates into check-in and
// check-out instants in loc. Only the year, month and day of each date are used.
func Combine(arrival, departure time.Time, loc *time.Location) (time.Time, time.Time) {
	start := time.Date(arrival.Year(), arrival.Month(), arrival.Day(), CheckInHour, 0, 0, 0, loc)
	end := time.Date(departure.Year(), departure.Month(), departure.Day(), CheckOutHour, 0, 0, 0, loc)
	return start, end
}

var phoneSuffix = regexp.MustCompile(`\s*-\s*\+\d+.*$`)

// GuestFromNotes returns the first line of notes with a trailing
// " - +<digits>..." phone suffix removed.
func GuestFromNotes(notes string) string {
	first, _, _ := strings.Cut(notes, "\n")
	first = strings.TrimRight(first, "\r")
	return phoneSuffix.ReplaceAllString(first, "")
}

// Title builds "{display} - {guest}".
func Title(display, guest string) string {
	return display + " - " + guest
}

// WithSourceLabel appends " <Label>" to title unless it already ends with it.
func WithSourceLabel(title string, s Source) string {
	suffix := " " + s.Label()
	if strings.HasSuffix(title, suffix) {
		return title
	}
	return title + suffix
}
