package feed

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/bobuk/campsync/internal/event"
)

var (
	hipcampBookingID    = regexp.MustCompile(`Booking ID: #(\d+)`)
	checkfrontBookingID = regexp.MustCompile(`/booking/([^/]+)$`)
)

// HipCampID extracts the booking number from a HipCamp event description.
func HipCampID(description string) string {
	if m := hipcampBookingID.FindStringSubmatch(description); m != nil {
		return m[1]
	}
	return ""
}

// CheckfrontID extracts the booking code from a Checkfront event URL.
func CheckfrontID(url string) string {
	if m := checkfrontBookingID.FindStringSubmatch(strings.TrimSpace(url)); m != nil {
		return m[1]
	}
	return ""
}

// ParseHipCamp normalizes one HipCamp site feed. Events without a booking id
// are dropped.
func ParseHipCamp(body []byte, display string, loc *time.Location) ([]event.Event, error) {
	cal, err := decode(body)
	if err != nil {
		return nil, err
	}

	events := make([]event.Event, 0)
	for _, ve := range cal.Events() {
		description, _ := ve.Props.Text(ical.PropDescription)
		id := HipCampID(description)
		if id == "" {
			continue
		}

		start, end, err := reservationTimes(ve, loc)
		if err != nil {
			continue
		}

		events = append(events, event.Event{
			Start:    start,
			End:      end,
			Title:    event.Title(display, event.GuestFromNotes(description)),
			Notes:    description,
			Source:   event.SourceCampSite,
			SourceID: id,
		})
	}
	return events, nil
}

// ParseCheckfront normalizes the Checkfront booking feed. Events without a
// booking URL are dropped, as are bookings whose summary carries marker: those
// were propagated from HipCamp and are already tracked as camp_site entries.
func ParseCheckfront(body []byte, marker string, loc *time.Location) ([]event.Event, error) {
	cal, err := decode(body)
	if err != nil {
		return nil, err
	}
	marker = strings.TrimSpace(marker)

	events := make([]event.Event, 0)
	for _, ve := range cal.Events() {
		id := CheckfrontID(rawValue(ve.Props.Get(ical.PropURL)))
		if id == "" {
			continue
		}

		guest, _ := ve.Props.Text(ical.PropSummary)
		if marker != "" && strings.Contains(guest, marker) {
			continue
		}

		start, end, err := reservationTimes(ve, loc)
		if err != nil {
			continue
		}

		location, _ := ve.Props.Text(ical.PropLocation)
		code, _, _ := strings.Cut(location, "- ")
		description, _ := ve.Props.Text(ical.PropDescription)

		events = append(events, event.Event{
			Start:    start,
			End:      end,
			Title:    event.Title(strings.TrimSpace(code), guest),
			Notes:    description,
			Source:   event.SourceBookingSystem,
			SourceID: id,
		})
	}
	return events, nil
}

func decode(body []byte) (*ical.Calendar, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty feed body")
	}
	cal, err := ical.NewDecoder(bytes.NewReader(body)).Decode()
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return cal, nil
}

// reservationTimes reads DTSTART/DTEND. Date-only values become check-in and
// check-out instants in loc; timestamps are used as given.
func reservationTimes(ve ical.Event, loc *time.Location) (time.Time, time.Time, error) {
	start, err := propTime(ve.Props.Get(ical.PropDateTimeStart), loc, event.CheckInHour)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("DTSTART: %w", err)
	}
	end, err := propTime(ve.Props.Get(ical.PropDateTimeEnd), loc, event.CheckOutHour)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("DTEND: %w", err)
	}
	return start, end, nil
}

func propTime(p *ical.Prop, loc *time.Location, hour int) (time.Time, error) {
	if p == nil {
		return time.Time{}, errors.New("missing")
	}
	if isDateOnly(p) {
		d, err := time.ParseInLocation("20060102", strings.TrimSpace(p.Value), loc)
		if err != nil {
			return time.Time{}, err
		}
		return time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, loc), nil
	}
	return p.DateTime(loc)
}

// rawValue returns a property value without type checks. URL is typed URI,
// which Props.Text rejects.
func rawValue(p *ical.Prop) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.Value)
}

func isDateOnly(p *ical.Prop) bool {
	if p.ValueType() == ical.ValueDate {
		return true
	}
	return !strings.Contains(p.Value, "T")
}
