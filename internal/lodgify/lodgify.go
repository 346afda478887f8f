// Package lodgify reads reservations from the Lodgify REST API.
package lodgify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bobuk/campsync/internal/event"
	"github.com/bobuk/campsync/internal/log"
)

const (
	DefaultBaseURL = "https://api.lodgify.com"
	pageSize       = 50

	// StatusBooked is the only reservation status written to the calendar.
	StatusBooked = "Booked"
)

type Reservation struct {
	ID           json.Number `json:"id"`
	Arrival      string      `json:"arrival"`
	Departure    string      `json:"departure"`
	PropertyName string      `json:"property_name"`
	Status       string      `json:"status"`
	People       int         `json:"people"`
	Guest        struct {
		GuestName struct {
			FullName string `json:"full_name"`
		} `json:"guest_name"`
	} `json:"guest"`
}

type page struct {
	Items []Reservation `json:"items"`
}

// Client lists reservations.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	display func(property string) string
	loc     *time.Location
	log     *log.Logger
}

// NewClient creates a client. display maps property names to display names.
func NewClient(httpClient *http.Client, baseURL, apiKey string, display func(string) string, loc *time.Location, l *log.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		display: display,
		loc:     loc,
		log:     l,
	}
}

// Reservations pages through the confirmed reservations starting at since.
func (c *Client) Reservations(ctx context.Context, since time.Time) ([]Reservation, error) {
	all := make([]Reservation, 0)
	for offset := 0; ; offset += pageSize {
		q := url.Values{}
		q.Set("periodStart", since.Format(time.RFC3339))
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("offset", strconv.Itoa(offset))
		q.Set("trash", "false")
		q.Set("status", StatusBooked)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/reservation?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-APIKey", c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		items, err := c.do(req)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if len(items) < pageSize {
			break
		}
	}
	return all, nil
}

func (c *Client) do(req *http.Request) ([]Reservation, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lodgify: %s", resp.Status)
	}
	var p page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("lodgify: decode reservations: %w", err)
	}
	return p.Items, nil
}

// Events returns normalized lodging events. A failed listing is logged and
// yields no events.
func (c *Client) Events(ctx context.Context, since time.Time) []event.Event {
	reservations, err := c.Reservations(ctx, since)
	if err != nil {
		c.log.Warn("error fetching Lodgify reservations", err)
		return nil
	}

	events := make([]event.Event, 0, len(reservations))
	for _, r := range reservations {
		if !strings.EqualFold(r.Status, StatusBooked) {
			c.log.Debug("skipping unconfirmed Lodgify reservation", "id", r.ID, "status", r.Status)
			continue
		}
		ev, err := c.normalize(r)
		if err != nil {
			c.log.Debug("skipping Lodgify reservation", "id", r.ID, "err", err)
			continue
		}
		events = append(events, ev)
	}
	return events
}

func (c *Client) normalize(r Reservation) (event.Event, error) {
	arrival, err := time.Parse(time.DateOnly, r.Arrival)
	if err != nil {
		return event.Event{}, fmt.Errorf("arrival: %w", err)
	}
	departure, err := time.Parse(time.DateOnly, r.Departure)
	if err != nil {
		return event.Event{}, fmt.Errorf("departure: %w", err)
	}
	start, end := event.Combine(arrival, departure, c.loc)

	guest := r.Guest.GuestName.FullName
	display := r.PropertyName
	if c.display != nil {
		display = c.display(r.PropertyName)
	}
	notes := fmt.Sprintf("Guest: %s\nProperty: %s\nStatus: %s\nPeople: %d\nSource: Lodgify\nLodgify ID: %s",
		guest, display, r.Status, r.People, r.ID)

	return event.Event{
		Start:    start,
		End:      end,
		Title:    event.Title(display, guest),
		Notes:    notes,
		Source:   event.SourceLodging,
		SourceID: r.ID.String(),
	}, nil
}
