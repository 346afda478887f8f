// Package checkfront is a client for the Checkfront 3.0 REST API covering
// item availability, booking sessions and bookings.
package checkfront

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bobuk/campsync/internal/log"
)

var (
	// ErrUnavailable is returned by AddItem when the dates are sold out,
	// overbooked or otherwise unavailable.
	ErrUnavailable = errors.New("item unavailable")
	ErrNoSession   = errors.New("no booking session")
)

const dateLayout = "20060102"

var hipcampNote = regexp.MustCompile(`HipCamp Booking ID: (\d+)`)

// NotesFor is the booking note that links a booking to a HipCamp reservation.
func NotesFor(hipcampID string) string {
	return "HipCamp Booking ID: " + hipcampID
}

// BaseURL returns the API root for a Checkfront host.
func BaseURL(host string) string {
	return "https://" + host + "/api/3.0"
}

type Client struct {
	http    *http.Client
	baseURL string
	key     string
	secret  string
	log     *log.Logger
}

func NewClient(httpClient *http.Client, baseURL, key, secret string, l *log.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		secret:  secret,
		log:     l,
	}
}

// id decodes ids that Checkfront returns as either strings or numbers.
type id string

func (i *id) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*i = id(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*i = id(n.String())
	return nil
}

type Item struct {
	ID         string
	Name       string
	CategoryID string
}

// Items lists the bookable inventory, ordered by id.
func (c *Client) Items(ctx context.Context) ([]Item, error) {
	var resp struct {
		Items map[string]struct {
			ItemID     id     `json:"item_id"`
			Name       string `json:"name"`
			CategoryID id     `json:"category_id"`
		} `json:"items"`
	}
	if err := c.call(ctx, http.MethodGet, "item", nil, nil, &resp); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(resp.Items))
	for _, it := range resp.Items {
		items = append(items, Item{ID: string(it.ItemID), Name: it.Name, CategoryID: string(it.CategoryID)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

type Event struct {
	ID    string
	Name  string
	Notes string
}

type rawEvent struct {
	EventID id     `json:"event_id"`
	Name    string `json:"name"`
	Notes   string `json:"notes"`
}

// events decodes the events member, which is a list or an id-keyed object.
type events []rawEvent

func (e *events) UnmarshalJSON(b []byte) error {
	var list []rawEvent
	if err := json.Unmarshal(b, &list); err == nil {
		*e = list
		return nil
	}
	var byID map[string]rawEvent
	if err := json.Unmarshal(b, &byID); err != nil {
		return err
	}
	keys := make([]string, 0, len(byID))
	for k := range byID {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ev := byID[k]
		if ev.EventID == "" {
			ev.EventID = id(k)
		}
		*e = append(*e, ev)
	}
	return nil
}

// Events lists booking-system events ending on or before end.
func (c *Client) Events(ctx context.Context, end time.Time) ([]Event, error) {
	q := url.Values{}
	q.Set("end_date", end.Format(time.DateOnly))

	var resp struct {
		Events events `json:"events"`
	}
	if err := c.call(ctx, http.MethodGet, "event", q, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]Event, 0, len(resp.Events))
	for _, ev := range resp.Events {
		out = append(out, Event{ID: string(ev.EventID), Name: ev.Name, Notes: ev.Notes})
	}
	return out, nil
}

// HipCampMapping maps HipCamp booking ids found in event notes to the
// Checkfront event ids carrying them, for events within a year of now.
func (c *Client) HipCampMapping(ctx context.Context, now time.Time) (map[string]string, error) {
	evs, err := c.Events(ctx, now.AddDate(0, 0, 365))
	if err != nil {
		return nil, err
	}
	mapping := make(map[string]string)
	for _, ev := range evs {
		m := hipcampNote.FindStringSubmatch(ev.Notes)
		if m == nil {
			continue
		}
		mapping[m[1]] = ev.ID
		c.log.Debug("found Checkfront event for HipCamp booking", "event", ev.ID, "hipcamp", m[1])
	}
	return mapping, nil
}

type sessionResponse struct {
	Booking struct {
		Session struct {
			ID   string          `json:"id"`
			Item json.RawMessage `json:"item"`
		} `json:"session"`
	} `json:"booking"`
}

// CreateSession opens a booking session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var resp sessionResponse
	if err := c.call(ctx, http.MethodPost, "booking/session", nil, nil, &resp); err != nil {
		return "", err
	}
	if resp.Booking.Session.ID == "" {
		return "", fmt.Errorf("create session: %w", ErrNoSession)
	}
	return resp.Booking.Session.ID, nil
}

// AddItem rates itemID for the stay and adds it to the session using the
// returned slip. Unavailable dates yield an error wrapping ErrUnavailable.
func (c *Client) AddItem(ctx context.Context, session, itemID string, start, end time.Time) error {
	if session == "" {
		return ErrNoSession
	}

	q := url.Values{}
	q.Set("start_date", start.Format(dateLayout))
	q.Set("end_date", end.Format(dateLayout))
	q.Set("param[qty]", "1")

	var rated struct {
		Item struct {
			Rate struct {
				Status string `json:"status"`
				Slip   string `json:"slip"`
				Error  struct {
					ID    string `json:"id"`
					Title string `json:"title"`
				} `json:"error"`
			} `json:"rate"`
		} `json:"item"`
	}
	if err := c.call(ctx, http.MethodGet, "item/"+url.PathEscape(itemID), q, nil, &rated); err != nil {
		return err
	}

	rate := rated.Item.Rate
	switch {
	case rate.Status == "ERROR":
		if unavailable(rate.Error.ID, rate.Error.Title) {
			return fmt.Errorf("item %s: %s (error id %s): %w", itemID, rate.Error.Title, rate.Error.ID, ErrUnavailable)
		}
		return fmt.Errorf("item %s: %s (error id %s)", itemID, rate.Error.Title, rate.Error.ID)
	case rate.Status != "AVAILABLE":
		if unavailable(rate.Status) {
			return fmt.Errorf("item %s has status %s: %w", itemID, rate.Status, ErrUnavailable)
		}
		return fmt.Errorf("item %s has unexpected status %q", itemID, rate.Status)
	case rate.Slip == "":
		return fmt.Errorf("no slip returned for item %s", itemID)
	}
	c.log.Debug("got slip", "item", itemID, "slip", rate.Slip)

	var resp sessionResponse
	body := map[string]string{"session_id": session, "slip": rate.Slip}
	if err := c.call(ctx, http.MethodPost, "booking/session", nil, body, &resp); err != nil {
		return err
	}
	if empty(resp.Booking.Session.Item) {
		return fmt.Errorf("failed to add item %s to session: no items in session", itemID)
	}
	return nil
}

func unavailable(texts ...string) bool {
	for _, t := range texts {
		t = strings.ToUpper(t)
		for _, word := range []string{"SOLDOUT", "OVERBOOK", "UNAVAILABLE"} {
			if strings.Contains(t, word) {
				return true
			}
		}
	}
	return false
}

func empty(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "[]", "{}", `""`:
		return true
	}
	return false
}

type FormField struct {
	Name     string
	Label    string
	Required bool
}

// Form returns the booking form fields, sorted by name.
func (c *Client) Form(ctx context.Context) ([]FormField, error) {
	var resp struct {
		Fields map[string]json.RawMessage `json:"booking_form_ui"`
	}
	if err := c.call(ctx, http.MethodGet, "booking/form", nil, nil, &resp); err != nil {
		return nil, err
	}

	fields := make([]FormField, 0, len(resp.Fields))
	for name, raw := range resp.Fields {
		var f struct {
			Define struct {
				Layout struct {
					Label    string `json:"lbl"`
					Customer struct {
						Required int `json:"required"`
					} `json:"customer"`
				} `json:"layout"`
			} `json:"define"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		label := f.Define.Layout.Label
		if label == "" {
			label = name
		}
		fields = append(fields, FormField{
			Name:     name,
			Label:    label,
			Required: f.Define.Layout.Customer.Required == 1,
		})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return fields, nil
}

// CreateBooking finalizes the session into a booking and returns its id.
func (c *Client) CreateBooking(ctx context.Context, session string, form map[string]string, notes string) (string, error) {
	if session == "" {
		return "", ErrNoSession
	}
	body := map[string]any{
		"session_id": session,
		"form":       form,
	}
	if notes != "" {
		body["notes"] = notes
	}

	var resp struct {
		Request struct {
			Status string `json:"status"`
			Error  struct {
				ID      string `json:"id"`
				Title   string `json:"title"`
				Details string `json:"details"`
			} `json:"error"`
		} `json:"request"`
		Booking struct {
			ID        id `json:"id"`
			BookingID id `json:"booking_id"`
		} `json:"booking"`
		BookingID id `json:"booking_id"`
		ID        id `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "booking/create", nil, body, &resp); err != nil {
		return "", err
	}

	if resp.Request.Status == "ERROR" {
		msg := "booking creation failed: " + resp.Request.Error.Title
		if resp.Request.Error.Details != "" {
			msg += " - " + resp.Request.Error.Details
		}
		return "", errors.New(msg)
	}
	for _, candidate := range []id{resp.Booking.ID, resp.BookingID, resp.ID, resp.Booking.BookingID} {
		if candidate != "" {
			return string(candidate), nil
		}
	}
	return "", errors.New("no booking id in response")
}

func (c *Client) DeleteBooking(ctx context.Context, bookingID string) error {
	return c.call(ctx, http.MethodDelete, "booking/"+url.PathEscape(bookingID), nil, nil, nil)
}

// call performs an authenticated request. Bodies are sent as JSON. Request
// and response bodies are dumped at debug level.
func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	u := c.baseURL + "/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("checkfront %s: encode body: %w", endpoint, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.key, c.secret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.log.Debug("checkfront request", "method", method, "url", u, "body", string(payload))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("checkfront %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("checkfront %s: read response: %w", endpoint, err)
	}
	c.log.Debug("checkfront response", "status", resp.StatusCode, "body", string(data))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("checkfront %s: %s", endpoint, resp.Status)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("checkfront %s: decode response: %w", endpoint, err)
	}
	return nil
}
