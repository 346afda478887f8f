package calendar

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

// Private metadata is stored as X-CAMPSYNC-<KEY> properties.
const caldavPropPrefix = "X-CAMPSYNC-"

const queryWindow = 2 * 365 * 24 * time.Hour

// CalDAV is a Backend and Directory on a CalDAV server. Calendar ids are
// collection paths and event ids are UIDs.
type CalDAV struct {
	client *caldav.Client
	loc    *time.Location
}

func NewCalDAV(httpClient *http.Client, serverURL, username, password string, loc *time.Location) (*CalDAV, error) {
	baseURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid CalDAV server URL: %w", err)
	}

	var hc webdav.HTTPClient = http.DefaultClient
	if httpClient != nil {
		hc = httpClient
	}
	if username != "" && password != "" {
		hc = webdav.HTTPClientWithBasicAuth(hc, username, password)
	}

	c, err := caldav.NewClient(hc, baseURL.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create CalDAV client: %w", err)
	}
	return &CalDAV{client: c, loc: loc}, nil
}

func (c *CalDAV) Calendars(ctx context.Context) ([]Info, error) {
	principal, err := c.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, wrapCalDAV("failed to find principal", err)
	}
	homeSet, err := c.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, wrapCalDAV("failed to find calendar home set", err)
	}
	calendars, err := c.client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, wrapCalDAV("failed to find calendars", err)
	}

	infos := make([]Info, 0, len(calendars))
	for _, cal := range calendars {
		infos = append(infos, Info{ID: cal.Path, Name: cal.Name})
	}
	return infos, nil
}

func (c *CalDAV) List(ctx context.Context, calendarID string, timeMin time.Time) ([]Entry, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: timeMin,
				End:   timeMin.Add(queryWindow),
			}},
		},
	}

	objects, err := c.client.QueryCalendar(ctx, calendarID, query)
	if err != nil {
		return nil, wrapCalDAV("failed to list events", err)
	}

	var entries []Entry
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, comp := range obj.Data.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			e, err := c.fromComponent(comp)
			if err != nil {
				return nil, fmt.Errorf("event %s: %w", obj.Path, err)
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (c *CalDAV) Insert(ctx context.Context, calendarID string, e Entry) (string, error) {
	uid := "campsync-" + uuid.NewString()
	if _, err := c.client.PutCalendarObject(ctx, objectPath(calendarID, uid), toCalendar(uid, e)); err != nil {
		return "", wrapCalDAV("failed to create event", err)
	}
	return uid, nil
}

func (c *CalDAV) Update(ctx context.Context, calendarID, eventID string, e Entry) error {
	if _, err := c.client.PutCalendarObject(ctx, objectPath(calendarID, eventID), toCalendar(eventID, e)); err != nil {
		return wrapCalDAV("failed to update event", err)
	}
	return nil
}

func (c *CalDAV) Delete(ctx context.Context, calendarID, eventID string) error {
	if err := c.client.Client.RemoveAll(ctx, objectPath(calendarID, eventID)); err != nil {
		return wrapCalDAV("failed to delete event", err)
	}
	return nil
}

func objectPath(calendarID, uid string) string {
	return strings.TrimRight(calendarID, "/") + "/" + uid + ".ics"
}

func toCalendar(uid string, e Entry) *ical.Calendar {
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, uid)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ev.Props.SetText(ical.PropSummary, e.Summary)
	if e.Description != "" {
		ev.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.AllDay {
		ev.Props.SetDate(ical.PropDateTimeStart, e.Start)
		ev.Props.SetDate(ical.PropDateTimeEnd, e.End)
	} else {
		ev.Props.SetDateTime(ical.PropDateTimeStart, e.Start.UTC())
		ev.Props.SetDateTime(ical.PropDateTimeEnd, e.End.UTC())
	}
	for k, v := range e.Private {
		ev.Props.SetText(propName(k), v)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//campsync//EN")
	cal.Children = append(cal.Children, ev.Component)
	return cal
}

func (c *CalDAV) fromComponent(comp *ical.Component) (Entry, error) {
	uid, _ := comp.Props.Text(ical.PropUID)
	summary, _ := comp.Props.Text(ical.PropSummary)
	description, _ := comp.Props.Text(ical.PropDescription)
	e := Entry{ID: uid, Summary: summary, Description: description}

	start := comp.Props.Get(ical.PropDateTimeStart)
	end := comp.Props.Get(ical.PropDateTimeEnd)
	if start == nil || end == nil {
		return Entry{}, fmt.Errorf("missing DTSTART or DTEND")
	}
	var err error
	if e.Start, err = start.DateTime(c.loc); err != nil {
		return Entry{}, fmt.Errorf("DTSTART: %w", err)
	}
	if e.End, err = end.DateTime(c.loc); err != nil {
		return Entry{}, fmt.Errorf("DTEND: %w", err)
	}
	e.AllDay = start.ValueType() == ical.ValueDate

	for name, props := range comp.Props {
		key, ok := metadataKey(name)
		if !ok || len(props) == 0 {
			continue
		}
		if e.Private == nil {
			e.Private = make(map[string]string)
		}
		v, err := props[0].Text()
		if err != nil {
			v = props[0].Value
		}
		e.Private[key] = v
	}
	return e, nil
}

func propName(key string) string {
	return caldavPropPrefix + strings.ToUpper(strings.ReplaceAll(key, "_", "-"))
}

func metadataKey(name string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.ToUpper(name), caldavPropPrefix)
	if !ok || rest == "" {
		return "", false
	}
	return strings.ToLower(strings.ReplaceAll(rest, "-", "_")), true
}

func wrapCalDAV(op string, err error) error {
	if strings.Contains(err.Error(), "403") {
		return fmt.Errorf("%s: %w: %v", op, ErrPermission, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
