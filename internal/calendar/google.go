package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const dateLayout = "2006-01-02"

// Google is a Backend and Directory on the Google Calendar v3 API.
type Google struct {
	service *gcal.Service
	loc     *time.Location
}

// NewGoogle creates a backend. Extra options are applied after the HTTP
// client, which lets tests point the service at a local endpoint.
func NewGoogle(ctx context.Context, client *http.Client, loc *time.Location, opts ...option.ClientOption) (*Google, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	service, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &Google{service: service, loc: loc}, nil
}

func (g *Google) Calendars(ctx context.Context) ([]Info, error) {
	var infos []Info
	err := g.service.CalendarList.List().Pages(ctx, func(page *gcal.CalendarList) error {
		for _, item := range page.Items {
			infos = append(infos, Info{ID: item.Id, Name: item.Summary})
		}
		return nil
	})
	if err != nil {
		return nil, wrapGoogle("list calendars", err)
	}
	return infos, nil
}

func (g *Google) List(ctx context.Context, calendarID string, timeMin time.Time) ([]Entry, error) {
	call := g.service.Events.List(calendarID).
		TimeMin(timeMin.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime")

	var entries []Entry
	err := call.Pages(ctx, func(page *gcal.Events) error {
		for _, item := range page.Items {
			if item.Status == "cancelled" {
				continue
			}
			e, err := g.fromGoogle(item)
			if err != nil {
				return fmt.Errorf("event %s: %w", item.Id, err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, wrapGoogle("failed to list events", err)
	}
	return entries, nil
}

func (g *Google) Insert(ctx context.Context, calendarID string, e Entry) (string, error) {
	created, err := g.service.Events.Insert(calendarID, toGoogle(e)).Context(ctx).Do()
	if err != nil {
		return "", wrapGoogle("failed to create event", err)
	}
	return created.Id, nil
}

func (g *Google) Update(ctx context.Context, calendarID, eventID string, e Entry) error {
	_, err := g.service.Events.Update(calendarID, eventID, toGoogle(e)).Context(ctx).Do()
	if err != nil {
		return wrapGoogle("failed to update event", err)
	}
	return nil
}

func (g *Google) Delete(ctx context.Context, calendarID, eventID string) error {
	err := g.service.Events.Delete(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return wrapGoogle("failed to delete event", err)
	}
	return nil
}

func toGoogle(e Entry) *gcal.Event {
	ge := &gcal.Event{
		Summary:     e.Summary,
		Description: e.Description,
	}
	if e.AllDay {
		ge.Start = &gcal.EventDateTime{Date: e.Start.Format(dateLayout)}
		ge.End = &gcal.EventDateTime{Date: e.End.Format(dateLayout)}
	} else {
		ge.Start = &gcal.EventDateTime{DateTime: e.Start.Format(time.RFC3339)}
		ge.End = &gcal.EventDateTime{DateTime: e.End.Format(time.RFC3339)}
	}
	if len(e.Private) > 0 {
		ge.ExtendedProperties = &gcal.EventExtendedProperties{Private: e.Private}
	}
	return ge
}

func (g *Google) fromGoogle(item *gcal.Event) (Entry, error) {
	e := Entry{
		ID:          item.Id,
		Summary:     item.Summary,
		Description: item.Description,
	}
	if item.ExtendedProperties != nil {
		e.Private = item.ExtendedProperties.Private
	}

	var err error
	if e.Start, e.AllDay, err = g.parseDateTime(item.Start); err != nil {
		return Entry{}, fmt.Errorf("start: %w", err)
	}
	if e.End, _, err = g.parseDateTime(item.End); err != nil {
		return Entry{}, fmt.Errorf("end: %w", err)
	}
	return e, nil
}

func (g *Google) parseDateTime(dt *gcal.EventDateTime) (time.Time, bool, error) {
	if dt == nil {
		return time.Time{}, false, errors.New("missing")
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t, false, err
	}
	t, err := time.ParseInLocation(dateLayout, dt.Date, g.loc)
	return t, true, err
}

// wrapGoogle marks scope rejections with ErrPermission.
func wrapGoogle(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusForbidden && permissionReason(gerr) {
		return fmt.Errorf("%s: %w: %v", op, ErrPermission, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func permissionReason(gerr *googleapi.Error) bool {
	if len(gerr.Errors) == 0 {
		return true
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "insufficientPermissions", "forbidden", "requiredAccessLevel":
			return true
		}
	}
	return false
}
