package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/bobuk/campsync/internal/log"
)

// DryRun reads through the wrapped backend and only logs writes.
type DryRun struct {
	backend Backend
	log     *log.Logger
	n       int
}

func NewDryRun(b Backend, l *log.Logger) *DryRun {
	return &DryRun{backend: b, log: l}
}

func (d *DryRun) List(ctx context.Context, calendarID string, timeMin time.Time) ([]Entry, error) {
	return d.backend.List(ctx, calendarID, timeMin)
}

func (d *DryRun) Insert(_ context.Context, calendarID string, e Entry) (string, error) {
	d.n++
	d.log.Normal("dry run: would create event", "calendar", calendarID, "title", e.Summary)
	return fmt.Sprintf("dry-run-%d", d.n), nil
}

func (d *DryRun) Update(_ context.Context, calendarID, eventID string, e Entry) error {
	d.log.Normal("dry run: would update event", "calendar", calendarID, "event", eventID, "title", e.Summary)
	return nil
}

func (d *DryRun) Delete(_ context.Context, calendarID, eventID string) error {
	d.log.Normal("dry run: would delete event", "calendar", calendarID, "event", eventID)
	return nil
}
