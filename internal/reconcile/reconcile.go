// Package reconcile converges a calendar to the reservations reported by the
// sources. Identity is the (source, source id) key recovered from calendar
// metadata; titles and dates never take part in matching.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bobuk/campsync/internal/calendar"
	"github.com/bobuk/campsync/internal/event"
	"github.com/bobuk/campsync/internal/log"
)

type Action int

const (
	Create Action = iota
	Update
	Delete
)

func (a Action) String() string {
	switch a {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return "unknown"
}

// Op is one calendar write. For updates the event carries the calendar ref of
// the entry it overwrites.
type Op struct {
	Action Action
	Event  event.Event
	// Duplicate marks the delete of a second calendar entry for a key that
	// is already represented.
	Duplicate bool
}

type Plan struct {
	Deletes []Op
	Upserts []Op

	// Ended counts source events skipped because they already concluded.
	Ended int
	// Preserved counts past calendar entries kept although their source
	// no longer reports them.
	Preserved int
	Untracked int
}

type Result struct {
	Created    int
	Updated    int
	Deleted    int
	Failed     int
	Permission int
	Propagated int
	Removed    int
}

func (r *Result) Add(o Result) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Deleted += o.Deleted
	r.Failed += o.Failed
	r.Permission += o.Permission
	r.Propagated += o.Propagated
	r.Removed += o.Removed
}

// Writer is the write half of calendar.Backend.
type Writer interface {
	Insert(ctx context.Context, calendarID string, e calendar.Entry) (string, error)
	Update(ctx context.Context, calendarID, eventID string, e calendar.Entry) error
	Delete(ctx context.Context, calendarID, eventID string) error
}

// Propagator receives camp_site creations and removals. The engine treats
// every call as best effort.
type Propagator interface {
	Linked(hipcampID string) (string, bool)
	Propagate(ctx context.Context, ev event.Event) (string, bool)
	Remove(ctx context.Context, hipcampID string) bool
}

type Engine struct {
	w    Writer
	prop Propagator
	log  *log.Logger
}

// New creates an engine. prop may be nil to disable propagation.
func New(w Writer, prop Propagator, l *log.Logger) *Engine {
	return &Engine{w: w, prop: prop, log: l}
}

// Plan computes the writes that converge existing to sources at now.
func (e *Engine) Plan(existing, sources []event.Event, now time.Time) Plan {
	var p Plan

	current := make(map[event.Key]event.Event, len(existing))
	for _, ev := range existing {
		if !ev.Tracked() {
			p.Untracked++
			continue
		}
		k := ev.Key()
		if _, dup := current[k]; dup {
			if !ev.Ended(now) && ev.CalendarRef != "" {
				p.Deletes = append(p.Deletes, Op{Action: Delete, Event: ev, Duplicate: true})
			}
			continue
		}
		current[k] = ev
	}

	wanted := make(map[event.Key]event.Event, len(sources))
	for _, ev := range sources {
		if !ev.Tracked() {
			continue
		}
		if ev.Ended(now) {
			p.Ended++
			e.log.Debug("skipping past event", "title", ev.Title, "ended", ev.End.Format(time.RFC3339))
			continue
		}
		if _, dup := wanted[ev.Key()]; dup {
			continue
		}
		wanted[ev.Key()] = ev
	}

	for _, k := range sortedKeys(current) {
		if _, ok := wanted[k]; ok {
			continue
		}
		ev := current[k]
		if ev.Ended(now) {
			p.Preserved++
			e.log.Debug("skipping deletion of past event", "title", ev.Title, "ended", ev.End.Format(time.RFC3339))
			continue
		}
		p.Deletes = append(p.Deletes, Op{Action: Delete, Event: ev})
	}

	for _, k := range sortedKeys(wanted) {
		ev := wanted[k]
		old, ok := current[k]
		if !ok {
			p.Upserts = append(p.Upserts, Op{Action: Create, Event: ev})
			continue
		}
		ev.CalendarRef = old.CalendarRef
		if ev.LinkedBookingID == "" {
			ev.LinkedBookingID = old.LinkedBookingID
		}
		p.Upserts = append(p.Upserts, Op{Action: Update, Event: ev})
	}
	return p
}

// Apply performs the plan against calendarID. A failed write is logged and
// counted; it never stops the remaining writes.
func (e *Engine) Apply(ctx context.Context, calendarID string, p Plan) Result {
	var r Result

	for _, op := range p.Deletes {
		ev := op.Event
		if err := e.w.Delete(ctx, calendarID, ev.CalendarRef); err != nil {
			e.failed(&r, op, err)
			continue
		}
		r.Deleted++
		e.log.Normal("Deleted "+ev.Source.Label()+" event", "title", ev.Title, "id", ev.SourceID, "dates", ev.DateRange())

		if op.Duplicate || ev.Source != event.SourceCampSite || e.prop == nil {
			continue
		}
		if e.prop.Remove(ctx, ev.SourceID) {
			r.Removed++
		}
	}

	for _, op := range p.Upserts {
		ev := op.Event
		propagates := ev.Source == event.SourceCampSite && e.prop != nil
		if propagates && ev.LinkedBookingID == "" {
			if id, ok := e.prop.Linked(ev.SourceID); ok {
				ev.LinkedBookingID = id
			}
		}

		entry := calendar.FromEvent(ev)
		switch op.Action {
		case Create:
			ref, err := e.w.Insert(ctx, calendarID, entry)
			if err != nil {
				e.failed(&r, op, err)
				continue
			}
			ev.CalendarRef = ref
			r.Created++
		case Update:
			if err := e.w.Update(ctx, calendarID, ev.CalendarRef, entry); err != nil {
				e.failed(&r, op, err)
				continue
			}
			r.Updated++
		}
		e.log.Normal(actionVerb(op.Action)+" "+ev.Source.Label()+" event", "title", entry.Summary, "id", ev.SourceID, "dates", ev.DateRange())

		if !propagates || ev.LinkedBookingID != "" {
			continue
		}
		bookingID, ok := e.prop.Propagate(ctx, ev)
		if !ok {
			continue
		}
		r.Propagated++
		ev.LinkedBookingID = bookingID
		if err := e.w.Update(ctx, calendarID, ev.CalendarRef, calendar.FromEvent(ev)); err != nil {
			e.failed(&r, Op{Action: Update, Event: ev}, err)
			continue
		}
		e.log.Debug("linked HipCamp booking", "id", ev.SourceID, "booking", bookingID)
	}
	return r
}

// Run plans and applies in one step.
func (e *Engine) Run(ctx context.Context, calendarID string, existing, sources []event.Event, now time.Time) Result {
	p := e.Plan(existing, sources, now)
	e.log.Debug("reconcile plan", "calendar", calendarID,
		"deletes", len(p.Deletes), "upserts", len(p.Upserts),
		"ended", p.Ended, "preserved", p.Preserved, "untracked", p.Untracked)
	return e.Apply(ctx, calendarID, p)
}

func (e *Engine) failed(r *Result, op Op, err error) {
	if errors.Is(err, calendar.ErrPermission) {
		r.Permission++
		e.log.Warn("insufficient permissions to "+op.Action.String()+" events; check the calendar API scopes and write access", err,
			"title", op.Event.Title, "id", op.Event.SourceID)
		return
	}
	r.Failed++
	e.log.Warn("error trying to "+op.Action.String()+" event", err, "title", op.Event.Title, "id", op.Event.SourceID)
}

func actionVerb(a Action) string {
	switch a {
	case Create:
		return "Created"
	case Update:
		return "Updated"
	}
	return "Deleted"
}

func sortedKeys(m map[event.Key]event.Event) []event.Key {
	keys := make([]event.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Source != keys[j].Source {
			return keys[i].Source < keys[j].Source
		}
		return keys[i].SourceID < keys[j].SourceID
	})
	return keys
}
