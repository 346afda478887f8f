package feed

import (
	"context"
	"time"

	"github.com/bobuk/campsync/internal/config"
	"github.com/bobuk/campsync/internal/event"
	"github.com/bobuk/campsync/internal/log"
)

// Client turns configured feeds into normalized events. A feed that cannot be
// fetched or parsed contributes no events; it never stops the other feeds.
type Client struct {
	fetcher *Fetcher
	loc     *time.Location
	log     *log.Logger
}

func NewClient(fetcher *Fetcher, loc *time.Location, l *log.Logger) *Client {
	return &Client{fetcher: fetcher, loc: loc, log: l}
}

// HipCamp reads the feed of every site that has one.
func (c *Client) HipCamp(ctx context.Context, sites []config.SiteMapping) []event.Event {
	all := make([]event.Event, 0)
	for _, site := range sites {
		if site.FeedURL == "" {
			continue
		}

		body, err := c.fetcher.Fetch(ctx, site.FeedURL)
		if err != nil {
			c.log.Warn("error fetching HipCamp feed", err, "site", site.Name)
			continue
		}
		events, err := ParseHipCamp(body, site.Display, c.loc)
		if err != nil {
			c.log.Warn("error parsing HipCamp feed", err, "site", site.Name)
			continue
		}

		c.log.Debug("HipCamp feed parsed", "site", site.Name, "events", len(events))
		all = append(all, events...)
	}
	return all
}

// Checkfront reads the booking-system feed at url.
func (c *Client) Checkfront(ctx context.Context, url, marker string) []event.Event {
	if url == "" {
		return nil
	}

	body, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		c.log.Warn("error fetching Checkfront feed", err)
		return nil
	}
	events, err := ParseCheckfront(body, marker, c.loc)
	if err != nil {
		c.log.Warn("error parsing Checkfront feed", err)
		return nil
	}

	c.log.Debug("Checkfront feed parsed", "events", len(events))
	return events
}
