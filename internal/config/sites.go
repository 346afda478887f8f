package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// SiteMapping ties a HipCamp site to its display abbreviation, its iCal feed
// and its Checkfront (category, item) pair.
type SiteMapping struct {
	Name       string
	Display    string
	FeedURL    string
	CategoryID string
	ItemID     string
}

// Bookable reports whether the site has a Checkfront item to propagate into.
func (m SiteMapping) Bookable() bool {
	return m.ItemID != ""
}

// Sites is the immutable site configuration for a run.
type Sites struct {
	mappings  []SiteMapping
	byName    map[string]int
	byDisplay map[string]int

	CheckfrontFeedURL string
	CheckfrontHost    string
	FormDefaults      map[string]string
}

type siteFile struct {
	DisplayNames      map[string]string         `json:"SITE_DISPLAY_NAMES" yaml:"SITE_DISPLAY_NAMES"`
	ToCheckfront      map[string]checkfrontItem `json:"HIPCAMP_TO_CHECKFRONT" yaml:"HIPCAMP_TO_CHECKFRONT"`
	FeedURLs          map[string]string         `json:"HIPCAMP_ICAL_URLS" yaml:"HIPCAMP_ICAL_URLS"`
	CheckfrontFeedURL string                    `json:"CHECKFRONT_ICAL_URL" yaml:"CHECKFRONT_ICAL_URL"`
	CheckfrontHost    string                    `json:"CHECKFRONT_HOST" yaml:"CHECKFRONT_HOST"`
	FormDefaults      map[string]string         `json:"FORM_DEFAULTS" yaml:"FORM_DEFAULTS"`
}

type checkfrontItem struct {
	CategoryID flexString `json:"category_id" yaml:"category_id"`
	ItemID     flexString `json:"item_id" yaml:"item_id"`
}

// flexString accepts both "12" and 12.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

func (f *flexString) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("expected scalar at line %d", n.Line)
	}
	*f = flexString(n.Value)
	return nil
}

// DefaultFormDefaults are the booking form values submitted when the source
// reservation does not provide them.
func DefaultFormDefaults() map[string]string {
	return map[string]string{
		"customer_phone":           "555-555-5555",
		"camping_setup":            "No",
		"vehicle__trailer_camping": "No",
		"RV_details":               "N/A",
		"trailer_details":          "N/A",
	}
}

// LoadSites reads a site configuration file; the format follows the extension.
func LoadSites(path string) (*Sites, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: site configuration: %v", ErrConfig, err)
	}
	format := FormatJSON
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}
	return ParseSites(data, format)
}

// ParseSites decodes a site configuration document.
func ParseSites(data []byte, format string) (*Sites, error) {
	var f siteFile
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &f)
	case FormatJSON:
		err = json.Unmarshal(data, &f)
	default:
		err = fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: site configuration: %v", ErrConfig, err)
	}
	return newSites(f), nil
}

func newSites(f siteFile) *Sites {
	displayNames := trimKeys(f.DisplayNames)
	toCheckfront := trimKeys(f.ToCheckfront)
	feedURLs := trimKeys(f.FeedURLs)

	names := map[string]struct{}{}
	for n := range displayNames {
		names[n] = struct{}{}
	}
	for n := range toCheckfront {
		names[n] = struct{}{}
	}
	for n := range feedURLs {
		names[n] = struct{}{}
	}

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	s := &Sites{
		byName:            make(map[string]int, len(sorted)),
		byDisplay:         make(map[string]int, len(sorted)),
		CheckfrontFeedURL: f.CheckfrontFeedURL,
		CheckfrontHost:    f.CheckfrontHost,
		FormDefaults:      DefaultFormDefaults(),
	}
	for k, v := range f.FormDefaults {
		s.FormDefaults[k] = v
	}

	for _, name := range sorted {
		m := SiteMapping{Name: name, Display: name}
		if d, ok := displayNames[name]; ok && d != "" {
			m.Display = strings.TrimSpace(d)
		}
		m.FeedURL = strings.TrimSpace(feedURLs[name])
		if cf, ok := toCheckfront[name]; ok {
			m.CategoryID = string(cf.CategoryID)
			m.ItemID = string(cf.ItemID)
		}

		s.byName[name] = len(s.mappings)
		if _, dup := s.byDisplay[m.Display]; !dup {
			s.byDisplay[m.Display] = len(s.mappings)
		}
		s.mappings = append(s.mappings, m)
	}
	return s
}

func trimKeys[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[trimKey(k)] = v
	}
	return out
}

// All returns the mappings ordered by site name.
func (s *Sites) All() []SiteMapping {
	out := make([]SiteMapping, len(s.mappings))
	copy(out, s.mappings)
	return out
}

// ByName looks a site up by its HipCamp name.
func (s *Sites) ByName(name string) (SiteMapping, bool) {
	i, ok := s.byName[name]
	if !ok {
		return SiteMapping{}, false
	}
	return s.mappings[i], true
}

// ByDisplay is the reverse lookup from display abbreviation to site.
func (s *Sites) ByDisplay(display string) (SiteMapping, bool) {
	i, ok := s.byDisplay[display]
	if !ok {
		return SiteMapping{}, false
	}
	return s.mappings[i], true
}

// Display returns the display name for a site, or the name itself when unmapped.
func (s *Sites) Display(name string) string {
	if m, ok := s.ByName(name); ok {
		return m.Display
	}
	return name
}
