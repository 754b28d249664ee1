package fhir

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Search entry modes.
const (
	SearchModeMatch   = "match"
	SearchModeInclude = "include"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// LinkURL returns the URL of the link with the given relation, or "".
func (b *Bundle) LinkURL(relation string) string {
	for _, l := range b.Link {
		if l.Relation == relation {
			return l.URL
		}
	}
	return ""
}

// NewSearchset creates an empty searchset Bundle with the given total.
func NewSearchset(total int) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
	}
}

// AddEntry appends an entry for a stored resource tagged with the given search mode.
func (b *Bundle) AddEntry(baseURL, resourceType, id string, doc json.RawMessage, mode string) {
	b.Entry = append(b.Entry, BundleEntry{
		FullURL:  FullURL(baseURL, resourceType, id),
		Resource: doc,
		Search:   &BundleSearch{Mode: mode},
	})
}

// FullURL builds the absolute URL of a resource. An empty base yields a
// relative "Type/id" reference.
func FullURL(baseURL, resourceType, id string) string {
	if baseURL == "" {
		return FormatReference(resourceType, id)
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(baseURL, "/"), resourceType, id)
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// PageParams holds the pagination inputs for searchset links.
type PageParams struct {
	// BaseURL is the search endpoint, e.g. "http://host/fhir/Observation".
	BaseURL string
	// Query holds the canonical filter and control pairs, without _count/_offset.
	Query  []QueryPair
	Count  int
	Offset int
	Total  int
}

// QueryPair is a single key=value pair of a search URL.
type QueryPair struct {
	Key   string
	Value string
}

// PageLinks creates self, first, previous, next and last links for a searchset.
func PageLinks(p PageParams) []BundleLink {
	links := []BundleLink{{Relation: "self", URL: pageURL(p, p.Offset)}}
	if p.Count <= 0 {
		return links
	}

	links = append(links, BundleLink{Relation: "first", URL: pageURL(p, 0)})

	if p.Offset > 0 {
		prev := p.Offset - p.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, BundleLink{Relation: "previous", URL: pageURL(p, prev)})
	}

	if next := p.Offset + p.Count; next < p.Total {
		links = append(links, BundleLink{Relation: "next", URL: pageURL(p, next)})
	}

	last := 0
	if p.Total > 0 {
		last = ((p.Total - 1) / p.Count) * p.Count
	}
	links = append(links, BundleLink{Relation: "last", URL: pageURL(p, last)})
	return links
}

func pageURL(p PageParams, offset int) string {
	var sb strings.Builder
	sb.WriteString(p.BaseURL)
	sb.WriteByte('?')
	for _, q := range p.Query {
		sb.WriteString(url.QueryEscape(q.Key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(q.Value))
		sb.WriteByte('&')
	}
	fmt.Fprintf(&sb, "_count=%d&_offset=%d", p.Count, offset)
	return sb.String()
}
