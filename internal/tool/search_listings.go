package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/harborgate/deskhand/internal/store"
)

// SearchListings is the read-only query tool. It mutates nothing and reports
// no reconciliation events.
type SearchListings struct {
	store *store.Store
}

// NewSearchListings creates the search-listings tool.
func NewSearchListings(st *store.Store) *SearchListings {
	return &SearchListings{store: st}
}

func (t *SearchListings) Name() string { return NameSearchListings }

func (t *SearchListings) Desc() string {
	return "Search property listings by address, status, or type."
}

func (t *SearchListings) Inputs() []Param {
	return []Param{
		{Name: "address", Type: "string", Desc: "address substring to match"},
		{Name: "query", Type: "string", Desc: "fallback address substring when no address field was extracted"},
		{Name: "status", Type: "string", Desc: "active, pending, or closed"},
		{Name: "listing_type", Type: "string", Desc: "sale or lease"},
	}
}

func (t *SearchListings) Execute(ctx context.Context, req Request) Response {
	address := strings.TrimSpace(req.Field("address"))
	if address == "" {
		address = strings.TrimSpace(req.Field("query"))
	}

	listings, err := t.store.SearchListings(ctx, store.ListingQuery{
		Address:     address,
		Status:      strings.TrimSpace(req.Field("status")),
		ListingType: strings.TrimSpace(req.Field("listing_type")),
	})
	if err != nil {
		return Response{Err: "search listings: " + err.Error()}
	}

	if len(listings) == 0 {
		return Response{
			OK:      true,
			Summary: "No listings matched your query.",
			Payload: map[string]any{"count": 0},
		}
	}

	var b strings.Builder
	if len(listings) == 1 {
		b.WriteString("Found 1 listing:")
	} else {
		fmt.Fprintf(&b, "Found %d listings:", len(listings))
	}
	matches := make([]map[string]any, 0, len(listings))
	for _, l := range listings {
		fmt.Fprintf(&b, "\n- %s (%s, %s)", l.Address, l.ListingType, l.Status)
		matches = append(matches, map[string]any{
			"listingId":   l.ID,
			"address":     l.Address,
			"listingType": l.ListingType,
			"status":      l.Status,
		})
	}

	return Response{
		OK:      true,
		Summary: b.String(),
		Payload: map[string]any{"count": len(listings), "listings": matches},
	}
}
