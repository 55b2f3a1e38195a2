package tool

import (
	"context"
	"strings"

	"github.com/harborgate/deskhand/internal/models"
	"github.com/harborgate/deskhand/internal/reconcile"
	"github.com/harborgate/deskhand/internal/store"
)

// CreateListing adds a property listing from extracted fields, deduplicated
// by message id.
type CreateListing struct {
	store *store.Store
}

// NewCreateListing creates the create-listing tool.
func NewCreateListing(st *store.Store) *CreateListing {
	return &CreateListing{store: st}
}

func (t *CreateListing) Name() string { return NameCreateListing }

func (t *CreateListing) Desc() string {
	return "Add a property listing (for sale or for lease)."
}

func (t *CreateListing) Inputs() []Param {
	return []Param{
		{Name: "address", Type: "string", Required: true, Desc: "property address"},
		{Name: "listing_type", Type: "string", Desc: "sale or lease (default sale)"},
		{Name: "assignee", Type: "string", Desc: "realtor name, email, or phone"},
		{Name: "notes", Type: "string", Desc: "free-form notes"},
	}
}

func (t *CreateListing) Execute(ctx context.Context, req Request) Response {
	address := strings.TrimSpace(req.Field("address"))
	if address == "" {
		return Response{Err: "address is required"}
	}

	draft := store.ListingDraft{
		Address: address,
		Notes:   req.Field("notes"),
	}
	switch strings.ToLower(strings.TrimSpace(req.Field("listing_type"))) {
	case models.ListingLease, "rent", "rental":
		draft.ListingType = models.ListingLease
	case models.ListingSale, "":
		draft.ListingType = models.ListingSale
	default:
		draft.ListingType = models.ListingSale
	}
	if hint := req.Field("assignee"); hint != "" {
		realtor, err := t.store.ResolveRealtor(ctx, hint)
		if err != nil {
			return Response{Err: "resolve assignee: " + err.Error()}
		}
		if realtor != nil {
			draft.RealtorID = &realtor.ID
		}
	}

	listing, existed, err := t.store.CreateListing(ctx, draft, req.MessageID)
	if err != nil {
		return Response{Err: "create listing: " + err.Error()}
	}

	resp := Response{
		OK:      true,
		Summary: "Added listing: " + listing.Address + " (" + listing.ListingType + ")",
		Payload: map[string]any{
			"listingId":   listing.ID,
			"address":     listing.Address,
			"listingType": listing.ListingType,
			"existed":     existed,
		},
	}
	if !existed {
		resp.Mutations = []reconcile.Mutation{{
			EntityType: models.EntityListing,
			EntityID:   listing.ID,
			Op:         models.OpCreate,
			Snapshot:   listing,
		}}
	}
	return resp
}
