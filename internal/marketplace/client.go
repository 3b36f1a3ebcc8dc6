// Package marketplace is the client for the remote marketplace API: the
// per-operation-type REST calls the operation queue replays, plus the
// health probe. All calls carry bearer-token and user-identity headers.
package marketplace

import (
	"context"
	"fmt"

	"github.com/verdantlabs/trellis/internal/types"
)

// Client defines the remote API operations the sync core depends on.
type Client interface {
	// CreateListing creates a product and returns its server-assigned id.
	CreateListing(ctx context.Context, listing types.Listing) (string, error)

	// UpdateListing updates selected fields of an existing product.
	UpdateListing(ctx context.Context, listingID string, fields map[string]any) error

	// DeleteListing removes a product.
	DeleteListing(ctx context.Context, listingID string) error

	// ToggleWishlist flips wishlist membership and reports the new state.
	ToggleWishlist(ctx context.Context, plantID string) (bool, error)

	// UpdateProfile applies partial updates to the user's profile.
	UpdateProfile(ctx context.Context, fields map[string]any) error

	// SendMessage posts a message to an existing conversation and returns
	// the message id.
	SendMessage(ctx context.Context, conversationID, text string) (string, error)

	// StartConversation opens a conversation with recipient (optionally
	// about plantID) seeded with text, returning the conversation id.
	StartConversation(ctx context.Context, recipient, plantID, text string) (string, error)

	// SubmitReview submits a seller or product review.
	SubmitReview(ctx context.Context, review types.SubmitReviewPayload) error

	// UploadImage uploads image bytes and returns the served URL.
	UploadImage(ctx context.Context, data []byte, contentType string) (string, error)

	// Ping checks that the API is reachable.
	Ping(ctx context.Context) error
}

// APIError is a non-2xx response from the marketplace API.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("marketplace API: status %d", e.Status)
	}
	return fmt.Sprintf("marketplace API: status %d: %s", e.Status, e.Detail)
}
