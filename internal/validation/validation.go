package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/verdantlabs/trellis/internal/types"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateULID returns an error if the value is not a valid ULID format.
// ULIDs are 26 characters using Crockford Base32 (excludes I, L, O, U).
func ValidateULID(field, value string) *ValidationError {
	if len(value) != 26 {
		return &ValidationError{
			Field:   field,
			Message: "must be a valid ULID (26 characters)",
		}
	}

	// Crockford Base32 alphabet: 0123456789ABCDEFGHJKMNPQRSTVWXYZ
	// Excludes: I, L, O, U (to avoid confusion)
	const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	for _, r := range value {
		upper := strings.ToUpper(string(r))
		if !strings.Contains(crockfordBase32, upper) {
			return &ValidationError{
				Field:   field,
				Message: "must be a valid ULID (invalid character)",
			}
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateRange returns an error if the value is outside [min, max].
func ValidateRange(field string, value, min, max float64) *ValidationError {
	if value < min || value > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %.1f and %.1f", min, max),
		}
	}
	return nil
}

const (
	maxTitleLength  = 200
	maxTextLength   = 4000
	maxFieldEntries = 50
)

// ValidateOperation checks an operation envelope and its typed payload.
// Returns all validation errors found, or an empty slice when valid.
func ValidateOperation(op types.Operation) []ValidationError {
	c := &Collector{}

	c.Add(ValidateRequired("id", op.ID))
	c.Add(ValidateEnum("type", string(op.Type), operationTypeNames()))
	if op.MaxRetries < 1 {
		c.Add(&ValidationError{Field: "max_retries", Message: "must be at least 1"})
	}

	if len(op.Payload) == 0 {
		c.Add(&ValidationError{Field: "payload", Message: "is required"})
		return c.Errors()
	}

	switch op.Type {
	case types.OpCreateListing:
		validateCreateListing(c, op.Payload)
	case types.OpUpdateListing:
		validateUpdateListing(c, op.Payload)
	case types.OpDeleteListing:
		validateDeleteListing(c, op.Payload)
	case types.OpToggleWishlist:
		validateToggleWishlist(c, op.Payload)
	case types.OpUpdateProfile:
		validateUpdateProfile(c, op.Payload)
	case types.OpSendMessage:
		validateSendMessage(c, op.Payload)
	case types.OpSubmitReview:
		validateSubmitReview(c, op.Payload)
	case types.OpUploadImage:
		validateUploadImage(c, op.Payload)
	}

	return c.Errors()
}

func operationTypeNames() []string {
	all := types.AllOperationTypes()
	names := make([]string, len(all))
	for i, t := range all {
		names[i] = string(t)
	}
	return names
}

func addMalformedPayload(c *Collector) {
	c.Add(&ValidationError{Field: "payload", Message: "must be a valid JSON object"})
}

func validateCreateListing(c *Collector, raw json.RawMessage) {
	var p types.CreateListingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		addMalformedPayload(c)
		return
	}

	c.Add(ValidateRequired("payload.tempId", p.TempID))
	c.Add(ValidateRequired("payload.listing.title", p.Listing.Title))
	c.Add(ValidateMaxLength("payload.listing.title", p.Listing.Title, maxTitleLength))
	c.Add(ValidateMaxLength("payload.listing.description", p.Listing.Description, maxTextLength))
	c.Add(ValidateUTF8("payload.listing.title", p.Listing.Title))
	c.Add(ValidateNoNullBytes("payload.listing.title", p.Listing.Title))
	if p.Listing.Price < 0 {
		c.Add(&ValidationError{Field: "payload.listing.price", Message: "must not be negative"})
	}
}

func validateUpdateListing(c *Collector, raw json.RawMessage) {
	var p types.UpdateListingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		addMalformedPayload(c)
		return
	}

	c.Add(ValidateRequired("payload.listingId", p.ListingID))
	if len(p.Fields) == 0 {
		c.Add(&ValidationError{Field: "payload.fields", Message: "must not be empty"})
	}
	if len(p.Fields) > maxFieldEntries {
		c.Add(&ValidationError{Field: "payload.fields", Message: fmt.Sprintf("exceeds maximum of %d entries", maxFieldEntries)})
	}
}

func validateDeleteListing(c *Collector, raw json.RawMessage) {
	var p types.DeleteListingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		addMalformedPayload(c)
		return
	}

	c.Add(ValidateRequired("payload.listingId", p.ListingID))
}

func validateToggleWishlist(c *Collector, raw json.RawMessage) {
	var p types.ToggleWishlistPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		addMalformedPayload(c)
		return
	}

	c.Add(ValidateRequired("payload.plantId", p.PlantID))
}

func validateUpdateProfile(c *Collector, raw json.RawMessage) {
	var p types.UpdateProfilePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		addMalformedPayload(c)
		return
	}

	if len(p.Fields) == 0 {
		c.Add(&ValidationError{Field: "payload.fields", Message: "must not be empty"})
	}
	if len(p.Fields) > maxFieldEntries {
		c.Add(&ValidationError{Field: "payload.fields", Message: fmt.Sprintf("exceeds maximum of %d entries", maxFieldEntries)})
	}
}

func validateSendMessage(c *Collector, raw json.RawMessage) {
	var p types.SendMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		addMalformedPayload(c)
		return
	}

	c.Add(ValidateRequired("payload.text", p.Text))
	c.Add(ValidateMaxLength("payload.text", p.Text, maxTextLength))
	c.Add(ValidateUTF8("payload.text", p.Text))
	c.Add(ValidateNoNullBytes("payload.text", p.Text))
	// New conversations carry a recipient instead of a conversation ID.
	if p.ConversationID == "" && p.Recipient == "" {
		c.Add(&ValidationError{Field: "payload.conversationId", Message: "conversationId or recipient is required"})
	}
}

func validateSubmitReview(c *Collector, raw json.RawMessage) {
	var p types.SubmitReviewPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		addMalformedPayload(c)
		return
	}

	c.Add(ValidateEnum("payload.targetType", string(p.TargetType), []string{
		string(types.ReviewTargetSeller),
		string(types.ReviewTargetProduct),
	}))
	c.Add(ValidateRequired("payload.targetId", p.TargetID))
	c.Add(ValidateRange("payload.rating", float64(p.Rating), 1, 5))
	c.Add(ValidateMaxLength("payload.text", p.Text, maxTextLength))
}

func validateUploadImage(c *Collector, raw json.RawMessage) {
	var p types.UploadImagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		addMalformedPayload(c)
		return
	}

	c.Add(ValidateRequired("payload.localUri", p.LocalURI))
}
