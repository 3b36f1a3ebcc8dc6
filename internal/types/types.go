package types

import (
	"encoding/json"
	"time"
)

// OperationType classifies a queued mutating request.
type OperationType string

const (
	OpCreateListing  OperationType = "CREATE_LISTING"
	OpUpdateListing  OperationType = "UPDATE_LISTING"
	OpDeleteListing  OperationType = "DELETE_LISTING"
	OpToggleWishlist OperationType = "TOGGLE_WISHLIST"
	OpUpdateProfile  OperationType = "UPDATE_PROFILE"
	OpSendMessage    OperationType = "SEND_MESSAGE"
	OpSubmitReview   OperationType = "SUBMIT_REVIEW"
	OpUploadImage    OperationType = "UPLOAD_IMAGE"
)

// AllOperationTypes returns every valid operation type.
func AllOperationTypes() []OperationType {
	return []OperationType{
		OpCreateListing,
		OpUpdateListing,
		OpDeleteListing,
		OpToggleWishlist,
		OpUpdateProfile,
		OpSendMessage,
		OpSubmitReview,
		OpUploadImage,
	}
}

// Operation is one durable mutating request awaiting delivery to the
// marketplace API. An operation leaves the queue only after a successful
// remote call or after exhausting MaxRetries.
type Operation struct {
	ID            string          `json:"id"`
	Type          OperationType   `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	NextRetryTime *time.Time      `json:"next_retry_time,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	LastAttempt   *time.Time      `json:"last_attempt,omitempty"`
	AutoRefresh   bool            `json:"auto_refresh"`
}

// --- Operation payloads (wire format matches the marketplace API: camelCase) ---

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ListingLocation describes where a listing is offered.
type ListingLocation struct {
	City        string    `json:"city,omitempty"`
	Coordinates *GeoPoint `json:"coordinates,omitempty"`
}

// Listing holds the marketplace product fields a client can set.
// Server-owned fields (seller id, stats, status, timestamps) are never sent.
type Listing struct {
	Title          string           `json:"title"`
	Description    string           `json:"description,omitempty"`
	Price          float64          `json:"price"`
	Category       string           `json:"category"`
	ScientificName string           `json:"scientificName,omitempty"`
	Images         []string         `json:"images,omitempty"`
	Location       *ListingLocation `json:"location,omitempty"`
	CareInfo       map[string]any   `json:"careInfo,omitempty"`
}

// CreateListingPayload creates a listing. TempID is the optimistic local
// identifier assigned before the server returns the real one; once the
// create succeeds, still-queued operations referencing TempID are rewritten.
type CreateListingPayload struct {
	TempID  string  `json:"tempId"`
	Listing Listing `json:"listing"`
}

// UpdateListingPayload updates selected fields of an existing listing.
type UpdateListingPayload struct {
	ListingID string         `json:"listingId"`
	Fields    map[string]any `json:"fields"`
}

// DeleteListingPayload deletes a listing.
type DeleteListingPayload struct {
	ListingID string `json:"listingId"`
}

// ToggleWishlistPayload flips a plant's wishlist membership for the user.
type ToggleWishlistPayload struct {
	PlantID string `json:"plantId"`
}

// UpdateProfilePayload updates fields of the user's profile.
type UpdateProfilePayload struct {
	Fields map[string]any `json:"fields"`
}

// SendMessagePayload sends a chat message. An empty ConversationID starts a
// new conversation with Recipient (optionally about PlantID).
type SendMessagePayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
	PlantID        string `json:"plantId,omitempty"`
	Text           string `json:"text"`
}

// Review target types.
const (
	ReviewTargetSeller  = "seller"
	ReviewTargetProduct = "product"
)

// SubmitReviewPayload submits a rating for a seller or a product.
type SubmitReviewPayload struct {
	TargetType string `json:"targetType"`
	TargetID   string `json:"targetId"`
	Rating     int    `json:"rating"`
	Text       string `json:"text,omitempty"`
}

// UploadImagePayload uploads a locally stored image and yields a server URL.
type UploadImagePayload struct {
	LocalURI    string `json:"localUri"`
	ContentType string `json:"contentType,omitempty"`
}

// --- Queue and connection observability ---

// QueueStatus is a synchronous snapshot of the operation queue.
type QueueStatus struct {
	QueueLength            int  `json:"queue_length"`
	IsOnline               bool `json:"is_online"`
	IsFlushing             bool `json:"is_flushing"`
	RetryPendingCount      int  `json:"retry_pending_count"`
	PermanentlyFailedCount int  `json:"permanently_failed_count"`
}

// QueueEntry is the read-only listing view of a queued operation.
// The payload is omitted; it may contain user content.
type QueueEntry struct {
	ID            string        `json:"id"`
	Type          OperationType `json:"type"`
	Timestamp     time.Time     `json:"timestamp"`
	RetryCount    int           `json:"retry_count"`
	MaxRetries    int           `json:"max_retries"`
	NextRetryTime *time.Time    `json:"next_retry_time,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

// ConnectionSnapshot is the read-only view of the real-time connection state.
// Owned exclusively by the connection manager.
type ConnectionSnapshot struct {
	IsConnected          bool       `json:"is_connected"`
	IsConnecting         bool       `json:"is_connecting"`
	LastError            string     `json:"last_error,omitempty"`
	ConnectionID         string     `json:"connection_id,omitempty"`
	ReconnectAttempts    int        `json:"reconnect_attempts"`
	MaxReconnectAttempts int        `json:"max_reconnect_attempts"`
	LastConnectedAt      *time.Time `json:"last_connected_at,omitempty"`
}

// ConnectionHealth is the result of an on-demand health probe over the live
// connection. It reports observability detail, not state-machine input.
type ConnectionHealth struct {
	Healthy        bool   `json:"healthy"`
	State          string `json:"state"`
	ConnectionID   string `json:"connection_id,omitempty"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	QueuedMessages int    `json:"queued_messages"`
	Detail         string `json:"detail,omitempty"`
}

// OutboundMessage is a real-time send captured while the connection was
// down, replayed in order once reconnected.
type OutboundMessage struct {
	Method     string          `json:"method"`
	Args       json.RawMessage `json:"args"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retry_count"`
}

// DeadLetter records an operation that permanently failed and was removed
// from the retry queue.
type DeadLetter struct {
	ID            string          `json:"id"`
	OperationID   string          `json:"operation_id"`
	OperationType OperationType   `json:"operation_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Attempts      int             `json:"attempts"`
	Reason        string          `json:"reason"`
	FailedAt      time.Time       `json:"failed_at"`
}

// SyncStats aggregates queue processing counters for observability.
type SyncStats struct {
	TotalOperations    int64      `json:"total_operations"`
	SuccessfulOps      int64      `json:"successful_ops"`
	FailedOps          int64      `json:"failed_ops"`
	PermanentFailures  int64      `json:"permanent_failures"`
	FlushCount         int64      `json:"flush_count"`
	LastFlushDuration  int64      `json:"last_flush_duration_ms"`
	AvgFlushDuration   float64    `json:"avg_flush_duration_ms"`
	LastFlushAt        *time.Time `json:"last_flush_at,omitempty"`
	LastSuccessfulSync *time.Time `json:"last_successful_sync,omitempty"`
}

// --- Update broadcast bus ---

// UpdateType names a category of completed mutation broadcast to UI
// subscribers.
type UpdateType string

const (
	UpdateListingCreated  UpdateType = "listing:created"
	UpdateListingUpdated  UpdateType = "listing:updated"
	UpdateListingDeleted  UpdateType = "listing:deleted"
	UpdateWishlistChanged UpdateType = "wishlist:changed"
	UpdateProfileChanged  UpdateType = "profile:changed"
	UpdateMessageSent     UpdateType = "message:sent"
	UpdateReviewSubmitted UpdateType = "review:submitted"
	UpdateImageUploaded   UpdateType = "image:uploaded"
	UpdateQueueChanged    UpdateType = "queue:changed"
	UpdateOperationFailed UpdateType = "operation:failed"
)

// UpdateTypeFor maps an operation type to the broadcast category published
// when that operation completes.
func UpdateTypeFor(op OperationType) UpdateType {
	switch op {
	case OpCreateListing:
		return UpdateListingCreated
	case OpUpdateListing:
		return UpdateListingUpdated
	case OpDeleteListing:
		return UpdateListingDeleted
	case OpToggleWishlist:
		return UpdateWishlistChanged
	case OpUpdateProfile:
		return UpdateProfileChanged
	case OpSendMessage:
		return UpdateMessageSent
	case OpSubmitReview:
		return UpdateReviewSubmitted
	case OpUploadImage:
		return UpdateImageUploaded
	default:
		return UpdateQueueChanged
	}
}

// UpdateEvent is one broadcast delivered to bus subscribers.
type UpdateEvent struct {
	Type        UpdateType `json:"type"`
	Data        any        `json:"data,omitempty"`
	PublishedAt time.Time  `json:"published_at"`
}

// OperationFailure is the data carried by an operation:failed event.
type OperationFailure struct {
	OperationID   string        `json:"operation_id"`
	OperationType OperationType `json:"operation_type"`
	Attempts      int           `json:"attempts"`
	Reason        string        `json:"reason"`
}

// --- Real-time chat payloads (wire format from the server: camelCase) ---

// ChatMessage is an inbound chat message delivered over the live channel.
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Sender         string    `json:"sender"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
}

// TypingIndicator signals that a user started or stopped typing.
type TypingIndicator struct {
	ConversationID string `json:"conversationId"`
	User           string `json:"user"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadReceipt signals that a user has read up to a message.
type ReadReceipt struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	Reader         string    `json:"reader"`
	ReadAt         time.Time `json:"readAt"`
}

// --- Local API responses ---

// HealthResponse is the local status API health payload.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	QueueLength   int    `json:"queue_length"`
	Connection    string `json:"connection"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// QueueListResponse wraps the pending-operation listing.
type QueueListResponse struct {
	Operations []QueueEntry `json:"operations"`
	Total      int          `json:"total"`
}

// DeadLetterListResponse wraps the dead-letter listing.
type DeadLetterListResponse struct {
	DeadLetters []DeadLetter `json:"dead_letters"`
	Total       int          `json:"total"`
}

// MarshalJSON ensures nil slices in QueueListResponse marshal as [] not null.
func (q QueueListResponse) MarshalJSON() ([]byte, error) {
	if q.Operations == nil {
		q.Operations = []QueueEntry{}
	}
	type Alias QueueListResponse
	return json.Marshal(Alias(q))
}

// MarshalJSON ensures nil slices in DeadLetterListResponse marshal as [] not null.
func (d DeadLetterListResponse) MarshalJSON() ([]byte, error) {
	if d.DeadLetters == nil {
		d.DeadLetters = []DeadLetter{}
	}
	type Alias DeadLetterListResponse
	return json.Marshal(Alias(d))
}
