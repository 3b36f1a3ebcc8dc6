package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/verdantlabs/trellis/internal/types"
)

// Compile-time interface check
var _ Client = (*HTTPClient)(nil)

// protectedListingFields are server-owned and stripped from update payloads
// before sending; the API rejects or ignores writes to them.
var protectedListingFields = []string{"id", "sellerId", "addedAt", "stats", "status"}

// HTTPClient implements Client against the marketplace REST API.
type HTTPClient struct {
	baseURL   string
	token     string
	userEmail string
	http      *http.Client
}

// NewHTTPClient creates an HTTPClient. The timeout bounds every request so
// one hung call cannot stall the flush loop.
func NewHTTPClient(baseURL, token, userEmail string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		token:     token,
		userEmail: userEmail,
		http:      &http.Client{Timeout: timeout},
	}
}

// CreateListing creates a product and returns the server-assigned id.
func (c *HTTPClient) CreateListing(ctx context.Context, listing types.Listing) (string, error) {
	var resp struct {
		Success   bool   `json:"success"`
		ProductID string `json:"productId"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/marketplace/products", listing, &resp); err != nil {
		return "", fmt.Errorf("create listing: %w", err)
	}
	if resp.ProductID == "" {
		return "", fmt.Errorf("create listing: response missing productId")
	}
	return resp.ProductID, nil
}

// UpdateListing updates selected fields of an existing product.
func (c *HTTPClient) UpdateListing(ctx context.Context, listingID string, fields map[string]any) error {
	body := make(map[string]any, len(fields))
	for k, v := range fields {
		body[k] = v
	}
	for _, f := range protectedListingFields {
		delete(body, f)
	}

	path := "/api/marketplace/products/" + url.PathEscape(listingID)
	if err := c.doJSON(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("update listing: %w", err)
	}
	return nil
}

// DeleteListing removes a product.
func (c *HTTPClient) DeleteListing(ctx context.Context, listingID string) error {
	path := "/api/marketplace/products/" + url.PathEscape(listingID)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete listing: %w", err)
	}
	return nil
}

// ToggleWishlist flips wishlist membership for plantID.
func (c *HTTPClient) ToggleWishlist(ctx context.Context, plantID string) (bool, error) {
	body := map[string]string{"plantId": plantID}
	var resp struct {
		Success    bool `json:"success"`
		InWishlist bool `json:"inWishlist"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/marketplace/wishlist", body, &resp); err != nil {
		return false, fmt.Errorf("toggle wishlist: %w", err)
	}
	return resp.InWishlist, nil
}

// UpdateProfile applies partial updates to the user's profile.
func (c *HTTPClient) UpdateProfile(ctx context.Context, fields map[string]any) error {
	if err := c.doJSON(ctx, http.MethodPatch, "/api/user/profile", fields, nil); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// SendMessage posts a message to an existing conversation.
func (c *HTTPClient) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	body := map[string]string{"chatId": conversationID, "message": text}
	var resp struct {
		Success   bool   `json:"success"`
		MessageID string `json:"messageId"`
		Timestamp string `json:"timestamp"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/messages", body, &resp); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.MessageID, nil
}

// StartConversation opens a conversation seeded with text. The returned
// message id doubles as the conversation id.
func (c *HTTPClient) StartConversation(ctx context.Context, recipient, plantID, text string) (string, error) {
	body := map[string]string{"receiver": recipient, "plantId": plantID, "message": text}
	var resp struct {
		MessageID         string `json:"messageId"`
		IsNewConversation bool   `json:"isNewConversation"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/chats", body, &resp); err != nil {
		return "", fmt.Errorf("start conversation: %w", err)
	}
	return resp.MessageID, nil
}

// SubmitReview submits a seller or product review.
func (c *HTTPClient) SubmitReview(ctx context.Context, review types.SubmitReviewPayload) error {
	if err := c.doJSON(ctx, http.MethodPost, "/api/reviews", review, nil); err != nil {
		return fmt.Errorf("submit review: %w", err)
	}
	return nil
}

// UploadImage uploads image bytes and returns the served URL.
func (c *HTTPClient) UploadImage(ctx context.Context, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/marketplace/images", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("upload image: decode response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload image: response missing url")
	}
	return out.URL, nil
}

// Ping checks that the API is reachable.
func (c *HTTPClient) Ping(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodGet, "/api/health", nil, nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// doJSON performs one JSON request/response round trip. A nil body sends no
// payload; a nil out discards the response body.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// setHeaders attaches the bearer token and user-identity headers every call
// carries.
func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-User-Email", c.userEmail)
}

// checkStatus maps a non-2xx response to an APIError carrying a bounded
// slice of the body for diagnostics.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &APIError{Status: resp.StatusCode, Detail: string(bytes.TrimSpace(detail))}
}
