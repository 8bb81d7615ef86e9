// Package directory resolves a user's access level from the organization
// directory, an external collaborator of the login flow.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUnknownUser indicates the directory has no record of the user.
var ErrUnknownUser = errors.New("user not found in directory")

// Client resolves directory lookups for the authorize step.
type Client interface {
	// AccessLevel returns the access level granted to the user, or
	// ErrUnknownUser.
	AccessLevel(ctx context.Context, userID string) (string, error)
}

// HTTPClient asks a directory endpoint for access levels over JSON.
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a directory client against the given lookup endpoint.
func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

type lookupRequest struct {
	UserID string `json:"user_id"`
}

type lookupResponse struct {
	AccessLevel string `json:"access_level"`
}

// AccessLevel posts the user id to the directory endpoint. A 404 maps to
// ErrUnknownUser; any other non-200 status is an error.
func (c *HTTPClient) AccessLevel(ctx context.Context, userID string) (string, error) {
	body, err := json.Marshal(lookupRequest{UserID: userID})
	if err != nil {
		return "", fmt.Errorf("directory: encode lookup: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("directory: build lookup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("directory: lookup user: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", ErrUnknownUser
	default:
		return "", fmt.Errorf("directory: lookup returned status %d", resp.StatusCode)
	}

	var decoded lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("directory: decode lookup response: %w", err)
	}
	if decoded.AccessLevel == "" {
		return "", errors.New("directory: lookup response missing access level")
	}
	return decoded.AccessLevel, nil
}

// Static always returns the same access level. Used when no directory
// endpoint is configured.
type Static struct {
	Level string
}

var _ Client = Static{}

// AccessLevel returns the fixed level for any user.
func (s Static) AccessLevel(ctx context.Context, userID string) (string, error) {
	return s.Level, nil
}
