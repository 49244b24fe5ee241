// Package availability talks to the room availability backend that
// answers the availability requests routed by the pipeline.
package availability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/staydesk/staydesk/internal/metrics"
	"github.com/staydesk/staydesk/internal/nlp"
)

// ErrNoAvailability is returned when the backend has no rooms for the request
var ErrNoAvailability = errors.New("no rooms available")

// ErrIncompleteRequest is returned when the check-in date or room count is missing
var ErrIncompleteRequest = errors.New("availability request needs a date and a room count")

// Request is the body of POST /availability
type Request struct {
	CheckInDate    nlp.Date `json:"check_in_date"`
	RoomCount      int      `json:"room_count"`
	MaxBudget      *float64 `json:"max_budget,omitempty"`
	ViewPreference string   `json:"view_preference,omitempty"`
}

// Room is one available room
type Room struct {
	RoomID           string   `json:"room_id"`
	RoomType         string   `json:"room_type"`
	PricePerNight    float64  `json:"price_per_night"`
	ViewType         string   `json:"view_type"`
	Amenities        []string `json:"amenities"`
	AvailabilityDate nlp.Date `json:"availability_date"`
	Description      string   `json:"description"`
	MaxOccupancy     *int     `json:"max_occupancy,omitempty"`
}

// Alternative is another check-in date suggested by the backend
type Alternative struct {
	CheckInDate    nlp.Date `json:"check_in_date"`
	AvailableRooms int      `json:"available_rooms"`
	Message        string   `json:"message"`
}

// Response is the backend's answer
type Response struct {
	AvailableRooms        []Room        `json:"available_rooms"`
	TotalCount            int           `json:"total_count"`
	SuggestedAlternatives []Alternative `json:"suggested_alternatives"`
	Message               string        `json:"message,omitempty"`
}

// RequestFromRoomRequest builds the backend request from extracted
// parameters. Date and room count are required.
func RequestFromRoomRequest(params nlp.RoomRequest) (Request, error) {
	if params.Date == nil || params.RoomCount == nil {
		return Request{}, ErrIncompleteRequest
	}
	return Request{
		CheckInDate:    *params.Date,
		RoomCount:      *params.RoomCount,
		MaxBudget:      params.Budget,
		ViewPreference: params.ViewPreference,
	}, nil
}

// Client calls the availability backend
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the backend at baseURL (for example
// "http://localhost:8000/api")
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Check posts the request and decodes the rooms. A 404 from the backend,
// or an empty result, is reported as ErrNoAvailability; the response is
// still returned so its alternatives can be offered.
func (c *Client) Check(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	status := "error"
	defer func() {
		metrics.RecordAvailabilityCall(status, time.Since(start))
	}()

	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode availability request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/availability", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("failed to build availability request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("availability request failed: %w", err)
	}
	defer resp.Body.Close()
	status = strconv.Itoa(resp.StatusCode)

	if resp.StatusCode == http.StatusNotFound {
		return &Response{}, ErrNoAvailability
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("availability service error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode availability response: %w", err)
	}
	if out.TotalCount == 0 && len(out.AvailableRooms) == 0 {
		return &out, ErrNoAvailability
	}
	return &out, nil
}

// Ping checks that the backend answers at all
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("availability service unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("availability service unhealthy: %d", resp.StatusCode)
	}
	return nil
}
