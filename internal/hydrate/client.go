// Package hydrate fetches the initial trip snapshot over REST before the
// duplex connection is up, and resolves coordinates to display addresses.
package hydrate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tripwatch/internal/geo"
	"tripwatch/internal/trip"
)

type Client struct {
	baseURL     string
	geocoderURL string
	http        *http.Client
}

func New(baseURL, geocoderURL string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		geocoderURL: strings.TrimRight(geocoderURL, "/"),
		http:        &http.Client{Timeout: 10 * time.Second},
	}
}

// TripSnapshot fetches the current trip+passenger snapshot for tripID.
func (c *Client) TripSnapshot(ctx context.Context, tripID string) (trip.Trip, error) {
	var t trip.Trip
	u := c.baseURL + "/trips/" + url.PathEscape(tripID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return t, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return t, fmt.Errorf("hydrate trip %s: %w", tripID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return t, fmt.Errorf("hydrate trip %s: status %d", tripID, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return t, fmt.Errorf("hydrate trip %s: %w", tripID, err)
	}
	return t, nil
}

// ReverseGeocode resolves a coordinate to a display address, best effort.
// Any failure returns an empty address; callers fall back to raw lat/lng.
func (c *Client) ReverseGeocode(ctx context.Context, coord geo.Coordinate) string {
	if c.geocoderURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(coord.Lat, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(coord.Lng, 'f', -1, 64))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.geocoderURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return ""
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var out struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ""
	}
	return out.Address
}
