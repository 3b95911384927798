// Package geo wraps the geolocated side-workflow collaborators: the
// provider-search endpoint, the reverse-geocode endpoint, and a one-shot
// geolocation provider. All three are best-effort: callers log failures
// and degrade rather than abort a turn.
package geo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/awilder/housecall/internal/domain"
)

// PlaceholderAddress is used when reverse geocoding fails.
const PlaceholderAddress = "Current Location"

type Client struct {
	searchURL    string
	geocodeURL   string
	geolocateURL string
	client       *http.Client
}

func NewClient(searchURL, geocodeURL, geolocateURL string) *Client {
	return &Client{
		searchURL:    searchURL,
		geocodeURL:   geocodeURL,
		geolocateURL: geolocateURL,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// FindProviders queries the provider-search endpoint for professionals of
// the given trade near loc.
func (c *Client) FindProviders(ctx context.Context, loc domain.Location, trade string) ([]domain.Provider, error) {
	reqBody := map[string]any{
		"lat":   loc.Lat,
		"lng":   loc.Lng,
		"trade": trade,
	}

	var respBody struct {
		Providers []struct {
			Name    string  `json:"name"`
			Trade   string  `json:"trade"`
			Phone   string  `json:"phone"`
			Rating  float64 `json:"rating"`
			Address string  `json:"address"`
			OpenNow bool    `json:"open_now"`
		} `json:"providers"`
	}

	if err := c.postJSON(ctx, c.searchURL, reqBody, &respBody); err != nil {
		return nil, fmt.Errorf("provider search: %w", err)
	}

	providers := make([]domain.Provider, 0, len(respBody.Providers))
	for _, p := range respBody.Providers {
		if p.Trade == "" {
			p.Trade = trade
		}
		providers = append(providers, domain.Provider{
			Name:    p.Name,
			Trade:   p.Trade,
			Phone:   p.Phone,
			Rating:  p.Rating,
			Address: p.Address,
			OpenNow: p.OpenNow,
		})
	}
	return providers, nil
}

// ReverseGeocode resolves coordinates into a human-readable address.
// Callers fall back to PlaceholderAddress on error.
func (c *Client) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	var respBody struct {
		Address string `json:"address"`
	}
	if err := c.postJSON(ctx, c.geocodeURL, map[string]any{"lat": lat, "lng": lng}, &respBody); err != nil {
		return "", fmt.Errorf("geocode: %w", err)
	}
	if respBody.Address == "" {
		return "", fmt.Errorf("geocode: empty address")
	}
	return respBody.Address, nil
}

// CurrentPosition asks the geolocation provider for a one-shot position.
// Denial is terminal for the trigger that requested it; callers do not retry.
func (c *Client) CurrentPosition(ctx context.Context) (domain.Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.geolocateURL, nil)
	if err != nil {
		return domain.Location{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Location{}, fmt.Errorf("geolocate: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return domain.Location{}, fmt.Errorf("geolocate returned status %d", resp.StatusCode)
	}

	var respBody struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&respBody); err != nil {
		return domain.Location{}, fmt.Errorf("failed to decode position: %w", err)
	}
	return domain.Location{Lat: respBody.Lat, Lng: respBody.Lng}, nil
}

func (c *Client) postJSON(ctx context.Context, url string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, errBody)
	}

	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
