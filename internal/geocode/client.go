package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultNominatimURL = "https://nominatim.openstreetmap.org"
	defaultPhotonURL    = "https://photon.komoot.io"

	// Nominatim's usage policy allows at most one request per second.
	nominatimInterval = 1250 * time.Millisecond

	regionSuffix = ", Philippines"
)

// Result is one resolved location. Address is the query as sent to the
// geocoder, which downstream storage keeps alongside the raw location.
type Result struct {
	Address   string
	Latitude  float64
	Longitude float64
	Source    string
}

// Client resolves free-text locations to coordinates, trying Nominatim first
// and falling back to Photon.
type Client struct {
	nominatimURL string
	photonURL    string
	client       *http.Client
	logger       *slog.Logger

	lastNominatim time.Time

	// swappable for tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewClient(logger *slog.Logger) *Client {
	return &Client{
		nominatimURL: defaultNominatimURL,
		photonURL:    defaultPhotonURL,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
		sleep:        sleepCtx,
		now:          time.Now,
	}
}

// SetBaseURLs points the client at different endpoints. Used by tests.
func (c *Client) SetBaseURLs(nominatim, photon string) {
	c.nominatimURL = nominatim
	c.photonURL = photon
}

// Geocode resolves a location string. A nil result with a nil error means no
// geocoder had a match.
func (c *Client) Geocode(ctx context.Context, location string) (*Result, error) {
	if location == "" {
		return nil, nil
	}
	address := location + regionSuffix

	res, err := c.nominatim(ctx, address)
	if err != nil {
		c.logger.Warn("nominatim lookup failed", "location", location, "error", err)
	} else if res != nil {
		return res, nil
	}

	res, err = c.photon(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("geocode %q: %w", location, err)
	}
	return res, nil
}

type nominatimResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

func (c *Client) nominatim(ctx context.Context, address string) (*Result, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "json")
	q.Set("limit", "1")

	body, err := c.get(ctx, c.nominatimURL+"/search?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var results []nominatimResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("unmarshal nominatim response: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	var lat, lon float64
	if _, err := fmt.Sscanf(results[0].Lat, "%f", &lat); err != nil {
		return nil, fmt.Errorf("parse latitude %q: %w", results[0].Lat, err)
	}
	if _, err := fmt.Sscanf(results[0].Lon, "%f", &lon); err != nil {
		return nil, fmt.Errorf("parse longitude %q: %w", results[0].Lon, err)
	}
	return &Result{Address: address, Latitude: lat, Longitude: lon, Source: "osm"}, nil
}

type photonResponse struct {
	Features []struct {
		Geometry struct {
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"features"`
}

func (c *Client) photon(ctx context.Context, address string) (*Result, error) {
	q := url.Values{}
	q.Set("q", address)
	q.Set("limit", "1")

	body, err := c.get(ctx, c.photonURL+"/api/?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp photonResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal photon response: %w", err)
	}
	if len(resp.Features) == 0 || len(resp.Features[0].Geometry.Coordinates) < 2 {
		return nil, nil
	}

	coords := resp.Features[0].Geometry.Coordinates
	return &Result{Address: address, Latitude: coords[1], Longitude: coords[0], Source: "photon"}, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "laextract")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// throttle spaces Nominatim requests out to its one-per-second limit.
func (c *Client) throttle(ctx context.Context) error {
	if !c.lastNominatim.IsZero() {
		if wait := nominatimInterval - c.now().Sub(c.lastNominatim); wait > 0 {
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	c.lastNominatim = c.now()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
