package geocode

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(nominatim, photon string) *Client {
	c := NewClient(slog.Default())
	c.SetBaseURLs(nominatim, photon)
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestGeocode_NominatimHit(t *testing.T) {
	var gotQuery string
	nominatim := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		if r.Header.Get("User-Agent") != "laextract" {
			t.Errorf("missing user agent, got %q", r.Header.Get("User-Agent"))
		}
		w.Write([]byte(`[{"lat":"14.5995","lon":"120.9842"}]`))
	}))
	defer nominatim.Close()

	c := newTestClient(nominatim.URL, "http://unused.invalid")

	res, err := c.Geocode(context.Background(), "Manila")
	if err != nil {
		t.Fatalf("Geocode failed: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result")
	}
	if gotQuery != "Manila, Philippines" {
		t.Errorf("query = %q", gotQuery)
	}
	if res.Address != "Manila, Philippines" {
		t.Errorf("address = %q", res.Address)
	}
	if res.Latitude != 14.5995 || res.Longitude != 120.9842 {
		t.Errorf("coords = %v, %v", res.Latitude, res.Longitude)
	}
	if res.Source != "osm" {
		t.Errorf("source = %q", res.Source)
	}
}

func TestGeocode_FallsBackToPhoton(t *testing.T) {
	nominatim := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer nominatim.Close()

	photon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"features":[{"geometry":{"coordinates":[121.0437,14.6760]}}]}`))
	}))
	defer photon.Close()

	c := newTestClient(nominatim.URL, photon.URL)

	res, err := c.Geocode(context.Background(), "Quezon City")
	if err != nil {
		t.Fatalf("Geocode failed: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result")
	}
	// Photon returns [lon, lat].
	if res.Latitude != 14.6760 || res.Longitude != 121.0437 {
		t.Errorf("coords = %v, %v", res.Latitude, res.Longitude)
	}
	if res.Source != "photon" {
		t.Errorf("source = %q", res.Source)
	}
}

func TestGeocode_NominatimErrorStillTriesPhoton(t *testing.T) {
	nominatim := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer nominatim.Close()

	photon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"features":[{"geometry":{"coordinates":[120.9842,14.5995]}}]}`))
	}))
	defer photon.Close()

	c := newTestClient(nominatim.URL, photon.URL)

	res, err := c.Geocode(context.Background(), "Manila")
	if err != nil {
		t.Fatalf("Geocode failed: %v", err)
	}
	if res == nil || res.Source != "photon" {
		t.Fatalf("expected photon result, got %+v", res)
	}
}

func TestGeocode_NoMatchAnywhere(t *testing.T) {
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/search" {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`{"features":[]}`))
	}))
	defer empty.Close()

	c := newTestClient(empty.URL, empty.URL)

	res, err := c.Geocode(context.Background(), "nowhere in particular")
	if err != nil {
		t.Fatalf("Geocode failed: %v", err)
	}
	if res != nil {
		t.Errorf("expected no result, got %+v", res)
	}
}

func TestGeocode_EmptyLocation(t *testing.T) {
	c := newTestClient("http://unused.invalid", "http://unused.invalid")

	res, err := c.Geocode(context.Background(), "")
	if err != nil || res != nil {
		t.Errorf("expected nil, nil for empty location, got %v, %v", res, err)
	}
}

func TestThrottleSpacesNominatimCalls(t *testing.T) {
	c := newTestClient("http://unused.invalid", "http://unused.invalid")

	clock := time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if err := c.throttle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(slept) != 0 {
		t.Fatalf("first call must not sleep, got %v", slept)
	}

	clock = clock.Add(250 * time.Millisecond)
	if err := c.throttle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(slept) != 1 || slept[0] != time.Second {
		t.Errorf("expected a 1s pause, got %v", slept)
	}
}
