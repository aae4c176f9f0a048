// Package geocode resolves coordinates to best-effort addresses via
// Nominatim. Lookups are cached and rate limited; a failure here never
// affects coordinate delivery.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

const (
	nominatimURL = "https://nominatim.openstreetmap.org/reverse"

	// Nominatim usage policy: at most one request per second
	minInterval = time.Second

	cacheSize = 512
)

// Address is the decoded reverse-geocoding record.
type Address struct {
	Country       string
	State         string
	County        string
	City          string
	Town          string
	Village       string
	Road          string
	Postcode      string
	Neighbourhood string
	Suburb        string
	DisplayName   string
}

// String renders a short locality line for terminal output.
func (a *Address) String() string {
	var parts []string
	for _, p := range []string{a.Road, a.locality(), a.Country} {
		if len(p) > 0 {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return a.DisplayName
	}
	return strings.Join(parts, ", ")
}

func (a *Address) locality() string {
	for _, p := range []string{a.City, a.Town, a.Village, a.County} {
		if len(p) > 0 {
			return p
		}
	}
	return ""
}

// Resolver caches reverse lookups and spaces out upstream calls.
type Resolver struct {
	client *http.Client
	base   string

	mu       sync.Mutex
	cache    *lru.Cache
	lastCall time.Time
}

func NewResolver() *Resolver {
	return &Resolver{
		client: &http.Client{Timeout: 10 * time.Second},
		base:   nominatimURL,
		cache:  lru.New(cacheSize),
	}
}

// Reverse looks up the address for a coordinate. Coordinates are rounded to
// four decimals (roughly 10m) for cache purposes.
func (r *Resolver) Reverse(ctx context.Context, lat, lng float64) (*Address, error) {
	key := fmt.Sprintf("%.4f,%.4f", lat, lng)

	r.mu.Lock()
	if v, ok := r.cache.Get(key); ok {
		r.mu.Unlock()
		return v.(*Address), nil
	}
	if wait := minInterval - time.Since(r.lastCall); wait > 0 {
		r.mu.Unlock()
		time.Sleep(wait)
		r.mu.Lock()
	}
	r.lastCall = time.Now()
	r.mu.Unlock()

	url := fmt.Sprintf("%s?lat=%f&lon=%f&format=json&addressdetails=1&zoom=18", r.base, lat, lng)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "georelay/1.0")

	rsp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocode: status %d", rsp.StatusCode)
	}

	var data struct {
		Address struct {
			Country       string `json:"country"`
			State         string `json:"state"`
			County        string `json:"county"`
			City          string `json:"city"`
			Town          string `json:"town"`
			Village       string `json:"village"`
			Road          string `json:"road"`
			Postcode      string `json:"postcode"`
			Neighbourhood string `json:"neighbourhood"`
			Suburb        string `json:"suburb"`
		} `json:"address"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(rsp.Body).Decode(&data); err != nil {
		return nil, err
	}

	a := &Address{
		Country:       data.Address.Country,
		State:         data.Address.State,
		County:        data.Address.County,
		City:          data.Address.City,
		Town:          data.Address.Town,
		Village:       data.Address.Village,
		Road:          data.Address.Road,
		Postcode:      data.Address.Postcode,
		Neighbourhood: data.Address.Neighbourhood,
		Suburb:        data.Address.Suburb,
		DisplayName:   data.DisplayName,
	}

	r.mu.Lock()
	r.cache.Add(key, a)
	r.mu.Unlock()

	return a, nil
}
