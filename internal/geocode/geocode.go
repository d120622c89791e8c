// Package geocode resolves free-form address strings to structured,
// coordinate-bearing results through a pluggable backend.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// Result is a structured geocoding hit. Fields may be empty when the backend
// could not resolve that component; callers decide whether the result is
// complete enough to use.
type Result struct {
	Number string  `json:"number"`
	Street string  `json:"street"`
	City   string  `json:"city"`
	State  string  `json:"state"`
	Zip    string  `json:"zip"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

// Geocoder resolves a raw address string.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (Result, error)
}

// Func adapts a plain function to the Geocoder interface.
type Func func(ctx context.Context, address string) (Result, error)

func (f Func) Geocode(ctx context.Context, address string) (Result, error) { return f(ctx, address) }

// ErrNoMatch is returned when the backend produced no usable candidate.
var ErrNoMatch = errors.New("geocode: no match")

// Client is an HTTP geocoding backend. Requests are throttled with a token
// bucket so a burst of report intake cannot exhaust the upstream quota.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(baseURL, apiKey string, rps float64) *Client {
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

type wireResult struct {
	Components struct {
		Number string `json:"number"`
		Street string `json:"street"`
		City   string `json:"city"`
		State  string `json:"state"`
		Zip    string `json:"zip"`
	} `json:"address_components"`
	Location struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"location"`
}

func (c *Client) Geocode(ctx context.Context, address string) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}
	q := url.Values{}
	q.Set("q", address)
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("geocode: upstream status %d", resp.StatusCode)
	}
	var body struct {
		Results []wireResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, err
	}
	if len(body.Results) == 0 {
		return Result{}, ErrNoMatch
	}
	w := body.Results[0]
	return Result{
		Number: w.Components.Number,
		Street: w.Components.Street,
		City:   w.Components.City,
		State:  w.Components.State,
		Zip:    w.Components.Zip,
		Lat:    w.Location.Lat,
		Lng:    w.Location.Lng,
	}, nil
}
