package location

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultIPLookupURL is an ipapi.co compatible endpoint.
const DefaultIPLookupURL = "https://ipapi.co/json/"

// IPLocator resolves a coarse location from the caller's public IP.
type IPLocator struct {
	httpClient *resty.Client
	url        string
}

// NewIPLocator creates a locator for url. An empty url uses ipapi.co.
func NewIPLocator(url string) *IPLocator {
	if url == "" {
		url = DefaultIPLookupURL
	}
	return &IPLocator{
		httpClient: resty.New().
			SetDebug(false).
			SetTimeout(10*time.Second).
			SetHeader("Accept", "application/json"),
		url: url,
	}
}

// coordinate accepts both JSON numbers and numeric strings.
type coordinate float64

func (c *coordinate) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*c = coordinate(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*c = coordinate(math.NaN())
		return nil
	}
	*c = coordinate(n)
	return nil
}

type ipLookupResponse struct {
	Latitude    *coordinate `json:"latitude"`
	Longitude   *coordinate `json:"longitude"`
	City        string      `json:"city"`
	CountryName string      `json:"country_name"`
	Error       bool        `json:"error"`
	Reason      string      `json:"reason"`
}

// Lookup implements IPLookup.
func (l *IPLocator) Lookup(ctx context.Context) (Location, error) {
	var body ipLookupResponse
	res, err := l.httpClient.R().
		SetContext(ctx).
		SetResult(&body).
		Get(l.url)
	if err != nil {
		return Location{}, fmt.Errorf("ip lookup request failed: %w", err)
	}
	if res.IsError() {
		return Location{}, fmt.Errorf("ip lookup failed: status %d", res.StatusCode())
	}
	if body.Error {
		return Location{}, fmt.Errorf("ip lookup failed: %s", body.Reason)
	}
	if body.Latitude == nil || body.Longitude == nil {
		return Location{}, fmt.Errorf("ip lookup returned no coordinates")
	}

	lat, lon := float64(*body.Latitude), float64(*body.Longitude)
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return Location{}, fmt.Errorf("ip lookup returned invalid coordinates")
	}

	return Location{
		Latitude:  lat,
		Longitude: lon,
		Method:    MethodIP,
		City:      body.City,
		Country:   body.CountryName,
	}, nil
}
