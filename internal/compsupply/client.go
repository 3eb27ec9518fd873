// Package compsupply fetches comparable-sale candidates and AVM values
// from an ATTOM-style property data gateway. It returns provider rows
// untouched; normalization is the valuation pipeline's job.
package compsupply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joelkehle/offerdesk/internal/valuation"
)

const (
	DefaultBaseURL  = "https://api.gateway.attomdata.com"
	DefaultPageSize = 50

	saleSnapshotPath = "/propertyapi/v1.0.0/sale/snapshot"
	avmDetailPath    = "/propertyapi/v1.0.0/attomavm/detail"

	// On a failed or empty first attempt the radius is clamped down to
	// this before the single retry.
	retryRadiusMiles = 1.0
)

type Config struct {
	APIKey     string
	BaseURL    string
	PageSize   int
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, errors.New("ATTOM_API_KEY not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 25 * time.Second}
	}
	return &Client{cfg: cfg}, nil
}

// Location identifies the subject for provider queries. Coordinates are
// preferred when both are present; otherwise the street address parts
// are sent.
type Location struct {
	Address1   string
	City       string
	State      string
	PostalCode string
	Latitude   *float64
	Longitude  *float64
}

type snapshotResponse struct {
	Property []map[string]any `json:"property"`
}

// FetchComps pulls the sale snapshot around the location. A failed or
// empty first attempt gets one retry at a tighter radius before giving
// up, since wide queries are the ones that time out upstream.
func (c *Client) FetchComps(ctx context.Context, loc Location, radiusMiles float64) ([]valuation.RawComp, error) {
	if radiusMiles <= 0 {
		radiusMiles = 0.5
	}
	rows, err := c.fetchSnapshot(ctx, loc, radiusMiles)
	if err == nil && len(rows) > 0 {
		return rows, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	retryRadius := radiusMiles
	if retryRadius > retryRadiusMiles {
		retryRadius = retryRadiusMiles
	}
	log.Printf("compsupply: sale snapshot radius=%.2f failed or empty (err=%v), retrying radius=%.2f", radiusMiles, err, retryRadius)
	rows, retryErr := c.fetchSnapshot(ctx, loc, retryRadius)
	if retryErr != nil {
		if err != nil {
			return nil, fmt.Errorf("sale snapshot failed: %w (retry: %v)", err, retryErr)
		}
		return nil, fmt.Errorf("sale snapshot retry failed: %w", retryErr)
	}
	return rows, nil
}

func (c *Client) fetchSnapshot(ctx context.Context, loc Location, radiusMiles float64) ([]valuation.RawComp, error) {
	params := url.Values{}
	params.Set("radius", strconv.FormatFloat(radiusMiles, 'f', -1, 64))
	params.Set("pageSize", strconv.Itoa(c.cfg.PageSize))
	params.Set("orderBy", "saleAmt desc")
	locationParams(params, loc, true)

	var parsed snapshotResponse
	if err := c.get(ctx, saleSnapshotPath, params, &parsed); err != nil {
		return nil, err
	}
	out := make([]valuation.RawComp, 0, len(parsed.Property))
	for _, row := range parsed.Property {
		out = append(out, valuation.RawComp(row))
	}
	return out, nil
}

// FetchAVM pulls the provider's automated valuation for the subject.
// The AVM endpoint rejects coordinate parameters on some plans, so the
// query is always address-based. A missing value is (nil, nil): the
// pipeline works fine without an anchor.
func (c *Client) FetchAVM(ctx context.Context, loc Location) (*valuation.AVMAnchor, error) {
	if strings.TrimSpace(loc.Address1) == "" {
		return nil, errors.New("avm lookup requires address1")
	}
	params := url.Values{}
	locationParams(params, loc, false)

	var parsed snapshotResponse
	if err := c.get(ctx, avmDetailPath, params, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Property) == 0 {
		return nil, nil
	}
	value := avmValue(parsed.Property[0])
	if value <= 0 {
		return nil, nil
	}
	return &valuation.AVMAnchor{Value: value, Sources: []string{"attom"}}, nil
}

func avmValue(row map[string]any) float64 {
	for _, key := range []string{"avm", "attomAvm"} {
		block, ok := row[key].(map[string]any)
		if !ok {
			continue
		}
		amount, ok := block["amount"].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := amount["value"].(float64); ok {
			return v
		}
	}
	return 0
}

func locationParams(params url.Values, loc Location, allowCoords bool) {
	if allowCoords && loc.Latitude != nil && loc.Longitude != nil {
		params.Set("latitude", strconv.FormatFloat(*loc.Latitude, 'f', -1, 64))
		params.Set("longitude", strconv.FormatFloat(*loc.Longitude, 'f', -1, 64))
		return
	}
	if loc.Address1 != "" {
		params.Set("address1", loc.Address1)
	}
	switch {
	case loc.City != "" && loc.State != "":
		addr2 := loc.City + ", " + loc.State
		if loc.PostalCode != "" {
			addr2 += " " + loc.PostalCode
		}
		params.Set("address2", addr2)
	case loc.PostalCode != "":
		params.Set("postalcode", loc.PostalCode)
	}
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("APIKey", c.cfg.APIKey)

	res, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("status code: %d body=%s", res.StatusCode, truncate(string(b), 500))
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("non-JSON response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
