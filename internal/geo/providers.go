// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package geo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
)

const (
	defaultIPAPIURL   = "http://ip-api.com/json"
	defaultMaxMindURL = "https://geolite.info/geoip/v2.1/city"
	defaultVoreURL    = "https://api.vore.top/api/IPdata"

	ipAPIFields = "status,message,country,countryCode,region,regionName,city,lat,lon,isp,query"
)

// ProviderOption customizes a provider.
type ProviderOption func(*httpProvider)

// WithBaseURL overrides the provider endpoint. Used by tests.
func WithBaseURL(u string) ProviderOption {
	return func(p *httpProvider) { p.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient sets the HTTP client. Request deadlines come from the
// context, so the client carries no timeout of its own.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *httpProvider) { p.client = c }
}

type httpProvider struct {
	baseURL string
	client  *http.Client
}

func newHTTPProvider(baseURL string, opts []ProviderOption) httpProvider {
	p := httpProvider{baseURL: baseURL, client: &http.Client{}}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// getJSON issues a GET and decodes a 200 response into out. A 429 or 5xx is
// returned as a plain error so the resolver retries it.
func (p httpProvider) getJSON(req *http.Request, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotResolved
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IPAPIProvider uses the free ip-api.com JSON endpoint (45 requests/minute,
// no key).
type IPAPIProvider struct {
	httpProvider
}

// NewIPAPIProvider creates the ip-api.com provider.
func NewIPAPIProvider(opts ...ProviderOption) *IPAPIProvider {
	return &IPAPIProvider{httpProvider: newHTTPProvider(defaultIPAPIURL, opts)}
}

type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ISP         string  `json:"isp"`
}

func (p *IPAPIProvider) Name() string    { return "ip-api" }
func (p *IPAPIProvider) Available() bool { return true }

// Lookup resolves ip through ip-api.com.
func (p *IPAPIProvider) Lookup(ctx context.Context, ip string) (*Location, error) {
	u := fmt.Sprintf("%s/%s?fields=%s", p.baseURL, url.PathEscape(ip), ipAPIFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var body ipAPIResponse
	if err := p.getJSON(req, &body); err != nil {
		return nil, err
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("ip-api %s: %s: %w", ip, body.Message, ErrNotResolved)
	}

	return &Location{
		IP:          ip,
		City:        body.City,
		Region:      body.RegionName,
		Country:     body.Country,
		CountryCode: body.CountryCode,
		ISP:         body.ISP,
		Latitude:    body.Lat,
		Longitude:   body.Lon,
		Provider:    p.Name(),
	}, nil
}

// MaxMindProvider uses the GeoLite2 City web service with HTTP basic auth.
type MaxMindProvider struct {
	httpProvider
	accountID  string
	licenseKey string
}

// NewMaxMindProvider creates the MaxMind provider. It reports unavailable
// without credentials.
func NewMaxMindProvider(accountID, licenseKey string, opts ...ProviderOption) *MaxMindProvider {
	return &MaxMindProvider{
		httpProvider: newHTTPProvider(defaultMaxMindURL, opts),
		accountID:    accountID,
		licenseKey:   licenseKey,
	}
}

type maxMindNames struct {
	Names map[string]string `json:"names"`
}

type maxMindResponse struct {
	City    maxMindNames `json:"city"`
	Country struct {
		ISOCode string            `json:"iso_code"`
		Names   map[string]string `json:"names"`
	} `json:"country"`
	Subdivisions []maxMindNames `json:"subdivisions"`
	Location     struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
	Traits struct {
		ISP string `json:"isp"`
	} `json:"traits"`
}

func (p *MaxMindProvider) Name() string { return "maxmind" }

func (p *MaxMindProvider) Available() bool {
	return p.accountID != "" && p.licenseKey != ""
}

// Lookup resolves ip through the GeoLite2 web service.
func (p *MaxMindProvider) Lookup(ctx context.Context, ip string) (*Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/"+url.PathEscape(ip), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(p.accountID, p.licenseKey)
	req.Header.Set("Accept", "application/json")

	var body maxMindResponse
	if err := p.getJSON(req, &body); err != nil {
		return nil, err
	}

	loc := &Location{
		IP:          ip,
		City:        body.City.Names["en"],
		Country:     body.Country.Names["en"],
		CountryCode: body.Country.ISOCode,
		ISP:         body.Traits.ISP,
		Latitude:    body.Location.Latitude,
		Longitude:   body.Location.Longitude,
		Provider:    p.Name(),
	}
	if len(body.Subdivisions) > 0 {
		loc.Region = body.Subdivisions[0].Names["en"]
	}
	if loc.Country == "" {
		return nil, fmt.Errorf("maxmind %s: empty record: %w", ip, ErrNotResolved)
	}
	return loc, nil
}

// VoreProvider uses api.vore.top, which answers in Chinese. info1..info3 are
// country, province and city.
type VoreProvider struct {
	httpProvider
}

// NewVoreProvider creates the vore.top provider.
func NewVoreProvider(opts ...ProviderOption) *VoreProvider {
	return &VoreProvider{httpProvider: newHTTPProvider(defaultVoreURL, opts)}
}

type voreResponse struct {
	Code   int `json:"code"`
	IPData struct {
		Info1 string `json:"info1"`
		Info2 string `json:"info2"`
		Info3 string `json:"info3"`
		ISP   string `json:"isp"`
	} `json:"ipdata"`
}

func (p *VoreProvider) Name() string    { return "vore" }
func (p *VoreProvider) Available() bool { return true }

// Lookup resolves ip through vore.top.
func (p *VoreProvider) Lookup(ctx context.Context, ip string) (*Location, error) {
	u := p.baseURL + "?ip=" + url.QueryEscape(ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var body voreResponse
	if err := p.getJSON(req, &body); err != nil {
		return nil, err
	}
	if body.Code != http.StatusOK {
		return nil, fmt.Errorf("vore %s: code %d: %w", ip, body.Code, ErrNotResolved)
	}

	return &Location{
		IP:       ip,
		City:     body.IPData.Info3,
		Region:   body.IPData.Info2,
		Country:  body.IPData.Info1,
		ISP:      body.IPData.ISP,
		Provider: p.Name(),
	}, nil
}

// NewProviders builds providers by name, in order. Unknown names are
// rejected by config validation before this point.
func NewProviders(names []string, maxMindAccountID, maxMindLicenseKey string, opts ...ProviderOption) []Provider {
	providers := make([]Provider, 0, len(names))
	for _, name := range names {
		switch name {
		case "ip-api":
			providers = append(providers, NewIPAPIProvider(opts...))
		case "maxmind":
			providers = append(providers, NewMaxMindProvider(maxMindAccountID, maxMindLicenseKey, opts...))
		case "vore":
			providers = append(providers, NewVoreProvider(opts...))
		}
	}
	return providers
}
