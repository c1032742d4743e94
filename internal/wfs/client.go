// Package wfs fetches boundary polygon layers from OGC Web Feature Services.
//
// A layer is requested once as GeoJSON through a KVP GetFeature call,
// reprojected to WGS84 and reduced to named polygons. There is no retry:
// a failed fetch is returned to the caller, which aborts its run.
package wfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rewired-gh/firmscr/internal/models"
)

// ErrServiceException is returned when the service answers with an OGC exception report
var ErrServiceException = errors.New("wfs service exception")

// ErrFetch marks every failure to obtain a usable layer from a remote service
var ErrFetch = errors.New("wfs fetch failed")

// Client provides access to WFS endpoints
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// LayerRequest identifies one remote layer and the attribute naming its features
type LayerRequest struct {
	URL       string
	Layer     string
	Version   string
	NameField string
	SRSName   string
	Kind      models.LayerKind
}

// Key identifies the layer for caching
func (r LayerRequest) Key() string {
	return r.URL + "|" + r.Layer + "|" + r.Version + "|" + r.SRSName + "|" + r.NameField
}

// NewClient creates a new WFS client
func NewClient(timeout time.Duration, userAgent string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		userAgent: userAgent,
	}
}

// GetFeature downloads a layer and returns its named polygons in WGS84
func (c *Client) GetFeature(ctx context.Context, req LayerRequest) ([]models.Boundary, error) {
	reqURL, err := BuildGetFeatureURL(req)
	if err != nil {
		return nil, err
	}

	body, err := c.doRequest(ctx, reqURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch layer %s: %w", ErrFetch, req.Layer, err)
	}

	boundaries, err := DecodeLayer(body, req.NameField, req.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode layer %s: %w", ErrFetch, req.Layer, err)
	}
	return boundaries, nil
}

// BuildGetFeatureURL renders the KVP GetFeature request for a layer
func BuildGetFeatureURL(req LayerRequest) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", fmt.Errorf("invalid wfs url %q: %w", req.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid wfs url %q: scheme must be http or https", req.URL)
	}

	version := req.Version
	if version == "" {
		version = "1.1.0"
	}

	params := u.Query()
	params.Set("service", "WFS")
	params.Set("version", version)
	params.Set("request", "GetFeature")
	if version == "2.0.0" {
		params.Set("typeNames", req.Layer)
	} else {
		params.Set("typeName", req.Layer)
	}
	params.Set("outputFormat", "application/json")
	if req.SRSName != "" {
		params.Set("srsName", req.SRSName)
	}
	u.RawQuery = params.Encode()

	return u.String(), nil
}

// doRequest performs a single GET and returns the body of a 2xx response
func (c *Client) doRequest(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	// GeoServer and MapServer report errors as XML with status 200
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '<' {
		snippet := trimmed
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, fmt.Errorf("%w: %s", ErrServiceException, snippet)
	}

	return body, nil
}
