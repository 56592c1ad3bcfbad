// Package eo is a client for a remote earth-observation compute platform. It
// lists collection images and renders tiles of them over caller-defined grids.
package eo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	internalhttp "github.com/example/go-eomosaic/eo/internal/http"
	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
	"github.com/example/go-eomosaic/eo/search"
)

const (
	defaultBaseURL   = "https://api.eomosaic.io"
	defaultUserAgent = "go-eomosaic/1.0"
)

var (
	// ErrNilClient is returned when methods are invoked on a nil Client pointer.
	ErrNilClient = errors.New("eo: nil client")
	// ErrImageNotFound is returned when the platform does not know an image ID.
	ErrImageNotFound = errors.New("eo: image not found")
)

// Client talks to the platform's catalogue and render endpoints.
type Client struct {
	baseURL   *url.URL
	session   *Session
	userAgent string
	retry     internalhttp.RetryPolicy
	logger    *slog.Logger
}

// NewClient creates a Client with sensible defaults.
func NewClient(opts ...Option) (*Client, error) {
	base, _ := url.Parse(defaultBaseURL)
	c := &Client{
		baseURL:   base,
		session:   NewSession(),
		userAgent: defaultUserAgent,
		retry:     internalhttp.DefaultRetryPolicy(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("eo: %w", err)
		}
	}
	return c, nil
}

// Session returns the client's session.
func (c *Client) Session() *Session {
	return c.session
}

// Image fetches the description of one image.
func (c *Client) Image(ctx context.Context, id string) (model.Image, error) {
	var img model.Image
	if c == nil {
		return img, ErrNilClient
	}
	if id == "" {
		return img, fmt.Errorf("eo: image id required")
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(nil, "v1/images", id), nil)
	if err != nil {
		return img, err
	}
	resp, err := internalhttp.Do(ctx, c.session.client, req, c.retry)
	if err != nil {
		return img, internalhttp.Classify("image", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return img, fmt.Errorf("%w: %s", ErrImageNotFound, id)
	}
	if resp.StatusCode != http.StatusOK {
		return img, internalhttp.Classify("image", internalhttp.HTTPError(resp))
	}
	if err := internalhttp.DecodeJSON(resp.Body, &img); err != nil {
		return img, fmt.Errorf("eo: %w", err)
	}
	return img, nil
}

// Images fetches several images by ID, in order.
func (c *Client) Images(ctx context.Context, ids ...string) ([]model.Image, error) {
	out := make([]model.Image, 0, len(ids))
	for _, id := range ids {
		img, err := c.Image(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, nil
}

// Query returns an iterator over the images of a collection matching params.
func (c *Client) Query(params search.Params) (*ResultIterator, error) {
	if c == nil {
		return nil, ErrNilClient
	}
	values, err := params.Encode()
	if err != nil {
		return nil, fmt.Errorf("eo: %w", err)
	}
	return newResultIterator(c, params.Collection, values, params.PageSizeOrDefault(), params.MaxResults), nil
}

// QueryCollection lists every image of a collection matching params, in the
// order the platform returns them.
func (c *Client) QueryCollection(ctx context.Context, params search.Params) ([]model.Image, error) {
	it, err := c.Query(params)
	if err != nil {
		return nil, err
	}
	var out []model.Image
	for it.Next(ctx) {
		out = append(out, it.Image())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	c.logger.Debug("collection queried",
		slog.String("collection", params.Collection.String()),
		slog.Int("images", len(out)))
	return out, nil
}

func (c *Client) doSearchRequest(ctx context.Context, collection search.Collection, query url.Values) (model.SearchResponse, error) {
	var page model.SearchResponse
	endpoint := c.endpoint(query, "v1/collections", collection.String(), "images")
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return page, err
	}
	resp, err := internalhttp.Do(ctx, c.session.client, req, c.retry)
	if err != nil {
		return page, internalhttp.Classify("query", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return page, internalhttp.Classify("query", internalhttp.HTTPError(resp))
	}
	if err := internalhttp.DecodeJSON(resp.Body, &page); err != nil {
		return page, fmt.Errorf("eo: %w", err)
	}
	return page, nil
}

type renderGrid struct {
	CRS       string           `json:"crs"`
	Transform raster.Transform `json:"transform"`
	Width     int              `json:"width"`
	Height    int              `json:"height"`
}

type renderRequest struct {
	Format string            `json:"format"`
	Grid   renderGrid        `json:"grid"`
	Bands  []raster.BandSpec `json:"bands"`
	NoData float64           `json:"nodata"`
}

func newRenderRequest(tile raster.Tile, format string) renderRequest {
	s := tile.Spec
	return renderRequest{
		Format: format,
		Grid:   renderGrid{CRS: s.CRS, Transform: s.Transform, Width: s.Width, Height: s.Height},
		Bands:  s.Bands,
		NoData: s.NoData,
	}
}

// RenderTile asks the platform to render one tile of img. It makes a single
// attempt; failures come back as *errs.TransientRemoteError or
// *errs.PermanentRemoteError so callers can decide whether to retry.
func (c *Client) RenderTile(ctx context.Context, img model.Image, tile raster.Tile, format string) ([]byte, error) {
	if c == nil {
		return nil, ErrNilClient
	}
	body, err := json.Marshal(newRenderRequest(tile, format))
	if err != nil {
		return nil, fmt.Errorf("eo: encode render request: %w", err)
	}
	endpoint := c.endpoint(nil, "v1/images", img.ID+":render")
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := internalhttp.Do(ctx, c.session.client, req, internalhttp.NoRetryPolicy{})
	if err != nil {
		return nil, internalhttp.Classify("render", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, internalhttp.Classify("render", internalhttp.HTTPError(resp))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, internalhttp.Classify("render", err)
	}
	return data, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("eo: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if err := c.session.Authorize(req); err != nil {
		return nil, err
	}
	return req, nil
}

func (c *Client) endpoint(query url.Values, elems ...string) string {
	u := *c.baseURL
	u.Path = joinURLPath(u.Path, elems...)
	u.RawPath = ""
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func joinURLPath(basePath string, elems ...string) string {
	parts := make([]string, 0, len(elems)+1)
	trimmedBase := strings.Trim(basePath, "/")
	if trimmedBase != "" {
		parts = append(parts, trimmedBase)
	}
	for _, elem := range elems {
		trimmed := strings.Trim(elem, "/")
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return "/" + path.Join(parts...)
}
