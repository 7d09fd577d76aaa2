package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrRouteAPIUnsupported marks a routing backend that answered with a
// non-JSON body: the endpoint exists but does not speak this API. Callers
// distinguish it from a backend that returned an error response.
var ErrRouteAPIUnsupported = errors.New("routing backend does not speak the routes API")

// Client is a thin HTTP client for a provider's admission and routing APIs.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. https://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Ping probes provider availability.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/ping", nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("ping failed: %s", res.Status)
	}
	return nil
}

// Version fetches the provider protocol revision.
func (c *Client) Version(ctx context.Context) (int, error) {
	var resp VersionResponse
	if err := c.getJSON(ctx, "/router/api/version", &resp); err != nil {
		return 0, err
	}
	return resp.Version, nil
}

// Register posts a peer registration and returns the tunnel envelope.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.postJSON(ctx, "/api/register", req, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// PublishRoutes replaces this user's tunnel-sourced routes at the backend.
// A non-JSON reply is surfaced as ErrRouteAPIUnsupported.
func (c *Client) PublishRoutes(ctx context.Context, userID, signature string, routes []Route) (RoutesResponse, error) {
	path := fmt.Sprintf("/router/api/routes/%s/%s", url.PathEscape(userID), url.PathEscape(signature))

	payload, err := json.Marshal(RoutesRequest{Routes: routes})
	if err != nil {
		return RoutesResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return RoutesResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return RoutesResponse{}, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return RoutesResponse{}, err
	}
	if res.StatusCode >= 400 {
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return RoutesResponse{}, fmt.Errorf("route registration failed: %s: %s", res.Status, msg)
		}
		return RoutesResponse{}, fmt.Errorf("route registration failed: %s", res.Status)
	}

	var resp RoutesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return RoutesResponse{}, fmt.Errorf("%w: %s", ErrRouteAPIUnsupported, res.Status)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("route registration failed: %s", resp.Error)
	}
	return resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return statusError(res)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return statusError(res)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func statusError(res *http.Response) error {
	body, _ := io.ReadAll(res.Body)
	msg := strings.TrimSpace(string(body))
	if msg != "" {
		return fmt.Errorf("request failed: %s: %s", res.Status, msg)
	}
	return fmt.Errorf("request failed: %s", res.Status)
}
