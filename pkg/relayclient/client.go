// Package relayclient is a typed HTTP client for the relay's /v1 API.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"e2ee-relay/internal/dto"

	"github.com/gorilla/websocket"
)

const defaultTimeout = 10 * time.Second

// APIError is returned for any non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay: %d %s", e.Status, e.Message)
}

// StatusOf reports the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithBearer returns a copy of c that authenticates with token.
func (c *Client) WithBearer(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

func (c *Client) RegisterDevice(ctx context.Context, req dto.RegisterDeviceRequest) (dto.RegisterDeviceResponse, error) {
	var out dto.RegisterDeviceResponse
	err := c.do(ctx, http.MethodPost, "/v1/devices/register", nil, req, &out)
	return out, err
}

func (c *Client) RotateSignedPreKey(ctx context.Context, req dto.RotateSignedPreKeyRequest) (dto.RotateSignedPreKeyResponse, error) {
	var out dto.RotateSignedPreKeyResponse
	err := c.do(ctx, http.MethodPost, "/v1/devices/signed-prekey", nil, req, &out)
	return out, err
}

func (c *Client) UploadPreKeys(ctx context.Context, req dto.UploadPreKeysRequest) (dto.UploadPreKeysResponse, error) {
	var out dto.UploadPreKeysResponse
	err := c.do(ctx, http.MethodPost, "/v1/devices/prekeys", nil, req, &out)
	return out, err
}

func (c *Client) CountPreKeys(ctx context.Context, deviceID string) (dto.PreKeyCountResponse, error) {
	var out dto.PreKeyCountResponse
	err := c.do(ctx, http.MethodGet, "/v1/devices/prekeys/count", query("deviceId", deviceID), nil, &out)
	return out, err
}

func (c *Client) ListDevices(ctx context.Context, userID string) (dto.DeviceListResponse, error) {
	var out dto.DeviceListResponse
	err := c.do(ctx, http.MethodGet, "/v1/keys/devices", query("userId", userID), nil, &out)
	return out, err
}

// Bundle fetches prekey bundles for userID; an empty deviceID asks for one
// bundle per registered device.
func (c *Client) Bundle(ctx context.Context, userID, deviceID string) (dto.PreKeyBundleResponse, error) {
	var out dto.PreKeyBundleResponse
	err := c.do(ctx, http.MethodGet, "/v1/keys/bundle", query("userId", userID, "deviceId", deviceID), nil, &out)
	return out, err
}

func (c *Client) KeyEvents(ctx context.Context, userID string, limit int) (dto.KeyEventsResponse, error) {
	q := query("userId", userID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out dto.KeyEventsResponse
	err := c.do(ctx, http.MethodGet, "/v1/keys/transparency", q, nil, &out)
	return out, err
}

func (c *Client) Send(ctx context.Context, req dto.SendMessageRequest) (dto.SendMessageResponse, error) {
	var out dto.SendMessageResponse
	err := c.do(ctx, http.MethodPost, "/v1/messages", nil, req, &out)
	return out, err
}

// Drain fetches and deletes the pending backlog.
func (c *Client) Drain(ctx context.Context, deviceID string) (dto.DrainResponse, error) {
	var out dto.DrainResponse
	err := c.do(ctx, http.MethodPost, "/v1/inbox/drain", query("deviceId", deviceID), nil, &out)
	return out, err
}

// Stream opens the websocket inbox and calls fn for every pushed batch until
// ctx is done, the server closes the stream or fn returns an error.
func (c *Client) Stream(ctx context.Context, deviceID string, fn func(dto.DrainResponse) error) error {
	u, err := url.Parse(c.baseURL + "/v1/inbox/ws")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = query("deviceId", deviceID).Encode()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return decodeError(resp)
		}
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var batch dto.DrainResponse
		if err := conn.ReadJSON(&batch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

// query builds url.Values from key/value pairs, skipping empty values.
func query(kv ...string) url.Values {
	q := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			q.Set(kv[i], kv[i+1])
		}
	}
	return q
}
