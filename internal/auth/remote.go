package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RemoteVerifier asks the account service's verify endpoint about a token.
// It is used when the relay holds neither the signing secret nor a JWKS URL.
type RemoteVerifier struct {
	baseURL string
	http    *http.Client
}

func NewRemoteVerifier(baseURL string) *RemoteVerifier {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "http://localhost:8081"
	}
	return &RemoteVerifier{
		baseURL: base,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *RemoteVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	data, err := json.Marshal(map[string]string{"token": strings.TrimSpace(token)})
	if err != nil {
		return Principal{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/verify", bytes.NewReader(data))
	if err != nil {
		return Principal{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Principal{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return Principal{}, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return Principal{}, fmt.Errorf("auth verify failed: %s", resp.Status)
	}

	var body struct {
		Valid         bool   `json:"valid"`
		UserID        string `json:"userId"`
		TokenDeviceID string `json:"tokenDeviceId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Principal{}, err
	}
	if !body.Valid {
		return Principal{}, ErrInvalidToken
	}
	if strings.TrimSpace(body.UserID) == "" {
		return Principal{}, errors.Join(ErrInvalidToken, errors.New("verify response has no user id"))
	}
	return Principal{
		UserID:   strings.TrimSpace(body.UserID),
		DeviceID: strings.TrimSpace(body.TokenDeviceID),
	}, nil
}

func (c *RemoteVerifier) String() string { return "remote" }
