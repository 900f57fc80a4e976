package identity

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/identkit/idagent/internal/common"
	"github.com/identkit/idagent/internal/hdkeys"
	"github.com/identkit/idagent/internal/logging"
)

// Client talks to the remote identity service. All requests share one
// http.Client with a request timeout; a timeout surfaces as
// common.ErrNetwork, never as success or failure of the underlying
// operation.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  logging.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger logging.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger.With("module", "identity_client"),
	}
}

// Register exchanges a signed challenge for a registered identity and a
// session token. Conflicting registrations surface as
// common.ErrRegistrationConflict, malformed profiles as
// common.ErrValidation.
func (c *Client) Register(ctx context.Context, did string, kp *hdkeys.KeyPair, profile Profile, claimCode string) (*Identity, string, error) {
	nonce := uuid.NewString()
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig := hdkeys.Sign(kp.PrivateKey, RegisterMessage(did, nonce, timestamp, claimCode))

	body := registerRequest{
		DID:       did,
		Nonce:     nonce,
		Timestamp: timestamp,
		Signature: base64.StdEncoding.EncodeToString(sig),
		Profile:   profile,
		ClaimCode: claimCode,
	}

	resp, err := c.post(ctx, c.baseURL+"/auth/register", "", body)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict:
		return nil, "", fmt.Errorf("%w: did already registered", common.ErrRegistrationConflict)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return nil, "", fmt.Errorf("%w: registration rejected", common.ErrValidation)
	default:
		return nil, "", fmt.Errorf("%w: register returned %d", common.ErrNetwork, resp.StatusCode)
	}

	var parsed identityResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, "", fmt.Errorf("%w: could not parse register response: %v", common.ErrNetwork, err)
	}
	return &parsed.Identity, parsed.Token, nil
}

// CheckStatus reports whether a DID is registered. A 404 means
// "inactive", not an error; any other non-2xx answer is
// common.ErrNetwork.
func (c *Client) CheckStatus(ctx context.Context, did string) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/identities/"+did+"/status", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &Status{IsActive: false}, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status returned %d", common.ErrNetwork, resp.StatusCode)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("%w: could not parse status response: %v", common.ErrNetwork, err)
	}
	return &status, nil
}

// UpdateProfile submits a signed profile update for did. Requires a
// cached session token; common.ErrNotAuthenticated without one or when
// the server rejects it, common.ErrRegistrationConflict on a
// signature/nonce rejection.
func (c *Client) UpdateProfile(ctx context.Context, did string, kp *hdkeys.KeyPair, profile Profile, token string) (*Identity, string, error) {
	if token == "" {
		return nil, "", common.ErrNotAuthenticated
	}

	nonce := uuid.NewString()
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig := hdkeys.Sign(kp.PrivateKey, UpdateMessage(did, nonce, timestamp, profile))

	body := updateRequest{
		Name:       profile.Name,
		PictureURL: profile.PictureURL,
		Nonce:      nonce,
		Timestamp:  timestamp,
		Signature:  base64.StdEncoding.EncodeToString(sig),
	}

	resp, err := c.put(ctx, c.baseURL+"/identities/"+did, token, body)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, "", fmt.Errorf("%w: token rejected", common.ErrNotAuthenticated)
	case http.StatusConflict:
		return nil, "", fmt.Errorf("%w: update rejected", common.ErrRegistrationConflict)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return nil, "", fmt.Errorf("%w: update rejected", common.ErrValidation)
	default:
		return nil, "", fmt.Errorf("%w: update returned %d", common.ErrNetwork, resp.StatusCode)
	}

	var parsed identityResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, "", fmt.Errorf("%w: could not parse update response: %v", common.ErrNetwork, err)
	}
	return &parsed.Identity, parsed.Token, nil
}

func (c *Client) post(ctx context.Context, url, token string, body any) (*http.Response, error) {
	return c.send(ctx, http.MethodPost, url, token, body)
}

func (c *Client) put(ctx context.Context, url, token string, body any) (*http.Response, error) {
	return c.send(ctx, http.MethodPut, url, token, body)
}

func (c *Client) send(ctx context.Context, method, url, token string, body any) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrNetwork, err)
	}
	return resp, nil
}
