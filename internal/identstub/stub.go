// Package identstub is an in-memory identity service speaking the same
// HTTP API the agent's identity client expects. It verifies signed
// challenges against the public key embedded in the DID and mints
// HS256 session tokens. Meant for local development and
// integration-style tests, not production.
package identstub

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/identkit/idagent/internal/hdkeys"
	"github.com/identkit/idagent/internal/identity"
	"github.com/identkit/idagent/internal/logging"
)

// maxTimestampSkew bounds how stale a signed challenge may be.
const maxTimestampSkew = 5 * time.Minute

const tokenTTL = time.Hour

// Stub holds the whole registry in memory.
type Stub struct {
	jwtSecret   []byte
	instanceURL string
	logger      logging.Logger
	now         func() time.Time

	mu         sync.Mutex
	identities map[string]identity.Identity
	seenNonces map[string]struct{}
}

func New(jwtSecret []byte, instanceURL string, logger logging.Logger) *Stub {
	return &Stub{
		jwtSecret:   jwtSecret,
		instanceURL: instanceURL,
		logger:      logger.With("module", "identstub"),
		now:         time.Now,
		identities:  map[string]identity.Identity{},
		seenNonces:  map[string]struct{}{},
	}
}

// Handler returns the chi router exposing the identity API.
func (s *Stub) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Post("/auth/register", s.handleRegister)
	mux.Get("/identities/{did}/status", s.handleStatus)
	mux.Put("/identities/{did}", s.handleUpdate)
	return mux
}

type registerRequest struct {
	DID       string           `json:"did"`
	Nonce     string           `json:"nonce"`
	Timestamp string           `json:"timestamp"`
	Signature string           `json:"signature"`
	Profile   identity.Profile `json:"profile"`
	ClaimCode string           `json:"claimCode"`
}

type updateRequest struct {
	Name       string `json:"name"`
	PictureURL string `json:"pictureUrl"`
	Nonce      string `json:"nonce"`
	Timestamp  string `json:"timestamp"`
	Signature  string `json:"signature"`
}

type identityResponse struct {
	Identity identity.Identity `json:"identity"`
	Token    string            `json:"token,omitempty"`
}

func (s *Stub) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed body")
		return
	}

	pub, err := hdkeys.PublicKeyFromDID(req.DID)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid did")
		return
	}

	msg := identity.RegisterMessage(req.DID, req.Nonce, req.Timestamp, req.ClaimCode)
	if !s.verify(pub, msg, req.Signature, req.Nonce, req.Timestamp) {
		httpError(w, http.StatusBadRequest, "signature rejected")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.identities[req.DID]; exists {
		httpError(w, http.StatusConflict, "did already registered")
		return
	}

	id := identity.Identity{
		DID:            req.DID,
		Name:           req.Profile.Name,
		PictureURL:     req.Profile.PictureURL,
		InstanceURL:    s.instanceURL,
		InstanceStatus: "active",
		IsAdmin:        len(s.identities) == 0,
	}
	s.identities[req.DID] = id

	token, err := s.mintToken(req.DID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "token mint failed")
		return
	}

	s.logger.Info(r.Context(), "identity registered", "did", req.DID)
	writeJSON(w, http.StatusCreated, identityResponse{Identity: id, Token: token})
}

func (s *Stub) handleStatus(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")

	s.mu.Lock()
	id, ok := s.identities[did]
	s.mu.Unlock()

	if !ok {
		httpError(w, http.StatusNotFound, "unknown did")
		return
	}
	writeJSON(w, http.StatusOK, identity.Status{IsActive: true, InstanceStatus: id.InstanceStatus})
}

func (s *Stub) handleUpdate(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")

	if !s.authorized(r, did) {
		httpError(w, http.StatusUnauthorized, "token rejected")
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "malformed body")
		return
	}

	pub, err := hdkeys.PublicKeyFromDID(did)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid did")
		return
	}

	profile := identity.Profile{Name: req.Name, PictureURL: req.PictureURL}
	msg := identity.UpdateMessage(did, req.Nonce, req.Timestamp, profile)
	if !s.verify(pub, msg, req.Signature, req.Nonce, req.Timestamp) {
		httpError(w, http.StatusConflict, "signature rejected")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.identities[did]
	if !ok {
		httpError(w, http.StatusNotFound, "unknown did")
		return
	}

	id.Name = req.Name
	id.PictureURL = req.PictureURL
	s.identities[did] = id

	token, err := s.mintToken(did)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "token mint failed")
		return
	}

	s.logger.Info(r.Context(), "profile updated", "did", did)
	writeJSON(w, http.StatusOK, identityResponse{Identity: id, Token: token})
}

// verify checks the ed25519 signature, the timestamp window and nonce
// uniqueness. Nonces are remembered forever; the stub is not meant to
// run long enough for that to matter.
func (s *Stub) verify(pub ed25519.PublicKey, msg []byte, signature, nonce, timestamp string) bool {
	if nonce == "" || timestamp == "" {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || !hdkeys.Verify(pub, msg, sig) {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := s.now().Sub(time.Unix(ts, 0))
	if age > maxTimestampSkew || age < -maxTimestampSkew {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.seenNonces[nonce]; seen {
		return false
	}
	s.seenNonces[nonce] = struct{}{}
	return true
}

func (s *Stub) authorized(r *http.Request, did string) bool {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return false
	}

	token, err := jwt.ParseWithClaims(auth[len(prefix):], &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return false
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	return ok && claims.Subject == did
}

func (s *Stub) mintToken(did string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   did,
		IssuedAt:  jwt.NewNumericDate(s.now()),
		ExpiresAt: jwt.NewNumericDate(s.now().Add(tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
