package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ticketTTL is how long a WebSocket ticket is valid.
const ticketTTL = 60 * time.Second

// loginRequest is the request body for POST /auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// tokenResponse is the response body for POST /auth/login.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// handleLogin authenticates against the configured API credentials and
// returns a signed JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.secCfg.API.Username))
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.secCfg.API.Password))
	if userOK&passOK != 1 {
		writeUnauthorized(w, "invalid credentials")
		return
	}

	ttl := s.secCfg.JWT.AccessTokenTTL
	if ttl == 0 {
		ttl = 15 // default 15 minutes
	}

	claims := jwt.MapClaims{
		"sub": req.Username,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Duration(ttl) * time.Minute).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.secCfg.JWT.Secret))
	if err != nil {
		writeInternalError(w, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   ttl * 60, // seconds
	})
}

// handleWSTicket generates a single-use WebSocket authentication ticket.
// The client uses this ticket to authenticate the WebSocket connection
// without exposing the JWT in the URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, _ *http.Request) {
	ticket := s.tickets.issue()

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// ticketStore holds pending WebSocket authentication tickets.
// Tickets are single-use and expire after ticketTTL.
type ticketStore struct {
	tickets map[string]time.Time
	mu      sync.Mutex
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]time.Time)}
}

// issue creates and registers a new single-use ticket.
func (t *ticketStore) issue() string {
	ticket := generateTicket()
	t.mu.Lock()
	t.tickets[ticket] = time.Now().Add(ticketTTL)
	t.mu.Unlock()
	return ticket
}

// validate checks if a ticket is valid and consumes it (single-use).
func (t *ticketStore) validate(ticket string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	expiresAt, ok := t.tickets[ticket]
	if !ok {
		return false
	}

	// Remove ticket (single-use)
	delete(t.tickets, ticket)

	return time.Now().Before(expiresAt)
}

// clean removes expired tickets from the store.
func (t *ticketStore) clean() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for ticket, expiresAt := range t.tickets {
		if now.After(expiresAt) {
			delete(t.tickets, ticket)
		}
	}
}

// cleanLoop runs clean periodically until the context is cancelled.
func (t *ticketStore) cleanLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.clean()
		}
	}
}

// ticketBytes is the number of random bytes used for WebSocket tickets.
const ticketBytes = 32

// generateTicket creates a cryptographically random ticket string.
func generateTicket() string {
	b := make([]byte, ticketBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return hex.EncodeToString(b)
}
