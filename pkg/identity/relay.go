// Package identity implements the GitHub OAuth identity relay: token
// exchange, CSRF-collision detection, profile fetch, and token revocation,
// each correlated back to the client socket and JSON-RPC request id that
// started the flow.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/scoreforge/engraveserve/pkg/log"
	"github.com/scoreforge/engraveserve/pkg/rpc"
	"github.com/scoreforge/engraveserve/pkg/wsconn"
)

const (
	tokenExchangeURL = "https://github.com/login/oauth/access_token"
	profileAPIBase   = "https://api.github.com"
)

// pendingSignIn is the in-memory record of a sign-in flow in progress,
// keyed by the client's JSON-RPC request id.
type pendingSignIn struct {
	accessToken string
	socketID    uint64
}

// Relay drives the three-step OAuth flow (token exchange, CSRF check,
// profile fetch) and revocation, replying to the originating client
// through the shared socket registry.
type Relay struct {
	ClientID     string
	ClientSecret string

	httpClient *http.Client

	mu      sync.Mutex
	pending map[string]*pendingSignIn // requestId -> pending flow
	seen    map[string]bool          // access tokens already claimed, CSRF guard

	registry *wsconn.Registry

	// OnAccepted, if set, is invoked once a token exchange clears the CSRF
	// check and before the profile fetch starts, so a sign-in counter can be
	// incremented at that point regardless of whether the profile fetch
	// itself succeeds.
	OnAccepted func()
}

// New builds a Relay wired to the shared socket registry so replies can be
// delivered asynchronously once the originating request id is known.
func New(clientID, clientSecret string, registry *wsconn.Registry) *Relay {
	return &Relay{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		httpClient:   http.DefaultClient,
		pending:      make(map[string]*pendingSignIn),
		seen:         make(map[string]bool),
		registry:     registry,
	}
}

// SignIn starts the token-exchange -> profile-fetch flow for a client's
// signIn request. It never blocks the caller's dispatch loop: the HTTP
// round trips happen on their own goroutine, and the reply is delivered
// through the registry once (or if) it completes.
func (r *Relay) SignIn(socketID uint64, requestID, state, code string) {
	go r.exchangeToken(socketID, requestID, state, code)
}

func (r *Relay) exchangeToken(socketID uint64, requestID, state, code string) {
	form := url.Values{}
	form.Set("state", state)
	form.Set("client_id", r.ClientID)
	form.Set("client_secret", r.ClientSecret)
	form.Set("code", code)

	req, err := http.NewRequest(http.MethodPost, tokenExchangeURL, strings.NewReader(form.Encode()))
	if err != nil {
		r.fail(socketID, requestID, "GitHub Authentication Error")
		return
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		log.Warn("github token exchange failed", "error", err)
		r.fail(socketID, requestID, "GitHub Authentication Error")
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.fail(socketID, requestID, "GitHub Authentication Error")
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		r.failf(socketID, requestID, "Parse Error: %v", err)
		return
	}
	if _, hasError := payload["error"]; hasError {
		r.fail(socketID, requestID, "GitHub Authentication Error")
		return
	}
	accessToken, _ := payload["access_token"].(string)
	if accessToken == "" {
		r.fail(socketID, requestID, "GitHub Authentication Error")
		return
	}

	r.mu.Lock()
	if r.seen[accessToken] {
		r.mu.Unlock()
		// A repeat of an already-claimed token: treat as a CSRF anomaly. This
		// is the one identity failure that replies INTERNAL rather than the
		// GitHub-error code every other failure in this file uses.
		r.failCode(socketID, requestID, rpc.ErrCodeInternal, "Invalid CSRF.")
		return
	}
	r.seen[accessToken] = true
	r.pending[requestID] = &pendingSignIn{accessToken: accessToken, socketID: socketID}
	r.mu.Unlock()

	if r.OnAccepted != nil {
		r.OnAccepted()
	}
	r.fetchProfile(socketID, requestID, accessToken)
}

func (r *Relay) fetchProfile(socketID uint64, requestID, accessToken string) {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, r.httpClient)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	tc := oauth2.NewClient(ctx, ts)
	client := github.NewClient(tc)

	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		log.Warn("github profile fetch failed", "error", err)
		r.fail(socketID, requestID, "GitHub Authentication Error")
		return
	}

	username := user.GetLogin()
	if username == "" {
		r.fail(socketID, requestID, "Email, login, and name are required.")
		return
	}
	email := user.GetEmail()
	if email == "" {
		email = "unknown@example.com"
	}
	name := user.GetName()
	if name == "" {
		name = username
	}

	result := map[string]string{
		"accessToken": accessToken,
		"email":       email,
		"username":    username,
		"name":        name,
		"repo":        username + "/sheet-music",
	}
	r.reply(socketID, requestID, result)
}

// SignOut revokes accessToken via the GitHub applications API using HTTP
// Basic auth with the application's own client credentials.
func (r *Relay) SignOut(socketID uint64, requestID, accessToken string) {
	go r.revoke(socketID, requestID, accessToken)
}

func (r *Relay) revoke(socketID uint64, requestID, accessToken string) {
	target := fmt.Sprintf("%s/applications/%s/tokens/%s", profileAPIBase, r.ClientID, accessToken)
	req, err := http.NewRequest(http.MethodDelete, target, nil)
	if err != nil {
		r.fail(socketID, requestID, "Could not remove authorization.")
		return
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(r.ClientID, r.ClientSecret)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.fail(socketID, requestID, "Could not remove authorization.")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		r.fail(socketID, requestID, "Could not remove authorization.")
		return
	}

	r.reply(socketID, requestID, "OK")
}

func (r *Relay) fail(socketID uint64, requestID, message string) {
	r.failCode(socketID, requestID, rpc.ErrCodeGitHubOrVersion, message)
}

func (r *Relay) failCode(socketID uint64, requestID string, code int, message string) {
	r.deliver(socketID, requestID, func(id json.RawMessage) ([]byte, error) {
		return rpc.Fail(id, code, message)
	})
}

func (r *Relay) failf(socketID uint64, requestID, format string, args ...interface{}) {
	r.fail(socketID, requestID, fmt.Sprintf(format, args...))
}

func (r *Relay) reply(socketID uint64, requestID string, result interface{}) {
	r.deliver(socketID, requestID, func(id json.RawMessage) ([]byte, error) {
		return rpc.Result(id, result)
	})
}

// deliver looks the socket up through the registry immediately before
// sending, so a client that vanished mid-flow silently drops its reply
// instead of erroring.
func (r *Relay) deliver(socketID uint64, requestID string, encode func(id json.RawMessage) ([]byte, error)) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()

	raw, err := encode(rpc.EncodeID(requestID))
	if err != nil {
		log.Error("failed to encode identity relay response", "error", err)
		return
	}
	if !r.registry.Send(socketID, raw) {
		log.Debug("dropped identity relay reply for vanished socket", "socket_id", socketID, "request_id", requestID)
	}
}
