package identity

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoreforge/engraveserve/pkg/wsconn"
)

// roundTripFunc adapts a function to http.RoundTripper, letting each test
// stub GitHub's token-exchange and profile endpoints without a real network.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func newRelay(t *testing.T, transport http.RoundTripper) (*Relay, *wsconn.Registry, uint64) {
	t.Helper()
	registry := wsconn.NewRegistry()
	ref := registry.Register()
	relay := New("client-id", "client-secret", registry)
	relay.httpClient = &http.Client{Transport: transport}
	return relay, registry, ref.ID
}

func drain(t *testing.T, registry *wsconn.Registry, socketID uint64) []byte {
	t.Helper()
	ref, ok := registry.Lookup(socketID)
	require.True(t, ok)
	select {
	case msg := <-ref.Outbound():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no reply delivered to socket")
		return nil
	}
}

func TestSignInHappyPath(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(req.URL.String(), "login/oauth/access_token"):
			bodyBytes, _ := io.ReadAll(req.Body)
			body := string(bodyBytes)
			assert.Contains(t, body, "code=the-code")
			assert.Contains(t, body, "client_id=client-id")
			return jsonResponse(200, `{"access_token":"tok-1"}`), nil
		case strings.Contains(req.URL.String(), "api.github.com/user"):
			assert.Equal(t, "token tok-1", req.Header.Get("Authorization"))
			return jsonResponse(200, `{"login":"lily","name":"Lily Pond","email":"lily@example.com"}`), nil
		default:
			t.Fatalf("unexpected request to %s", req.URL)
			return nil, nil
		}
	})

	relay, registry, socketID := newRelay(t, transport)
	relay.SignIn(socketID, "req-1", "state-1", "the-code")

	raw := drain(t, registry, socketID)
	var resp struct {
		Result struct {
			AccessToken string `json:"accessToken"`
			Email       string `json:"email"`
			Username    string `json:"username"`
			Name        string `json:"name"`
			Repo        string `json:"repo"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "tok-1", resp.Result.AccessToken)
	assert.Equal(t, "lily@example.com", resp.Result.Email)
	assert.Equal(t, "lily", resp.Result.Username)
	assert.Equal(t, "Lily Pond", resp.Result.Name)
	assert.Equal(t, "lily/sheet-music", resp.Result.Repo)
}

func TestSignInDefaultsMissingEmailAndName(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(req.URL.String(), "login/oauth/access_token"):
			return jsonResponse(200, `{"access_token":"tok-2"}`), nil
		case strings.Contains(req.URL.String(), "api.github.com/user"):
			return jsonResponse(200, `{"login":"nomad"}`), nil
		default:
			t.Fatalf("unexpected request to %s", req.URL)
			return nil, nil
		}
	})

	relay, registry, socketID := newRelay(t, transport)
	relay.SignIn(socketID, "req-2", "state-2", "code-2")

	raw := drain(t, registry, socketID)
	var resp struct {
		Result struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "unknown@example.com", resp.Result.Email)
	assert.Equal(t, "nomad", resp.Result.Name)
}

func TestSignInMissingLoginFails(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(req.URL.String(), "login/oauth/access_token"):
			return jsonResponse(200, `{"access_token":"tok-3"}`), nil
		default:
			return jsonResponse(200, `{}`), nil
		}
	})

	relay, registry, socketID := newRelay(t, transport)
	relay.SignIn(socketID, "req-3", "state-3", "code-3")

	raw := drain(t, registry, socketID)
	assert.Contains(t, string(raw), "required")
}

func TestSignInErrorFieldFromTokenExchange(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"error":"bad_verification_code"}`), nil
	})

	relay, registry, socketID := newRelay(t, transport)
	relay.SignIn(socketID, "req-4", "state-4", "bad-code")

	raw := drain(t, registry, socketID)
	assert.Contains(t, string(raw), "GitHub Authentication Error")
}

func TestSignInMissingAccessTokenFails(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{}`), nil
	})

	relay, registry, socketID := newRelay(t, transport)
	relay.SignIn(socketID, "req-5", "state-5", "code-5")

	raw := drain(t, registry, socketID)
	assert.Contains(t, string(raw), "GitHub Authentication Error")
}

func TestSignInParseErrorOnMalformedJSON(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `not json`), nil
	})

	relay, registry, socketID := newRelay(t, transport)
	relay.SignIn(socketID, "req-6", "state-6", "code-6")

	raw := drain(t, registry, socketID)
	assert.Contains(t, string(raw), "Parse Error")
}

// Reusing an access token across two sign-ins is treated as a CSRF anomaly
// (a re-registered map key: original comment "Timing attack?").
func TestSignInRepeatedAccessTokenIsCSRF(t *testing.T) {
	callCount := 0
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.String(), "login/oauth/access_token") {
			callCount++
			return jsonResponse(200, `{"access_token":"shared-tok"}`), nil
		}
		return jsonResponse(200, `{"login":"a","name":"A","email":"a@example.com"}`), nil
	})

	relay, registry, socketID := newRelay(t, transport)
	relay.SignIn(socketID, "req-7a", "state", "code-a")
	drain(t, registry, socketID)

	relay.SignIn(socketID, "req-7b", "state", "code-b")
	raw := drain(t, registry, socketID)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"req-7b","error":{"code":2,"message":"Invalid CSRF."}}`, string(raw))
}

func TestSignInDropsReplyWhenSocketGone(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.String(), "login/oauth/access_token") {
			return jsonResponse(200, `{"access_token":"tok-8"}`), nil
		}
		return jsonResponse(200, `{"login":"gone","name":"Gone","email":"gone@example.com"}`), nil
	})

	relay, registry, socketID := newRelay(t, transport)
	registry.Remove(socketID)

	assert.NotPanics(t, func() {
		relay.SignIn(socketID, "req-8", "state-8", "code-8")
		time.Sleep(50 * time.Millisecond)
	})
}

func TestSignOutSuccess(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodDelete, req.Method)
		assert.Contains(t, req.URL.String(), "/applications/client-id/tokens/tok-9")
		user, pass, ok := req.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)
		return jsonResponse(204, ``), nil
	})

	relay, registry, socketID := newRelay(t, transport)
	relay.SignOut(socketID, "req-9", "tok-9")

	raw := drain(t, registry, socketID)
	assert.Contains(t, string(raw), `"result":"OK"`)
}

func TestSignOutFailureReportsError(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(401, `{"message":"Bad credentials"}`), nil
	})

	relay, registry, socketID := newRelay(t, transport)
	relay.SignOut(socketID, "req-10", "tok-10")

	raw := drain(t, registry, socketID)
	assert.Contains(t, string(raw), "Could not remove authorization.")
}
