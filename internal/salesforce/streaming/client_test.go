package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rabbitforce/internal/logger"
	"rabbitforce/internal/salesforce"
	"rabbitforce/pkg/errors"
	"rabbitforce/pkg/retry"
)

// bayeuxServer fakes the token endpoint and the Bayeux endpoint of one
// org, with scriptable connect behavior.
type bayeuxServer struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	tokenRequests int
	handshakes    int
	subscriptions []map[string]interface{}
	unsubscribes  []string
	disconnects   int
	connects      int
	// failAll makes every bayeux request fail with a 500, simulating a
	// full outage.
	failAll bool
	// onConnect scripts the response for the nth (1-based) connect.
	onConnect func(n int, w http.ResponseWriter)
}

func newBayeuxServer(t *testing.T) *bayeuxServer {
	s := &bayeuxServer{t: t}

	mux := http.NewServeMux()
	mux.HandleFunc("/services/oauth2/token", s.handleToken)
	mux.HandleFunc("/cometd/42.0", s.handleBayeux)
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func (s *bayeuxServer) authenticator() *salesforce.Authenticator {
	return salesforce.NewAuthenticator("key", "secret", "user@example.com", "pw", false).
		WithLoginURL(s.server.URL)
}

func (s *bayeuxServer) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.tokenRequests++
	n := s.tokenRequests
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token":"token-%d","instance_url":%q,"token_type":"Bearer","issued_at":"1520000000000"}`,
		n, s.server.URL)
}

func (s *bayeuxServer) handleBayeux(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	failing := s.failAll
	s.mu.Unlock()
	if failing {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var msgs []map[string]interface{}
	require.NoError(s.t, json.NewDecoder(r.Body).Decode(&msgs))
	require.Len(s.t, msgs, 1)
	msg := msgs[0]
	channel, _ := msg["channel"].(string)

	w.Header().Set("Content-Type", "application/json")
	switch channel {
	case "/meta/handshake":
		s.mu.Lock()
		s.handshakes++
		s.mu.Unlock()
		fmt.Fprint(w, `[{"channel":"/meta/handshake","successful":true,"clientId":"client-1","version":"1.0"}]`)
	case "/meta/subscribe":
		s.mu.Lock()
		s.subscriptions = append(s.subscriptions, msg)
		s.mu.Unlock()
		sub, _ := msg["subscription"].(string)
		fmt.Fprintf(w, `[{"channel":"/meta/subscribe","successful":true,"subscription":%q}]`, sub)
	case "/meta/unsubscribe":
		sub, _ := msg["subscription"].(string)
		s.mu.Lock()
		s.unsubscribes = append(s.unsubscribes, sub)
		s.mu.Unlock()
		fmt.Fprintf(w, `[{"channel":"/meta/unsubscribe","successful":true,"subscription":%q}]`, sub)
	case "/meta/disconnect":
		s.mu.Lock()
		s.disconnects++
		s.mu.Unlock()
		fmt.Fprint(w, `[{"channel":"/meta/disconnect","successful":true}]`)
	case "/meta/connect":
		s.mu.Lock()
		s.connects++
		n := s.connects
		script := s.onConnect
		s.mu.Unlock()
		if script != nil {
			script(n, w)
			return
		}
		emptyConnect(w)
	default:
		s.t.Errorf("unexpected bayeux channel %q", channel)
	}
}

func emptyConnect(w http.ResponseWriter) {
	fmt.Fprint(w, `[{"channel":"/meta/connect","successful":true,"advice":{"reconnect":"retry","interval":10,"timeout":1000}}]`)
}

func connectWithEvent(w http.ResponseWriter, channel string, replayID int) {
	fmt.Fprintf(w, `[
		{"channel":%q,"data":{"event":{"replayId":%d,"createdDate":"2018-03-01T12:00:00.000Z","type":"created"},"sobject":{"Name":"lead"}}},
		{"channel":"/meta/connect","successful":true,"advice":{"reconnect":"retry","interval":10,"timeout":1000}}
	]`, channel, replayID)
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      2.0,
		Randomization:   0.2,
		MaxElapsedTime:  500 * time.Millisecond,
	}
}

func startClient(t *testing.T, s *bayeuxServer, replayID ReplayIDFunc) (*Client, context.CancelFunc, chan error) {
	t.Helper()
	client := NewClient("my_org", s.authenticator(), 42.0,
		[]string{"/topic/lead_changes"}, replayID, fastPolicy(), logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	return client, cancel, done
}

func TestClientDeliversEvents(t *testing.T) {
	s := newBayeuxServer(t)
	s.onConnect = func(n int, w http.ResponseWriter) {
		if n == 1 {
			connectWithEvent(w, "/topic/lead_changes", 42)
			return
		}
		emptyConnect(w)
	}

	client, cancel, done := startClient(t, s, nil)

	select {
	case msg := <-client.Messages():
		assert.Equal(t, "/topic/lead_changes", msg["channel"])
		data := msg["data"].(map[string]interface{})
		event := data["event"].(map[string]interface{})
		assert.Equal(t, float64(42), event["replayId"])
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	require.NoError(t, <-done)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 1, s.handshakes)
	assert.Equal(t, []string{"/topic/lead_changes"}, s.unsubscribes)
	assert.Equal(t, 1, s.disconnects)
}

func TestClientSubscribesWithReplayMarker(t *testing.T) {
	s := newBayeuxServer(t)

	replayID := func(ctx context.Context, channel string) (int64, error) {
		return 41, nil
	}
	client, cancel, done := startClient(t, s, replayID)
	_ = client

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.subscriptions) > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subscriptions[0]
	assert.Equal(t, "/topic/lead_changes", sub["subscription"])
	ext := sub["ext"].(map[string]interface{})
	replayExt := ext["replay"].(map[string]interface{})
	assert.Equal(t, float64(41), replayExt["/topic/lead_changes"])
}

func TestClientRehandshakesOnAdvice(t *testing.T) {
	s := newBayeuxServer(t)
	s.onConnect = func(n int, w http.ResponseWriter) {
		switch n {
		case 1:
			fmt.Fprint(w, `[{"channel":"/meta/connect","successful":false,"error":"402::Unknown client","advice":{"reconnect":"handshake"}}]`)
		case 2:
			connectWithEvent(w, "/topic/lead_changes", 43)
		default:
			emptyConnect(w)
		}
	}

	client, cancel, done := startClient(t, s, nil)

	select {
	case msg := <-client.Messages():
		assert.Equal(t, "/topic/lead_changes", msg["channel"])
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered after rehandshake")
	}

	cancel()
	require.NoError(t, <-done)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 2, s.handshakes)
	// every channel resubscribed after the second handshake
	assert.Len(t, s.subscriptions, 2)
}

func TestClientFailsOnReconnectNone(t *testing.T) {
	s := newBayeuxServer(t)
	s.onConnect = func(n int, w http.ResponseWriter) {
		fmt.Fprint(w, `[{"channel":"/meta/connect","successful":false,"error":"403::Denied","advice":{"reconnect":"none"}}]`)
	}

	client, cancel, done := startClient(t, s, nil)
	defer cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.IsSourceFatal(err))
		assert.Equal(t, StateFailed, client.State())
	case <-time.After(5 * time.Second):
		t.Fatal("client did not fail")
	}
}

func TestClientExhaustsReconnectBudget(t *testing.T) {
	s := newBayeuxServer(t)
	s.onConnect = func(n int, w http.ResponseWriter) {
		s.mu.Lock()
		s.failAll = true
		s.mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}

	client, cancel, done := startClient(t, s, nil)
	defer cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, StateFailed, client.State())
	case <-time.After(10 * time.Second):
		t.Fatal("client did not give up within the reconnect budget")
	}
}

func TestClientRefreshesTokenOnUnauthorized(t *testing.T) {
	s := newBayeuxServer(t)
	s.onConnect = func(n int, w http.ResponseWriter) {
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if n == 2 {
			connectWithEvent(w, "/topic/lead_changes", 44)
			return
		}
		emptyConnect(w)
	}

	client, cancel, done := startClient(t, s, nil)

	select {
	case msg := <-client.Messages():
		assert.Equal(t, "/topic/lead_changes", msg["channel"])
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered after token refresh")
	}

	cancel()
	require.NoError(t, <-done)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.GreaterOrEqual(t, s.tokenRequests, 2)
	assert.GreaterOrEqual(t, s.handshakes, 2)
}

func TestClientHandshakeRejectedIsFatal(t *testing.T) {
	var serverURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/services/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok","instance_url":%q,"token_type":"Bearer"}`, serverURL)
	})
	mux.HandleFunc("/cometd/42.0", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"channel":"/meta/handshake","successful":false,"error":"401::Handshake denied"}]`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	serverURL = server.URL

	auth := salesforce.NewAuthenticator("key", "secret", "user@example.com", "pw", false).
		WithLoginURL(server.URL)
	client := NewClient("my_org", auth, 42.0, []string{"/topic/lead_changes"},
		nil, fastPolicy(), logger.NopLogger())

	err := client.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsSourceFatal(err))
	assert.Equal(t, StateFailed, client.State())
}
