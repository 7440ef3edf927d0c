package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/cryptoservice"
)

type fakeDoer struct {
	mu        sync.Mutex
	responses map[string]func(*http.Request) (*http.Response, error)
	calls     []string
}

func newFakeDoer() *fakeDoer {
	return &fakeDoer{responses: make(map[string]func(*http.Request) (*http.Response, error))}
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Method+" "+req.URL.String())
	handler, ok := f.responses[req.Method]
	f.mu.Unlock()
	if !ok {
		return jsonResponse(200, `{}`), nil
	}
	return handler(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func TestStartRegistersAndGoesActive(t *testing.T) {
	doer := newFakeDoer()
	doer.responses[http.MethodPost] = func(*http.Request) (*http.Response, error) {
		return jsonResponse(200, `{}`), nil
	}

	c := New("station-a", "https://rendezvous.example.net/api", time.Second, cryptoservice.SharedKey{}, "pubkey")
	c.http = doer
	c.SetIntervals(time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop(context.Background())

	if c.State() != StateActive {
		t.Fatalf("expected StateActive, got %v", c.State())
	}
}

func TestPollPeersEmitsDiscoveredAndLost(t *testing.T) {
	doer := newFakeDoer()
	var bodyMu sync.Mutex
	peersBody := `{"peers":[{"stationId":"peer-1","encryptedContactInfo":"x","publicKey":"y"}]}`

	doer.responses[http.MethodGet] = func(*http.Request) (*http.Response, error) {
		bodyMu.Lock()
		defer bodyMu.Unlock()
		return jsonResponse(200, peersBody), nil
	}

	c := New("station-a", "https://rendezvous.example.net/api", time.Second, cryptoservice.SharedKey{}, "pubkey")
	c.http = doer

	var discovered []Peer
	var lost []string
	c.SetPeerCallbacks(
		func(p Peer) { discovered = append(discovered, p) },
		func(id string) { lost = append(lost, id) },
	)

	if err := c.PollPeersOnce(); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if len(discovered) != 1 || discovered[0].StationID != "peer-1" {
		t.Fatalf("expected peer-1 discovered, got %+v", discovered)
	}

	bodyMu.Lock()
	peersBody = `{"peers":[]}`
	bodyMu.Unlock()

	if err := c.PollPeersOnce(); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(lost) != 1 || lost[0] != "peer-1" {
		t.Fatalf("expected peer-1 lost, got %+v", lost)
	}
}

func TestPollPeersExcludesOwnStationID(t *testing.T) {
	doer := newFakeDoer()
	doer.responses[http.MethodGet] = func(*http.Request) (*http.Response, error) {
		body, _ := json.Marshal(map[string]any{
			"peers": []Peer{{StationID: "station-a"}, {StationID: "peer-2"}},
		})
		return jsonResponse(200, string(body)), nil
	}

	c := New("station-a", "https://rendezvous.example.net/api", time.Second, cryptoservice.SharedKey{}, "pubkey")
	c.http = doer

	var discovered []Peer
	c.SetPeerCallbacks(func(p Peer) { discovered = append(discovered, p) }, nil)

	if err := c.PollPeersOnce(); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(discovered) != 1 || discovered[0].StationID != "peer-2" {
		t.Fatalf("expected only peer-2 discovered, got %+v", discovered)
	}
}

func TestTestModeShortCircuitsNetworkCalls(t *testing.T) {
	doer := newFakeDoer()
	c := New("station-a", "http://localhost:9999", time.Second, cryptoservice.SharedKey{}, "pubkey")
	c.http = doer

	if err := c.register(); err != nil {
		t.Fatalf("register in test mode: %v", err)
	}
	if len(doer.calls) != 0 {
		t.Fatalf("expected no HTTP calls in test mode, got %v", doer.calls)
	}
}

func Test5xxIsLoggedNotFatal(t *testing.T) {
	doer := newFakeDoer()
	doer.responses[http.MethodGet] = func(*http.Request) (*http.Response, error) {
		return jsonResponse(503, `{}`), nil
	}

	c := New("station-a", "https://rendezvous.example.net/api", time.Second, cryptoservice.SharedKey{}, "pubkey")
	c.http = doer

	if err := c.PollPeersOnce(); err != nil {
		t.Fatalf("expected poll to tolerate 5xx without returning an error, got %v", err)
	}
}
