// Package discovery implements the Discovery Client (§4.G): registration,
// heartbeat, and peer-diff polling against a rendezvous HTTP service. It
// is new code grounded on the teacher's goroutine+ticker background-loop
// idiom (internal/connection/serial.go's reconnect loop) and on the
// http.Client-over-an-injectable-interface testing seam the wider pack
// uses for HTTP-speaking components.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/cryptoservice"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/logging"
)

// State is the Discovery Client's lifecycle state machine (§4.G).
type State int

const (
	StateIdle State = iota
	StateRegistering
	StateActive
	StateStopping
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultDiscoveryInterval = 120 * time.Second
)

// Peer is a single entry from the rendezvous service's peer list.
type Peer struct {
	StationID           string `json:"stationId"`
	EncryptedContactInfo string `json:"encryptedContactInfo"`
	PublicKey            string `json:"publicKey"`
}

// httpDoer is the seam tests substitute for a real network round trip.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the rendezvous Discovery Client.
type Client struct {
	stationID     string
	serviceURL    string
	timeout       time.Duration
	sharedKey     cryptoservice.SharedKey
	publicKeyB64  string
	contactInfoFn func() cryptoservice.ContactInfo

	http   httpDoer
	logger *zap.Logger

	heartbeatInterval time.Duration
	discoveryInterval time.Duration

	mu             sync.Mutex
	state          State
	lastKnownPeers map[string]Peer

	onPeerDiscovered func(Peer)
	onPeerLost       func(stationID string)

	stopCh chan struct{}
	doneWG sync.WaitGroup

	testMode bool
}

// New constructs a Discovery Client. Its five arguments are the canonical
// constructor shape resolved for this station (Open Question Decision in
// SPEC_FULL.md): the station id, the rendezvous service URL, the HTTP
// timeout, the shared discovery secret, and the station's base64 public
// key. The contact-info source and the two peer event callbacks are
// installed afterwards with SetContactInfoSource and SetPeerCallbacks.
func New(stationID, serviceURL string, timeout time.Duration, sharedKey cryptoservice.SharedKey, publicKeyB64 string) *Client {
	c := &Client{
		stationID:         stationID,
		serviceURL:        strings.TrimRight(serviceURL, "/"),
		timeout:           timeout,
		sharedKey:         sharedKey,
		publicKeyB64:      publicKeyB64,
		http:              &http.Client{Timeout: timeout},
		logger:            logging.With(zap.String("component", "discovery")),
		heartbeatInterval: defaultHeartbeatInterval,
		discoveryInterval: defaultDiscoveryInterval,
		lastKnownPeers:    make(map[string]Peer),
		state:             StateIdle,
	}
	c.testMode = isTestServiceURL(serviceURL)
	return c
}

// isTestServiceURL detects the short-circuit hosts named in §4.G's "Test
// mode" note.
func isTestServiceURL(url string) bool {
	lowered := strings.ToLower(url)
	for _, host := range []string{"test.example.com", "localhost", "127.0.0.1"} {
		if strings.Contains(lowered, host) {
			return true
		}
	}
	return false
}

// SetContactInfoSource installs the callback used to build the
// ContactInfo payload for each register/heartbeat call.
func (c *Client) SetContactInfoSource(fn func() cryptoservice.ContactInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contactInfoFn = fn
}

// SetPeerCallbacks installs the peerDiscovered/peerLost event handlers.
func (c *Client) SetPeerCallbacks(onDiscovered func(Peer), onLost func(stationID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPeerDiscovered = onDiscovered
	c.onPeerLost = onLost
}

// SetIntervals overrides the heartbeat/discovery loop periods, for tests.
func (c *Client) SetIntervals(heartbeat, discovery time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if heartbeat > 0 {
		c.heartbeatInterval = heartbeat
	}
	if discovery > 0 {
		c.discoveryInterval = discovery
	}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start registers with the rendezvous service and launches the heartbeat
// and discovery loops (§4.G).
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateRegistering
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	if err := c.register(); err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return fmt.Errorf("register with discovery service: %w", err)
	}

	c.mu.Lock()
	c.state = StateActive
	c.mu.Unlock()

	c.doneWG.Add(2)
	go c.heartbeatLoop(ctx)
	go c.discoveryLoop(ctx)
	return nil
}

// Stop clears the background loops and best-effort unregisters
// (§4.G: "send Unregister(stationId) (best effort), then idle").
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	stopCh := c.stopCh
	c.mu.Unlock()

	close(stopCh)

	done := make(chan struct{})
	go func() {
		c.doneWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := c.unregister(); err != nil {
		c.logger.Warn("best-effort unregister failed", zap.Error(err))
	}

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	return nil
}

func (c *Client) contactInfo() cryptoservice.ContactInfo {
	c.mu.Lock()
	fn := c.contactInfoFn
	c.mu.Unlock()
	if fn == nil {
		return cryptoservice.ContactInfo{LastSeen: time.Now().UnixMilli()}
	}
	return fn()
}

func (c *Client) register() error {
	if c.testMode {
		return nil
	}

	encrypted, err := cryptoservice.EncryptContactInfo(c.contactInfo(), c.sharedKey)
	if err != nil {
		return fmt.Errorf("encrypt contact info: %w", err)
	}

	body := map[string]string{
		"stationId":            c.stationID,
		"encryptedContactInfo": encrypted,
		"publicKey":            c.publicKeyB64,
	}
	return c.postJSON(c.serviceURL, body)
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.doneWG.Done()
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.register(); err != nil {
				c.logger.Error("discovery heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) discoveryLoop(ctx context.Context) {
	defer c.doneWG.Done()
	ticker := time.NewTicker(c.discoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.pollPeers(); err != nil {
				c.logger.Error("discovery peer poll failed", zap.Error(err))
			}
		}
	}
}

// PollPeersOnce exposes a single poll cycle, useful for tests and for an
// initial synchronous poll at startup.
func (c *Client) PollPeersOnce() error {
	return c.pollPeers()
}

// ActivePeer returns the most recently polled Peer record for a station,
// if it is currently in the active set (§4.J step 3: "Ask Discovery for
// the active peer matching the remote node's stationId").
func (c *Client) ActivePeer(stationID string) (Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.lastKnownPeers[stationID]
	return p, ok
}

func (c *Client) pollPeers() error {
	var peers []Peer
	if c.testMode {
		peers = nil
	} else {
		resp, err := c.getJSON(c.serviceURL + "?peers=true")
		if err != nil {
			c.logger.Error("failed to fetch peer list", zap.Error(err))
			return nil // transient network errors are logged, not fatal (§4.G)
		}
		var parsed struct {
			Peers []Peer `json:"peers"`
		}
		if err := json.Unmarshal(resp, &parsed); err != nil {
			return fmt.Errorf("parse peer list: %w", err)
		}
		peers = parsed.Peers
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current := make(map[string]Peer, len(peers))
	for _, p := range peers {
		if p.StationID == c.stationID {
			continue
		}
		current[p.StationID] = p
	}

	for id, p := range current {
		if _, existed := c.lastKnownPeers[id]; !existed {
			if c.onPeerDiscovered != nil {
				c.onPeerDiscovered(p)
			}
		}
	}
	for id := range c.lastKnownPeers {
		if _, stillThere := current[id]; !stillThere {
			if c.onPeerLost != nil {
				c.onPeerLost(id)
			}
		}
	}

	c.lastKnownPeers = current
	return nil
}

func (c *Client) unregister() error {
	if c.testMode {
		return nil
	}
	req, err := http.NewRequest(http.MethodDelete, c.serviceURL+"?station_id="+c.stationID, nil)
	if err != nil {
		return fmt.Errorf("build unregister request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("unregister request: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

func (c *Client) postJSON(url string, body map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("discovery service returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) getJSON(url string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("discovery service returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
