package relay

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/cryptoservice"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/discovery"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/p2p"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/queue"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/registry"
)

type sentMessage struct {
	text   string
	toNode uint32
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeSender) Send(text string, toNode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{text: text, toNode: toNode})
	return nil
}

func (f *fakeSender) to(node uint32) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.toNode == node {
			out = append(out, m)
		}
	}
	return out
}

type fakeQueue struct {
	mu           sync.Mutex
	enqueued     []queue.QueuedMessage
	enqueuedOpts []queue.EnqueueOptions
}

func (f *fakeQueue) Enqueue(fromNode, toNode uint32, text string, opts queue.EnqueueOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, queue.QueuedMessage{FromNode: fromNode, ToNode: toNode, Message: text, TargetStation: opts.TargetStation})
	f.enqueuedOpts = append(f.enqueuedOpts, opts)
	return "queued-id", nil
}

type fakePeerLocator struct {
	peers map[string]discovery.Peer
}

func (f *fakePeerLocator) ActivePeer(stationID string) (discovery.Peer, bool) {
	p, ok := f.peers[stationID]
	return p, ok
}

type fakeDialer struct {
	sessions map[string]*p2p.Session

	mu       sync.Mutex
	dialedTo []string
}

func (f *fakeDialer) Session(stationID string) (*p2p.Session, bool) {
	s, ok := f.sessions[stationID]
	return s, ok
}

func (f *fakeDialer) Dial(ctx context.Context, stationID, addr string) (*p2p.Session, error) {
	f.mu.Lock()
	f.dialedTo = append(f.dialedTo, addr)
	f.mu.Unlock()
	return nil, context.DeadlineExceeded
}

func newTestEngine(reg *registry.Registry, sender *fakeSender, q *fakeQueue, peers *fakePeerLocator, dialer *fakeDialer) *Engine {
	e := New(reg, sender, q, peers, dialer, cryptoservice.SharedKey{})
	e.sendDelay = time.Millisecond
	return e
}

func TestHandleRelayDropsSelfSender(t *testing.T) {
	reg := registry.New()
	sender := &fakeSender{}
	e := newTestEngine(reg, sender, &fakeQueue{}, &fakePeerLocator{}, &fakeDialer{})
	e.SetMyNodeNum(42)

	e.HandleRelay(42, "ridge", "hello")
	if len(sender.sent) != 0 {
		t.Fatalf("expected no sends for self-originated relay, got %+v", sender.sent)
	}
}

func TestHandleRelayDropsSelfTarget(t *testing.T) {
	reg := registry.New()
	reg.AddOrUpdateLocal(42, "Base", "B", nil)
	sender := &fakeSender{}
	e := newTestEngine(reg, sender, &fakeQueue{}, &fakePeerLocator{}, &fakeDialer{})
	e.SetMyNodeNum(42)

	e.HandleRelay(100, "base", "hello")
	if len(sender.sent) != 0 {
		t.Fatalf("expected no sends for self-targeted relay, got %+v", sender.sent)
	}
}

func TestHandleRelayDeliversToOnlineLocalNode(t *testing.T) {
	reg := registry.New()
	reg.AddOrUpdateLocal(200, "Ridge Station", "RS", nil)
	reg.AddOrUpdateLocal(100, "Camp", "C", nil)
	sender := &fakeSender{}
	e := newTestEngine(reg, sender, &fakeQueue{}, &fakePeerLocator{}, &fakeDialer{})

	e.HandleRelay(100, "ridge station", "hello there")

	delivered := sender.to(200)
	if len(delivered) != 1 || delivered[0].text != "[From 100 (Camp)]: hello there" {
		t.Fatalf("unexpected delivery to target: %+v", delivered)
	}

	confirmed := sender.to(100)
	if len(confirmed) != 1 {
		t.Fatalf("expected a confirmation sent to sender, got %+v", confirmed)
	}
}

func TestHandleRelayReportsNotFound(t *testing.T) {
	reg := registry.New()
	sender := &fakeSender{}
	e := newTestEngine(reg, sender, &fakeQueue{}, &fakePeerLocator{}, &fakeDialer{})

	e.HandleRelay(100, "nonexistent", "hello")

	confirmed := sender.to(100)
	if len(confirmed) != 1 || confirmed[0].text != `❌ Relay failed: Target "nonexistent" not found` {
		t.Fatalf("unexpected not-found response: %+v", confirmed)
	}
}

func TestHandleRelayEnqueuesOfflineLocalTarget(t *testing.T) {
	reg := registry.New()
	reg.AddOrUpdateLocal(200, "Ridge Station", "RS", nil)
	reg.SetClock(func() time.Time { return time.Now().Add(time.Hour) })

	sender := &fakeSender{}
	q := &fakeQueue{}
	e := newTestEngine(reg, sender, q, &fakePeerLocator{}, &fakeDialer{})

	e.HandleRelay(100, "ridge station", "hello there")

	if len(q.enqueued) != 1 || q.enqueued[0].ToNode != 200 {
		t.Fatalf("expected offline local target to be enqueued, got %+v", q.enqueued)
	}
	assertDelayedDeliveryOptions(t, q.enqueuedOpts[0])
}

func TestHandleRelayEnqueuesUnavailableRemoteStation(t *testing.T) {
	reg := registry.New()
	reg.AddRemote("station-b", "Remote Alpha", "RA")

	sender := &fakeSender{}
	q := &fakeQueue{}
	e := newTestEngine(reg, sender, q, &fakePeerLocator{peers: map[string]discovery.Peer{}}, &fakeDialer{})

	e.HandleRelay(100, "remote alpha", "hello")

	if len(q.enqueued) != 1 || q.enqueued[0].TargetStation != "station-b" {
		t.Fatalf("expected unavailable remote station to be enqueued, got %+v", q.enqueued)
	}
	assertDelayedDeliveryOptions(t, q.enqueuedOpts[0])
}

// assertDelayedDeliveryOptions checks the enqueue-for-later policy from
// spec.md §8 Scenario S3: priority=NORMAL, ttl=24h, maxAttempts=10.
func assertDelayedDeliveryOptions(t *testing.T, opts queue.EnqueueOptions) {
	t.Helper()
	if opts.Priority != queue.PriorityNormal {
		t.Fatalf("expected PriorityNormal, got %v", opts.Priority)
	}
	if opts.TTL != 24*time.Hour {
		t.Fatalf("expected 24h TTL, got %v", opts.TTL)
	}
	if opts.MaxAttempts != 10 {
		t.Fatalf("expected MaxAttempts 10, got %d", opts.MaxAttempts)
	}
}

// TestHandleRemoteDialsDecryptedContactAddress exercises handleRemote's
// dial path with a populated contact.IP, guarding against the address
// silently coming back empty (§4.G step 1: the station must self-report
// its own IP into ContactInfo before it is ever sealed and published).
func TestHandleRemoteDialsDecryptedContactAddress(t *testing.T) {
	sharedKey := cryptoservice.SharedKey{1, 2, 3, 4}

	recipientPub, _, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate recipient keypair: %v", err)
	}

	contact := cryptoservice.ContactInfo{IP: "203.0.113.7", Port: 8444}
	encryptedContact, err := cryptoservice.EncryptContactInfo(contact, sharedKey)
	if err != nil {
		t.Fatalf("encrypt contact info: %v", err)
	}

	reg := registry.New()
	reg.AddRemote("station-b", "Remote Alpha", "RA")

	sender := &fakeSender{}
	q := &fakeQueue{}
	peers := &fakePeerLocator{peers: map[string]discovery.Peer{
		"station-b": {
			StationID:             "station-b",
			EncryptedContactInfo:  encryptedContact,
			PublicKey:             base64.StdEncoding.EncodeToString(recipientPub[:]),
		},
	}}
	dialer := &fakeDialer{}

	e := New(reg, sender, q, peers, dialer, sharedKey)
	e.HandleRelay(100, "remote alpha", "hello")

	if len(dialer.dialedTo) != 1 || dialer.dialedTo[0] != "203.0.113.7:8444" {
		t.Fatalf("expected dial to %q, got %+v", "203.0.113.7:8444", dialer.dialedTo)
	}
}
