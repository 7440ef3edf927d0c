// Package relay implements the Relay Engine (§4.J): the single entry
// point that takes a parsed inbound command and either delivers it to a
// local mesh neighbour, hands it to a remote station over P2P, or queues
// it for delayed delivery. It is new code wiring together Registry,
// Transport, Queue, Discovery, P2P, and Crypto, composed the way the
// teacher composes its connection/output pipeline in cmd/relay — small
// interfaces over the concrete subsystem types so the engine is testable
// without a live radio or network.
package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/cryptoservice"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/discovery"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/logging"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/p2p"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/queue"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/registry"
)

// Sender is the subset of the Mesh Transport the Relay Engine needs.
type Sender interface {
	Send(text string, toNode uint32) error
}

// PeerLocator is the subset of the Discovery Client the Relay Engine
// needs to find an active remote peer.
type PeerLocator interface {
	ActivePeer(stationID string) (discovery.Peer, bool)
}

// PeerDialer is the subset of the P2P Manager the Relay Engine needs.
type PeerDialer interface {
	Session(stationID string) (*p2p.Session, bool)
	Dial(ctx context.Context, stationID, addr string) (*p2p.Session, error)
}

// QueueEnqueuer is the subset of the Message Queue the Relay Engine
// needs for the enqueue-on-miss path.
type QueueEnqueuer interface {
	Enqueue(fromNode, toNode uint32, text string, opts queue.EnqueueOptions) (string, error)
}

// Engine is the Relay Engine.
type Engine struct {
	myNodeNum uint32

	registry  *registry.Registry
	transport Sender
	queue     QueueEnqueuer
	peers     PeerLocator
	p2p       PeerDialer
	sharedKey cryptoservice.SharedKey

	logger *zap.Logger

	sendDelay time.Duration // chunk spacing; overridable in tests
}

// New constructs a Relay Engine. myNodeNum is filled in once the
// my-node-info event arrives (see internal/station); until then,
// SetMyNodeNum(0) means the self-guard never trips.
func New(reg *registry.Registry, transport Sender, q QueueEnqueuer, peers PeerLocator, dialer PeerDialer, sharedKey cryptoservice.SharedKey) *Engine {
	return &Engine{
		registry:  reg,
		transport: transport,
		queue:     q,
		peers:     peers,
		p2p:       dialer,
		sharedKey: sharedKey,
		logger:    logging.With(zap.String("component", "relay")),
		sendDelay: minChunkSpacing * time.Millisecond,
	}
}

// SetMyNodeNum records the station's own mesh node number, once known.
func (e *Engine) SetMyNodeNum(num uint32) {
	e.myNodeNum = num
}

// HandleRelay is the Relay Engine's public entry point (§4.J).
func (e *Engine) HandleRelay(fromNode uint32, target, text string) {
	if e.myNodeNum != 0 && fromNode == e.myNodeNum {
		e.logger.Info("dropping relay from self", zap.Uint32("fromNode", fromNode))
		return
	}

	match, ok := e.registry.FindBest(target)
	if !ok {
		e.sendChunked(fromNode, fmt.Sprintf("❌ Relay failed: Target %q not found", target))
		return
	}

	if match.Target == registry.TargetLocal && e.myNodeNum != 0 && match.Local.Num == e.myNodeNum {
		e.logger.Info("dropping relay targeting self", zap.String("target", target))
		return
	}

	switch match.Target {
	case registry.TargetLocal:
		e.handleLocal(fromNode, match, text)
	case registry.TargetRemote:
		e.handleRemote(fromNode, match, text)
	}
}

func (e *Engine) handleLocal(fromNode uint32, match registry.Match, text string) {
	if !match.Online {
		e.enqueueForLater(fromNode, match.Local.Num, "", text)
		return
	}

	senderName := e.senderDisplayName(fromNode)
	body := fmt.Sprintf("[From %d (%s)]: %s", fromNode, senderName, text)
	if err := e.sendChunked(match.Local.Num, body); err != nil {
		e.logger.Warn("local relay send failed", zap.Error(err))
		e.enqueueForLater(fromNode, match.Local.Num, "", text)
		return
	}

	confirmation := fmt.Sprintf("✅ Message relayed to %s (%d) 🟢 [%.0f%% match]",
		displayName(match.Local.LongName, match.Local.ShortName, match.Local.Num), match.Local.Num, match.Score)
	e.sendChunked(fromNode, confirmation)
}

func (e *Engine) handleRemote(fromNode uint32, match registry.Match, text string) {
	remote := match.Remote
	peer, found := e.peers.ActivePeer(remote.StationID)
	if !found {
		e.enqueueForLater(fromNode, remote.NodeID, remote.StationID, text)
		return
	}

	recipientKey, err := decodePublicKeyB64(peer.PublicKey)
	if err != nil {
		e.logger.Warn("invalid peer public key", zap.String("station", remote.StationID), zap.Error(err))
		e.enqueueForLater(fromNode, remote.NodeID, remote.StationID, text)
		return
	}

	ciphertext, err := cryptoservice.EncryptMessage([]byte(text), recipientKey)
	if err != nil {
		e.logger.Error("failed to encrypt relay message", zap.Error(err))
		e.enqueueForLater(fromNode, remote.NodeID, remote.StationID, text)
		return
	}

	session, ok := e.p2p.Session(remote.StationID)
	if !ok {
		contact, err := cryptoservice.DecryptContactInfo(peer.EncryptedContactInfo, e.sharedKey)
		if err != nil {
			e.logger.Warn("failed to decrypt peer contact info", zap.String("station", remote.StationID), zap.Error(err))
			e.enqueueForLater(fromNode, remote.NodeID, remote.StationID, text)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		session, err = e.p2p.Dial(ctx, remote.StationID, fmt.Sprintf("%s:%d", contact.IP, contact.Port))
		if err != nil {
			e.logger.Warn("failed to dial remote station", zap.String("station", remote.StationID), zap.Error(err))
			e.enqueueForLater(fromNode, remote.NodeID, remote.StationID, text)
			return
		}
	}

	frame := p2p.Frame{
		Type:         "relay",
		FromNodeID:   fromNode,
		TargetNodeID: remote.NodeID,
		Message:      base64.StdEncoding.EncodeToString(ciphertext),
		Timestamp:    uint64(time.Now().UnixMilli()),
	}
	if err := session.Send(frame); err != nil {
		e.logger.Warn("p2p relay send failed", zap.Error(err))
		e.enqueueForLater(fromNode, remote.NodeID, remote.StationID, text)
		return
	}

	e.sendChunked(fromNode, fmt.Sprintf("✅ Message relayed to remote target %q", remote.DisplayName))
}

// enqueueForLater implements §4.J step 4's enqueue-vs-report policy: a
// remote station currently offline (not in Discovery's active set) or a
// local node currently offline both qualify for delayed delivery.
func (e *Engine) enqueueForLater(fromNode, toNode uint32, targetStation, text string) {
	id, err := e.queue.Enqueue(fromNode, toNode, text, queue.EnqueueOptions{
		TargetStation: targetStation,
		Priority:      queue.PriorityNormal,
		TTL:           24 * time.Hour,
		MaxAttempts:   10,
	})
	if err != nil {
		e.logger.Warn("failed to enqueue message for delayed delivery", zap.Error(err))
		e.sendChunked(fromNode, "❌ Relay failed: queue full, try later")
		return
	}
	if id == queue.DuplicateSentinel {
		e.logger.Debug("duplicate relay enqueue suppressed")
	}
}

func (e *Engine) senderDisplayName(fromNode uint32) string {
	if n, ok := e.registry.GetLocal(fromNode); ok {
		return displayName(n.LongName, n.ShortName, n.Num)
	}
	return fmt.Sprintf("node %d", fromNode)
}

func displayName(long, short string, num uint32) string {
	if long != "" {
		return long
	}
	if short != "" {
		return short
	}
	return fmt.Sprintf("%d", num)
}

// sendChunked applies the message splitter (§6) and sends each chunk with
// the mandated inter-chunk spacing.
func (e *Engine) sendChunked(toNode uint32, text string) error {
	chunks := Split(text)
	for i, chunk := range chunks {
		if err := e.transport.Send(chunk, toNode); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i < len(chunks)-1 {
			time.Sleep(e.sendDelay)
		}
	}
	return nil
}

func decodePublicKeyB64(encoded string) (cryptoservice.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return cryptoservice.PublicKey{}, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != 32 {
		return cryptoservice.PublicKey{}, fmt.Errorf("public key must be 32 bytes, got %d", len(raw))
	}
	var key cryptoservice.PublicKey
	copy(key[:], raw)
	return key, nil
}
