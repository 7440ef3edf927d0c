// Package station implements the Station Orchestrator (§4.K): it wires
// together every other subsystem (Mesh Transport, Registry, Queue, Crypto,
// P2P, Discovery, Delayed Delivery, Relay Engine, Command Parser) into a
// single running bridging station, and owns its coordinated startup and
// shutdown. It is new code generalized from the teacher's cmd/relay
// wiring (run.go builds a connection + output sink + optional TUI; here
// the orchestrator builds the full bridging pipeline) using
// golang.org/x/sync/errgroup for subsystem supervision, the same library
// the teacher's go.mod already carries.
package station

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/command"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/config"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/cryptoservice"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/delayed"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/discovery"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/logging"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/p2p"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/queue"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/registry"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/relay"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/transport"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/pkg/meshtastic"
)

const (
	myNodeInfoFallbackDelay = 2 * time.Second
	meshHeartbeatInterval   = 120 * time.Second
	configuredLogDelay      = 3 * time.Second
	portScanWindow          = 10
	maxSubsystemFailures    = 3
)

// Station is the fully wired bridging station.
type Station struct {
	cfg        *config.StationConfig
	configPath string

	logger *zap.Logger

	mesh      *transport.Transport
	registry  *registry.Registry
	queue     *queue.Queue
	p2pMgr    *p2p.Manager
	discovery *discovery.Client
	delayedD  *delayed.Scheduler
	relayEng  *relay.Engine

	myNodeNum      atomic.Uint32
	publicKeyB64   string
	advertiseAddr  string
	bridgeInitMu   sync.Mutex
	bridgeInitDone bool
	startedAt      time.Time

	stopOnce sync.Once
}

// New builds a Station from a loaded, validated configuration. configPath
// is retained so port-reassignment (step 1) can persist the rewritten
// config back to disk.
func New(cfg *config.StationConfig, configPath string) *Station {
	return &Station{
		cfg:        cfg,
		configPath: configPath,
		logger:     logging.With(zap.String("component", "station")),
	}
}

// Start implements §4.K's startup sequence.
func (s *Station) Start(ctx context.Context, dataDir string) error {
	s.startedAt = time.Now()

	if err := s.reassignPortIfBusy(); err != nil {
		return fmt.Errorf("reassign p2p port: %w", err)
	}

	s.mesh = transport.New(s.cfg.Mesh, s.cfg.Mesh.DevicePath)
	if err := s.mesh.Connect(ctx); err != nil {
		return fmt.Errorf("open mesh transport: %w", err)
	}

	s.registry = registry.New()

	q, err := queue.Open(dataDir, 1000)
	if err != nil {
		return fmt.Errorf("open message queue: %w", err)
	}
	s.queue = q

	sharedKey, err := decodeSharedSecret(s.cfg.Discovery.SharedSecret)
	if err != nil {
		return fmt.Errorf("decode discovery shared secret: %w", err)
	}

	pubKey, err := config.DecodePublicKey(s.cfg.Keys.PublicKey)
	if err != nil {
		return fmt.Errorf("decode station public key: %w", err)
	}
	s.publicKeyB64 = base64.StdEncoding.EncodeToString(pubKey[:])

	s.advertiseAddr = s.cfg.P2P.AdvertiseAddr
	if s.advertiseAddr == "" {
		addr, err := detectOutboundIP()
		if err != nil {
			return fmt.Errorf("detect advertise address: %w", err)
		}
		s.advertiseAddr = addr
	}

	s.p2pMgr = p2p.New(s.cfg.P2P.ListenPort, s.cfg.P2P.MaxConnections,
		time.Duration(s.cfg.P2P.ConnectionTimeout)*time.Second, sharedKey)
	if err := s.p2pMgr.Listen(); err != nil {
		return fmt.Errorf("start p2p listener: %w", err)
	}

	s.discovery = discovery.New(s.cfg.StationID, s.cfg.Discovery.ServiceURL,
		time.Duration(s.cfg.Discovery.Timeout)*time.Second, sharedKey, s.publicKeyB64)

	s.relayEng = relay.New(s.registry, s.mesh, s.queue, s.discovery, s.p2pMgr, sharedKey)

	s.delayedD = delayed.New(s.queue, s.registry, s.mesh, 30*time.Second)

	s.discovery.SetPeerCallbacks(s.onPeerDiscovered, s.onPeerLost)

	go s.fallbackTimer(ctx)
	s.delayedD.Start(ctx)

	s.logger.Info("station started", zap.String("stationId", s.cfg.StationID))
	return nil
}

// reassignPortIfBusy implements §4.K step 1's port resolution: if the
// configured P2P port is already bound, pick the next free one in a
// small window and persist the change.
func (s *Station) reassignPortIfBusy() error {
	port := s.cfg.P2P.ListenPort
	for i := 0; i < portScanWindow; i++ {
		candidate := port + i
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", candidate))
		if err == nil {
			_ = ln.Close()
			if candidate != port {
				s.logger.Warn("p2p.listen_port busy, reassigning",
					zap.Int("configured", port), zap.Int("assigned", candidate))
				s.cfg.P2P.ListenPort = candidate
				if s.configPath != "" {
					if err := config.SaveFile(s.configPath, s.cfg); err != nil {
						return fmt.Errorf("persist reassigned port: %w", err)
					}
				}
			}
			return nil
		}
	}
	return fmt.Errorf("no free tcp port found in range [%d, %d]", port, port+portScanWindow-1)
}

func (s *Station) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.mesh.Inbound():
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Station) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventMyNodeInfo:
		s.onMyNodeInfo(ctx, ev.MyNodeInfo)
	case transport.EventNodeInfo:
		s.onNodeInfo(ev.NodeInfo)
	case transport.EventMessagePacket:
		s.onMessagePacket(ev.Packet)
	case transport.EventDeviceConfigured:
		s.onDeviceConfigured()
	}
}

func (s *Station) onMyNodeInfo(ctx context.Context, info *meshtastic.MyNodeInfo) {
	if info == nil {
		return
	}
	s.myNodeNum.Store(info.MyNodeNum)
	s.relayEng.SetMyNodeNum(info.MyNodeNum)
	s.initializeBridgeOnce(ctx)
}

func (s *Station) onNodeInfo(info *meshtastic.NodeInfo) {
	if info == nil {
		return
	}
	var longName, shortName string
	if info.User != nil {
		longName = info.User.LongName
		shortName = info.User.ShortName
	}
	s.registry.AddOrUpdateLocal(info.Num, longName, shortName, nil)
}

func (s *Station) onMessagePacket(pkt *meshtastic.MeshPacket) {
	if pkt == nil || pkt.Decoded == nil {
		return
	}
	text := string(pkt.Decoded.Payload)
	cmd := command.Parse(text)

	switch cmd.Kind {
	case command.KindRelay:
		s.relayEng.HandleRelay(pkt.From, cmd.Target, cmd.Text)
	case command.KindListNodes:
		s.replyListNodes(pkt.From)
	case command.KindStatus:
		s.replyStatus(pkt.From)
	case command.KindInstructions:
		s.replyInstructions(pkt.From)
	case command.KindEcho:
		_ = s.mesh.Send(cmd.Text, pkt.From)
	}
}

func (s *Station) onDeviceConfigured() {
	go func() {
		time.Sleep(configuredLogDelay)
		online := s.registry.OnlineLocalNodes()
		s.logger.Info("available nodes", zap.Int("count", len(online)))
	}()
}

func (s *Station) replyListNodes(toNode uint32) {
	nodes := s.registry.OnlineLocalNodes()
	msg := fmt.Sprintf("%d nodes online", len(nodes))
	_ = s.mesh.Send(msg, toNode)
}

// replyStatus answers the status command with station identity, uptime,
// queue depth, and P2P connection counts (§5 supplemented feature) — all
// data the subsystems already track individually, just not previously
// combined into one reply.
func (s *Station) replyStatus(toNode uint32) {
	stats, err := s.queue.GetStats()
	if err != nil {
		s.logger.Warn("failed to read queue stats for status reply", zap.Error(err))
		return
	}
	p2pStats := s.p2pMgr.Stats()
	uptime := time.Since(s.startedAt).Round(time.Second)
	msg := fmt.Sprintf("%s up %s | queue: %d pending, %d processing | p2p: %d/%d active",
		s.cfg.StationID, uptime, stats.Pending, stats.Processing,
		p2pStats.ActiveConnections, s.cfg.P2P.MaxConnections)
	_ = s.mesh.Send(msg, toNode)
}

func (s *Station) replyInstructions(toNode uint32) {
	const help = "Commands: @target text, nodes, status, instructions"
	_ = s.mesh.Send(help, toNode)
}

// initializeBridgeOnce starts Discovery exactly once, whether it is
// triggered by a real my-node-info event or the fallback timer
// (Open Question Decision: single mutex-guarded init, SPEC_FULL.md).
func (s *Station) initializeBridgeOnce(ctx context.Context) {
	s.bridgeInitMu.Lock()
	defer s.bridgeInitMu.Unlock()
	if s.bridgeInitDone {
		return
	}
	s.bridgeInitDone = true

	s.discovery.SetContactInfoSource(s.buildContactInfo)
	if err := s.discovery.Start(ctx); err != nil {
		s.logger.Error("failed to start discovery client", zap.Error(err))
	}
}

func (s *Station) buildContactInfo() cryptoservice.ContactInfo {
	return cryptoservice.ContactInfo{
		IP:        s.advertiseAddr,
		Port:      s.cfg.P2P.ListenPort,
		PublicKey: s.publicKeyB64,
		LastSeen:  time.Now().UnixMilli(),
	}
}

// detectOutboundIP finds the local address this host would use to reach
// the public internet, without sending any traffic (UDP "connect" only
// resolves a route). Used as the advertised P2P address when the operator
// hasn't set p2p.advertise_addr explicitly.
func detectOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("resolve outbound route: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// fallbackTimer implements §4.K's "proceed to initialise Discovery
// anyway" fallback: if my-node-info hasn't arrived within
// myNodeInfoFallbackDelay, the bridge initializes without it.
func (s *Station) fallbackTimer(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(myNodeInfoFallbackDelay):
		s.initializeBridgeOnce(ctx)
	}
}

func (s *Station) meshHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(meshHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.mesh.SendHeartbeat(); err != nil {
				s.logger.Warn("mesh heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (s *Station) onPeerDiscovered(p discovery.Peer) {
	s.registry.AddRemote(p.StationID, p.StationID, "")
}

func (s *Station) onPeerLost(stationID string) {
	s.registry.RemoveRemoteByStation(stationID)
}

// Run blocks until ctx is cancelled, supervising the dispatch loop and
// mesh heartbeat loop with golang.org/x/sync/errgroup the way the teacher
// supervises its connection + output goroutines: a subsystem that panics
// is restarted, and the station gives up only after maxSubsystemFailures
// consecutive failures of the same subsystem (§7).
func (s *Station) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.superviseLoop(gctx, "dispatch", s.dispatchLoop) })
	g.Go(func() error { return s.superviseLoop(gctx, "mesh-heartbeat", s.meshHeartbeatLoop) })
	return g.Wait()
}

// superviseLoop runs fn repeatedly until ctx is done, restarting it if it
// panics. It gives up (returning an error) after maxSubsystemFailures
// consecutive panics, the same escalate-after-N policy the queue's
// backoff and the delayed scheduler's retry limit both apply elsewhere.
func (s *Station) superviseLoop(ctx context.Context, name string, fn func(context.Context)) error {
	consecutive := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if runOnce(ctx, fn) {
			consecutive = 0
			return nil // fn returned normally: ctx was cancelled or its input stream closed
		}
		consecutive++
		s.logger.Error("subsystem panicked, restarting",
			zap.String("subsystem", name), zap.Int("consecutiveFailures", consecutive))
		if consecutive >= maxSubsystemFailures {
			return fmt.Errorf("subsystem %q failed %d times consecutively", name, consecutive)
		}
	}
}

// runOnce invokes fn, recovering a panic and reporting via the bool
// return (true = fn returned normally, false = fn panicked).
func runOnce(ctx context.Context, fn func(context.Context)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	fn(ctx)
	return true
}

// Shutdown performs the single coalescing globalCleanup(reason) of §4.K:
// stop Delayed Delivery, stop Discovery (unregister best-effort), drain
// P2P, close Queue, close Mesh Transport — each bounded, all idempotent.
func (s *Station) Shutdown(reason string) error {
	var firstErr error
	s.stopOnce.Do(func() {
		s.logger.Info("shutting down station", zap.String("reason", reason))

		bounded := func(name string, fn func(context.Context) error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := fn(ctx); err != nil {
				s.logger.Warn("sub-stop error", zap.String("subsystem", name), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
			}
		}

		if s.delayedD != nil {
			bounded("delayed-delivery", s.delayedD.Stop)
		}
		if s.discovery != nil {
			bounded("discovery", s.discovery.Stop)
		}
		if s.p2pMgr != nil {
			bounded("p2p", func(context.Context) error { return s.p2pMgr.Close() })
		}
		if s.queue != nil {
			bounded("queue", func(context.Context) error { return s.queue.Close() })
		}
		if s.mesh != nil {
			bounded("mesh-transport", func(context.Context) error { return s.mesh.Close() })
		}
	})
	return firstErr
}

func decodeSharedSecret(b64 string) (cryptoservice.SharedKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return cryptoservice.SharedKey{}, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) != 32 {
		return cryptoservice.SharedKey{}, fmt.Errorf("shared secret must be 32 bytes, got %d", len(raw))
	}
	var key cryptoservice.SharedKey
	copy(key[:], raw)
	return key, nil
}

// GenerateSharedSecret produces a fresh random base64-encoded 32-byte
// shared secret, for first-run config scaffolding.
func GenerateSharedSecret() (string, error) {
	var buf [32]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return "", fmt.Errorf("generate shared secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf[:]), nil
}
