// Package transport owns the serial-attached mesh radio (§4.A/4.B of the
// design: frame codec + mesh transport). It is adapted from the teacher's
// internal/connection/serial.go, generalized from "Meshtastic output
// relay" to "bidirectional mesh transport with a unified Send contract".
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/config"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/logging"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/pkg/meshtastic"
)

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	// EventMyNodeInfo carries the station's own node number.
	EventMyNodeInfo EventKind = iota
	// EventNodeInfo carries an observation about a local mesh neighbour.
	EventNodeInfo
	// EventMessagePacket carries a decoded text message packet.
	EventMessagePacket
	// EventDeviceConfigured fires once the device reports its config is
	// complete (the "device-status == Configured" trigger from §4.K).
	EventDeviceConfigured
)

// Event is the tagged union produced by the Inbound stream (§9 design
// note: "a single inbound channel of a tagged union").
type Event struct {
	Kind       EventKind
	MyNodeInfo *meshtastic.MyNodeInfo
	NodeInfo   *meshtastic.NodeInfo
	Packet     *meshtastic.MeshPacket
}

// ErrNotConnected is returned by Send before Connect has succeeded.
var ErrNotConnected = errors.New("mesh transport: not connected")

// Transport is the Mesh Transport contract (§4.B): a Send sink and a
// lazy, single-consumer Inbound stream of decoded device events.
type Transport struct {
	cfg    config.MeshConfig
	logger *zap.Logger

	mu        sync.RWMutex
	port      serial.Port
	framer    *meshtastic.StreamFramer
	connected bool
	stopCh    chan struct{}

	events chan Event

	corruptLogged bool
}

// New creates a Transport bound to the given mesh configuration. devicePath
// overrides cfg.DevicePath when non-empty — the caller (Orchestrator) is
// expected to have already run auto-detection if cfg.AutoDetect is set;
// auto-detection itself is an external collaborator per spec §1.
func New(cfg config.MeshConfig, devicePath string) *Transport {
	if devicePath != "" {
		cfg.DevicePath = devicePath
	}
	return &Transport{
		cfg:    cfg,
		logger: logging.With(zap.String("component", "mesh-transport")),
		events: make(chan Event, 100),
	}
}

// Connect opens the serial port and starts the read loop.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	t.logger.Info("connecting to mesh radio",
		zap.String("port", t.cfg.DevicePath),
		zap.Int("baud", t.cfg.BaudRate))

	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(t.cfg.DevicePath, mode)
	if err != nil {
		return fmt.Errorf("open mesh radio port: %w", err)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		_ = port.Close()
		return fmt.Errorf("set read timeout: %w", err)
	}

	t.port = port
	t.attach(ctx, meshtastic.NewStreamFramer(port, port))

	t.logger.Info("connected to mesh radio")
	return nil
}

// attach wires an already-open framer into the transport and starts its
// background loops. Split out from Connect so tests can attach an
// in-memory io.Pipe instead of a real serial.Port.
func (t *Transport) attach(ctx context.Context, framer *meshtastic.StreamFramer) {
	t.framer = framer
	t.connected = true
	t.stopCh = make(chan struct{})
	t.corruptLogged = false

	go t.readLoop(ctx)
	go t.requestConfig()
}

// connectForTest attaches a fake io.ReadWriter (e.g. an io.Pipe end) as
// the transport's stream, bypassing serial.Open entirely.
func connectForTest(ctx context.Context, t *Transport, rw interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attach(ctx, meshtastic.NewStreamFramer(rw, rw))
}

// Inbound returns the single-consumer event stream. It is closed on
// port.close or after a port.error is surfaced (§4.A failure semantics).
func (t *Transport) Inbound() <-chan Event {
	return t.events
}

// Send writes text addressed to toNode over the mesh. This is the
// unified 2-argument contract called for in spec §9 (replacing the
// source's divergent 2-arg/4-arg sendText calls).
func (t *Transport) Send(text string, toNode uint32) error {
	t.mu.RLock()
	framer := t.framer
	connected := t.connected
	t.mu.RUnlock()

	if !connected || framer == nil {
		return ErrNotConnected
	}

	frame := meshtastic.EncodeTextMessage(text, toNode)
	if err := framer.WritePacket(frame); err != nil {
		return fmt.Errorf("send mesh text: %w", err)
	}
	return nil
}

// SendHeartbeat performs the device's protocol-level heartbeat (§4.K step
// 5). Transient failures are the caller's concern to classify (ConfigTimeout
// vs SerialError per §7); Send itself just reports the write error.
func (t *Transport) SendHeartbeat() error {
	t.mu.RLock()
	framer := t.framer
	connected := t.connected
	t.mu.RUnlock()

	if !connected || framer == nil {
		return ErrNotConnected
	}
	if err := framer.WritePacket(meshtastic.EncodeHeartbeat()); err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	return nil
}

// Close idempotently shuts the port and the Inbound stream down.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}
	t.logger.Info("closing mesh transport")

	close(t.stopCh)
	t.connected = false

	var closeErr error
	if t.port != nil {
		closeErr = t.port.Close()
		t.port = nil
	}
	close(t.events)
	return closeErr
}

// IsConnected reports whether the transport currently owns an open port.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *Transport) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		default:
			if !t.readFrame() {
				_ = t.Close()
				return
			}
		}
	}
}

// readFrame reads and decodes a single frame, returning false only on a
// genuine port error. A malformed frame is dropped without tearing down
// the stream (§4.A); a genuine port error is surfaced once via logging,
// after which readLoop closes the transport (and with it Inbound) and exits.
func (t *Transport) readFrame() bool {
	data, err := t.framer.ReadPacket()
	if err != nil {
		switch {
		case errors.Is(err, meshtastic.ErrInvalidMagic), errors.Is(err, meshtastic.ErrPacketTooLarge):
			if !t.corruptLogged {
				t.logger.Warn("dropping corrupt frame", zap.Error(err))
				t.corruptLogged = true
			}
			return true
		case err.Error() == "EOF":
			return true
		default:
			t.logger.Error("mesh radio read error", zap.Error(err))
			return false
		}
	}

	fr, err := meshtastic.ParseFromRadio(data)
	if err != nil {
		// Decode error inside the stream is swallowed per frame.
		t.logger.Debug("dropping undecodable frame", zap.Error(err))
		return true
	}
	t.dispatch(fr)
	return true
}

func (t *Transport) dispatch(fr *meshtastic.FromRadio) {
	if fr.MyInfo != nil {
		t.emit(Event{Kind: EventMyNodeInfo, MyNodeInfo: fr.MyInfo})
	}
	if fr.NodeInfo != nil {
		t.emit(Event{Kind: EventNodeInfo, NodeInfo: fr.NodeInfo})
	}
	if fr.ConfigCompleteID != 0 {
		t.emit(Event{Kind: EventDeviceConfigured})
	}
	if fr.Packet != nil && fr.Packet.Decoded != nil && fr.Packet.Decoded.PortNum == meshtastic.PortNumTextMessageApp {
		t.emit(Event{Kind: EventMessagePacket, Packet: fr.Packet})
	}
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("inbound event channel full, dropping event")
	}
}

func (t *Transport) requestConfig() {
	time.Sleep(200 * time.Millisecond)
	t.mu.RLock()
	framer := t.framer
	connected := t.connected
	t.mu.RUnlock()
	if !connected {
		return
	}
	if err := framer.WritePacket(meshtastic.EncodeWantConfig(1)); err != nil {
		t.logger.Error("failed to request initial configuration", zap.Error(err))
	}
}
