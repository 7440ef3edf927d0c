//go:build unix

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/config"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/pkg/meshtastic/simulator"
)

// TestTransportAgainstSimulatedDevice drives a real go.bug.st/serial
// connection against the PTY-backed device simulator, exercising the
// same framing/decode path a physical radio would use.
func TestTransportAgainstSimulatedDevice(t *testing.T) {
	device := simulator.NewTestDevice(t)
	path := device.Start()
	defer device.Stop()

	tr := New(config.MeshConfig{BaudRate: 115200}, path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect to simulated device: %v", err)
	}
	defer func() { _ = tr.Close() }()

	device.MustSendTextMessage(0xAABBCCDD, "integration hello")

	select {
	case ev := <-tr.Inbound():
		if ev.Kind != EventMessagePacket {
			t.Fatalf("expected EventMessagePacket, got %v", ev.Kind)
		}
		if string(ev.Packet.Decoded.Payload) != "integration hello" {
			t.Fatalf("unexpected payload: %q", ev.Packet.Decoded.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for simulated device message")
	}
}
