package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/kiisu-dsalyss/encryptedmeshlink-station/internal/config"
	"github.com/kiisu-dsalyss/encryptedmeshlink-station/pkg/meshtastic"
)

// devicePipe wires a Transport's framer to an in-process fake radio so
// tests don't need a real serial port, matching the seam the teacher's
// simulator package provides for its connection tests.
type devicePipe struct {
	toDevice   *io.PipeReader
	toDeviceW  *io.PipeWriter
	fromDevice *io.PipeReader
	fromDevW   *io.PipeWriter
}

func newDevicePipe() *devicePipe {
	toR, toW := io.Pipe()
	fromR, fromW := io.Pipe()
	return &devicePipe{toDevice: toR, toDeviceW: toW, fromDevice: fromR, fromDevW: fromW}
}

// transportSide implements the io.ReadWriter the Transport reads/writes.
func (d *devicePipe) transportSide() (io.Reader, io.Writer) {
	return d.fromDevice, d.toDeviceW
}

func newTestTransport(t *testing.T) (*Transport, *devicePipe) {
	t.Helper()
	tr := New(config.MeshConfig{BaudRate: 115200}, "test")
	pipe := newDevicePipe()
	r, w := pipe.transportSide()
	connectForTest(context.Background(), tr, struct {
		io.Reader
		io.Writer
	}{r, w})
	return tr, pipe
}

func TestTransportEmitsMessagePacket(t *testing.T) {
	tr, pipe := newTestTransport(t)
	defer func() { _ = tr.Close() }()

	framer := meshtastic.NewStreamFramer(nil, pipe.fromDevW)
	data := meshtastic.EncodeFakeInboundText(200, 100, "hello mesh")
	if err := framer.WritePacket(data); err != nil {
		t.Fatalf("write fake packet: %v", err)
	}

	select {
	case ev := <-tr.Inbound():
		if ev.Kind != EventMessagePacket {
			t.Fatalf("expected EventMessagePacket, got %v", ev.Kind)
		}
		if ev.Packet.Decoded == nil || string(ev.Packet.Decoded.Payload) != "hello mesh" {
			t.Fatalf("unexpected packet payload: %+v", ev.Packet)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound event")
	}
}

func TestTransportSendRequiresConnection(t *testing.T) {
	tr := New(config.MeshConfig{BaudRate: 115200}, "test")
	if err := tr.Send("hi", 1); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestTransportCloseIsIdempotent(t *testing.T) {
	tr, _ := newTestTransport(t)
	if err := tr.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
}
