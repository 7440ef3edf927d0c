package meshtastic

import (
	"encoding/binary"
)

// Field numbers for the ToRadio message, mirroring the wire layout the
// device firmware expects (see proto.go for the matching FromRadio
// decoder). These are intentionally minimal: only what the station needs
// to send (a text message, a want-config handshake, and a heartbeat).
const (
	toRadioFieldPacket       = 1
	toRadioFieldWantConfigID = 3
	toRadioFieldHeartbeat    = 5
)

const (
	meshPacketFieldFrom    = 1
	meshPacketFieldTo      = 2
	meshPacketFieldChannel = 3
	meshPacketFieldDecoded = 4
	meshPacketFieldWantAck = 11

	dataFieldPortNum = 1
	dataFieldPayload = 2
	dataFieldDest    = 4

	fromRadioFieldPacket           = 2
	fromRadioFieldMyInfo           = 3
	fromRadioFieldNodeInfo         = 4
	fromRadioFieldConfigCompleteID = 8

	myNodeInfoFieldMyNodeNum = 1

	nodeInfoFieldNum  = 1
	nodeInfoFieldUser = 2
	userFieldID       = 1
	userFieldLongName = 2
)

func encodeTag(fieldNum int, wireType byte) []byte {
	return encodeVarint(uint64(fieldNum)<<3 | uint64(wireType))
}

func encodeVarint(v uint64) []byte {
	buf := make([]byte, 0, 10)
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	buf = append(buf, byte(v))
	return buf
}

func encodeLengthDelimited(fieldNum int, data []byte) []byte {
	out := append([]byte{}, encodeTag(fieldNum, 2)...)
	out = append(out, encodeVarint(uint64(len(data)))...)
	out = append(out, data...)
	return out
}

func encodeVarintField(fieldNum int, v uint64) []byte {
	out := append([]byte{}, encodeTag(fieldNum, 0)...)
	out = append(out, encodeVarint(v)...)
	return out
}

// encodeData encodes a Data submessage carrying a text payload.
func encodeData(portNum PortNum, payload []byte, dest uint32) []byte {
	var buf []byte
	buf = append(buf, encodeVarintField(dataFieldPortNum, uint64(portNum))...)
	buf = append(buf, encodeLengthDelimited(dataFieldPayload, payload)...)
	if dest != 0 {
		buf = append(buf, encodeVarintField(dataFieldDest, uint64(dest))...)
	}
	return buf
}

// encodeMeshPacket encodes a MeshPacket carrying the given decoded Data.
func encodeMeshPacket(to uint32, channel uint32, wantAck bool, decoded []byte) []byte {
	return encodeMeshPacketFrom(0, to, channel, wantAck, decoded)
}

func encodeMeshPacketFrom(from, to uint32, channel uint32, wantAck bool, decoded []byte) []byte {
	var buf []byte
	if from != 0 {
		buf = append(buf, encodeVarintField(meshPacketFieldFrom, uint64(from))...)
	}
	buf = append(buf, encodeVarintField(meshPacketFieldTo, uint64(to))...)
	if channel != 0 {
		buf = append(buf, encodeVarintField(meshPacketFieldChannel, uint64(channel))...)
	}
	if wantAck {
		buf = append(buf, encodeVarintField(meshPacketFieldWantAck, 1)...)
	}
	buf = append(buf, encodeLengthDelimited(meshPacketFieldDecoded, decoded)...)
	return buf
}

// EncodeTextMessage builds a ToRadio frame payload that sends text to the
// given destination node (0xFFFFFFFF for broadcast).
func EncodeTextMessage(text string, toNode uint32) []byte {
	data := encodeData(PortNumTextMessageApp, []byte(text), 0)
	packet := encodeMeshPacket(toNode, 0, false, data)
	return encodeLengthDelimited(toRadioFieldPacket, packet)
}

// EncodeWantConfig builds the initial "want config" handshake frame,
// matching the teacher's hand-built requestConfig() constant.
func EncodeWantConfig(configID uint32) []byte {
	return encodeVarintField(toRadioFieldWantConfigID, uint64(configID))
}

// EncodeHeartbeat builds a protocol-level heartbeat frame (an empty
// Heartbeat submessage, field 5 of ToRadio).
func EncodeHeartbeat() []byte {
	return encodeLengthDelimited(toRadioFieldHeartbeat, nil)
}

// The functions below encode FromRadio-shaped frames (device → host). They
// exist for transport tests, which use them to hand crafted inbound packets
// to a Transport under test without a real radio. The PTY simulator in
// pkg/meshtastic/simulator has its own encoder and does not call them.

// EncodeFakeInboundText builds a FromRadio frame carrying a text message
// packet, as if received over the air from fromNode addressed to toNode.
func EncodeFakeInboundText(fromNode, toNode uint32, text string) []byte {
	data := encodeData(PortNumTextMessageApp, []byte(text), 0)
	packet := encodeMeshPacketFrom(fromNode, toNode, 0, false, data)
	return encodeLengthDelimited(fromRadioFieldPacket, packet)
}

// EncodeFakeMyNodeInfo builds a FromRadio frame announcing the station's
// own node number.
func EncodeFakeMyNodeInfo(myNodeNum uint32) []byte {
	inner := encodeVarintField(myNodeInfoFieldMyNodeNum, uint64(myNodeNum))
	return encodeLengthDelimited(fromRadioFieldMyInfo, inner)
}

// EncodeFakeNodeInfo builds a FromRadio frame announcing a local neighbour.
func EncodeFakeNodeInfo(num uint32, longName string) []byte {
	user := encodeLengthDelimited(userFieldLongName, []byte(longName))
	inner := encodeVarintField(nodeInfoFieldNum, uint64(num))
	inner = append(inner, encodeLengthDelimited(nodeInfoFieldUser, user)...)
	return encodeLengthDelimited(fromRadioFieldNodeInfo, inner)
}

// EncodeFakeConfigComplete builds a FromRadio frame signalling that the
// device has finished sending its configuration (the "device-status ==
// Configured" trigger from §4.K).
func EncodeFakeConfigComplete(configID uint32) []byte {
	return encodeVarintField(fromRadioFieldConfigCompleteID, uint64(configID))
}

// DecodeUint32LE is a small exported helper that reads a 32-bit little
// endian value, the byte order of protobuf fixed32 fields.
func DecodeUint32LE(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}
