// Package config provides the StationConfig type and validation for the
// mesh bridging station.
package config

import (
	"encoding/pem"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/curve25519"
)

var stationIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,18}[a-z0-9]$`)

// StationConfig is the immutable, validated configuration for one station.
// It is loaded once at startup (see Load) and never mutated except for the
// narrow port-reassignment case in the Orchestrator (§4.K step 1), which
// re-persists the file.
type StationConfig struct {
	StationID   string `mapstructure:"station_id" json:"stationId"`
	DisplayName string `mapstructure:"display_name" json:"displayName"`
	Location    string `mapstructure:"location" json:"location,omitempty"`
	Operator    string `mapstructure:"operator" json:"operator,omitempty"`

	Keys      KeysConfig      `mapstructure:"keys" json:"keys"`
	Discovery DiscoveryConfig `mapstructure:"discovery" json:"discovery"`
	P2P       P2PConfig       `mapstructure:"p2p" json:"p2p"`
	Mesh      MeshConfig      `mapstructure:"mesh" json:"mesh"`
	Metadata  MetadataConfig  `mapstructure:"metadata" json:"metadata"`
}

// KeysConfig holds the station's PEM-encoded asymmetric keypair.
type KeysConfig struct {
	PublicKey  string `mapstructure:"public_key" json:"publicKey"`
	PrivateKey string `mapstructure:"private_key" json:"privateKey"`
}

// DiscoveryConfig configures the rendezvous client.
type DiscoveryConfig struct {
	ServiceURL    string `mapstructure:"service_url" json:"serviceUrl"`
	CheckInterval int    `mapstructure:"check_interval" json:"checkInterval"` // seconds
	Timeout       int    `mapstructure:"timeout" json:"timeout"`             // seconds
	// SharedSecret is the base64-encoded pre-shared key used to seal
	// ContactInfo blobs registered with the rendezvous service (§4.G/§4.H:
	// "so only peers holding the secret can decrypt").
	SharedSecret string `mapstructure:"shared_secret" json:"sharedSecret"`
}

// P2PConfig configures the peer connection manager.
type P2PConfig struct {
	ListenPort        int    `mapstructure:"listen_port" json:"listenPort"`
	MaxConnections    int    `mapstructure:"max_connections" json:"maxConnections"`
	ConnectionTimeout int    `mapstructure:"connection_timeout" json:"connectionTimeout"` // seconds
	// AdvertiseAddr is the IP other stations should dial to reach this
	// station's P2P listener (§4.G step 1). Left blank, the station falls
	// back to detecting its outbound-facing address at startup; operators
	// behind NAT with a port forward set this explicitly.
	AdvertiseAddr string `mapstructure:"advertise_addr" json:"advertiseAddr,omitempty"`
}

// MeshConfig configures the local radio attachment.
type MeshConfig struct {
	AutoDetect bool   `mapstructure:"auto_detect" json:"autoDetect"`
	DevicePath string `mapstructure:"device_path" json:"devicePath,omitempty"`
	BaudRate   int    `mapstructure:"baud_rate" json:"baudRate"`
}

// MetadataConfig tracks config provenance.
type MetadataConfig struct {
	CreatedAt time.Time `mapstructure:"created_at" json:"createdAt"`
	UpdatedAt time.Time `mapstructure:"updated_at" json:"updatedAt"`
	Version   int       `mapstructure:"version" json:"version"`
}

// DefaultConfig returns a configuration with sensible defaults, mirroring
// the teacher's DefaultConfig pattern for connection/output settings.
func DefaultConfig() *StationConfig {
	now := time.Now()
	return &StationConfig{
		Discovery: DiscoveryConfig{
			CheckInterval: 120,
			Timeout:       10,
		},
		P2P: P2PConfig{
			ListenPort:        8444,
			MaxConnections:    10,
			ConnectionTimeout: 10,
		},
		Mesh: MeshConfig{
			AutoDetect: true,
			BaudRate:   115200,
		},
		Metadata: MetadataConfig{
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		},
	}
}

// Validate checks the configuration for errors, accumulating every problem
// found rather than stopping at the first (§9 supplemented diagnostics).
func (c *StationConfig) Validate() error {
	var problems []string

	if !stationIDPattern.MatchString(c.StationID) {
		problems = append(problems, fmt.Sprintf("station_id %q must match %s", c.StationID, stationIDPattern.String()))
	}
	if c.DisplayName == "" {
		problems = append(problems, "display_name is required")
	}
	if c.Discovery.ServiceURL == "" {
		problems = append(problems, "discovery.service_url is required")
	}
	if c.Discovery.CheckInterval <= 0 {
		problems = append(problems, "discovery.check_interval must be positive")
	}
	if c.Discovery.Timeout <= 0 {
		problems = append(problems, "discovery.timeout must be positive")
	}
	if len(c.Discovery.SharedSecret) == 0 {
		problems = append(problems, "discovery.shared_secret is required")
	}
	if c.P2P.ListenPort <= 0 || c.P2P.ListenPort > 65535 {
		problems = append(problems, "p2p.listen_port must be a valid TCP port")
	}
	if c.P2P.MaxConnections <= 0 {
		problems = append(problems, "p2p.max_connections must be positive")
	}
	if !c.Mesh.AutoDetect && c.Mesh.DevicePath == "" {
		problems = append(problems, "mesh.device_path is required when mesh.auto_detect is false")
	}
	if c.Mesh.BaudRate <= 0 {
		problems = append(problems, "mesh.baud_rate must be positive")
	}

	if err := c.validateKeyPair(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid station configuration:\n  - %s", strings.Join(problems, "\n  - "))
}

// validateKeyPair decodes the PEM-wrapped Curve25519 keypair and confirms
// the public key is actually derived from the private key (spec §3
// invariant: publicKey/privateKey must be a matching pair).
func (c *StationConfig) validateKeyPair() error {
	priv, err := DecodePrivateKey(c.Keys.PrivateKey)
	if err != nil {
		return fmt.Errorf("keys.private_key: %w", err)
	}
	pub, err := DecodePublicKey(c.Keys.PublicKey)
	if err != nil {
		return fmt.Errorf("keys.public_key: %w", err)
	}

	derived, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("keys: deriving public key: %w", err)
	}
	if string(derived) != string(pub[:]) {
		return fmt.Errorf("keys: public_key does not match private_key")
	}
	return nil
}

const (
	pemPublicKeyType  = "ENCRYPTEDMESHLINK PUBLIC KEY"
	pemPrivateKeyType = "ENCRYPTEDMESHLINK PRIVATE KEY"
)

// DecodePublicKey decodes a PEM-wrapped 32-byte Curve25519 public key.
func DecodePublicKey(s string) (*[32]byte, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != pemPublicKeyType {
		return nil, fmt.Errorf("expected PEM block of type %q", pemPublicKeyType)
	}
	if len(block.Bytes) != 32 {
		return nil, fmt.Errorf("public key must be 32 bytes, got %d", len(block.Bytes))
	}
	var out [32]byte
	copy(out[:], block.Bytes)
	return &out, nil
}

// DecodePrivateKey decodes a PEM-wrapped 32-byte Curve25519 private key.
func DecodePrivateKey(s string) (*[32]byte, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != pemPrivateKeyType {
		return nil, fmt.Errorf("expected PEM block of type %q", pemPrivateKeyType)
	}
	if len(block.Bytes) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(block.Bytes))
	}
	var out [32]byte
	copy(out[:], block.Bytes)
	return &out, nil
}

// EncodePublicKey PEM-wraps a 32-byte Curve25519 public key.
func EncodePublicKey(key [32]byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPublicKeyType, Bytes: key[:]}))
}

// EncodePrivateKey PEM-wraps a 32-byte Curve25519 private key.
func EncodePrivateKey(key [32]byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPrivateKeyType, Bytes: key[:]}))
}
