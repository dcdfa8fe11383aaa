package cluster

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

type NodeID string

type TLSMode struct {
	Enable                   bool          `yaml:"enable"`
	CertFile                 string        `yaml:"cert_file"`
	KeyFile                  string        `yaml:"key_file"`
	CAFile                   string        `yaml:"ca_file"`
	RequireClientCert        bool          `yaml:"require_client_cert"`
	MinVersion               uint16        `yaml:"min_version"`
	PreferServerCipherSuites bool          `yaml:"prefer_server_cipher_suites"`
	CipherSuites             []uint16      `yaml:"cipher_suites"`
	CurvePreferences         []tls.CurveID `yaml:"curve_preferences"`
}

type Security struct {
	AuthToken          string        `yaml:"auth_token"`
	TLS                TLSMode       `yaml:"tls"`
	MaxFrameSize       int           `yaml:"max_frame_size"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	SendTimeout        time.Duration `yaml:"send_timeout"`
	MaxInflightPerPeer int           `yaml:"max_inflight_per_peer"`
	ReadBufSize        int           `yaml:"read_buf_size"`
	WriteBufSize       int           `yaml:"write_buf_size"`
	// UpdateQPS bounds inbound window updates per sending replica. Zero
	// disables the limit.
	UpdateQPS   int `yaml:"update_qps"`
	UpdateBurst int `yaml:"update_burst"`
}

type Config struct {
	ID             NodeID        `yaml:"id"`
	BindAddr       string        `yaml:"bind_addr"`
	PublicURL      string        `yaml:"public_url"`
	Seeds          []string      `yaml:"seeds"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	SuspicionAfter time.Duration `yaml:"suspicion_after"`
	TombstoneAfter time.Duration `yaml:"tombstone_after"`
	Sec            Security      `yaml:"security"`
	PerConnWorkers int           `yaml:"per_conn_workers"`
	PerConnQueue   int           `yaml:"per_conn_queue"`
}

func Default() Config {
	return Config{
		GossipInterval: 500 * time.Millisecond,
		SuspicionAfter: 2 * time.Second,
		TombstoneAfter: 30 * time.Second,
		Sec: Security{
			MaxFrameSize:       1 << 20,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			IdleTimeout:        10 * time.Second,
			SendTimeout:        2 * time.Second,
			MaxInflightPerPeer: 256,
			ReadBufSize:        32 << 10,
			WriteBufSize:       32 << 10,
			TLS: TLSMode{
				PreferServerCipherSuites: true,
			},
		},
		PerConnWorkers: 8,
		PerConnQueue:   64,
	}
}

// FillDefaults replaces zero values with the ones from Default.
func (c *Config) FillDefaults() {
	d := Default()
	if c.GossipInterval <= 0 {
		c.GossipInterval = d.GossipInterval
	}
	if c.SuspicionAfter <= 0 {
		c.SuspicionAfter = d.SuspicionAfter
	}
	if c.TombstoneAfter <= 0 {
		c.TombstoneAfter = d.TombstoneAfter
	}
	if c.Sec.MaxFrameSize <= 0 {
		c.Sec.MaxFrameSize = d.Sec.MaxFrameSize
	}
	if c.Sec.ReadTimeout <= 0 {
		c.Sec.ReadTimeout = d.Sec.ReadTimeout
	}
	if c.Sec.WriteTimeout <= 0 {
		c.Sec.WriteTimeout = d.Sec.WriteTimeout
	}
	if c.Sec.IdleTimeout <= 0 {
		c.Sec.IdleTimeout = d.Sec.IdleTimeout
	}
	if c.Sec.SendTimeout <= 0 {
		c.Sec.SendTimeout = d.Sec.SendTimeout
	}
	if c.Sec.MaxInflightPerPeer <= 0 {
		c.Sec.MaxInflightPerPeer = d.Sec.MaxInflightPerPeer
	}
	if c.Sec.ReadBufSize <= 0 {
		c.Sec.ReadBufSize = d.Sec.ReadBufSize
	}
	if c.Sec.WriteBufSize <= 0 {
		c.Sec.WriteBufSize = d.Sec.WriteBufSize
	}
	if c.Sec.UpdateQPS > 0 && c.Sec.UpdateBurst <= 0 {
		c.Sec.UpdateBurst = c.Sec.UpdateQPS
	}
	if c.PerConnWorkers <= 0 {
		c.PerConnWorkers = d.PerConnWorkers
	}
	if c.PerConnQueue <= 0 {
		c.PerConnQueue = c.PerConnWorkers * 2
	}
	if c.PublicURL != "" {
		c.EnsureID()
	}
}

// EnsureID assigns a stable ID when not provided.
// Default: 16-hex digest of PublicURL.
func (c *Config) EnsureID() {
	if c.ID != "" {
		return
	}
	sum := xxhash.Sum64String(c.PublicURL)
	c.ID = NodeID(fmt.Sprintf("%016x", sum))
}
