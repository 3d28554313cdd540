package offload

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"
)

var sep = string(os.PathSeparator)

const (
	// defaultMaxMessage bounds one encoded frame list on the wire.
	defaultMaxMessage = 64 * 1024 * 1024

	defaultSendQueueLen = 1024
)

// Config says how sockets talk to their peers. The
// same Config is shared by every socket made from one
// Context.
type Config struct {

	// Name shows up in log lines.
	Name string

	// CompressAlgo picks what we compress outgoing frame
	// lists with: "" or "none", "s2", "zstd", or "lz4". Receivers
	// understand all of them regardless of their own setting.
	CompressAlgo string

	// These are timeouts for connection and transport tuning.
	// The defaults of 0 mean wait forever.
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	// ReconnectInterval is how long Connect waits before
	// redialing a lost or refused peer.
	ReconnectInterval time.Duration

	// SendQueueLen is the per-peer high-water mark: how many
	// frame lists may wait to be written. A DEALER with no
	// connected peer also queues up to this many.
	SendQueueLen int

	// MaxMessage is the largest encoded frame list we will
	// send or accept.
	MaxMessage int

	// TLSConfig is required for tls:// and quic:// endpoints.
	// Servers need Certificates; clients need RootCAs (or
	// InsecureSkipVerify).
	TLSConfig *tls.Config

	// QUICKeepAlive is the quic.Config KeepAlivePeriod.
	QUICKeepAlive time.Duration

	// DefaultTimeout is the front end's gateway timeout for
	// routes that do not set their own. 0 means wait forever.
	DefaultTimeout time.Duration
}

// NewConfig returns a Config with the defaults filled in.
func NewConfig() *Config {
	return &Config{
		Name:              "offload",
		ConnectTimeout:    10 * time.Second,
		ReconnectInterval: 100 * time.Millisecond,
		SendQueueLen:      defaultSendQueueLen,
		MaxMessage:        defaultMaxMessage,
		QUICKeepAlive:     5 * time.Second,
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	switch c.CompressAlgo {
	case "", "none", "s2", "zstd", "lz4":
	default:
		return fmt.Errorf("unknown CompressAlgo '%v'; use one of: none, s2, zstd, lz4", c.CompressAlgo)
	}
	if c.SendQueueLen < 0 {
		return fmt.Errorf("SendQueueLen must not be negative: %v", c.SendQueueLen)
	}
	if c.MaxMessage < 0 {
		return fmt.Errorf("MaxMessage must not be negative: %v", c.MaxMessage)
	}
	return nil
}

func (c *Config) maxMessage() int {
	if c.MaxMessage <= 0 {
		return defaultMaxMessage
	}
	return c.MaxMessage
}

func (c *Config) sendQueueLen() int {
	if c.SendQueueLen <= 0 {
		return defaultSendQueueLen
	}
	return c.SendQueueLen
}

// GetCertsDir tells us where to look for the
// certificates and key pairs the tls:// and quic://
// transports use, creating the directory if needed.
//
// Use $XDG_CONFIG_HOME/offload/certs if XDG_CONFIG_HOME
// is set, else $HOME/.config/offload/certs. If we cannot
// find either of those, we use ./certs.
func GetCertsDir() (path string, err error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	home := os.Getenv("HOME")
	base := "certs"
	suffix := sep + "offload" + sep + base
	switch {
	case dir != "":
		path = dir + suffix
	case home != "":
		path = home + sep + ".config" + suffix
	default:
		path = base
	}
	err = os.MkdirAll(path, 0700)
	return
}
