// Package udp2p is the root package of the peer engine: it wires the
// wire/queue/pending/registry/merkle/action/fetch/store packages together
// into a runnable Node, and carries the Config that tunes every timing
// constant the engine uses.
package udp2p

import (
	"io/ioutil"
	"os"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// SignaturePolicy gates whether the classifier requires a trailing
// signature on packets carrying a trust-sensitive body (Root, RootReply,
// PublicKey, PublicKeyReply, Datum); with SignatureRequire, unsigned ones
// are dropped before they reach the process worker.
type SignaturePolicy string

const (
	SignatureIgnore  SignaturePolicy = "ignore"
	SignatureRequire SignaturePolicy = "require"
)

// Config carries every tuning knob the engine needs instead of baking
// protocol constants into code.
type Config struct {
	ListenAddr4 string `yaml:"listen_addr4"`
	ListenAddr6 string `yaml:"listen_addr6"`

	// DirectoryURL is the HTTPS base URL used for peer discovery and
	// key/root lookup (internal/directory.Client).
	DirectoryURL string `yaml:"directory_url"`
	// DirectoryAddr is the directory server's UDP socket address, the
	// destination for Hello keep-alives and NatTraversalRequest hints
	// over UDP, a distinct channel from DirectoryURL's HTTPS API.
	DirectoryAddr string `yaml:"directory_addr"`
	PeerName      string `yaml:"peer_name"`

	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`

	LivenessTimeout   time.Duration `yaml:"liveness_timeout"`
	RetryMax          int           `yaml:"retry_max"`
	RetryBaseInterval time.Duration `yaml:"retry_base_interval"`
	RetryCap          time.Duration `yaml:"retry_cap"`
	HelloTimeout      time.Duration `yaml:"hello_timeout"`
	GetDatumTimeout   time.Duration `yaml:"get_datum_timeout"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	RetransmitTick    time.Duration `yaml:"retransmit_tick"`
	RegisterAttempts  int           `yaml:"register_attempts"`

	ChunkSize   int `yaml:"chunk_size"`
	MaxChildren int `yaml:"max_children"`

	SignaturePolicy SignaturePolicy `yaml:"signature_policy"`
}

// DefaultConfig supplies the protocol's default timing constants so they
// are overridable without code changes.
var DefaultConfig = Config{
	ListenAddr4: "0.0.0.0:6881",
	ListenAddr6: "[::]:6881",

	DirectoryURL:  "https://localhost:8443",
	DirectoryAddr: "127.0.0.1:6880",
	PeerName:      "",

	DataDir:      "~/.udp2p",
	DatabasePath: "~/.udp2p/store.db",

	LivenessTimeout:   30 * time.Second,
	RetryMax:          5,
	RetryBaseInterval: time.Second,
	RetryCap:          16 * time.Second,
	HelloTimeout:      3 * time.Second,
	GetDatumTimeout:   3 * time.Second,
	KeepAliveInterval: 5 * time.Second,
	RetransmitTick:    time.Second,
	RegisterAttempts:  10,

	ChunkSize:   1024,
	MaxChildren: 32,

	SignaturePolicy: SignatureIgnore,
}

// LoadConfig reads a YAML config file, falling back to DefaultConfig if the
// file does not exist, and expands `~` in path-shaped fields.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return expandPaths(&c)
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return expandPaths(&c)
}

func expandPaths(c *Config) (*Config, error) {
	var err error
	if c.DataDir, err = homedir.Expand(c.DataDir); err != nil {
		return nil, err
	}
	if c.DatabasePath, err = homedir.Expand(c.DatabasePath); err != nil {
		return nil, err
	}
	return c, nil
}
