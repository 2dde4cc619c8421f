package config

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"bridge/internal/types"
)

type IdentityConfig struct {
	NodeName string `mapstructure:"node_name"`
	// Exactly one of key_file / privkey_hex is required for validator
	// nodes; observers leave both empty.
	KeyFile    string `mapstructure:"key_file"`
	PrivKeyHex string `mapstructure:"privkey_hex"`
}

type GenesisConfig struct {
	SetID      uint64   `mapstructure:"set_id"`
	Validators []string `mapstructure:"validators"`
}

// ToValidatorSet parses the configured genesis addresses into the canonical
// validator set.
func (c GenesisConfig) ToValidatorSet() (*types.ValidatorSet, error) {
	vs := &types.ValidatorSet{ID: c.SetID}
	for _, a := range c.Validators {
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("genesis validator %q is not a hex address", a)
		}
		vs.Validators = append(vs.Validators, common.HexToAddress(a))
	}
	if err := vs.Validate(); err != nil {
		return nil, err
	}
	return vs, nil
}

type BridgeConfig struct {
	ExpiryHorizonBlocks    uint64 `mapstructure:"expiry_horizon_blocks"`
	SetChangeHorizonBlocks uint64 `mapstructure:"set_change_horizon_blocks"`
	ProofRetentionBlocks   uint64 `mapstructure:"proof_retention_blocks"`
	RebroadcastInterval    string `mapstructure:"rebroadcast_interval"`
	RebroadcastJitter      string `mapstructure:"rebroadcast_jitter"`
	UnknownEventBuffer     int    `mapstructure:"unknown_event_buffer"`
}

type GossipConfig struct {
	BindAddress    string   `mapstructure:"bind_address"`
	BindPort       int      `mapstructure:"bind_port"`
	AdvertiseAddr  string   `mapstructure:"advertise_addr"`
	AdvertisePort  int      `mapstructure:"advertise_port"`
	Seeds          []string `mapstructure:"seeds"`
	GossipInterval string   `mapstructure:"gossip_interval"`
	ProbeInterval  string   `mapstructure:"probe_interval"`
}

type StorageConfig struct {
	LevelDBPath string `mapstructure:"leveldb_path"`
}

type RPCConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type ChainConfig struct {
	// Path of the finality feed consumed by the node: a stream of
	// JSON-encoded finality notifications (file or named pipe).
	FeedPath string `mapstructure:"feed_path"`
	// Poll interval when tailing a plain file.
	PollInterval string `mapstructure:"poll_interval"`
}

type AppConfig struct {
	LogLevel string         `mapstructure:"log_level"`
	Identity IdentityConfig `mapstructure:"identity"`
	Genesis  GenesisConfig  `mapstructure:"genesis"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Gossip   GossipConfig   `mapstructure:"gossip"`
	Storage  StorageConfig  `mapstructure:"storage"`
	RPC      RPCConfig      `mapstructure:"rpc"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Chain    ChainConfig    `mapstructure:"chain"`
}

func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("bridge.expiry_horizon_blocks", 100)
	v.SetDefault("bridge.proof_retention_blocks", 1000)
	v.SetDefault("bridge.rebroadcast_interval", "30s")
	v.SetDefault("bridge.rebroadcast_jitter", "10s")
	v.SetDefault("bridge.unknown_event_buffer", 256)
	v.SetDefault("gossip.bind_address", "0.0.0.0")
	v.SetDefault("gossip.bind_port", 7946)
	v.SetDefault("storage.leveldb_path", "data/bridge")
	v.SetDefault("rpc.listen_addr", "127.0.0.1:8545")
	v.SetDefault("metrics.listen_addr", "127.0.0.1:9090")
	v.SetDefault("chain.poll_interval", "1s")
}

// Validate checks the fields that would otherwise fail deep inside startup.
func (c *AppConfig) Validate() error {
	if c.Identity.NodeName == "" {
		return fmt.Errorf("identity.node_name is required")
	}
	if c.Identity.KeyFile != "" && c.Identity.PrivKeyHex != "" {
		return fmt.Errorf("identity: set key_file or privkey_hex, not both")
	}
	if len(c.Genesis.Validators) == 0 {
		return fmt.Errorf("genesis.validators must not be empty")
	}
	if _, err := c.Genesis.ToValidatorSet(); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	if c.Storage.LevelDBPath == "" {
		return fmt.Errorf("storage.leveldb_path is required")
	}
	for _, d := range []struct{ name, raw string }{
		{"bridge.rebroadcast_interval", c.Bridge.RebroadcastInterval},
		{"bridge.rebroadcast_jitter", c.Bridge.RebroadcastJitter},
		{"gossip.gossip_interval", c.Gossip.GossipInterval},
		{"gossip.probe_interval", c.Gossip.ProbeInterval},
		{"chain.poll_interval", c.Chain.PollInterval},
	} {
		if d.raw == "" {
			continue
		}
		if _, err := time.ParseDuration(d.raw); err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}
	return nil
}

// Duration parses a duration field that Validate already checked, falling
// back when unset.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
