package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const validConfig = `
log_level: debug
identity:
  node_name: node1
  privkey_hex: "aabb"
genesis:
  set_id: 0
  validators:
    - "0x00000000000000000000000000000000000000aa"
    - "0x00000000000000000000000000000000000000bb"
bridge:
  expiry_horizon_blocks: 50
  rebroadcast_interval: 15s
gossip:
  bind_port: 7001
  seeds:
    - "10.0.0.1:7001"
storage:
  leveldb_path: /tmp/bridge-test
rpc:
  listen_addr: "127.0.0.1:8600"
metrics:
  enabled: true
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "node1", cfg.Identity.NodeName)
	assert.Equal(t, uint64(50), cfg.Bridge.ExpiryHorizonBlocks)
	assert.Equal(t, "15s", cfg.Bridge.RebroadcastInterval)
	assert.Equal(t, 7001, cfg.Gossip.BindPort)
	assert.Equal(t, []string{"10.0.0.1:7001"}, cfg.Gossip.Seeds)
	assert.Equal(t, "127.0.0.1:8600", cfg.RPC.ListenAddr)
	assert.True(t, cfg.Metrics.Enabled)

	// Defaults fill in what the file omits.
	assert.Equal(t, uint64(1000), cfg.Bridge.ProofRetentionBlocks)
	assert.Equal(t, 256, cfg.Bridge.UnknownEventBuffer)
	assert.Equal(t, "1s", cfg.Chain.PollInterval)

	vs, err := cfg.Genesis.ToValidatorSet()
	require.NoError(t, err)
	assert.Len(t, vs.Validators, 2)
	assert.Equal(t, uint64(0), vs.ID)
}

func TestLoadRejectsMissingNodeName(t *testing.T) {
	_, err := Load(writeConfig(t, `
genesis:
  validators: ["0x00000000000000000000000000000000000000aa"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node_name")
}

func TestLoadRejectsEmptyGenesis(t *testing.T) {
	_, err := Load(writeConfig(t, `
identity:
  node_name: node1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "genesis")
}

func TestLoadRejectsBadGenesisAddress(t *testing.T) {
	_, err := Load(writeConfig(t, `
identity:
  node_name: node1
genesis:
  validators: ["nope"]
`))
	require.Error(t, err)
}

func TestLoadRejectsConflictingKeys(t *testing.T) {
	_, err := Load(writeConfig(t, `
identity:
  node_name: node1
  key_file: /tmp/k
  privkey_hex: "aabb"
genesis:
  validators: ["0x00000000000000000000000000000000000000aa"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not both")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
identity:
  node_name: node1
genesis:
  validators: ["0x00000000000000000000000000000000000000aa"]
bridge:
  rebroadcast_interval: often
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rebroadcast_interval")
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, Duration("5s", time.Second))
	assert.Equal(t, time.Second, Duration("", time.Second))
	assert.Equal(t, time.Second, Duration("junk", time.Second))
}

func TestGenesisDuplicateValidator(t *testing.T) {
	g := GenesisConfig{Validators: []string{
		"0x00000000000000000000000000000000000000aa",
		"0x00000000000000000000000000000000000000aa",
	}}
	_, err := g.ToValidatorSet()
	require.Error(t, err)
}
