package gossip

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"bridge/internal/logging"
	"bridge/internal/types"
)

// Config configures the gossip layer
type Config struct {
	NodeName       string
	BindAddress    string
	BindPort       int
	AdvertiseAddr  string
	AdvertisePort  int
	Seeds          []string
	GossipInterval time.Duration
	ProbeInterval  time.Duration
}

// Manager manages the memberlist instance and witness propagation
type Manager struct {
	config       Config
	memberlist   *memberlist.Memberlist
	delegate     *WitnessGossipDelegate
	logger       logging.Logger
	shutdownOnce sync.Once
}

// NewManager creates the gossip layer and joins the seed nodes.
func NewManager(cfg Config, delegate *WitnessGossipDelegate, logger logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeName
	mlConfig.BindAddr = cfg.BindAddress
	mlConfig.BindPort = cfg.BindPort

	if cfg.AdvertiseAddr != "" {
		mlConfig.AdvertiseAddr = cfg.AdvertiseAddr
	}
	if cfg.AdvertisePort > 0 {
		mlConfig.AdvertisePort = cfg.AdvertisePort
	}

	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	} else {
		mlConfig.GossipInterval = 200 * time.Millisecond
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	} else {
		mlConfig.ProbeInterval = 1 * time.Second
	}

	mlConfig.Delegate = delegate
	mlConfig.Events = delegate // delegate implements EventDelegate

	// Disable memberlist logging (we use our own logger)
	mlConfig.LogOutput = nil

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}

	logger.Infof("gossip memberlist created: node %s bind %s:%d", cfg.NodeName, cfg.BindAddress, cfg.BindPort)

	m := &Manager{
		config:     cfg,
		memberlist: ml,
		delegate:   delegate,
		logger:     logger,
	}

	if len(cfg.Seeds) > 0 {
		if err := m.JoinSeeds(cfg.Seeds); err != nil {
			// Not fatal: the node can join later through other nodes.
			logger.Warnf("failed to join some gossip seeds %v: %v", cfg.Seeds, err)
		}
	}

	return m, nil
}

// JoinSeeds attempts to join the provided seed nodes
func (m *Manager) JoinSeeds(seeds []string) error {
	if len(seeds) == 0 {
		return nil
	}
	numJoined, err := m.memberlist.Join(seeds)
	if err != nil {
		return fmt.Errorf("join seeds: %w", err)
	}
	m.logger.Infof("joined gossip cluster: %d/%d seeds", numJoined, len(seeds))
	return nil
}

// Members returns the current list of cluster members
func (m *Manager) Members() []*memberlist.Node {
	return m.memberlist.Members()
}

// NumMembers returns the number of cluster members
func (m *Manager) NumMembers() int {
	return m.memberlist.NumMembers()
}

// BroadcastWitness queues a witness for propagation to peers.
func (m *Manager) BroadcastWitness(w *types.Witness) error {
	return m.delegate.QueueWitness(w)
}

// LocalNode returns the local node information
func (m *Manager) LocalNode() *memberlist.Node {
	return m.memberlist.LocalNode()
}

// Shutdown leaves the cluster gracefully and tears down memberlist.
func (m *Manager) Shutdown() error {
	var shutdownErr error
	m.shutdownOnce.Do(func() {
		m.logger.Info("shutting down gossip manager")
		if m.memberlist != nil {
			if err := m.memberlist.Leave(5 * time.Second); err != nil {
				m.logger.Warnf("failed to leave memberlist gracefully: %v", err)
			}
			if err := m.memberlist.Shutdown(); err != nil {
				shutdownErr = fmt.Errorf("shutdown memberlist: %w", err)
			}
		}
	})
	return shutdownErr
}
