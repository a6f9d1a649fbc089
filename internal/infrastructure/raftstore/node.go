package raftstore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/negotiation-hub/negotiation-hub/internal/infrastructure/memory"
)

// ErrNotLeader is returned for writes proposed on a follower.
var ErrNotLeader = raft.ErrNotLeader

// Config defines one Raft node runtime.
type Config struct {
	NodeID         string
	RaftAddr       string
	DataDir        string
	Bootstrap      bool
	SnapshotRetain int
	ApplyTimeout   time.Duration
	// SigningKey signs proposed commands. A fresh key is generated when empty.
	SigningKey ed25519.PrivateKey
	LogOutput  io.Writer

	tune func(*raft.Config)
}

// Node wraps Raft and the replicated negotiation table.
type Node struct {
	id           string
	raftAddr     string
	applyTimeout time.Duration
	signingKey   ed25519.PrivateKey

	raft      *raft.Raft
	transport raft.Transport
	table     *memory.Table
}

func (c Config) normalized() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.RaftAddr = strings.TrimSpace(c.RaftAddr)
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.NodeID == "" {
		return c, errors.New("node_id is required")
	}
	if c.RaftAddr == "" {
		return c, errors.New("raft_addr is required")
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 2
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.LogOutput == nil {
		c.LogOutput = os.Stderr
	}
	if len(c.SigningKey) == 0 {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return c, err
		}
		c.SigningKey = key
	}
	return c, nil
}

// NewNode creates a Raft node persisting its log in BoltDB under DataDir.
func NewNode(cfg Config) (*Node, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		return nil, errors.New("data_dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		return nil, err
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
	if err != nil {
		return nil, err
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, cfg.SnapshotRetain, cfg.LogOutput)
	if err != nil {
		return nil, err
	}
	transport, err := raft.NewTCPTransport(cfg.RaftAddr, nil, 3, 10*time.Second, cfg.LogOutput)
	if err != nil {
		return nil, err
	}
	return newNode(cfg, logStore, stableStore, snapshotStore, transport)
}

// NewInmemNode creates a node that keeps everything in memory. The returned
// transport can be connected to other in-memory nodes.
func NewInmemNode(cfg Config) (*Node, *raft.InmemTransport, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, nil, err
	}
	store := raft.NewInmemStore()
	_, transport := raft.NewInmemTransport(raft.ServerAddress(cfg.RaftAddr))
	n, err := newNode(cfg, store, store, raft.NewInmemSnapshotStore(), transport)
	if err != nil {
		return nil, nil, err
	}
	return n, transport, nil
}

func newNode(cfg Config, logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore, transport raft.Transport) (*Node, error) {
	table := memory.NewTable()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.LogOutput = cfg.LogOutput
	if cfg.tune != nil {
		cfg.tune(raftCfg)
	}
	r, err := raft.NewRaft(raftCfg, &fsm{table: table}, logs, stable, snaps, transport)
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:           cfg.NodeID,
		raftAddr:     string(transport.LocalAddr()),
		applyTimeout: cfg.ApplyTimeout,
		signingKey:   cfg.SigningKey,
		raft:         r,
		transport:    transport,
		table:        table,
	}

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(logs, stable, snaps)
		if err != nil {
			return nil, err
		}
		if !hasState {
			future := r.BootstrapCluster(raft.Configuration{Servers: []raft.Server{{
				ID:      raft.ServerID(cfg.NodeID),
				Address: transport.LocalAddr(),
			}}})
			if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
				return nil, err
			}
		}
	}

	return n, nil
}

// propose signs cmd and replicates it through Raft. It returns the table
// snapshots the command produced.
func (n *Node) propose(ctx context.Context, cmd Command) (applyResult, error) {
	if err := cmd.Sign(n.signingKey); err != nil {
		return applyResult{}, err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return applyResult{}, err
	}
	timeout := n.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return applyResult{}, context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return applyResult{}, err
	}
	switch resp := future.Response().(type) {
	case error:
		return applyResult{}, resp
	case applyResult:
		return resp, nil
	default:
		return applyResult{}, nil
	}
}

// AddVoter joins or updates one voter in the cluster config.
func (n *Node) AddVoter(ctx context.Context, nodeID, raftAddr string) error {
	nodeID = strings.TrimSpace(nodeID)
	raftAddr = strings.TrimSpace(raftAddr)
	if nodeID == "" || raftAddr == "" {
		return errors.New("node_id and raft_addr are required")
	}
	cfgFuture := n.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return err
	}
	for _, srv := range cfgFuture.Configuration().Servers {
		if srv.ID == raft.ServerID(nodeID) && srv.Address == raft.ServerAddress(raftAddr) {
			return nil
		}
		if srv.ID == raft.ServerID(nodeID) || srv.Address == raft.ServerAddress(raftAddr) {
			if err := n.raft.RemoveServer(srv.ID, 0, n.raftTimeout(ctx)).Error(); err != nil {
				return err
			}
		}
	}
	return n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, n.raftTimeout(ctx)).Error()
}

// RemoveServer removes one server by node ID.
func (n *Node) RemoveServer(ctx context.Context, nodeID string) error {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return errors.New("node_id is required")
	}
	return n.raft.RemoveServer(raft.ServerID(nodeID), 0, n.raftTimeout(ctx)).Error()
}

func (n *Node) raftTimeout(ctx context.Context) time.Duration {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// WaitForLeader waits until any leader is elected.
func (n *Node) WaitForLeader(ctx context.Context, pollInterval time.Duration) (string, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		leader := strings.TrimSpace(string(n.raft.Leader()))
		if leader != "" {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Barrier blocks until every preceding write is applied to the local table.
func (n *Node) Barrier(ctx context.Context) error {
	return n.raft.Barrier(n.raftTimeout(ctx)).Error()
}

func (n *Node) ID() string           { return n.id }
func (n *Node) RaftAddr() string     { return n.raftAddr }
func (n *Node) Table() *memory.Table { return n.table }
func (n *Node) IsLeader() bool       { return n.raft.State() == raft.Leader }
func (n *Node) LeaderAddr() string   { return strings.TrimSpace(string(n.raft.Leader())) }

func (n *Node) State() string {
	return n.raft.State().String()
}

func (n *Node) Stats() map[string]string {
	return n.raft.Stats()
}

// Shutdown stops Raft and closes the transport.
func (n *Node) Shutdown() error {
	var shutdownErr error
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			shutdownErr = err
		}
	}
	if closer, ok := n.transport.(io.Closer); ok {
		_ = closer.Close()
	}
	return shutdownErr
}
