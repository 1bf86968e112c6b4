// Package discovery registers WireGuard mesh peers as host nodes so
// that they are known before their agents first report.
package discovery

import (
	"context"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/ctxlog"
	"github.com/atvirokodosprendimai/knitgrid/internal/store"
	"github.com/atvirokodosprendimai/knitgrid/internal/wgmesh"
	"github.com/sirupsen/logrus"
)

// PeerLister lists mesh peers. Implemented by *wgmesh.Client.
type PeerLister interface {
	Peers(ctx context.Context) ([]*wgmesh.PeerInfo, error)
}

// Service syncs mesh peers into one grid.
type Service struct {
	store    *store.Store
	peers    PeerLister
	grid     string
	interval time.Duration
}

// NewService returns a discovery service adding peers to the named
// grid every interval.
func NewService(s *store.Store, peers PeerLister, grid string, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Service{store: s, peers: peers, grid: grid, interval: interval}
}

// Run syncs immediately and then every interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	logger := ctxlog.FromContext(ctx).WithField("Grid", s.grid)
	logger.Info("starting wg-mesh discovery")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sync(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("wg-mesh sync failed")
		}
		select {
		case <-ctx.Done():
			logger.Info("stopping wg-mesh discovery")
			return
		case <-ticker.C:
		}
	}
}

// Sync makes sure every current peer has a node record and returns how
// many were added. The peer's public key is its node id; the agent's
// first heartbeat fills in the rest and marks it connected.
func (s *Service) Sync(ctx context.Context) (int, error) {
	logger := ctxlog.FromContext(ctx)
	peers, err := s.peers.Peers(ctx)
	if err != nil {
		return 0, err
	}
	if len(peers) == 0 {
		logger.Debug("no peers returned from wg-mesh")
		return 0, nil
	}
	grid, err := s.store.EnsureGrid(ctx, s.grid)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, peer := range peers {
		if peer == nil || peer.PubKey == "" {
			continue
		}
		created, err := s.store.EnsureNode(ctx, grid.ID, peer.PubKey)
		if err != nil {
			logger.WithError(err).WithField("Peer", peer.PubKey).Error("error creating node record")
			continue
		}
		if created {
			added++
			logger.WithFields(logrus.Fields{"Peer": peer.PubKey, "MeshIP": peer.MeshIP}).Info("discovered new node from mesh")
		}
	}
	return added, nil
}
