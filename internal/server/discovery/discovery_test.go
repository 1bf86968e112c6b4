package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/atvirokodosprendimai/knitgrid/internal/store/storetest"
	"github.com/atvirokodosprendimai/knitgrid/internal/wgmesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPeers struct {
	peers []*wgmesh.PeerInfo
	err   error
}

func (s *stubPeers) Peers(context.Context) ([]*wgmesh.PeerInfo, error) {
	return s.peers, s.err
}

func TestSync(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	grid := storetest.Grid(t, s, "mesh")
	storetest.Node(t, s, grid, "KEY-A")

	peers := &stubPeers{peers: []*wgmesh.PeerInfo{
		{PubKey: "KEY-A", MeshIP: "10.99.0.1"},
		{PubKey: "KEY-B", MeshIP: "10.99.0.2"},
		{PubKey: ""},
	}}
	svc := NewService(s, peers, "mesh", 0)

	added, err := svc.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	added, err = svc.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)

	b, err := s.NodeByNodeID(ctx, "KEY-B")
	require.NoError(t, err)
	assert.False(t, b.Connected)
	assert.Equal(t, grid.ID, b.GridID)
	assert.Equal(t, 2, b.NodeNumber)

	// Placeholders are not scheduling candidates.
	nodes, err := s.ConnectedNodes(ctx, grid.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestSyncError(t *testing.T) {
	svc := NewService(storetest.New(t), &stubPeers{err: errors.New("socket gone")}, "mesh", 0)
	_, err := svc.Sync(context.Background())
	assert.ErrorContains(t, err, "socket gone")
}
