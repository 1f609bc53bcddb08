package replica

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/decube/meshcore/internal/contextconfig"
	"github.com/decube/meshcore/internal/network"
	"github.com/decube/meshcore/internal/sandbox"
	"github.com/decube/meshcore/internal/securestream"
	"github.com/decube/meshcore/internal/storage"
	"github.com/decube/meshcore/pkg/crdt"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func peerIDFor(identity [32]byte) libp2pPeer.ID {
	return libp2pPeer.ID(hex.EncodeToString(identity[:]))
}

func newTestNode(t *testing.T, fabric *network.MemoryFabric, members *contextconfig.Static) (*Node, [32]byte, *network.MemoryNetwork) {
	t.Helper()
	identity, err := securestream.GenerateIdentity()
	require.NoError(t, err)
	var id [32]byte
	copy(id[:], identity.Public)

	net := fabric.NewPeer(peerIDFor(id))
	node := NewNode(identity, net, members, sandbox.NewMock())
	return node, id, net
}

func TestExecuteBroadcastsAndPeerConverges(t *testing.T) {
	fabric := network.NewMemoryFabric()
	members := contextconfig.NewStatic()

	nodeA, aID, _ := newTestNode(t, fabric, members)
	nodeB, bID, _ := newTestNode(t, fabric, members)

	cid := [32]byte{1}
	members.SetMembers(cid, [][32]byte{aID, bID})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer nodeA.Close()
	defer nodeB.Close()

	key := [32]byte{9}
	rcA, err := nodeA.Open(ctx, OpenContextOpts{ContextID: cid, KV: storage.NewMemoryStore(), BroadcastKey: key})
	require.NoError(t, err)
	rcB, err := nodeB.Open(ctx, OpenContextOpts{ContextID: cid, KV: storage.NewMemoryStore(), BroadcastKey: key})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond) // let both subscriptions register before the publish

	mockA := nodeA.executor.(*sandbox.Mock)
	gcounter, err := (&crdt.GCounter{Counts: map[string]uint64{hex.EncodeToString(aID[:]): 3}}).Marshal()
	require.NoError(t, err)
	var entityID [32]byte
	entityID[0] = 0xAB
	mockA.Results["increment"] = &sandbox.Result{
		Actions: []sandbox.Action{{EntityID: entityID, CRDTType: string(crdt.TypeGCounter), Payload: gcounter}},
	}

	_, err = rcA.Execute(ctx, "increment", []byte("payload"), aID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rcB.Store.RootHash() == rcA.Store.RootHash() && rcA.Store.RootHash() != [32]byte{}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFreshNodeJoinsViaDialedSync(t *testing.T) {
	fabric := network.NewMemoryFabric()
	members := contextconfig.NewStatic()

	full, fullID, fullNet := newTestNode(t, fabric, members)
	fresh, freshID, _ := newTestNode(t, fabric, members)

	cid := [32]byte{2}
	members.SetMembers(cid, [][32]byte{fullID, freshID})
	full.LearnPeer(freshID, peerIDFor(freshID))
	fresh.LearnPeer(fullID, peerIDFor(fullID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer full.Close()
	defer fresh.Close()

	key := [32]byte{9}
	fullRC, err := full.Open(ctx, OpenContextOpts{ContextID: cid, KV: storage.NewMemoryStore(), BroadcastKey: key})
	require.NoError(t, err)
	freshRC, err := fresh.Open(ctx, OpenContextOpts{ContextID: cid, KV: storage.NewMemoryStore(), BroadcastKey: key})
	require.NoError(t, err)

	fullNet.SetStreamHandler(full.StreamHandler())

	for i := byte(0); i < 10; i++ {
		mockFull := full.executor.(*sandbox.Mock)
		var entityID [32]byte
		entityID[0] = i
		gcounter, err := (&crdt.GCounter{Counts: map[string]uint64{hex.EncodeToString(fullID[:]): uint64(i) + 1}}).Marshal()
		require.NoError(t, err)
		mockFull.Results["seed"] = &sandbox.Result{
			Actions: []sandbox.Action{{EntityID: entityID, CRDTType: string(crdt.TypeGCounter), Payload: gcounter}},
		}
		_, err = fullRC.Execute(ctx, "seed", nil, fullID)
		require.NoError(t, err)
	}

	require.NoError(t, freshRC.SyncNow(ctx, fullID))

	require.Equal(t, fullRC.Store.RootHash(), freshRC.Store.RootHash())
}
