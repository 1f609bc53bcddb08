package syncproto

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/decube/meshcore/internal/contextconfig"
	"github.com/decube/meshcore/internal/delta"
	"github.com/decube/meshcore/internal/entity"
	"github.com/decube/meshcore/internal/sandbox"
	"github.com/decube/meshcore/internal/securestream"
	"github.com/decube/meshcore/internal/storage"
	"github.com/decube/meshcore/pkg/crdt"
	"github.com/decube/meshcore/pkg/hlc"
	"github.com/stretchr/testify/require"
)

func hex32(b [32]byte) string { return hex.EncodeToString(b[:]) }

type pipeStream struct{ net.Conn }

func (p *pipeStream) CloseWrite() error { return nil }

func sessionPair(t *testing.T, cid [32]byte) (*securestream.Session, *securestream.Session) {
	t.Helper()
	a, b := net.Pipe()

	initiatorIdentity, err := securestream.GenerateIdentity()
	require.NoError(t, err)
	responderIdentity, err := securestream.GenerateIdentity()
	require.NoError(t, err)

	var initID, respID [32]byte
	copy(initID[:], initiatorIdentity.Public)
	copy(respID[:], responderIdentity.Public)

	members := contextconfig.NewStatic()
	members.SetMembers(cid, [][32]byte{initID, respID})

	type result struct {
		session *securestream.Session
		err     error
	}
	ic := make(chan result, 1)
	rc := make(chan result, 1)

	go func() {
		s, err := securestream.Handshake(context.Background(), &pipeStream{a}, cid, initiatorIdentity, responderIdentity.Public, members, respID, true)
		ic <- result{s, err}
	}()
	go func() {
		s, err := securestream.Handshake(context.Background(), &pipeStream{b}, cid, responderIdentity, initiatorIdentity.Public, members, initID, false)
		rc <- result{s, err}
	}()

	ires := <-ic
	rres := <-rc
	require.NoError(t, ires.err)
	require.NoError(t, rres.err)
	return ires.session, rres.session
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	kv := storage.NewMemoryStore()
	store, err := entity.Open(context.Background(), kv)
	require.NoError(t, err)
	return &Manager{Store: store, DAG: delta.NewDAG()}
}

func putEntity(t *testing.T, m *Manager, id entity.ID, value uint64, ts hlc.Timestamp, author [32]byte) {
	t.Helper()
	payload, err := (&crdt.GCounter{Counts: map[string]uint64{hex32(author): value}}).Marshal()
	require.NoError(t, err)
	e := &entity.Entity{
		ID:       id,
		CRDTType: crdt.TypeGCounter,
		Payload:  payload,
		Metadata: entity.Metadata{HLC: ts, Author: author},
	}
	require.NoError(t, m.Store.Put(context.Background(), e))
}

func TestFreshJoinConvergesViaSnapshot(t *testing.T) {
	author := [32]byte{1}
	full := newManager(t)
	for i := byte(0); i < 20; i++ {
		var id entity.ID
		id[0] = i
		putEntity(t, full, id, uint64(i), hlc.Timestamp{Physical: uint64(i) + 1}, author)
	}

	fresh := newManager(t)

	cid := [32]byte{7}
	initiatorSess, responderSess := sessionPair(t, cid)
	defer initiatorSess.Close()
	defer responderSess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	respErrCh := make(chan error, 1)
	go func() { respErrCh <- full.RunResponder(ctx, responderSess) }()

	result, err := fresh.RunInitiator(ctx, initiatorSess)
	require.NoError(t, err)
	require.NoError(t, <-respErrCh)
	require.Equal(t, Converged, result.Outcome)
	require.Equal(t, full.Store.RootHash(), fresh.Store.RootHash())
}

func TestLinearCatchUpConvergesViaDeltaCatchup(t *testing.T) {
	author := [32]byte{1}
	ahead := newManager(t)
	behind := newManager(t)

	for i := byte(0); i < 3; i++ {
		var id entity.ID
		id[0] = i
		ts := hlc.Timestamp{Physical: uint64(i) + 1}
		putEntity(t, ahead, id, uint64(i), ts, author)

		payload, err := (&crdt.GCounter{Counts: map[string]uint64{hex32(author): uint64(i)}}).Marshal()
		require.NoError(t, err)
		actionBatch, err := json.Marshal([]sandbox.Action{{EntityID: id, CRDTType: string(crdt.TypeGCounter), Payload: payload}})
		require.NoError(t, err)
		ahead.DAG.AppendLocal(author, ts, actionBatch, ahead.Store.RootHash(), [24]byte{})

		if i == 0 {
			putEntity(t, behind, id, uint64(i), ts, author)
			behind.DAG.AppendLocal(author, ts, actionBatch, behind.Store.RootHash(), [24]byte{})
		}
	}

	cid := [32]byte{9}
	initiatorSess, responderSess := sessionPair(t, cid)
	defer initiatorSess.Close()
	defer responderSess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	respErrCh := make(chan error, 1)
	go func() { respErrCh <- ahead.RunResponder(ctx, responderSess) }()

	result, err := behind.RunInitiator(ctx, initiatorSess)
	require.NoError(t, err)
	require.NoError(t, <-respErrCh)
	require.Contains(t, []Outcome{Converged, PartialProgress}, result.Outcome)
	require.ElementsMatch(t, ahead.DAG.Heads(), behind.DAG.Heads())
	require.Equal(t, ahead.Store.RootHash(), behind.Store.RootHash())
}

func putLWW(t *testing.T, m *Manager, id entity.ID, value string, ts hlc.Timestamp, author [32]byte) {
	t.Helper()
	payload, err := (&crdt.LWWRegister{Value: []byte(value)}).Marshal()
	require.NoError(t, err)
	e := &entity.Entity{
		ID:       id,
		CRDTType: crdt.TypeLWWRegister,
		Payload:  payload,
		Metadata: entity.Metadata{HLC: ts, Author: author},
	}
	require.NoError(t, m.Store.Put(context.Background(), e))
}

// runBidirectionalSync runs one initiator round in each direction over two
// independent sessions, mirroring how two replicas in the field each pull
// from the other rather than sharing a single round trip.
func runBidirectionalSync(t *testing.T, a, b *Manager, cid [32]byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aInit, bResp := sessionPair(t, cid)
	defer aInit.Close()
	defer bResp.Close()
	respErrCh := make(chan error, 1)
	go func() { respErrCh <- b.RunResponder(ctx, bResp) }()
	_, err := a.RunInitiator(ctx, aInit)
	require.NoError(t, err)
	require.NoError(t, <-respErrCh)

	bInit, aResp := sessionPair(t, cid)
	defer bInit.Close()
	defer aResp.Close()
	respErrCh2 := make(chan error, 1)
	go func() { respErrCh2 <- a.RunResponder(ctx, aResp) }()
	_, err = b.RunInitiator(ctx, bInit)
	require.NoError(t, err)
	require.NoError(t, <-respErrCh2)
}

func TestConcurrentLWWWritersConvergeAfterBidirectionalSync(t *testing.T) {
	authorA := [32]byte{1}
	authorB := [32]byte{2}

	a := newManager(t)
	b := newManager(t)

	var xID entity.ID
	xID[0] = 0x42
	putLWW(t, a, xID, "a", hlc.Timestamp{Physical: 100}, authorA)
	putLWW(t, b, xID, "b", hlc.Timestamp{Physical: 200}, authorB)

	cid := [32]byte{11}
	runBidirectionalSync(t, a, b, cid)

	require.Equal(t, a.Store.RootHash(), b.Store.RootHash())

	got, err := a.Store.Get(context.Background(), xID)
	require.NoError(t, err)
	var reg crdt.LWWRegister
	require.NoError(t, reg.Unmarshal(got.Payload))
	require.Equal(t, "b", string(reg.Value))
}

func TestConcurrentGCounterWritersConvergeAfterBidirectionalSync(t *testing.T) {
	authorA := [32]byte{3}
	authorB := [32]byte{4}

	a := newManager(t)
	b := newManager(t)

	var counterID entity.ID
	counterID[0] = 0x99
	putEntity(t, a, counterID, 3, hlc.Timestamp{Physical: 1}, authorA)
	putEntity(t, b, counterID, 5, hlc.Timestamp{Physical: 1}, authorB)

	cid := [32]byte{12}
	runBidirectionalSync(t, a, b, cid)

	require.Equal(t, a.Store.RootHash(), b.Store.RootHash())

	gotA, err := a.Store.Get(context.Background(), counterID)
	require.NoError(t, err)
	var counter crdt.GCounter
	require.NoError(t, counter.Unmarshal(gotA.Payload))
	require.Equal(t, uint64(8), counter.Value())
}

func TestPrunedHistoryFallsBackToSnapshot(t *testing.T) {
	author := [32]byte{5}

	ahead := newManager(t)
	var id entity.ID
	id[0] = 1
	ts := hlc.Timestamp{Physical: 1}
	putEntity(t, ahead, id, 1, ts, author)
	// ahead's DAG contains a delta the fresh replica below can never
	// present as a known head, so PathFrom below has nothing to walk back
	// to and must report NoPath.
	ahead.DAG.AppendLocal(author, ts, []byte{1}, ahead.Store.RootHash(), [24]byte{})

	unrelatedHeads := []delta.ID{{0xFF}}

	cid := [32]byte{13}
	initiatorSess, responderSess := sessionPair(t, cid)
	defer initiatorSess.Close()
	defer responderSess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	respErrCh := make(chan error, 1)
	go func() { respErrCh <- RunDeltaCatchupResponder(ctx, responderSess, ahead.DAG) }()

	wireHeads := make([][32]byte, len(unrelatedHeads))
	for i, h := range unrelatedHeads {
		wireHeads[i] = [32]byte(h)
	}
	require.NoError(t, sendJSON(ctx, initiatorSess, deltaCatchupRequest{Heads: wireHeads}))
	var resp deltaCatchupResponse
	require.NoError(t, recvJSON(ctx, initiatorSess, &resp))
	require.NoError(t, <-respErrCh)

	require.True(t, resp.NoPath)
}
