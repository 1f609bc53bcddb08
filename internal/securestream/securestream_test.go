package securestream

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/decube/meshcore/internal/contextconfig"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateIdentityPersistsAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "identity.key")

	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	require.Equal(t, first.Public, second.Public)
	require.Equal(t, first.Private, second.Private)
}

// pipeStream adapts net.Conn to network.Stream for tests, same shape as
// internal/network's MemoryNetwork adapter.
type pipeStream struct {
	net.Conn
}

func (p *pipeStream) CloseWrite() error { return nil }

func peerIDOf(i *Identity) [32]byte {
	var id [32]byte
	copy(id[:], i.Public)
	return id
}

func handshakingPair(t *testing.T, cid [32]byte) (*Session, *Session, *Identity, *Identity) {
	t.Helper()
	a, b := net.Pipe()

	clientIdentity, err := GenerateIdentity()
	require.NoError(t, err)
	serverIdentity, err := GenerateIdentity()
	require.NoError(t, err)

	members := contextconfig.NewStatic()
	members.SetMembers(cid, [][32]byte{peerIDOf(clientIdentity), peerIDOf(serverIdentity)})

	type result struct {
		session *Session
		err     error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		s, err := Handshake(context.Background(), &pipeStream{a}, cid, clientIdentity, serverIdentity.Public, members, peerIDOf(serverIdentity), true)
		clientCh <- result{s, err}
	}()
	go func() {
		s, err := Handshake(context.Background(), &pipeStream{b}, cid, serverIdentity, clientIdentity.Public, members, peerIDOf(clientIdentity), false)
		serverCh <- result{s, err}
	}()

	clientRes := <-clientCh
	serverRes := <-serverCh
	require.NoError(t, clientRes.err)
	require.NoError(t, serverRes.err)

	return clientRes.session, serverRes.session, clientIdentity, serverIdentity
}

func TestHandshakeEstablishesWorkingSession(t *testing.T) {
	cid := [32]byte{1}
	client, server, _, _ := handshakingPair(t, cid)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- client.SendInit(ctx, SubProtocolSyncDialog) }()
	sub, err := server.RecvInit(ctx)
	require.NoError(t, <-done)
	require.NoError(t, err)
	require.Equal(t, SubProtocolSyncDialog, sub)

	go func() { done <- client.SendMessage(ctx, []byte("hello sync")) }()
	msg, err := server.RecvMessage(ctx)
	require.NoError(t, <-done)
	require.NoError(t, err)
	require.Equal(t, "hello sync", string(msg))
}

func TestHandshakeRejectsNonMember(t *testing.T) {
	cid := [32]byte{1}
	a, b := net.Pipe()

	clientIdentity, err := GenerateIdentity()
	require.NoError(t, err)
	serverIdentity, err := GenerateIdentity()
	require.NoError(t, err)

	members := contextconfig.NewStatic()
	members.SetMembers(cid, [][32]byte{peerIDOf(serverIdentity)}) // client not a member

	clientErrCh := make(chan error, 1)
	go func() {
		_, err := Handshake(context.Background(), &pipeStream{a}, cid, clientIdentity, serverIdentity.Public, members, peerIDOf(serverIdentity), true)
		clientErrCh <- err
	}()

	_, serverErr := Handshake(context.Background(), &pipeStream{b}, cid, serverIdentity, clientIdentity.Public, members, peerIDOf(clientIdentity), false)
	<-clientErrCh
	require.Error(t, serverErr)
}

func TestMultipleMessagesPreserveSequenceOrder(t *testing.T) {
	cid := [32]byte{1}
	client, server, _, _ := handshakingPair(t, cid)
	defer client.Close()
	defer server.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		done := make(chan error, 1)
		payload := []byte{byte(i)}
		go func() { done <- client.SendMessage(ctx, payload) }()
		got, err := server.RecvMessage(ctx)
		require.NoError(t, <-done)
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}
}

func TestOpaqueErrorIsSurfacedAsRejected(t *testing.T) {
	cid := [32]byte{1}
	client, server, _, _ := handshakingPair(t, cid)
	defer client.Close()
	defer server.Close()

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- client.SendOpaqueError(ctx) }()
	_, err := server.RecvMessage(ctx)
	require.NoError(t, <-done)
	require.Error(t, err)
}
