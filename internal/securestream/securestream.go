// Package securestream implements the authenticated, encrypted transport
// two peers exchange sync and broadcast traffic over: a mutual
// challenge-response handshake binding the stream to each side's context
// identity, an X25519/HKDF key exchange sealing the session, and
// sequenced AES-256-GCM frames rejecting any out-of-order or duplicate
// delivery (component design §6).
package securestream

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/decube/meshcore/internal/contextconfig"
	"github.com/decube/meshcore/internal/network"
	"github.com/decube/meshcore/internal/syncerr"
	"github.com/decube/meshcore/internal/wire"
)

// Identity is a context participant's signing keypair, grounded directly
// on decub-crypto's Ed25519KeyPair (same generate/sign/verify shape).
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateIdentity creates a fresh Ed25519 identity.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("securestream: generate identity: %w", err)
	}
	return &Identity{Public: pub, Private: priv}, nil
}

// LoadOrCreateIdentity reads the Ed25519 seed stored at path, or
// generates a fresh identity and writes its seed there if the file does
// not exist yet. A context's membership list is keyed by public key, so
// a node's identity must survive process restarts rather than be
// regenerated every run.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("securestream: identity file %s has wrong length", path)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &Identity{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("securestream: read identity file: %w", err)
	}

	identity, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("securestream: create identity dir: %w", err)
	}
	if err := os.WriteFile(path, identity.Private.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("securestream: write identity file: %w", err)
	}
	return identity, nil
}

// SubProtocol names what a secure stream is being used for; the first
// frame after the handshake always declares one (Init-then-Message
// framing), grounded on
// original_source/crates/node/primitives/src/sync/direct.rs's tagged
// sub-protocol enum.
type SubProtocol uint8

const (
	SubProtocolSyncDialog SubProtocol = iota
	SubProtocolDeltaRequest
	SubProtocolDagHeadsQuery
	SubProtocolBlobShare
	SubProtocolKeyShare
)

const challengeSize = 32

// Handshake performs the mutual challenge-response authentication,
// membership check, and X25519/HKDF key exchange, returning an encrypted
// Session ready to carry framed sub-protocol traffic. isInitiator breaks
// the symmetry of who speaks first and which HKDF sub-key each side sends
// with.
func Handshake(
	ctx context.Context,
	stream network.Stream,
	contextID [32]byte,
	local *Identity,
	remotePublic ed25519.PublicKey,
	members contextconfig.Provider,
	remotePeerID [32]byte,
	isInitiator bool,
) (*Session, error) {
	localChallenge := make([]byte, challengeSize)
	if _, err := io.ReadFull(rand.Reader, localChallenge); err != nil {
		return nil, syncerr.New(syncerr.Fatal, fmt.Errorf("generate challenge: %w", err))
	}

	remoteChallenge, err := exchangeChallenge(stream, localChallenge)
	if err != nil {
		return nil, syncerr.New(syncerr.Fatal, err)
	}

	localSig := ed25519.Sign(local.Private, remoteChallenge)
	remoteSig, err := exchangeSignature(stream, localSig)
	if err != nil {
		return nil, syncerr.New(syncerr.Fatal, err)
	}
	if !ed25519.Verify(remotePublic, localChallenge, remoteSig) {
		return nil, syncerr.New(syncerr.SignatureInvalid, fmt.Errorf("handshake signature failed verification"))
	}

	isMember, err := members.IsMember(ctx, contextID, remotePeerID)
	if err != nil {
		return nil, syncerr.New(syncerr.Fatal, fmt.Errorf("membership check: %w", err))
	}
	if !isMember {
		return nil, syncerr.New(syncerr.NotAMember, fmt.Errorf("peer is not a member of context"))
	}

	sendKey, recvKey, err := exchangeKeys(stream, isInitiator)
	if err != nil {
		return nil, syncerr.New(syncerr.Fatal, err)
	}

	return newSession(stream, sendKey, recvKey)
}

func exchangeChallenge(stream network.Stream, local []byte) ([]byte, error) {
	if _, err := stream.Write(local); err != nil {
		return nil, fmt.Errorf("send challenge: %w", err)
	}
	remote := make([]byte, challengeSize)
	if _, err := io.ReadFull(stream, remote); err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	return remote, nil
}

func exchangeSignature(stream network.Stream, local []byte) ([]byte, error) {
	if _, err := stream.Write(local); err != nil {
		return nil, fmt.Errorf("send signature: %w", err)
	}
	remote := make([]byte, ed25519.SignatureSize)
	if _, err := io.ReadFull(stream, remote); err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}
	return remote, nil
}

// exchangeKeys performs an X25519 Diffie-Hellman exchange over the
// authenticated stream and derives two directional AES-256 keys from the
// shared secret via HKDF-SHA256, so each direction uses a distinct key.
func exchangeKeys(stream network.Stream, isInitiator bool) (sendKey, recvKey [32]byte, err error) {
	var ephPriv [32]byte
	if _, err = io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return sendKey, recvKey, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return sendKey, recvKey, fmt.Errorf("derive ephemeral public key: %w", err)
	}

	if _, err = stream.Write(ephPub); err != nil {
		return sendKey, recvKey, fmt.Errorf("send ephemeral key: %w", err)
	}
	remotePub := make([]byte, 32)
	if _, err = io.ReadFull(stream, remotePub); err != nil {
		return sendKey, recvKey, fmt.Errorf("read ephemeral key: %w", err)
	}

	shared, err := curve25519.X25519(ephPriv[:], remotePub)
	if err != nil {
		return sendKey, recvKey, fmt.Errorf("compute shared secret: %w", err)
	}

	initiatorToResponder, responderToInitiator, err := deriveDirectionalKeys(shared)
	if err != nil {
		return sendKey, recvKey, err
	}
	if isInitiator {
		return initiatorToResponder, responderToInitiator, nil
	}
	return responderToInitiator, initiatorToResponder, nil
}

func deriveDirectionalKeys(shared []byte) (initiatorToResponder, responderToInitiator [32]byte, err error) {
	kdf := hkdf.New(sha256.New, shared, nil, []byte("meshcore/securestream/v1"))
	buf := make([]byte, 64)
	if _, err = io.ReadFull(kdf, buf); err != nil {
		return initiatorToResponder, responderToInitiator, fmt.Errorf("derive session keys: %w", err)
	}
	copy(initiatorToResponder[:], buf[:32])
	copy(responderToInitiator[:], buf[32:])
	return initiatorToResponder, responderToInitiator, nil
}

// Session is an authenticated, encrypted stream ready to exchange framed
// sub-protocol messages. Sequence ids are monotone per direction; a
// received frame with a sequence id not exactly one greater than the last
// is rejected, since that always means either loss (which the sync layer
// must recover from at a higher level, not by accepting gaps) or replay.
type Session struct {
	stream network.Stream

	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD

	sendSeq uint64
	recvSeq uint64

	initDeclared bool
	subProtocol  SubProtocol
}

func newSession(stream network.Stream, sendKey, recvKey [32]byte) (*Session, error) {
	sendAEAD, err := newGCM(sendKey)
	if err != nil {
		return nil, err
	}
	recvAEAD, err := newGCM(recvKey)
	if err != nil {
		return nil, err
	}
	return &Session{stream: stream, sendAEAD: sendAEAD, recvAEAD: recvAEAD}, nil
}

func newGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("securestream: create aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("securestream: create gcm: %w", err)
	}
	return gcm, nil
}

// frameNonce derives a 24-byte nonce field carried on the wire from a
// 12-byte random value plus the sequence id, so replays of the same
// sequence id under a fresh random component still fail AEAD decryption
// under the wrong associated sequence.
func frameNonce(seq uint64) ([24]byte, []byte, error) {
	var wireNonce [24]byte
	if _, err := io.ReadFull(rand.Reader, wireNonce[:12]); err != nil {
		return wireNonce, nil, err
	}
	binary.LittleEndian.PutUint64(wireNonce[12:20], seq)
	return wireNonce, wireNonce[:12], nil
}

// SendInit sends the Init frame declaring which sub-protocol this session
// will carry; must be the first frame sent.
func (s *Session) SendInit(ctx context.Context, sub SubProtocol) error {
	if s.initDeclared {
		return fmt.Errorf("securestream: init already sent on this session")
	}
	s.subProtocol = sub
	if err := s.sendFrame([]byte{byte(sub)}); err != nil {
		return err
	}
	s.initDeclared = true
	return nil
}

// RecvInit reads the Init frame and returns the declared sub-protocol.
func (s *Session) RecvInit(ctx context.Context) (SubProtocol, error) {
	payload, err := s.recvFrame(ctx)
	if err != nil {
		return 0, err
	}
	if len(payload) != 1 {
		return 0, syncerr.New(syncerr.ProtocolMismatch, fmt.Errorf("malformed init frame"))
	}
	s.subProtocol = SubProtocol(payload[0])
	return s.subProtocol, nil
}

// SendMessage sends one application payload as a frame.
func (s *Session) SendMessage(ctx context.Context, payload []byte) error {
	return s.sendFrame(payload)
}

// RecvMessage reads the next frame's decrypted payload.
func (s *Session) RecvMessage(ctx context.Context) ([]byte, error) {
	return s.recvFrame(ctx)
}

// SendOpaqueError sends a content-free rejection: the peer learns the
// session was aborted, nothing about why, so the wire never leaks
// information useful for enumerating members, contexts, or failure
// reasons to an unauthenticated or unauthorized observer.
func (s *Session) SendOpaqueError(ctx context.Context) error {
	return s.sendFrame(nil)
}

func (s *Session) sendFrame(payload []byte) error {
	wireNonce, aeadNonce, err := frameNonce(s.sendSeq)
	if err != nil {
		return fmt.Errorf("securestream: build nonce: %w", err)
	}

	var seqBytes [8]byte
	binary.LittleEndian.PutUint64(seqBytes[:], s.sendSeq)
	ciphertext := s.sendAEAD.Seal(nil, aeadNonce, payload, seqBytes[:])

	f := &wire.Frame{SequenceID: s.sendSeq, Nonce: wireNonce, Ciphertext: ciphertext}
	encoded := wire.EncodeFrame(f)

	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(encoded)))
	if _, err := s.stream.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("securestream: write frame length: %w", err)
	}
	if _, err := s.stream.Write(encoded); err != nil {
		return fmt.Errorf("securestream: write frame: %w", err)
	}
	s.sendSeq++
	return nil
}

func (s *Session) recvFrame(ctx context.Context) ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(s.stream, lenPrefix[:]); err != nil {
		return nil, syncerr.New(syncerr.Fatal, fmt.Errorf("read frame length: %w", err))
	}
	n := binary.LittleEndian.Uint32(lenPrefix[:])
	if n > wire.MaxFieldLen {
		return nil, syncerr.New(syncerr.Fatal, wire.ErrTooLarge)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(s.stream, raw); err != nil {
		return nil, syncerr.New(syncerr.Fatal, fmt.Errorf("read frame body: %w", err))
	}

	f, err := wire.DecodeFrame(raw)
	if err != nil {
		return nil, syncerr.New(syncerr.Fatal, err)
	}
	if f.SequenceID != s.recvSeq {
		return nil, syncerr.New(syncerr.Fatal, fmt.Errorf("out-of-order or duplicate frame: expected seq %d, got %d", s.recvSeq, f.SequenceID))
	}

	var seqBytes [8]byte
	binary.LittleEndian.PutUint64(seqBytes[:], f.SequenceID)
	plaintext, err := s.recvAEAD.Open(nil, f.Nonce[:12], f.Ciphertext, seqBytes[:])
	if err != nil {
		return nil, syncerr.New(syncerr.SignatureInvalid, fmt.Errorf("frame authentication failed: %w", err))
	}

	s.recvSeq++
	if len(plaintext) == 0 {
		return nil, syncerr.New(syncerr.Rejected, fmt.Errorf("peer sent opaque error"))
	}
	return plaintext, nil
}

// Close closes the underlying stream.
func (s *Session) Close() error {
	return s.stream.Close()
}
