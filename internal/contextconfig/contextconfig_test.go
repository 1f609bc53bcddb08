package contextconfig

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticMembership(t *testing.T) {
	ctx := context.Background()
	s := NewStatic()
	cid := [32]byte{1}
	alice := [32]byte{2}
	bob := [32]byte{3}

	s.SetMembers(cid, [][32]byte{alice})
	isMember, err := s.IsMember(ctx, cid, alice)
	require.NoError(t, err)
	require.True(t, isMember)

	isMember, err = s.IsMember(ctx, cid, bob)
	require.NoError(t, err)
	require.False(t, isMember)

	s.AddMember(cid, bob)
	isMember, err = s.IsMember(ctx, cid, bob)
	require.NoError(t, err)
	require.True(t, isMember)

	members, err := s.Members(ctx, cid)
	require.NoError(t, err)
	require.ElementsMatch(t, [][32]byte{alice, bob}, members)
}

func TestStaticMembershipUnknownContext(t *testing.T) {
	s := NewStatic()
	isMember, err := s.IsMember(context.Background(), [32]byte{9}, [32]byte{1})
	require.NoError(t, err)
	require.False(t, isMember)
}
