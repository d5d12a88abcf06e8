package apps

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCloseReopenRetainsDoc(t *testing.T) {
	s := NewStore()
	s.Open("whiteboard")

	applied, err := s.ApplyUpdate("whiteboard", []byte("stroke-1"))
	require.NoError(t, err)
	assert.True(t, applied)

	s.Close()
	active, _ := s.State()
	assert.Empty(t, active)

	s.Open("whiteboard")
	updates, _ := s.Sync("whiteboard", nil)
	require.Len(t, updates, 1)
	assert.True(t, bytes.Equal([]byte("stroke-1"), updates[0]))
}

func TestApplyUpdateIdempotent(t *testing.T) {
	s := NewStore()
	s.Open("whiteboard")

	applied, err := s.ApplyUpdate("whiteboard", []byte("stroke-1"))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.ApplyUpdate("whiteboard", []byte("stroke-1"))
	require.NoError(t, err)
	assert.False(t, applied)

	updates, _ := s.Sync("whiteboard", nil)
	assert.Len(t, updates, 1)
}

func TestApplyUpdateValidatesShape(t *testing.T) {
	s := NewStore()

	_, err := s.ApplyUpdate("whiteboard", nil)
	assert.Error(t, err)

	_, err = s.ApplyUpdate("whiteboard", make([]byte, MaxUpdateBytes+1))
	assert.Error(t, err)
}

func TestSyncWithOffsetVector(t *testing.T) {
	s := NewStore()
	s.Open("whiteboard")
	for _, u := range []string{"a", "b", "c"} {
		_, err := s.ApplyUpdate("whiteboard", []byte(u))
		require.NoError(t, err)
	}

	// Client already holds 2 updates.
	updates, _ := s.Sync("whiteboard", []byte{2, 0, 0, 0})
	require.Len(t, updates, 1)
	assert.Equal(t, []byte("c"), updates[0])

	// Garbage vector falls back to a full resend.
	updates, _ = s.Sync("whiteboard", []byte("???"))
	assert.Len(t, updates, 3)

	// Vector beyond the log also falls back.
	updates, _ = s.Sync("whiteboard", []byte{9, 0, 0, 0})
	assert.Len(t, updates, 3)
}

func TestAwarenessLastWriterPerOrigin(t *testing.T) {
	s := NewStore()
	s.Open("whiteboard")

	require.NoError(t, s.SetAwareness("whiteboard", "conn-1", []byte("cursor-a")))
	require.NoError(t, s.SetAwareness("whiteboard", "conn-1", []byte("cursor-b")))
	require.NoError(t, s.SetAwareness("whiteboard", "conn-2", []byte("cursor-c")))

	_, awareness := s.Sync("whiteboard", nil)
	require.Len(t, awareness, 2)
	assert.NotContains(t, awareness, []byte("cursor-a"))
}

func TestCloseClearsAwareness(t *testing.T) {
	s := NewStore()
	s.Open("whiteboard")
	require.NoError(t, s.SetAwareness("whiteboard", "conn-1", []byte("cursor")))

	s.Close()
	s.Open("whiteboard")

	_, awareness := s.Sync("whiteboard", nil)
	assert.Empty(t, awareness)
}

func TestClearAwarenessOrigin(t *testing.T) {
	s := NewStore()
	s.Open("whiteboard")
	require.NoError(t, s.SetAwareness("whiteboard", "conn-1", []byte("cursor-a")))
	require.NoError(t, s.SetAwareness("whiteboard", "conn-2", []byte("cursor-b")))

	s.ClearAwarenessOrigin("conn-1")

	_, awareness := s.Sync("whiteboard", nil)
	require.Len(t, awareness, 1)
	assert.Equal(t, []byte("cursor-b"), awareness[0])
}

func TestLockFlag(t *testing.T) {
	s := NewStore()
	s.SetLocked(true)
	_, locked := s.State()
	assert.True(t, locked)
}
