package coap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTableAllocateRegisterLookup(t *testing.T) {
	tbl := newPendingTable()

	e := tbl.allocate()
	e.token = []byte{0x01, 0x02}
	e.messageID = 7
	tbl.register(e)

	got, err := tbl.byHandle(e.handle)
	require.NoError(t, err)
	assert.Same(t, e, got)

	byToken, ok := tbl.byTokenLookup([]byte{0x01, 0x02})
	require.True(t, ok)
	assert.Same(t, e, byToken)

	byMsgID, ok := tbl.byMessageIDLookup(7)
	require.True(t, ok)
	assert.Same(t, e, byMsgID)
}

func TestPendingTableDestroyInvalidatesStaleHandle(t *testing.T) {
	tbl := newPendingTable()

	e := tbl.allocate()
	e.token = []byte{0xaa}
	e.messageID = 1
	tbl.register(e)
	staleHandle := e.handle

	tbl.destroy(e)

	_, err := tbl.byHandle(staleHandle)
	assert.ErrorIs(t, err, ErrNoSuchItem)

	_, ok := tbl.byTokenLookup([]byte{0xaa})
	assert.False(t, ok)
	_, ok = tbl.byMessageIDLookup(1)
	assert.False(t, ok)
}

func TestPendingTableReusesSlotWithBumpedGeneration(t *testing.T) {
	tbl := newPendingTable()

	first := tbl.allocate()
	first.token = []byte{0x01}
	tbl.register(first)
	firstHandle := first.handle
	tbl.destroy(first)

	second := tbl.allocate()
	second.token = []byte{0x02}
	tbl.register(second)

	// the slot is reused (same index), but the generation differs, so the
	// old handle must not resolve to the new entry.
	assert.Equal(t, firstHandle.index(), second.handle.index())
	assert.NotEqual(t, firstHandle.generation(), second.handle.generation())

	_, err := tbl.byHandle(firstHandle)
	assert.ErrorIs(t, err, ErrNoSuchItem)

	got, err := tbl.byHandle(second.handle)
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestPendingTableAllocateTokenIsUnique(t *testing.T) {
	tbl := newPendingTable()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		tok := tbl.allocateToken()
		key := string(tok)
		require.False(t, seen[key], "token %x reused", tok)
		seen[key] = true
		// keep the token "in use" the same way sendRequestOnLoop does, so
		// subsequent allocations must keep avoiding it.
		e := tbl.allocate()
		e.token = tok
		tbl.register(e)
	}
}

func TestPendingTableAllocateMessageIDIncrements(t *testing.T) {
	tbl := newPendingTable()
	a := tbl.allocateMessageID()
	b := tbl.allocateMessageID()
	assert.Equal(t, a+1, b)
}

func TestPendingTableReindexMessageID(t *testing.T) {
	tbl := newPendingTable()
	e := tbl.allocate()
	e.token = []byte{0x01}
	e.messageID = 10
	tbl.register(e)

	tbl.reindexMessageID(e, 11)

	_, ok := tbl.byMessageIDLookup(10)
	assert.False(t, ok)
	got, ok := tbl.byMessageIDLookup(11)
	require.True(t, ok)
	assert.Same(t, e, got)
}

func TestPendingTableByHandleUnknownIndex(t *testing.T) {
	tbl := newPendingTable()
	_, err := tbl.byHandle(makeHandle(99, 0))
	assert.ErrorIs(t, err, ErrNoSuchItem)
}
