package playback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-playback/internal/platform/logger"
)

func tableSession(id string) *Session {
	return newSession(cameraDesc(id, "DEV-"+id), nil, sessionDeps{log: logger.Discard()})
}

func TestOrderedTable(t *testing.T) {
	tbl := NewOrderedTable()
	a, b, c := tableSession("a"), tableSession("b"), tableSession("c")

	require.True(t, tbl.Insert(a))
	require.True(t, tbl.Insert(b))
	require.True(t, tbl.Insert(c))
	assert.False(t, tbl.Insert(tableSession("b")), "ids are unique")
	assert.Equal(t, 3, tbl.Len())

	got, ok := tbl.Get("b")
	require.True(t, ok)
	assert.Same(t, b, got)

	assert.False(t, tbl.Delete("b", tableSession("b")), "delete is keyed on identity")
	assert.True(t, tbl.Delete("b", b))
	assert.False(t, tbl.Delete("b", b))

	assert.Equal(t, []*Session{a, c}, tbl.List())
	_, ok = tbl.Get("b")
	assert.False(t, ok)
}
