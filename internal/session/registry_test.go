// ABOUTME: Tests for the session registry: creation, lookup, and rekeying.
// ABOUTME: Covers alias retention, idempotence, and the existing-target-wins rule.

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_FindOrCreate(t *testing.T) {
	g := NewRegistry(nil)

	rec := g.FindOrCreate("temp-1", "m1")
	require.NotNil(t, rec)
	assert.Equal(t, "temp-1", rec.ID())
	assert.Equal(t, "m1", rec.Model())
	assert.False(t, rec.Processing())
	assert.Equal(t, 0, rec.SubscriberCount())
	assert.Equal(t, 0, rec.BacklogLen())

	// Second call returns the same record, not a fresh one.
	again := g.FindOrCreate("temp-1", "m2")
	assert.Same(t, rec, again)
	assert.Equal(t, "m1", again.Model())
}

func TestRegistry_FindAbsent(t *testing.T) {
	g := NewRegistry(nil)

	_, ok := g.Find("nope")
	assert.False(t, ok)
}

func TestRegistry_RekeyKeepsAlias(t *testing.T) {
	g := NewRegistry(nil)
	rec := g.FindOrCreate("temp-1", "m1")

	got := g.Rekey("temp-1", "abc")
	require.Same(t, rec, got)
	assert.Equal(t, "abc", rec.ID())

	byOld, ok := g.Find("temp-1")
	require.True(t, ok, "provisional id must remain addressable")
	byNew, ok2 := g.Find("abc")
	require.True(t, ok2)
	assert.Same(t, byOld, byNew)
}

func TestRegistry_RekeyIdempotent(t *testing.T) {
	g := NewRegistry(nil)
	rec := g.FindOrCreate("temp-1", "m1")

	first := g.Rekey("temp-1", "abc")
	second := g.Rekey("temp-1", "abc")

	assert.Same(t, rec, first)
	assert.Same(t, rec, second)
	assert.Equal(t, 2, g.Len(), "no duplicate records from repeated rekey")
}

func TestRegistry_RekeyExistingTargetWins(t *testing.T) {
	g := NewRegistry(nil)
	loser := g.FindOrCreate("temp-1", "m1")
	winner := g.FindOrCreate("abc", "m2")

	got := g.Rekey("temp-1", "abc")
	require.Same(t, winner, got)
	assert.NotSame(t, loser, got)

	// The target mapping was not overwritten.
	byNew, _ := g.Find("abc")
	assert.Same(t, winner, byNew)
}

func TestRegistry_RekeyUnknownOldID(t *testing.T) {
	g := NewRegistry(nil)
	assert.Nil(t, g.Rekey("ghost", "abc"))
}
