package ahi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexStateBuildsAfterThresholdConsistentHits(t *testing.T) {
	s := NewIndexState(1, 4)

	for i := 0; i < 3; i++ {
		s.RecordSearch(1, 4)
	}
	_, _, ok := s.ShouldBuild()
	assert.False(t, ok, "below threshold should not trigger a build")

	s.RecordSearch(1, 4)
	nFields, nBytes, ok := s.ShouldBuild()
	require.True(t, ok)
	assert.Equal(t, 1, nFields)
	assert.Equal(t, uint32(4), nBytes)
}

func TestIndexStateNoisySearchesDoNotTriggerBuild(t *testing.T) {
	s := NewIndexState(1, 4)
	s.RecordSearch(1, 4)
	s.RecordSearch(2, 8)
	s.RecordSearch(1, 4)
	s.RecordSearch(2, 8)

	_, _, ok := s.ShouldBuild()
	assert.False(t, ok, "alternating prefixes never accumulate enough consistent hits")
}

func TestIndexStateDisableResetsCounters(t *testing.T) {
	s := NewIndexState(1, 4)
	s.RecordSearch(1, 4)
	s.RecordSearch(1, 4)
	s.Disable()
	assert.False(t, s.Enabled())

	s.RecordSearch(1, 4)
	s.RecordSearch(1, 4)
	_, _, ok := s.ShouldBuild()
	assert.False(t, ok, "a disabled index must not accumulate evidence")

	s.Enable()
	s.RecordSearch(1, 4)
	s.RecordSearch(1, 4)
	s.RecordSearch(1, 4)
	s.RecordSearch(1, 4)
	_, _, ok = s.ShouldBuild()
	assert.True(t, ok)
}

func TestTableInsertAndGuessOnHash(t *testing.T) {
	tbl := NewTable()
	tbl.Insert(42, 1, 7, 3)
	tbl.Insert(42, 1, 7, 9)

	guesses := tbl.GuessOnHash(42)
	require.Len(t, guesses, 2)
	assert.Equal(t, uint32(7), guesses[0].PageNo)

	assert.Nil(t, tbl.GuessOnHash(99))
}

func TestTableDropPageHashIndexRemovesAllEntriesForPage(t *testing.T) {
	tbl := NewTable()
	tbl.Insert(1, 1, 7, 0)
	tbl.Insert(2, 1, 7, 1)
	tbl.Insert(3, 1, 8, 0)

	tbl.DropPageHashIndex(1, 7)

	assert.Nil(t, tbl.GuessOnHash(1))
	assert.Nil(t, tbl.GuessOnHash(2))
	assert.NotNil(t, tbl.GuessOnHash(3))
}

func TestTableSnapshotRoundTrip(t *testing.T) {
	tbl := NewTable()
	tbl.Insert(42, 1, 7, 3)
	tbl.Insert(42, 1, 7, 9)
	tbl.Insert(99, 2, 4, 0)

	snap := tbl.DumpSnapshot()
	require.NotEmpty(t, snap)

	restored, err := LoadSnapshot(snap)
	require.NoError(t, err)

	guesses := restored.GuessOnHash(42)
	assert.Len(t, guesses, 2)
	guesses = restored.GuessOnHash(99)
	require.Len(t, guesses, 1)
	assert.Equal(t, uint32(4), guesses[0].PageNo)
}

func TestTableDropRecordRemovesOnlyThatEntry(t *testing.T) {
	tbl := NewTable()
	tbl.Insert(5, 1, 7, 0)
	tbl.Insert(5, 1, 7, 1)

	tbl.DropRecord(5, 1, 7, 0)

	guesses := tbl.GuessOnHash(5)
	require.Len(t, guesses, 1)
	assert.Equal(t, uint16(1), guesses[0].Rec)
}
