package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTripAndEphemeralCleanup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	s, err := NewStoreAt(path)
	require.NoError(t, err)

	rec := RunRecord{
		ID:        "run-1",
		Name:      "smoke",
		StartedAt: time.Now().UTC().Truncate(time.Second),
		Duration:  2.5,
		Summary:   RunSummary{Requests: 100, Success: 98, Fail: 2, ActualRPS: 40},
	}
	require.NoError(t, s.Save(rec))
	require.NoError(t, s.Save(RunRecord{ID: "run-2", Name: "second"}))

	got, err := s.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, rec, *got)

	_, err = s.Get("run-9")
	assert.Error(t, err)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "run-2", list[0].ID, "descending ID order")

	require.NoError(t, s.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "session file removed on close")
}
