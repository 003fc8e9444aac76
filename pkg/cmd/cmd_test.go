package cmd

import (
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/pipestudio/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePersistenceProvider(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":   "postgres",
		"postgresql://u:p@localhost/db": "postgres",
		"file://./data":                 "file",
		"./data":                        "file",
		"mysql://localhost":             "file",
	}

	for url, want := range tests {
		assert.Equal(t, want, parsePersistenceProvider(url), url)
	}
}

func TestNewPersistence_File(t *testing.T) {
	p, err := NewPersistence(t.Context(), slog.Default(), "file://"+t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, p)
}

func TestNewScheduler(t *testing.T) {
	s, err := NewScheduler(t.Context(), slog.Default(), "memory", "")
	require.NoError(t, err)
	assert.Empty(t, s.Running())

	mr := miniredis.RunT(t)

	s, err = NewScheduler(t.Context(), slog.Default(), "redis", "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)

	_, err = s.Enqueue(t.Context(), "r1", 1)
	require.NoError(t, err)

	_, err = NewScheduler(t.Context(), slog.Default(), "etcd", "")
	require.Error(t, err)
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry(t.Context(), slog.Default(), t.TempDir())

	for _, id := range []string{"http_request", "log", "transform"} {
		_, err := reg.Get(id)
		require.NoError(t, err, id)
	}
}
