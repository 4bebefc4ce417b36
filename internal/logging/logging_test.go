package logging

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitFileAndTail(t *testing.T) {
	var stdout bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "sessiond.log")
	require.NoError(t, Init(Options{Level: "debug", Format: "json", Path: path, Stdout: &stdout}))
	t.Cleanup(func() {
		Close()
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})

	for i := 0; i < 5; i++ {
		log.Debug().Int("n", i).Msg("tick")
	}

	tail, err := ReadTail(2)
	require.NoError(t, err)
	lines := strings.Split(tail, "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"n":3`)
	assert.Contains(t, lines[1], `"n":4`)
	assert.Contains(t, stdout.String(), `"message":"tick"`)

	require.NoError(t, Clear())
	tail, err = ReadTail(10)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestInitConsoleWithoutFile(t *testing.T) {
	var stdout bytes.Buffer
	require.NoError(t, Init(Options{Format: "console", Stdout: &stdout}))
	t.Cleanup(func() { Close() })

	log.Info().Str("component", "test").Msg("hello")
	assert.Contains(t, stdout.String(), "hello")
	assert.NotContains(t, stdout.String(), `"message"`)

	tail, err := ReadTail(10)
	require.NoError(t, err)
	assert.Empty(t, tail)
	assert.NoError(t, Clear())
}

func TestInitRejectsLevel(t *testing.T) {
	assert.Error(t, Init(Options{Level: "loud"}))
}
