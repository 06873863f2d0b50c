package memfd

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	f, err := New("test-memfd")
	require.NoError(t, err)
	defer f.Close()

	data := []byte("hello world")
	n, err := f.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDupToMemfd(t *testing.T) {
	content := []byte("memfd content")
	f, err := DupToMemfd("dup-memfd", bytes.NewReader(content))
	require.NoError(t, err)
	defer f.Close()

	// sealed; writes must fail
	_, err = f.Write([]byte("fail"))
	assert.Error(t, err)

	// content readable from the start
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDupToMemfd_ErrorPropagation(t *testing.T) {
	_, err := DupToMemfd("dup-memfd-err", errorReader{})
	assert.Error(t, err)
}

type errorReader struct{}

func (errorReader) Read([]byte) (int, error) { return 0, os.ErrInvalid }
