package pipe

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuffer_WriteAndRead(t *testing.T) {
	buf, err := NewBuffer(10)
	require.NoError(t, err)
	defer buf.W.Close()

	input := "hello"
	n, err := buf.W.Write([]byte(input))
	require.NoError(t, err)
	assert.Equal(t, len(input), n)

	buf.W.Close()
	<-buf.Done
	assert.Equal(t, input, buf.Buffer.String())
}

func TestNewBuffer_MaxBytes(t *testing.T) {
	const max = 5
	buf, err := NewBuffer(max)
	require.NoError(t, err)
	defer buf.W.Close()

	// writes beyond max are accepted but only max+1 bytes are retained
	input := "toolonginput"
	_, err = io.Copy(buf.W, strings.NewReader(input))
	require.NoError(t, err)

	buf.W.Close()
	<-buf.Done
	assert.Equal(t, input[:max+1], buf.Buffer.String())
}

func TestBuffer_String(t *testing.T) {
	buf, err := NewBuffer(8)
	require.NoError(t, err)
	defer buf.W.Close()

	_, _ = buf.W.Write([]byte("abc"))
	buf.W.Close()
	<-buf.Done
	assert.Equal(t, "Buffer[3/8]", buf.String())
}

func TestNewBuffer_DoneCloses(t *testing.T) {
	buf, err := NewBuffer(4)
	require.NoError(t, err)
	defer buf.W.Close()

	go func() {
		_, _ = buf.W.Write([]byte("test"))
		buf.W.Close()
	}()

	select {
	case <-buf.Done:
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for Done channel")
	}
}
