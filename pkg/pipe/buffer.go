// Package pipe collects bounded output from a pipe, used to capture a
// forkserver's stderr without letting it grow unchecked.
package pipe

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Buffer is the write end of a pipe whose read side is drained into an
// in-memory buffer of at most Max bytes.
type Buffer struct {
	W      *os.File
	Max    int64
	Buffer *bytes.Buffer
	Done   <-chan struct{}
}

// NewPipe creates a pipe and copies up to n bytes from its read end into
// writer. Done closes once the limit is hit or the write end closes; the
// remainder is drained so the writer side never blocks or takes SIGPIPE.
// The caller closes w.
func NewPipe(writer io.Writer, n int64) (<-chan struct{}, *os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	done := make(chan struct{})
	go func() {
		io.CopyN(writer, r, n)
		close(done)
		io.Copy(io.Discard, r)
		r.Close()
	}()
	return done, w, nil
}

// NewBuffer creates a pipe collecting at most max bytes. The write end must
// be closed in this process for Done to fire on writer exit.
func NewBuffer(max int64) (*Buffer, error) {
	buffer := new(bytes.Buffer)
	done, w, err := NewPipe(buffer, max+1)
	if err != nil {
		return nil, err
	}
	return &Buffer{
		W:      w,
		Max:    max,
		Buffer: buffer,
		Done:   done,
	}, nil
}

func (b Buffer) String() string {
	return fmt.Sprintf("Buffer[%d/%d]", b.Buffer.Len(), b.Max)
}
