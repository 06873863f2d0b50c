package forkserver

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/criyle/go-sapi/pkg/unixsocket"
)

const msgBufferSize = 4096

// socket adds gob framing on top of the seqpacket socket
type socket unixsocket.Socket

func (s *socket) recv(e any) (unixsocket.Msg, error) {
	soc := (*unixsocket.Socket)(s)
	buff := make([]byte, msgBufferSize)

	n, msg, err := soc.RecvMsg(buff)
	if err != nil {
		return unixsocket.Msg{}, fmt.Errorf("forkserver: recv: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(buff[:n])).Decode(e); err != nil {
		return unixsocket.Msg{}, fmt.Errorf("forkserver: decode: %w", err)
	}
	return msg, nil
}

func (s *socket) send(e any, msg unixsocket.Msg) error {
	soc := (*unixsocket.Socket)(s)
	var buff bytes.Buffer
	if err := gob.NewEncoder(&buff).Encode(e); err != nil {
		return fmt.Errorf("forkserver: encode: %w", err)
	}
	if err := soc.SendMsg(buff.Bytes(), msg); err != nil {
		return fmt.Errorf("forkserver: send: %w", err)
	}
	return nil
}
