package rpcchannel

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/criyle/go-sapi/pkg/comms"
)

// Setup-phase handshake messages. The sandboxee announces readiness, the host
// finishes privileged preparation (rlimits, tracing) while the child is still
// unfiltered, then releases it. Only after the release does the child install
// its syscall filter.
const (
	HandshakeReady    = "ready"
	HandshakeContinue = "continue"
)

// FdMap describes one descriptor the sandboxee must move into place at
// startup. Current is where the descriptor sits after spawn, Requested is
// where the sandboxee code expects it.
type FdMap struct {
	Requested int
	Current   int
	Name      string
}

// SendFdMaps ships the descriptor mapping table: a count frame followed by
// one gob-encoded entry per mapping.
func SendFdMaps(c *comms.Comms, maps []FdMap) error {
	count := make([]byte, 4)
	binary.NativeEndian.PutUint32(count, uint32(len(maps)))
	if err := c.Send(comms.TagMessage, count); err != nil {
		return err
	}
	for _, m := range maps {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(m); err != nil {
			return fmt.Errorf("rpcchannel: encode fd map: %w", err)
		}
		if err := c.Send(comms.TagMessage, buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// RecvFdMaps receives the descriptor mapping table sent by SendFdMaps
func RecvFdMaps(c *comms.Comms) ([]FdMap, error) {
	body, err := c.RecvTag(comms.TagMessage)
	if err != nil {
		return nil, err
	}
	if len(body) != 4 {
		return nil, fmt.Errorf("%w: fd map count frame has %d bytes", ErrBadRecord, len(body))
	}
	n := binary.NativeEndian.Uint32(body)
	maps := make([]FdMap, 0, n)
	for i := uint32(0); i < n; i++ {
		body, err := c.RecvTag(comms.TagMessage)
		if err != nil {
			return nil, err
		}
		var m FdMap
		if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&m); err != nil {
			return nil, fmt.Errorf("%w: fd map entry %d: %v", ErrBadRecord, i, err)
		}
		maps = append(maps, m)
	}
	return maps, nil
}
