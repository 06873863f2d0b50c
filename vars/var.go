package vars

import "log/slog"

// RemoteFreer frees storage previously allocated in the sandboxee. It is
// implemented by the sandbox session owning the channel.
type RemoteFreer interface {
	FreeRemote(addr uintptr) error
}

// Var is the base unit of the memory model: typed local storage, an optional
// remote counterpart inside the sandboxee, and bookkeeping for who frees the
// remote side.
type Var interface {
	Type() Type
	Size() uint64

	// Local is the view of the local storage bytes
	Local() []byte

	// RemoteAddr is the remote storage address, 0 until allocated
	RemoteAddr() uintptr
	SetRemoteAddr(addr uintptr)

	// Freer is the channel recorded to free remote storage automatically,
	// nil if the caller manages the remote side itself
	Freer() RemoteFreer
	SetFreer(f RemoteFreer)

	// Close releases auto-freed remote storage, at most once
	Close()
}

// remoteState is embedded by every concrete Var to track the remote side
type remoteState struct {
	addr  uintptr
	freer RemoteFreer
}

// RemoteAddr returns the remote storage address, 0 until allocated
func (r *remoteState) RemoteAddr() uintptr { return r.addr }

// SetRemoteAddr records the remote storage address
func (r *remoteState) SetRemoteAddr(addr uintptr) { r.addr = addr }

// Freer returns the recorded auto-free channel, if any
func (r *remoteState) Freer() RemoteFreer { return r.freer }

// SetFreer records the channel responsible for freeing remote storage
func (r *remoteState) SetFreer(f RemoteFreer) { r.freer = f }

// Close frees remote storage recorded for automatic release. The free happens
// exactly once; failures are logged and swallowed so cleanup paths never
// fail. Callers who must observe free failures use the session's Free
// directly.
func (r *remoteState) Close() {
	if r.freer == nil || r.addr == 0 {
		r.addr = 0
		r.freer = nil
		return
	}
	if err := r.freer.FreeRemote(r.addr); err != nil {
		slog.Warn("free remote storage", "addr", r.addr, "err", err)
	}
	r.addr = 0
	r.freer = nil
}
