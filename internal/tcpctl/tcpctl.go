package tcpctl

import (
	"golang.org/x/exp/constraints"
)

// State enumerates states the primary session progresses through during its lifetime.
//
//go:generate stringer -type=State -trimprefix=State
type State uint8

const (
	// CLOSED - represents no connection state at all.
	StateClosed State = iota
	// LISTEN - represents waiting for a connection request on the listen port.
	StateListen
	// SYN-SENT - represents waiting for a matching connection request after having sent a connection request.
	StateSynSent
	// ESTABLISHED - represents an open connection, data received can be delivered
	// to the user.  The normal state for the data transfer phase of the connection.
	StateEstablished
	// FIN-WAIT-1 - represents waiting for a connection termination request
	// from the remote TCP, or an acknowledgment of the connection
	// termination request previously sent.
	StateFinWait1
	// FIN-WAIT-2 - represents waiting for a connection termination request
	// from the remote TCP.
	StateFinWait2
	// CLOSE-WAIT - represents waiting for a connection termination request
	// from the local user.
	StateCloseWait
)

// IsSynchronized reports whether the session has completed the handshake and
// not yet finished closing.
func (s State) IsSynchronized() bool {
	return s >= StateEstablished
}

// sub0 returns a-b, or zero if b is larger than a.
func sub0[T constraints.Integer](a, b T) T {
	if b > a {
		return 0
	}
	return a - b
}
