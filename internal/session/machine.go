package session

import (
	"github.com/looplab/fsm"
)

// Status is the call-session lifecycle state.
type Status string

const (
	StatusInitiated    Status = "initiated"
	StatusConnected    Status = "connected"
	StatusStarted      Status = "started"
	StatusStopped      Status = "stopped"
	StatusTransferred  Status = "transferred"
	StatusDisconnected Status = "disconnected"
	StatusErrored      Status = "errored"
)

// Terminal reports whether no transitions leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusTransferred, StatusDisconnected, StatusErrored:
		return true
	}
	return false
}

// Lifecycle event names fed to the status machine.
const (
	evConnect    = "connect"
	evStart      = "start"
	evMedia      = "media"
	evStop       = "stop"
	evTransfer   = "transfer"
	evDisconnect = "disconnect"
	evFail       = "fail"
)

var nonTerminal = []string{
	string(StatusInitiated),
	string(StatusConnected),
	string(StatusStarted),
}

// newStatusMachine builds the per-session lifecycle machine:
// initiated → connected → started → (media loop) → one of the four
// terminal states. disconnect and fail are accepted from any non-terminal
// state; terminal states absorb.
func newStatusMachine() *fsm.FSM {
	return fsm.NewFSM(
		string(StatusInitiated),
		fsm.Events{
			{Name: evConnect, Src: []string{string(StatusInitiated)}, Dst: string(StatusConnected)},
			{Name: evStart, Src: []string{string(StatusInitiated), string(StatusConnected)}, Dst: string(StatusStarted)},
			{Name: evMedia, Src: []string{string(StatusStarted)}, Dst: string(StatusStarted)},
			{Name: evStop, Src: nonTerminal, Dst: string(StatusStopped)},
			{Name: evTransfer, Src: nonTerminal, Dst: string(StatusTransferred)},
			{Name: evDisconnect, Src: nonTerminal, Dst: string(StatusDisconnected)},
			{Name: evFail, Src: nonTerminal, Dst: string(StatusErrored)},
		},
		fsm.Callbacks{},
	)
}

func terminalEvent(s Status) string {
	switch s {
	case StatusStopped:
		return evStop
	case StatusTransferred:
		return evTransfer
	case StatusErrored:
		return evFail
	default:
		return evDisconnect
	}
}
