// +build windows

package control

import (
	"net"

	"gopkg.in/natefinch/npipe.v2"
)

// Listen opens the local admin named pipe at path, grounded directly on
// the teacher's socket_windows.go DaemonListen/AgentListen, which listen on
// a `\\.\pipe\...` path via npipe.Listen rather than a unix socket.
func Listen(path string) (net.Listener, error) {
	return npipe.Listen(path)
}
