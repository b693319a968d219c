// Package control exposes a local HTTP-over-unix-socket admin surface for
// a running bleRPC peripheral daemon, grounded on the teacher's
// krd.ControlServer (krd/control_server.go): the same http.ServeMux over a
// platform socket listener pattern, routes renamed to this protocol's
// session/identity concerns instead of krd's enclave/pairing ones.
package control

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/op/go-logging"

	"github.com/kryptco/blerpc/peripheral"
)

// Server answers local admin requests about a running Peripheral: current
// session status and forced re-pairing.
type Server struct {
	p   *peripheral.Peripheral
	log *logging.Logger
}

// NewServer wraps p for local control.
func NewServer(p *peripheral.Peripheral, log *logging.Logger) *Server {
	return &Server{p: p, log: log}
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	Busy bool `json:"busy"`
	Live bool `json:"live"`
}

// Serve blocks, answering admin requests on listener until it closes.
func (s *Server) Serve(listener net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/reset", s.handleReset)
	return http.Serve(listener, mux)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := StatusResponse{
		Busy: s.p.Busy(),
		Live: s.p.SessionLive(),
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Error(err)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.p.ResetSession()
	w.WriteHeader(http.StatusOK)
}
