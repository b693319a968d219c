// Command blerpc-periphd runs a bleRPC peripheral daemon: it advertises the
// GATT service, serves one connection at a time against a registered
// handler table, and exposes a local control socket for status/reset,
// grounded on the teacher's krd (krd/krd.go + krd/control_server.go)
// daemon shape.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/currantlabs/ble"
	"github.com/op/go-logging"

	"github.com/kryptco/blerpc"
	"github.com/kryptco/blerpc/blecrypto"
	"github.com/kryptco/blerpc/channel"
	"github.com/kryptco/blerpc/control"
	"github.com/kryptco/blerpc/peripheral"
)

var log = blerpc.SetupLogging("periphd", logging.NOTICE)

func main() {
	mtu := flag.Int("mtu", 185, "ATT MTU to advertise support for")
	name := flag.String("name", "blerpcd", "BLE advertised device name")
	controlSocket := flag.String("control-socket", defaultControlSocketPath(), "path to the local admin socket")
	requireEncryption := flag.Bool("require-encryption", true, "reject requests until an encrypted session is live")
	flag.Parse()

	identity, err := blecrypto.GenerateIdentity()
	if err != nil {
		log.Fatalf("generating identity: %v", err)
	}

	table := peripheral.NewTable()
	registerBuiltinHandlers(table)

	bp := channel.NewBLEPeripheral(*mtu)
	cfg := blerpc.DefaultConfig(blerpc.WithRequireEncryption(*requireEncryption))
	p := peripheral.New(bp, table, identity, peripheral.WithConfig(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ble.AddService(bp.Service()); err != nil {
		log.Fatalf("adding GATT service: %v", err)
	}
	if err := ble.AdvertiseNameAndServices(*name, channel.ServiceUUID); err != nil {
		log.Fatalf("advertising: %v", err)
	}
	log.Noticef("advertising as %q", *name)

	go func() {
		if err := p.Serve(ctx); err != nil {
			log.Warningf("session ended: %v", err)
		}
	}()

	listener, err := control.Listen(*controlSocket)
	if err != nil {
		log.Fatalf("opening control socket: %v", err)
	}
	cs := control.NewServer(p, log)
	go func() {
		if err := cs.Serve(listener); err != nil {
			log.Warningf("control server stopped: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Notice("shutting down")
	cancel()
	listener.Close()
	bp.Disconnect()
}

func defaultControlSocketPath() string {
	dir := os.TempDir()
	return dir + "/blerpc-periphd.sock"
}

// registerBuiltinHandlers wires a minimal always-available command set: an
// echo unary handler used by blerpcctl's ping, and a version query.
func registerBuiltinHandlers(table *peripheral.Table) {
	table.Register("echo", peripheral.Unary, func(req []byte, sink peripheral.Sink) int {
		if err := sink.WriteResponse(req); err != nil {
			return -1
		}
		return 0
	})
	table.Register("version", peripheral.Unary, func(req []byte, sink peripheral.Sink) int {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, wireProtocolVersion)
		if err := sink.WriteResponse(buf); err != nil {
			return -1
		}
		return 0
	})
}

const wireProtocolVersion = 1
