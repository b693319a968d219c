package peripheral_test

import (
	"context"
	"testing"
	"time"

	"github.com/kryptco/blerpc"
	"github.com/kryptco/blerpc/channel"
	"github.com/kryptco/blerpc/peripheral"
)

// sendRequest splits and writes a REQUEST command packet for name/data
// over ch, using a fresh splitter each call (tid reuse across calls is
// legal; the core never relies on tid uniqueness).
func sendRequest(t *testing.T, ch *channel.MockChannel, name string, data []byte) {
	t.Helper()
	pkt, err := blerpc.BuildCommand(blerpc.CommandRequest, name, data)
	if err != nil {
		t.Fatalf("build command: %v", err)
	}
	s := blerpc.NewSplitter()
	for _, cont := range s.Split(pkt, s.NextTransactionID(), ch.MTU()) {
		buf := make([]byte, ch.MTU())
		n, err := blerpc.SerializeContainer(cont, buf)
		if err != nil {
			t.Fatalf("serialize: %v", err)
		}
		if err := ch.Write(buf[:n]); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func readContainer(t *testing.T, ch *channel.MockChannel, timeout time.Duration) blerpc.Container {
	t.Helper()
	select {
	case frame := <-ch.Notifications():
		c, err := blerpc.ParseContainer(frame)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return c
	case <-time.After(timeout):
		t.Fatal("timed out waiting for reply")
		return blerpc.Container{}
	}
}

func TestPeripheralRepliesToTimeoutAndCapabilities(t *testing.T) {
	a, b := channel.NewMockPair(100)
	cfg := blerpc.DefaultConfig(blerpc.WithRequireEncryption(false))
	p := peripheral.New(b, peripheral.NewTable(), nil, peripheral.WithConfig(cfg), peripheral.WithTimeoutMillis(500))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Serve(ctx)

	s := blerpc.NewSplitter()
	buf := make([]byte, a.MTU())
	n, _ := blerpc.SerializeContainer(blerpc.MakeTimeoutRequest(s.NextTransactionID()), buf)
	if err := a.Write(buf[:n]); err != nil {
		t.Fatal(err)
	}
	reply := readContainer(t, a, time.Second)
	if reply.Type != blerpc.TypeControl || reply.ControlCmd != blerpc.ControlTimeout {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	ms, err := blerpc.DecodeTimeout(reply.Payload)
	if err != nil || ms != 500 {
		t.Fatalf("expected 500ms, got %d (err=%v)", ms, err)
	}

	n, _ = blerpc.SerializeContainer(blerpc.MakeCapabilitiesRequest(s.NextTransactionID()), buf)
	if err := a.Write(buf[:n]); err != nil {
		t.Fatal(err)
	}
	reply = readContainer(t, a, time.Second)
	if reply.Type != blerpc.TypeControl || reply.ControlCmd != blerpc.ControlCapabilities {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	caps, err := blerpc.DecodeCapabilities(reply.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if caps.Flags&blerpc.EncryptionSupported != 0 {
		t.Fatal("expected ENCRYPTION_SUPPORTED unset without an identity")
	}
}

func TestPeripheralRejectsBusyDuringInFlightRequest(t *testing.T) {
	a, b := channel.NewMockPair(100)
	table := peripheral.NewTable()
	release := make(chan struct{})
	table.Register("slow", peripheral.Unary, func(req []byte, sink peripheral.Sink) int {
		<-release
		sink.WriteResponse([]byte("done"))
		return 0
	})
	table.Register("echo", peripheral.Unary, func(req []byte, sink peripheral.Sink) int {
		sink.WriteResponse(req)
		return 0
	})
	cfg := blerpc.DefaultConfig(blerpc.WithRequireEncryption(false))
	p := peripheral.New(b, table, nil, peripheral.WithConfig(cfg))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Serve(ctx)

	sendRequest(t, a, "slow", nil)
	time.Sleep(50 * time.Millisecond) // let the peripheral mark busy
	sendRequest(t, a, "echo", []byte("hi"))

	reply := readContainer(t, a, time.Second)
	if reply.Type != blerpc.TypeControl || reply.ControlCmd != blerpc.ControlError {
		t.Fatalf("expected CONTROL/ERROR while busy, got %+v", reply)
	}
	if len(reply.Payload) != 1 || reply.Payload[0] != blerpc.ErrorCodeBusy {
		t.Fatalf("expected BUSY error code, got %v", reply.Payload)
	}
	close(release)
}

func TestPeripheralResponseTooLarge(t *testing.T) {
	a, b := channel.NewMockPair(100)
	table := peripheral.NewTable()
	table.Register("big", peripheral.Unary, func(req []byte, sink peripheral.Sink) int {
		if err := sink.WriteResponse(make([]byte, 10000)); err != nil {
			return -1
		}
		return 0
	})
	cfg := blerpc.DefaultConfig(blerpc.WithRequireEncryption(false))
	cfg.MaxPayloadSize = 64
	p := peripheral.New(b, table, nil, peripheral.WithConfig(cfg))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Serve(ctx)

	sendRequest(t, a, "big", nil)
	reply := readContainer(t, a, time.Second)
	if reply.Type != blerpc.TypeControl || reply.ControlCmd != blerpc.ControlError {
		t.Fatalf("expected CONTROL/ERROR, got %+v", reply)
	}
	if len(reply.Payload) != 1 || reply.Payload[0] != blerpc.ErrorCodeResponseTooLarge {
		t.Fatalf("expected RESPONSE_TOO_LARGE error code, got %v", reply.Payload)
	}
}
