package central_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/kryptco/blerpc"
	"github.com/kryptco/blerpc/blecrypto"
	"github.com/kryptco/blerpc/central"
	"github.com/kryptco/blerpc/channel"
	"github.com/kryptco/blerpc/peripheral"
)

func echoTable() *peripheral.Table {
	t := peripheral.NewTable()
	t.Register("echo", peripheral.Unary, func(req []byte, sink peripheral.Sink) int {
		if err := sink.WriteResponse(req); err != nil {
			return -1
		}
		return 0
	})
	return t
}

func TestUnaryCallUnencrypted(t *testing.T) {
	a, b := channel.NewMockPair(100)
	cfg := blerpc.DefaultConfig(blerpc.WithRequireEncryption(false))

	p := peripheral.New(b, echoTable(), nil, peripheral.WithConfig(cfg))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Serve(ctx)

	c := central.New(a, central.WithConfig(cfg))
	if err := c.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	resp, err := c.Call(ctx, "echo", []byte("hello"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(resp) != "hello" {
		t.Fatalf("got %q want %q", resp, "hello")
	}
}

func TestUnaryCallEncryptedHandshake(t *testing.T) {
	a, b := channel.NewMockPair(185)
	identity, err := blecrypto.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	cfg := blerpc.DefaultConfig(blerpc.WithRequireEncryption(true))

	p := peripheral.New(b, echoTable(), identity, peripheral.WithConfig(cfg))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Serve(ctx)

	c := central.New(a, central.WithConfig(cfg))
	if err := c.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	resp, err := c.Call(ctx, "echo", []byte("secret message"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(resp) != "secret message" {
		t.Fatalf("got %q want %q", resp, "secret message")
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
}

// TestCounterStream is the E6 end-to-end scenario: 5 P→C stream items
// followed by CONTROL/STREAM_END_P2C.
func TestCounterStream(t *testing.T) {
	a, b := channel.NewMockPair(100)
	table := peripheral.NewTable()
	table.Register("counter_stream", peripheral.StreamP2C, func(req []byte, sink peripheral.Sink) int {
		for i := 0; i < 5; i++ {
			item := make([]byte, 2)
			binary.LittleEndian.PutUint16(item, uint16(i*10))
			if err := sink.WriteStreamItem(item); err != nil {
				return -1
			}
		}
		if err := sink.EndStream(); err != nil {
			return -1
		}
		return -2
	})
	cfg := blerpc.DefaultConfig(blerpc.WithRequireEncryption(false))

	p := peripheral.New(b, table, nil, peripheral.WithConfig(cfg))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Serve(ctx)

	c := central.New(a, central.WithConfig(cfg))
	if err := c.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	results, err := c.StreamReceive(ctx, "counter_stream", nil)
	if err != nil {
		t.Fatalf("stream_receive: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	for i, r := range results {
		got := binary.LittleEndian.Uint16(r)
		if got != uint16(i*10) {
			t.Fatalf("result %d: got %d want %d", i, got, i*10)
		}
	}
}

// TestCounterUpload is a C→P stream scenario: the central uploads several
// messages under one cmd_name, then reads a single accumulated response.
func TestCounterUpload(t *testing.T) {
	a, b := channel.NewMockPair(100)
	table := peripheral.NewTable()
	var sum uint32
	table.Register("counter_upload", peripheral.StreamC2P, func(req []byte, sink peripheral.Sink) int {
		if !sink.Final() {
			sum += uint32(binary.LittleEndian.Uint16(req))
			return 0
		}
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, sum)
		if err := sink.WriteResponse(out); err != nil {
			return -1
		}
		return 0
	})
	cfg := blerpc.DefaultConfig(blerpc.WithRequireEncryption(false))

	p := peripheral.New(b, table, nil, peripheral.WithConfig(cfg))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Serve(ctx)

	c := central.New(a, central.WithConfig(cfg))
	if err := c.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	var messages [][]byte
	for _, v := range []uint16{10, 20, 30} {
		m := make([]byte, 2)
		binary.LittleEndian.PutUint16(m, v)
		messages = append(messages, m)
	}
	resp, err := c.StreamSend(ctx, "counter_upload", messages, "counter_upload")
	if err != nil {
		t.Fatalf("stream_send: %v", err)
	}
	got := binary.LittleEndian.Uint32(resp)
	if got != 60 {
		t.Fatalf("got sum %d want 60", got)
	}
}

func TestCallTimesOutWithoutPeripheral(t *testing.T) {
	a, _ := channel.NewMockPair(100)
	cfg := blerpc.DefaultConfig(blerpc.WithRequireEncryption(false))
	c := central.New(a, central.WithConfig(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	if err := c.Init(ctx); err != nil {
		t.Fatalf("init should tolerate missing replies: %v", err)
	}
	_, err := c.Call(ctx, "echo", []byte("x"))
	if err != blerpc.ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
