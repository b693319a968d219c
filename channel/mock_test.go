package channel

import (
	"testing"
	"time"
)

func TestMockPairDeliversInOrder(t *testing.T) {
	a, b := NewMockPair(185)
	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, m := range msgs {
		if err := a.Write(m); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range msgs {
		select {
		case got := <-b.Notifications():
			if string(got) != string(want) {
				t.Fatalf("got %q want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for notification")
		}
	}
}

func TestMockPairWriteAfterDisconnect(t *testing.T) {
	a, _ := NewMockPair(185)
	a.Disconnect()
	if err := a.Write([]byte("x")); err != ErrChannelClosed {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	select {
	case <-a.Context().Done():
	default:
		t.Fatal("expected context to be canceled")
	}
}
