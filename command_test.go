package blerpc

import "testing"

func TestCommandRoundTrip(t *testing.T) {
	// E4.
	buf := make([]byte, 256)
	n, err := SerializeCommand(CommandRequest, "flash_read", []byte{0xAA, 0xBB, 0xCC}, buf)
	if err != nil {
		t.Fatal(err)
	}
	pkt, err := ParseCommand(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if pkt.Type != CommandRequest || pkt.Name != "flash_read" {
		t.Fatalf("unexpected packet: %+v", pkt)
	}
	if len(pkt.Data) != 3 || pkt.Data[0] != 0xAA || pkt.Data[1] != 0xBB || pkt.Data[2] != 0xCC {
		t.Fatalf("unexpected data: %v", pkt.Data)
	}

	// header_byte top bit flips 0 -> 0x80 for RESPONSE.
	if buf[0] != 0x00 {
		t.Fatalf("expected REQUEST header byte 0x00, got 0x%02x", buf[0])
	}
	n, err = SerializeCommand(CommandResponse, "flash_read", []byte{0xAA, 0xBB, 0xCC}, buf)
	if err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0x80 {
		t.Fatalf("expected RESPONSE header byte 0x80, got 0x%02x", buf[0])
	}
}

func TestCommandDataLenLittleEndian(t *testing.T) {
	// E5: serialize(REQUEST, "x", bytes(300)) places 0x2C, 0x01 at offsets 3, 4.
	buf := make([]byte, 400)
	data := make([]byte, 300)
	_, err := SerializeCommand(CommandRequest, "x", data, buf)
	if err != nil {
		t.Fatal(err)
	}
	if buf[3] != 0x2C || buf[4] != 0x01 {
		t.Fatalf("expected data_len bytes 0x2C,0x01 at offsets 3,4, got 0x%02x,0x%02x", buf[3], buf[4])
	}
}

func TestCommandNameLengthBounds(t *testing.T) {
	buf := make([]byte, 64)
	if _, err := SerializeCommand(CommandRequest, "a", nil, buf); err != nil {
		t.Fatalf("1-byte name should be accepted: %v", err)
	}
	if _, err := SerializeCommand(CommandRequest, "0123456789123456", nil, buf); err != nil {
		t.Fatalf("16-byte name should be accepted: %v", err)
	}
	if _, err := SerializeCommand(CommandRequest, "01234567891234567", nil, buf); err != ErrInvalidCommandName {
		t.Fatalf("17-byte name should be rejected, got %v", err)
	}
	if _, err := SerializeCommand(CommandRequest, "", nil, buf); err != ErrInvalidCommandName {
		t.Fatalf("empty name should be rejected, got %v", err)
	}
}

func TestParseCommandShortBuffer(t *testing.T) {
	if _, err := ParseCommand([]byte{0x00}); err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestParseCommandNameTooLong(t *testing.T) {
	buf := []byte{0x00, 17}
	buf = append(buf, make([]byte, 17+2)...)
	if _, err := ParseCommand(buf); err != ErrInvalidCommandName {
		t.Fatalf("expected ErrInvalidCommandName, got %v", err)
	}
}
