package flasher

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"espflash/internal/chip"
	"espflash/internal/events"
	"espflash/internal/protocol"
)

func newSession(conn *fakeConn) *Session {
	return Open(conn, &events.Bus{})
}

func TestSyncDrainOnESP32ROM(t *testing.T) {
	conn := newFakeConn(func(op protocol.Opcode, body []byte) [][]byte {
		if op != protocol.Sync {
			return nil
		}
		// The target answers one Sync with a short storm of further
		// Sync-shaped replies; the drain loop must consume all of them.
		frames := make([][]byte, 0, 8)
		for i := 0; i < 8; i++ {
			frames = append(frames, ok(protocol.Sync, 0, nil))
		}
		return frames
	})
	s := newSession(conn)

	if err := s.ConnectManual(); err != nil {
		t.Fatalf("ConnectManual: %v", err)
	}
	if s.Peer() != protocol.ROM {
		t.Fatalf("peer = %v, want ROM", s.Peer())
	}
}

func TestIdentifyESP32C3(t *testing.T) {
	conn := newFakeConn(func(op protocol.Opcode, body []byte) [][]byte {
		if op != protocol.ReadReg {
			return nil
		}
		if readRegAddr(body) != chip.MagicRegAddr {
			return nil
		}
		return [][]byte{ok(protocol.ReadReg, 0x6921506f, nil)}
	})
	s := newSession(conn)

	got, err := s.Identify()
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if got.Chip != chip.ESP32C3 {
		t.Fatalf("chip = %v, want ESP32-C3", got.Chip)
	}
	if got.Magic != 0x6921506f {
		t.Fatalf("magic = 0x%x, want 0x6921506f", got.Magic)
	}
	if got.ImageID != chip.ESP32C3.ImageID() {
		t.Fatalf("image id = 0x%x, want 0x%x", got.ImageID, chip.ESP32C3.ImageID())
	}
	if s.Chip() != chip.ESP32C3 {
		t.Fatalf("Chip() = %v, want ESP32-C3", s.Chip())
	}
}

func TestIdentifyUnknownMagic(t *testing.T) {
	conn := newFakeConn(func(op protocol.Opcode, body []byte) [][]byte {
		return [][]byte{ok(protocol.ReadReg, 0xdeadbeef, nil)}
	})
	s := newSession(conn)

	if _, err := s.Identify(); err == nil {
		t.Fatal("expected error for unrecognized magic")
	}
}

func TestFlashIDOnESP32ROM(t *testing.T) {
	regs := chip.ESP32.SPI()
	conn := newFakeConn(func(op protocol.Opcode, body []byte) [][]byte {
		switch op {
		case protocol.WriteReg:
			return [][]byte{ok(protocol.WriteReg, 0, nil)}
		case protocol.ReadReg:
			addr := readRegAddr(body)
			switch addr {
			case regs.Cmd:
				return [][]byte{ok(protocol.ReadReg, 0, nil)} // USR_START cleared: done
			case regs.DataReg(0):
				// Manufacturer 0xef, device id 0x4018, LE-packed.
				return [][]byte{ok(protocol.ReadReg, 0x001840ef, nil)}
			}
		}
		return nil
	})
	s := newSession(conn)
	s.chip = chip.ESP32
	s.attached = true

	mfr, dev, err := s.FlashID()
	if err != nil {
		t.Fatalf("FlashID: %v", err)
	}
	if mfr != 0xef {
		t.Fatalf("manufacturer = %#x, want 0xef", mfr)
	}
	if dev != 0x4018 {
		t.Fatalf("device id = %#x, want 0x4018", dev)
	}
}

func TestSPITransactionRejectsWhenUnattached(t *testing.T) {
	s := newSession(newFakeConn(nil))
	s.chip = chip.ESP32
	if _, err := s.SPITransaction(SPITransaction{Opcode: 0x9f, OpcodeLen: 1, MisoLen: 3}); err == nil {
		t.Fatal("expected usage error before Attach")
	}
}

func buildStubBlob(c uint32, entry, textStart uint32, text []byte, dataStart uint32, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("STUB")
	u32 := make([]byte, 4)
	put := func(v uint32) {
		binary.LittleEndian.PutUint32(u32, v)
		buf.Write(u32)
	}
	put(c)
	put(entry)
	put(textStart)
	put(uint32(len(text)))
	buf.Write(text)
	put(dataStart)
	put(uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func TestRunStubActivatesStubPeerMode(t *testing.T) {
	text := []byte{1, 2, 3, 4, 5}
	data := []byte{6, 7, 8}
	blob := buildStubBlob(5 /* ESP32-C3 image id */, 0x4008_1000, 0x4008_0000, text, 0x3fc8_0000, data)

	conn := newFakeConn(func(op protocol.Opcode, body []byte) [][]byte {
		switch op {
		case protocol.MemBegin, protocol.MemData:
			return [][]byte{ok(op, 0, nil)}
		case protocol.MemEnd:
			return [][]byte{ok(protocol.MemEnd, 0, nil), []byte("OHAI")}
		}
		return nil
	})
	s := newSession(conn)
	s.chip = chip.ESP32C3

	if err := s.RunStub(blob); err != nil {
		t.Fatalf("RunStub: %v", err)
	}
	if s.Peer() != protocol.Stub {
		t.Fatalf("peer = %v, want Stub", s.Peer())
	}
}

func TestRunStubRejectsWrongChip(t *testing.T) {
	blob := buildStubBlob(5, 0, 0, nil, 0, nil)
	s := newSession(newFakeConn(nil))
	s.chip = chip.ESP32S3

	if err := s.RunStub(blob); err == nil {
		t.Fatal("expected chip mismatch error")
	}
}

func TestFlashMD5ROMHexDigest(t *testing.T) {
	digest := bytes.Repeat([]byte{0xaa}, 16)
	conn := newFakeConn(func(op protocol.Opcode, body []byte) [][]byte {
		if op != protocol.SpiFlashMD5 {
			return nil
		}
		return [][]byte{ok(op, 0, []byte(hex.EncodeToString(digest)))}
	})
	s := newSession(conn)
	s.chip = chip.ESP32

	got, err := s.FlashMD5(0x1000, 0x2000)
	if err != nil {
		t.Fatalf("FlashMD5: %v", err)
	}
	if !bytes.Equal(got, digest) {
		t.Fatalf("digest = %x, want %x", got, digest)
	}
}

func TestFlashMD5StubRawDigest(t *testing.T) {
	digest := bytes.Repeat([]byte{0x5a}, 16)
	conn := newFakeConn(func(op protocol.Opcode, body []byte) [][]byte {
		if op != protocol.SpiFlashMD5 {
			return nil
		}
		return [][]byte{ok(op, 0, digest)}
	})
	s := newSession(conn)
	s.chip = chip.ESP32
	s.peer = protocol.Stub

	got, err := s.FlashMD5(0, 0x1000)
	if err != nil {
		t.Fatalf("FlashMD5: %v", err)
	}
	if !bytes.Equal(got, digest) {
		t.Fatalf("digest = %x, want %x", got, digest)
	}
}

func TestWriteFlashRejectsUnalignedOffset(t *testing.T) {
	s := newSession(newFakeConn(nil))
	s.chip = chip.ESP32
	s.attached = true

	if err := s.WriteFlash([]byte{1, 2, 3}, 0x1001, false, false); err == nil {
		t.Fatal("expected usage error for misaligned offset")
	}
}

func TestWriteFlashRejectsESP8266(t *testing.T) {
	s := newSession(newFakeConn(nil))
	s.chip = chip.ESP8266

	err := s.WriteFlash([]byte{1, 2, 3}, 0, false, false)
	if err == nil {
		t.Fatal("expected usage error on ESP8266")
	}
	if _, ok := err.(*protocol.UsageError); !ok {
		t.Fatalf("err = %T, want *protocol.UsageError", err)
	}
}

func TestWriteFlashPlainUploadsAndEnds(t *testing.T) {
	conn := newFakeConn(func(op protocol.Opcode, body []byte) [][]byte {
		switch op {
		case protocol.FlashBegin, protocol.FlashData, protocol.FlashEnd:
			return [][]byte{ok(op, 0, nil)}
		}
		return nil
	})
	s := newSession(conn)
	s.chip = chip.ESP32
	s.attached = true

	data := bytes.Repeat([]byte{0x42}, romFlashPacket+10)
	if err := s.WriteFlash(data, 0x10000, false, true); err != nil {
		t.Fatalf("WriteFlash: %v", err)
	}

	var gotFlashData int
	for _, op := range conn.seen {
		if op == protocol.FlashData {
			gotFlashData++
		}
	}
	if gotFlashData != 2 {
		t.Fatalf("FlashData packets sent = %d, want 2", gotFlashData)
	}
}

func TestWriteFlashCompressedUploadsAndEnds(t *testing.T) {
	conn := newFakeConn(func(op protocol.Opcode, body []byte) [][]byte {
		switch op {
		case protocol.FlashDeflBegin, protocol.FlashDeflData, protocol.FlashDeflEnd:
			return [][]byte{ok(op, 0, nil)}
		}
		return nil
	})
	s := newSession(conn)
	s.chip = chip.ESP32S3
	s.peer = protocol.Stub
	s.attached = true

	data := bytes.Repeat([]byte{0x00}, 1024)
	if err := s.WriteFlash(data, 0x20000, true, false); err != nil {
		t.Fatalf("WriteFlash: %v", err)
	}

	sawBegin, sawEnd := false, false
	for _, op := range conn.seen {
		if op == protocol.FlashDeflBegin {
			sawBegin = true
		}
		if op == protocol.FlashDeflEnd {
			sawEnd = true
		}
	}
	if !sawBegin || !sawEnd {
		t.Fatalf("missing FlashDeflBegin/End in %v", conn.seen)
	}
}

func TestChangeBaudRateROMEncodesZeroOldRate(t *testing.T) {
	var gotOld uint32 = 99
	conn := newFakeConn(func(op protocol.Opcode, body []byte) [][]byte {
		if op != protocol.ChangeBaudRate {
			return nil
		}
		gotOld = binary.LittleEndian.Uint32(body[4:8])
		return [][]byte{ok(op, 0, nil)}
	})
	s := newSession(conn)

	if err := s.ChangeBaudRate(921600); err != nil {
		t.Fatalf("ChangeBaudRate: %v", err)
	}
	if gotOld != 0 {
		t.Fatalf("old_rate = %d, want 0 for ROM peer", gotOld)
	}
	if conn.BaudRate() != 921600 {
		t.Fatalf("local baud = %d, want 921600", conn.BaudRate())
	}
}

func TestAttachESP8266UsesFlashBegin(t *testing.T) {
	conn := newFakeConn(func(op protocol.Opcode, body []byte) [][]byte {
		if op == protocol.FlashBegin {
			return [][]byte{ok(op, 0, nil)}
		}
		return nil
	})
	s := newSession(conn)
	s.chip = chip.ESP8266

	if err := s.Attach(0); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !s.Attached() {
		t.Fatal("expected attached")
	}
}

func TestAttachOtherChipUsesSpiAttach(t *testing.T) {
	conn := newFakeConn(func(op protocol.Opcode, body []byte) [][]byte {
		if op == protocol.SpiAttach {
			return [][]byte{ok(op, 0, nil)}
		}
		return nil
	})
	s := newSession(conn)
	s.chip = chip.ESP32

	if err := s.Attach(0); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	for _, op := range conn.seen {
		if op == protocol.FlashBegin {
			t.Fatal("ESP32 must not use FlashBegin to attach")
		}
	}
}
