package mm

import (
	"testing"
)

func TestPhysMem(t *testing.T) {
	m := NewPhysMem(16 * PageSize)

	if got := m.Frames(); got != 16 {
		t.Fatalf("expected arena to cover 16 frames; got %d", got)
	}

	if m.Contains(Frame(16)) || !m.Contains(Frame(15)) {
		t.Fatal("expected arena to contain frames [0, 16)")
	}

	t.Run("entries", func(t *testing.T) {
		m.SetEntry(Frame(2), 0, 0x8000000000001003)
		m.SetEntry(Frame(2), EntriesPerTable-1, 0xabcd)

		if got := m.Entry(Frame(2), 0); got != 0x8000000000001003 {
			t.Fatalf("expected entry 0 to be 0x8000000000001003; got 0x%x", got)
		}

		if got := m.Entry(Frame(2), EntriesPerTable-1); got != 0xabcd {
			t.Fatalf("expected last entry to be 0xabcd; got 0x%x", got)
		}

		if got := m.Bytes(Frame(2))[0]; got != 0x03 {
			t.Fatalf("expected entries to be stored little-endian; first byte is 0x%x", got)
		}
	})

	t.Run("copy and zero", func(t *testing.T) {
		src := m.Bytes(Frame(4))
		for i := range src {
			src[i] = byte(i)
		}

		m.Copy(Frame(5), Frame(4))
		dst := m.Bytes(Frame(5))
		for i := range dst {
			if dst[i] != byte(i) {
				t.Fatalf("expected byte %d of copied frame to be %d; got %d", i, byte(i), dst[i])
			}
		}

		// The copy must not alias the source
		src[0] = 0xff
		if dst[0] != 0 {
			t.Fatal("expected copied frame to be independent of its source")
		}

		m.Zero(Frame(5))
		for i, b := range m.Bytes(Frame(5)) {
			if b != 0 {
				t.Fatalf("expected byte %d to be cleared; got %d", i, b)
			}
		}
	})

	t.Run("bus error", func(t *testing.T) {
		defer func() {
			if err := recover(); err != errBusError {
				t.Fatalf("expected access outside the arena to panic with errBusError; got %v", err)
			}
		}()

		m.Bytes(Frame(16))
	})
}
