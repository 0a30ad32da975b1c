package multiboot

import (
	"encoding/binary"
	"fmt"
	"testing"
)

func testInfoData() []byte {
	return new(Builder).
		SetCmdLine("arch=aarch64 cpus=4 pv_eoi").
		SetBootLoaderName("GRUB 2.02~beta2-9ubuntu1.6").
		AddMemRegion(0, 654336, MemAvailable).
		AddMemRegion(654336, 1024, MemReserved).
		AddMemRegion(983040, 65536, MemReserved).
		AddMemRegion(1048576, 133038080, MemAvailable).
		AddMemRegion(134086656, 131072, MemReserved).
		AddMemRegion(4294705152, 262144, MemReserved).
		Bytes()
}

func TestParse(t *testing.T) {
	valid := testInfoData()

	truncated := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(truncated, uint32(len(valid)+8))

	badTag := append([]byte(nil), valid...)
	// Inflate the size of the first tag so it runs past the block end
	binary.LittleEndian.PutUint32(badTag[12:], uint32(len(valid)))

	specs := []struct {
		input  []byte
		expErr bool
	}{
		{valid, false},
		{nil, true},
		{valid[:12], true},
		{truncated, true},
		{badTag, true},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			info, err := Parse(spec.input)
			if spec.expErr {
				if err == nil {
					t.Fatal("expected Parse to return an error")
				}
				return
			}

			if err != nil {
				t.Fatal(err)
			}

			if info == nil {
				t.Fatal("expected Parse to return a non-nil Info")
			}
		})
	}
}

func TestFindTagByType(t *testing.T) {
	info, err := Parse(testInfoData())
	if err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		tagType tagType
		expSize int
	}{
		{tagBootCmdLine, 27},
		{tagBootLoaderName, 27},
		{tagMemoryMap, 152},
		{tagModules, 0},
		{tagBiosBootDevice, 0},
	}

	for specIndex, spec := range specs {
		if got := len(info.findTagByType(spec.tagType)); got != spec.expSize {
			t.Errorf("[spec %d] expected tag size for tag type %d to be %d; got %d", specIndex, spec.tagType, spec.expSize, got)
		}
	}
}

func TestVisitMemRegion(t *testing.T) {
	specs := []struct {
		expPhys uint64
		expLen  uint64
		expType MemoryEntryType
	}{
		// This region type is actually MemAvailable but we patch it to
		// a bogus value to test whether it gets flagged as reserved
		{0, 654336, MemReserved},
		{654336, 1024, MemReserved},
		{983040, 65536, MemReserved},
		{1048576, 133038080, MemAvailable},
		{134086656, 131072, MemReserved},
		{4294705152, 262144, MemReserved},
	}

	var visitCount int

	empty, err := Parse(new(Builder).Bytes())
	if err != nil {
		t.Fatal(err)
	}

	empty.VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return true
	})

	if visitCount != 0 {
		t.Fatal("expected visitor not to be invoked when no memory map tag is present")
	}

	// Set a bogus type for the first entry in the map
	data := testInfoData()
	mmap := findTagOffset(t, data, tagMemoryMap)
	binary.LittleEndian.PutUint32(data[mmap+tagHeaderSize+mmapHeaderSize+16:], 0xFF)

	info, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}

	info.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if entry.PhysAddress != specs[visitCount].expPhys {
			t.Errorf("[visit %d] expected physical address to be %x; got %x", visitCount, specs[visitCount].expPhys, entry.PhysAddress)
		}
		if entry.Length != specs[visitCount].expLen {
			t.Errorf("[visit %d] expected region len to be %x; got %x", visitCount, specs[visitCount].expLen, entry.Length)
		}
		if entry.Type != specs[visitCount].expType {
			t.Errorf("[visit %d] expected region type to be %d; got %d", visitCount, specs[visitCount].expType, entry.Type)
		}
		visitCount++
		return true
	})

	if visitCount != len(specs) {
		t.Errorf("expected the visitor func to be invoked %d times; got %d", len(specs), visitCount)
	}

	// Aborting the scan
	visitCount = 0
	info.VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return false
	})

	if visitCount != 1 {
		t.Errorf("expected the visitor func to be invoked once; got %d", visitCount)
	}
}

func TestBootCmdLine(t *testing.T) {
	info, err := Parse(testInfoData())
	if err != nil {
		t.Fatal(err)
	}

	exp := map[string]string{
		"arch":   "aarch64",
		"cpus":   "4",
		"pv_eoi": "pv_eoi",
	}

	got := info.BootCmdLine()
	if len(got) != len(exp) {
		t.Fatalf("expected %d command line entries; got %d", len(exp), len(got))
	}

	for k, v := range exp {
		if got[k] != v {
			t.Errorf("expected cmdline key %q to map to %q; got %q", k, v, got[k])
		}
	}

	if got := info.BootLoaderName(); got != "GRUB 2.02~beta2-9ubuntu1.6" {
		t.Errorf("unexpected boot loader name %q", got)
	}
}

func TestMemoryEntryTypeString(t *testing.T) {
	specs := []struct {
		input MemoryEntryType
		exp   string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{MemoryEntryType(123), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.exp {
			t.Errorf("[spec %d] expected MemoryEntryType(%d).String() to return %q; got %q", specIndex, spec.input, spec.exp, got)
		}
	}
}

func findTagOffset(t *testing.T, data []byte, typ tagType) int {
	for off := infoHeaderSize; off < len(data); {
		cur := tagType(binary.LittleEndian.Uint32(data[off:]))
		size := int(binary.LittleEndian.Uint32(data[off+4:]))
		if cur == typ {
			return off
		}
		if cur == tagMbSectionEnd {
			break
		}
		off += (size + 7) &^ 7
	}

	t.Fatalf("tag %d not found", typ)
	return 0
}
