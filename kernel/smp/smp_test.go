package smp

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"vmkern/kernel"
	"vmkern/kernel/mm"
	"vmkern/kernel/mm/pmm"
	"vmkern/kernel/mm/vmm"
	"vmkern/kernel/mm/vmspace"
)

func newTestSet(t *testing.T, count int) (*CPUSet, *vmspace.Manager) {
	fatal := func(e interface{}) {
		t.Fatalf("unexpected panic: %v", e)
	}

	mem := mm.NewPhysMem(1024 << mm.PageShift)
	alloc := pmm.NewAllocator(mem)
	alloc.AddPool(pmm.NewPool(0, 1024, 0))
	alloc.SetPanicHandler(fatal)

	drv := vmm.NewDriver(vmm.X86{}, mem, alloc)
	drv.SetPanicHandler(fatal)
	if _, err := drv.InitKernelTable(); err != nil {
		t.Fatal(err)
	}

	mgr := vmspace.NewManager(drv, alloc)
	mgr.SetPanicHandler(fatal)

	s, err := NewCPUSet(mgr, count)
	if err != nil {
		t.Fatal(err)
	}
	s.SetPanicHandler(fatal)
	return s, mgr
}

func TestMask(t *testing.T) {
	m := MaskOf(0, 3, 63)

	for id, exp := range map[uint32]bool{0: true, 1: false, 3: true, 62: false, 63: true} {
		if got := m.Has(id); got != exp {
			t.Errorf("expected Has(%d) to return %t; got %t", id, exp, got)
		}
	}

	if got := m.Count(); got != 3 {
		t.Errorf("expected mask to contain 3 cores; got %d", got)
	}
	if got := m.Clear(3).Clear(5); got != MaskOf(0, 63) {
		t.Errorf("expected mask %x; got %x", uint64(MaskOf(0, 63)), uint64(got))
	}
}

func TestNewCPUSet(t *testing.T) {
	specs := []struct {
		count   int
		expErr  *kernel.Error
		expMask Mask
	}{
		{0, errBadCPUCount, 0},
		{MaxCPUs + 1, errBadCPUCount, 0},
		{1, nil, 0x1},
		{4, nil, 0xf},
		{MaxCPUs, nil, ^Mask(0)},
	}

	_, mgr := newTestSet(t, 1)
	for specIndex, spec := range specs {
		s, err := NewCPUSet(mgr, spec.count)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}
		if err != nil {
			continue
		}

		if s.Len() != spec.count {
			t.Errorf("[spec %d] expected %d cores; got %d", specIndex, spec.count, s.Len())
		}
		if got := s.All(); got != spec.expMask {
			t.Errorf("[spec %d] expected mask %x; got %x", specIndex, uint64(spec.expMask), uint64(got))
		}
		for id := 0; id < s.Len(); id++ {
			if got := s.CPU(uint32(id)).ID(); got != uint32(id) {
				t.Errorf("[spec %d] expected core %d to have ID %d; got %d", specIndex, id, id, got)
			}
		}
	}
}

func TestLockReloadsStaleRoot(t *testing.T) {
	s, mgr := newTestSet(t, 2)
	c := s.CPU(0)
	kt := mgr.Driver().KernelTable()

	lockUnlock := func() {
		s.Lock(c)
		if s.Holder() != c {
			t.Fatal("expected core to hold the kernel lock")
		}
		s.Unlock(c)
		if s.Holder() != nil {
			t.Fatal("expected kernel lock to be free")
		}
	}

	lockUnlock()
	if got := c.Core().RootSwitches(); got != 1 {
		t.Fatalf("expected first lock to load the root; got %d switches", got)
	}
	if got := c.Core().ActiveRoot(); got != kt.Root().Address() {
		t.Fatalf("expected kernel root %x to be active; got %x", kt.Root().Address(), got)
	}

	lockUnlock()
	if got := c.Core().RootSwitches(); got != 1 {
		t.Fatalf("expected an unchanged revision to skip the reload; got %d switches", got)
	}

	addr, err := mgr.Vmalloc(mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	lockUnlock()
	if got := c.Core().RootSwitches(); got != 2 {
		t.Fatalf("expected a kernel mapping change to reload the root; got %d switches", got)
	}

	space, err := mgr.NewSpace()
	if err != nil {
		t.Fatal(err)
	}
	s.Lock(c)
	s.SwitchSpace(c, space)
	s.Unlock(c)
	if got := c.Core().RootSwitches(); got != 3 {
		t.Fatalf("expected a space switch to load the root; got %d switches", got)
	}
	if got := c.Core().ActiveRoot(); got != space.PageTable().Root().Address() {
		t.Fatalf("expected space root %x to be active; got %x", space.PageTable().Root().Address(), got)
	}

	if _, err = space.Alloc(0, 0, mm.PageSize, 0, mm.ProtRead, 0, nil); err != nil {
		t.Fatal(err)
	}
	if err = space.Fault(vmspace.UserBase, mm.ProtRead); err != nil {
		t.Fatal(err)
	}
	lockUnlock()
	if got := c.Core().RootSwitches(); got != 4 {
		t.Fatalf("expected a space mapping change to reload the root; got %d switches", got)
	}

	mgr.Vfree(addr, mm.PageSize)
}

func TestLockHolderInvalidates(t *testing.T) {
	s, mgr := newTestSet(t, 2)
	c0, c1 := s.CPU(0), s.CPU(1)

	s.Lock(c1)
	if _, err := mgr.Vmalloc(mm.PageSize); err != nil {
		t.Fatal(err)
	}
	s.Unlock(c1)

	if count, _ := c1.Core().TLBFlushes(); count == 0 {
		t.Fatal("expected the lock holder to invalidate the new mapping")
	}
	if count, _ := c0.Core().TLBFlushes(); count != 0 {
		t.Fatalf("expected other cores to be left alone; got %d flushes", count)
	}
}

func TestUnlockByOtherCore(t *testing.T) {
	s, _ := newTestSet(t, 2)

	var caught interface{}
	s.SetPanicHandler(func(e interface{}) { caught = e })

	s.Lock(s.CPU(0))
	s.Unlock(s.CPU(1))
	if caught != errNotLockOwner {
		t.Fatalf("expected errNotLockOwner; got %v", caught)
	}
	if s.Holder() != s.CPU(0) {
		t.Fatal("expected lock to remain held by its owner")
	}
}

func TestLockSerializesCores(t *testing.T) {
	const iterations = 100

	s, _ := newTestSet(t, 4)

	var (
		wg      sync.WaitGroup
		counter int
	)
	wg.Add(s.Len())
	for id := 0; id < s.Len(); id++ {
		go func(c *CPU) {
			defer wg.Done()
			s.Busy(c)
			for i := 0; i < iterations; i++ {
				s.Lock(c)
				counter++
				s.Unlock(c)
			}
			s.Idle(c)
		}(s.CPU(uint32(id)))
	}
	wg.Wait()

	if exp := s.Len() * iterations; counter != exp {
		t.Fatalf("expected counter to be %d; got %d", exp, counter)
	}
}

func TestSyncIdleCores(t *testing.T) {
	s, mgr := newTestSet(t, 4)
	c := s.CPU(0)

	var serviced uint32
	s.SetIPIHandler(func(target *CPU) {
		if s.Holder() != target {
			t.Errorf("expected IPI handler of core %d to run with the kernel lock held", target.ID())
		}
		atomic.AddUint32(&serviced, 1)
	})

	s.Lock(c)
	if _, err := mgr.Vmalloc(mm.PageSize); err != nil {
		t.Fatal(err)
	}
	s.Sync(c, MaskOf(1, 2))

	if s.Holder() != c {
		t.Fatal("expected Sync to return with the kernel lock held")
	}
	if got := atomic.LoadUint32(&serviced); got != 2 {
		t.Fatalf("expected 2 cores to service the IPI; got %d", got)
	}
	for id, exp := range []uint64{2, 1, 1, 0} {
		if got := s.CPU(uint32(id)).Core().RootSwitches(); got != exp {
			t.Errorf("expected core %d to have %d root switches; got %d", id, exp, got)
		}
	}
	s.Unlock(c)
}

func TestSyncBusyCore(t *testing.T) {
	s, _ := newTestSet(t, 2)
	c0, c1 := s.CPU(0), s.CPU(1)

	var (
		wg       sync.WaitGroup
		stop     uint32
		serviced uint32
	)
	s.SetIPIHandler(func(target *CPU) {
		if target == c1 {
			atomic.AddUint32(&serviced, 1)
		}
	})

	s.Busy(c1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for atomic.LoadUint32(&stop) == 0 {
			s.Poll(c1)
			runtime.Gosched()
		}
		s.Idle(c1)
	}()

	s.Lock(c0)
	s.Sync(c0, MaskOf(1))
	s.Unlock(c0)

	atomic.StoreUint32(&stop, 1)
	wg.Wait()

	if got := atomic.LoadUint32(&serviced); got != 1 {
		t.Fatalf("expected busy core to service the IPI once; got %d", got)
	}
	if got := c1.Core().RootSwitches(); got != 1 {
		t.Fatalf("expected busy core to reload its root; got %d switches", got)
	}
}

func TestSyncSkipsCoresOutsideMask(t *testing.T) {
	s, _ := newTestSet(t, 2)
	c0, c1 := s.CPU(0), s.CPU(1)

	// c1 is busy but never polls; Sync must not wait for it.
	s.Busy(c1)
	s.Lock(c0)
	s.Sync(c0, 0)
	s.Unlock(c0)

	if c1.IPIPending() {
		t.Fatal("expected no IPI to be sent to a core outside the mask")
	}
}

func TestSyncSingleCore(t *testing.T) {
	s, _ := newTestSet(t, 1)
	c := s.CPU(0)

	s.Lock(c)
	s.Sync(c, s.All())
	if s.Holder() != c {
		t.Fatal("expected lock to remain held")
	}
	s.SyncLeave(c)
	if s.Holder() != nil {
		t.Fatal("expected SyncLeave outside a barrier to release the lock")
	}
}

func TestPanicHaltsAllCores(t *testing.T) {
	defer func(orig func()) { freezeFn = orig }(freezeFn)
	freezeFn = runtime.Goexit

	s, _ := newTestSet(t, 3)
	c0, c1, c2 := s.CPU(0), s.CPU(1), s.CPU(2)

	var wg sync.WaitGroup
	wg.Add(2)

	// c1 is busy and polls for interrupts; c2 stays idle.
	s.Busy(c1)
	go func() {
		defer wg.Done()
		for {
			s.Poll(c1)
			runtime.Gosched()
		}
	}()

	go func() {
		defer wg.Done()
		s.Panic(c0, &kernel.Error{Module: "test", Message: "boom"})
	}()
	wg.Wait()

	if !s.Panicking() {
		t.Fatal("expected a panic to be in progress")
	}
	for _, c := range []*CPU{c0, c1, c2} {
		if !c.Core().Halted() {
			t.Errorf("expected core %d to be halted", c.ID())
		}
	}
	if got := atomic.LoadUint32(&s.panicking); got != 3 {
		t.Fatalf("expected 3 cores to be accounted for; got %d", got)
	}
}

func TestLockSpinHonorsPanic(t *testing.T) {
	defer func(orig func()) { freezeFn = orig }(freezeFn)
	freezeFn = runtime.Goexit

	s, _ := newTestSet(t, 2)
	c0, c1 := s.CPU(0), s.CPU(1)

	s.Lock(c0)

	var wg sync.WaitGroup
	wg.Add(2)
	s.Busy(c1)
	go func() {
		defer wg.Done()
		s.Lock(c1)
		t.Error("expected core spinning on the kernel lock to freeze")
	}()
	go func() {
		defer wg.Done()
		s.Panic(c0, "lock test")
	}()
	wg.Wait()

	if !c1.Core().Halted() {
		t.Fatal("expected spinning core to be halted")
	}
	if s.Holder() != c0 {
		t.Fatal("expected panicking core to keep the kernel lock")
	}
}
