package pmm

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcore/kernel/hal/hostmem"
	"kcore/kernel/mm"
)

// newTestZone builds a zone over [start, start+pages*PageSize) whose metadata
// lives in a host arena.
func newTestZone(t *testing.T, start uintptr, pages uint64) *Zone {
	t.Helper()

	arena, err := hostmem.New(mm.PageSize, mm.RoundUp(BuddySystemSize(pages)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = arena.Close() })

	z := new(Zone)
	require.Nil(t, z.Init(start, start+uintptr(pages)*mm.PageSize, arena.PhysToVirt(arena.PhysBase())))
	return z
}

func TestZoneInit(t *testing.T) {
	z := newTestZone(t, 0x100000, 1024)

	assert.Equal(t, uint64(1024), z.TotalPagesCount())
	assert.Equal(t, uint64(1024), z.FreePagesCount())
	assert.Zero(t, z.UsedPagesCount())
	assert.Equal(t, mm.PageSize, z.PageSize())
	assert.Equal(t, uintptr(1024*16+2047*4), z.BuddySystemSize())
	assert.Equal(t, uintptr(0x100000), z.StartAddr())
	assert.Equal(t, uintptr(0x500000), z.EndAddr())

	assert.True(t, z.Contains(0x100000))
	assert.True(t, z.Contains(0x4fffff))
	assert.False(t, z.Contains(0xfffff))
	assert.False(t, z.Contains(0x500000))

	for _, index := range []uint64{0, 1, 511, 1023} {
		page := z.Page(index)
		require.NotNil(t, page)
		assert.Equal(t, uintptr(0x100000)+uintptr(index)*mm.PageSize, page.PhysAddress)
		assert.True(t, page.Free())
		assert.Equal(t, index, z.PageIndex(page.PhysAddress))
	}
	assert.Nil(t, z.Page(1024))
	assert.Equal(t, uint32(1024), z.nodes[0])
}

func TestZoneInitInvalidRange(t *testing.T) {
	specs := []struct {
		start, end uintptr
	}{
		{0x2000, 0x2000},
		{0x3000, 0x2000},
		{0x2001, 0x3000},
		{0x2000, 0x3001},
	}

	for specIndex, spec := range specs {
		var z Zone
		assert.Equal(t, ErrZoneInvalidRange, z.Init(spec.start, spec.end, 0), "[spec %d]", specIndex)
	}
}

func TestBuddySystemSize(t *testing.T) {
	specs := []struct {
		pages uint64
		exp   uintptr
	}{
		{0, 0},
		{1, 16 + 4},
		{5, 5*16 + 15*4},
		{1024, 1024*16 + 2047*4},
	}

	for specIndex, spec := range specs {
		assert.Equal(t, spec.exp, BuddySystemSize(spec.pages), "[spec %d]", specIndex)
	}
}

func TestZoneAllocateNonPowerOfTwoZone(t *testing.T) {
	z := newTestZone(t, 0x100000, 5)

	_, err := z.AllocatePages(8, PageKernel)
	assert.Equal(t, ErrZoneOutOfMemory, err, "padding pages must never be granted")

	index, err := z.AllocatePages(3, PageKernel)
	require.Nil(t, err)
	assert.Equal(t, uint64(0), index)
	assert.Equal(t, uint64(1), z.FreePagesCount(), "a request for 3 pages consumes a block of 4")

	index, err = z.AllocatePages(1, PageKernel)
	require.Nil(t, err)
	assert.Equal(t, uint64(4), index)

	index, err = z.AllocatePages(1, PageKernel)
	assert.Equal(t, ErrZoneOutOfMemory, err)
	assert.Equal(t, InvalidPageIndex, index)
	assert.Zero(t, z.FreePagesCount())
}

func TestZoneAllocateOversizedRequests(t *testing.T) {
	z := newTestZone(t, 0x100000, 16)

	for specIndex, count := range []uint64{17, 32, 1 << 63, 1<<63 + 1, ^uint64(0)} {
		index, err := z.AllocatePages(count, PageKernel)
		assert.Equal(t, ErrZoneOutOfMemory, err, "[spec %d]", specIndex)
		assert.Equal(t, InvalidPageIndex, index, "[spec %d]", specIndex)
	}
	assert.Equal(t, uint64(16), z.FreePagesCount())

	index, err := z.AllocatePages(16, PageKernel)
	require.Nil(t, err)
	assert.Equal(t, uint64(0), index)
}

func TestZoneAllocateFlagsPages(t *testing.T) {
	z := newTestZone(t, 0x100000, 16)

	index, err := z.AllocatePages(4, PageKernel|PageMapped)
	require.Nil(t, err)

	for i := index; i < index+4; i++ {
		assert.Equal(t, PageKernel|PageMapped|PageActive, z.Page(i).Flags)
	}
	assert.True(t, z.Page(index+4).Free())

	require.Nil(t, z.FreePages(index))
	for i := index; i < index+4; i++ {
		assert.True(t, z.Page(i).Free())
	}
}

func TestZoneAccountingAndAlignment(t *testing.T) {
	const totalPages = 1000
	z := newTestZone(t, 0x100000, totalPages)

	type block struct{ index, size uint64 }
	var (
		rng       = rand.New(rand.NewSource(42))
		allocated []block
		owner     [totalPages]bool
	)

	checkAccounting := func(step int) {
		var used uint64
		for _, b := range allocated {
			used += b.size
		}
		require.Equal(t, uint64(totalPages), z.FreePagesCount()+used, "step %d", step)
	}

	for step := 0; step < 5000; step++ {
		if len(allocated) == 0 || rng.Intn(3) != 0 {
			count := uint64(rng.Intn(16) + 1)
			index, err := z.AllocatePages(count, PageKernel)
			if err != nil {
				require.Equal(t, ErrZoneOutOfMemory, err)
				checkAccounting(step)
				continue
			}

			size := roundUpPow2(count)
			require.Zero(t, index%size, "step %d: block of %d pages at misaligned index %d", step, size, index)
			require.LessOrEqual(t, index+size, uint64(totalPages))
			for i := index; i < index+size; i++ {
				require.False(t, owner[i], "step %d: page %d granted twice", step, i)
				owner[i] = true
			}
			allocated = append(allocated, block{index, size})
		} else {
			victim := rng.Intn(len(allocated))
			b := allocated[victim]
			require.Nil(t, z.FreePages(b.index))
			for i := b.index; i < b.index+b.size; i++ {
				owner[i] = false
			}
			allocated = append(allocated[:victim], allocated[victim+1:]...)
		}

		checkAccounting(step)
	}

	for _, b := range allocated {
		require.Nil(t, z.FreePages(b.index))
	}
	assert.Equal(t, uint64(totalPages), z.FreePagesCount())
	assert.Equal(t, uint32(512), z.nodes[0], "largest block of a fully free 1000-page zone")
}

func TestZoneMergeThenSplit(t *testing.T) {
	z := newTestZone(t, 0x100000, 64)

	first, err := z.AllocatePages(1, 0)
	require.Nil(t, err)
	block, err := z.AllocatePages(8, 0)
	require.Nil(t, err)
	_, err = z.AllocatePages(2, 0)
	require.Nil(t, err)

	require.Nil(t, z.FreePages(block))
	again, err := z.AllocatePages(8, 0)
	require.Nil(t, err)
	assert.Equal(t, block, again)

	// a fully merged zone hands out the same pages again
	require.Nil(t, z.FreePages(first))
	first2, err := z.AllocatePages(1, 0)
	require.Nil(t, err)
	assert.Equal(t, first, first2)
}

func TestZoneFreeErrors(t *testing.T) {
	z := newTestZone(t, 0x100000, 16)

	assert.Equal(t, ErrZoneDoubleFree, z.FreePages(3), "never allocated")
	assert.Equal(t, ErrZoneInvalidIndex, z.FreePages(16))

	index, err := z.AllocatePages(4, 0)
	require.Nil(t, err)
	assert.Equal(t, ErrZoneInvalidFree, z.FreePages(index+1), "not the start of the block")

	require.Nil(t, z.FreePages(index))
	assert.Equal(t, ErrZoneDoubleFree, z.FreePages(index))
	assert.Equal(t, uint64(16), z.FreePagesCount())

	// sibling blocks allocated separately do not look like one large block
	a, _ := z.AllocatePages(8, 0)
	b, _ := z.AllocatePages(8, 0)
	assert.Equal(t, ErrZoneInvalidFree, z.FreePages(a+4))
	require.Nil(t, z.FreePages(b))
	require.Nil(t, z.FreePages(a))
	assert.Equal(t, uint32(16), z.nodes[0])
}

func TestZoneReserve(t *testing.T) {
	z := newTestZone(t, 0x100000, 16)

	assert.True(t, z.Reserve(2))
	assert.Equal(t, PageReserved, z.Page(2).Flags)
	assert.Equal(t, uint64(15), z.FreePagesCount())
	assert.False(t, z.Reserve(2), "already reserved")
	assert.False(t, z.Reserve(16), "out of range")

	index, err := z.AllocatePages(4, 0)
	require.Nil(t, err)
	assert.Equal(t, uint64(4), index, "the block holding the reserved page must be skipped")
	assert.False(t, z.Reserve(5), "allocated pages cannot be reserved")

	assert.Equal(t, ErrZoneInvalidFree, z.FreePages(2), "reserved pages cannot be freed")

	// the remaining pages of the first block are still usable
	for _, exp := range []uint64{0, 1, 3} {
		got, err := z.AllocatePages(1, 0)
		require.Nil(t, err)
		assert.Equal(t, exp, got)
	}
}

func TestZoneConcurrentAllocations(t *testing.T) {
	const (
		totalPages = 256
		workers    = 8
		rounds     = 500
	)
	z := newTestZone(t, 0x100000, totalPages)

	var (
		owners    [totalPages]int32
		wg        sync.WaitGroup
		conflicts int32
	)

	for w := 1; w <= workers; w++ {
		wg.Add(1)
		go func(id int32) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				count := uint64(1 << (r % 3))
				index, err := z.AllocatePages(count, 0)
				if err != nil {
					continue
				}

				for i := index; i < index+count; i++ {
					if !atomic.CompareAndSwapInt32(&owners[i], 0, id) {
						atomic.AddInt32(&conflicts, 1)
					}
				}
				for i := index; i < index+count; i++ {
					atomic.CompareAndSwapInt32(&owners[i], id, 0)
				}

				if err := z.FreePages(index); err != nil {
					atomic.AddInt32(&conflicts, 1)
				}
			}
		}(int32(w))
	}
	wg.Wait()

	assert.Zero(t, conflicts, "pages were granted to more than one caller")
	assert.Equal(t, uint64(totalPages), z.FreePagesCount())
}

func TestRoundUpPow2(t *testing.T) {
	specs := []struct{ in, exp uint64 }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {4, 4}, {5, 8}, {1000, 1024}, {1024, 1024},
	}

	for specIndex, spec := range specs {
		assert.Equal(t, spec.exp, roundUpPow2(spec.in), "[spec %d]", specIndex)
	}
}
