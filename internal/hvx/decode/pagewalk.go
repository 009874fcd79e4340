package decode

import (
	"fmt"
	"io"
)

const (
	pageFlagPresent = 1 << 0
	pageFlagPS      = 1 << 7
)

// MemReader is the minimal guest-memory accessor the page walker needs;
// hv.VirtualMachine already satisfies it via io.ReaderAt.
type MemReader interface {
	io.ReaderAt
}

// WalkToPhys translates a guest virtual address to a guest physical
// address by walking the 4-level long-mode page tables rooted at cr3,
// honoring the PS (page size) bit at the PDPT and PD levels the way
// this module's 1 GiB/2 MiB identity mappings set it. It is used only
// to fetch instruction bytes for MMIO emulation (§4.17), not as a
// general page-fault handler.
func WalkToPhys(mem MemReader, cr3 uint64, vaddr uint64) (uint64, error) {
	pml4Index := (vaddr >> 39) & 0x1ff
	pdptIndex := (vaddr >> 30) & 0x1ff
	pdIndex := (vaddr >> 21) & 0x1ff
	ptIndex := (vaddr >> 12) & 0x1ff
	pageOffset := vaddr & 0xfff

	pml4Base := cr3 &^ 0xfff
	pml4e, err := readEntry(mem, pml4Base, pml4Index)
	if err != nil {
		return 0, fmt.Errorf("pagewalk: PML4E: %w", err)
	}
	if pml4e&pageFlagPresent == 0 {
		return 0, fmt.Errorf("pagewalk: PML4E not present for 0x%x", vaddr)
	}

	pdptBase := pml4e &^ 0xfff
	pdpte, err := readEntry(mem, pdptBase, pdptIndex)
	if err != nil {
		return 0, fmt.Errorf("pagewalk: PDPTE: %w", err)
	}
	if pdpte&pageFlagPresent == 0 {
		return 0, fmt.Errorf("pagewalk: PDPTE not present for 0x%x", vaddr)
	}
	if pdpte&pageFlagPS != 0 {
		base := pdpte &^ ((1 << 30) - 1)
		return base | (vaddr & ((1 << 30) - 1)), nil
	}

	pdBase := pdpte &^ 0xfff
	pde, err := readEntry(mem, pdBase, pdIndex)
	if err != nil {
		return 0, fmt.Errorf("pagewalk: PDE: %w", err)
	}
	if pde&pageFlagPresent == 0 {
		return 0, fmt.Errorf("pagewalk: PDE not present for 0x%x", vaddr)
	}
	if pde&pageFlagPS != 0 {
		base := pde &^ ((1 << 21) - 1)
		return base | (vaddr & ((1 << 21) - 1)), nil
	}

	ptBase := pde &^ 0xfff
	pte, err := readEntry(mem, ptBase, ptIndex)
	if err != nil {
		return 0, fmt.Errorf("pagewalk: PTE: %w", err)
	}
	if pte&pageFlagPresent == 0 {
		return 0, fmt.Errorf("pagewalk: PTE not present for 0x%x", vaddr)
	}

	base := pte &^ 0xfff
	return base | pageOffset, nil
}

func readEntry(mem MemReader, tableBase uint64, index uint64) (uint64, error) {
	var buf [8]byte
	if _, err := mem.ReadAt(buf[:], int64(tableBase+index*8)); err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}
