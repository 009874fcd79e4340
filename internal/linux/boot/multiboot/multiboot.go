// Package multiboot loads a Multiboot-1 compliant kernel image (GRUB
// "multiboot" v0.6.96) directly into guest memory, as an alternative to
// the Linux-specific boot_params ("zero page") path implemented by the
// sibling boot package. Grounded on the header-scan/checksum/mbi-build
// logic of original_source/xhype/xhype/src/multiboot.rs, adapted to the
// amd64 VMX backend's SetProtectedMode entry point and extended to
// populate the command line the reference implementation left as a
// to-do.
package multiboot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/cc/internal/hv"
)

// Magic is the value a Multiboot header must start with
// (MULTIBOOT_HEADER_MAGIC).
const Magic uint32 = 0x1BADB002

// HeaderScanLimit bounds how far into the image the header is searched
// for, per the Multiboot specification.
const HeaderScanLimit = 8192

// Header mirrors the fixed-size prefix of struct multiboot_header. Only
// the fields relevant to a flat, non-AOUT, non-video kernel are used;
// the remaining fields are validated to be within the bits this loader
// supports and otherwise ignored.
type Header struct {
	Magic        uint32
	Flags        uint32
	Checksum     uint32
	HeaderAddr   uint32
	LoadAddr     uint32
	LoadEndAddr  uint32
	BssEndAddr   uint32
	EntryAddr    uint32
	ModeType     uint32
	Width        uint32
	Height       uint32
	Depth        uint32
}

const headerSize = 48 // 12 * uint32

const (
	flagPageAlign   = 1 << 0
	flagMemoryInfo  = 1 << 1
	flagVideoMode   = 1 << 2
	flagAddrFields  = 1 << 16
	unsupportedBits = flagVideoMode | flagAddrFields
)

// info flags this loader is able to populate in multiboot_info.
const (
	infoMemory  = 1 << 0
	infoCmdline = 1 << 2
	infoMods    = 1 << 3
	infoMemMap  = 1 << 6
	infoDrives  = 1 << 7
)

const (
	memTypeAvailable = 1

	oneKiB = 1024
	oneMiB = 1 << 20
)

// Offsets of struct multiboot_info fields this loader writes, matching
// the real GRUB/GNU Multiboot ABI (the anonymous 16-byte a.out/ELF
// symbol-table union sits at offset 28).
const (
	infoOffFlags          = 0
	infoOffMemLower       = 4
	infoOffMemUpper       = 8
	infoOffBootDevice     = 12
	infoOffCmdline        = 16
	infoOffModsCount      = 20
	infoOffModsAddr       = 24
	infoOffMmapLength     = 44
	infoOffMmapAddr       = 48
	infoOffDrivesLength   = 52
	infoOffDrivesAddr     = 56
	infoStructSize        = 120

	// A multiboot_mmap_entry record is size(u32) + addr(u64) + len(u64) +
	// type(u32) = 24 bytes; the size field's value excludes itself.
	mmapEntrySize = 24
)

// ScanForHeader searches the first HeaderScanLimit bytes of the kernel
// image (4-byte aligned, per spec) for the Multiboot magic and returns
// the parsed header together with its byte offset. ok is false if no
// header was found.
func ScanForHeader(kernel io.ReaderAt, kernelSize int64) (hdr Header, offset int, ok bool, err error) {
	limit := int64(HeaderScanLimit)
	if kernelSize < limit {
		limit = kernelSize
	}
	buf := make([]byte, limit)
	if _, err := kernel.ReadAt(buf, 0); err != nil && err != io.EOF {
		return Header{}, 0, false, fmt.Errorf("read multiboot scan window: %w", err)
	}

	for i := 0; i+4 <= len(buf); i += 4 {
		if binary.LittleEndian.Uint32(buf[i:]) != Magic {
			continue
		}
		if i+headerSize > len(buf) {
			return Header{}, 0, false, nil
		}
		hdr = Header{
			Magic:       binary.LittleEndian.Uint32(buf[i+0:]),
			Flags:       binary.LittleEndian.Uint32(buf[i+4:]),
			Checksum:    binary.LittleEndian.Uint32(buf[i+8:]),
			HeaderAddr:  binary.LittleEndian.Uint32(buf[i+12:]),
			LoadAddr:    binary.LittleEndian.Uint32(buf[i+16:]),
			LoadEndAddr: binary.LittleEndian.Uint32(buf[i+20:]),
			BssEndAddr:  binary.LittleEndian.Uint32(buf[i+24:]),
			EntryAddr:   binary.LittleEndian.Uint32(buf[i+28:]),
			ModeType:    binary.LittleEndian.Uint32(buf[i+32:]),
			Width:       binary.LittleEndian.Uint32(buf[i+36:]),
			Height:      binary.LittleEndian.Uint32(buf[i+40:]),
			Depth:       binary.LittleEndian.Uint32(buf[i+44:]),
		}
		return hdr, i, true, nil
	}
	return Header{}, 0, false, nil
}

// Validate checks the header checksum and rejects header flag bits this
// loader does not implement (video mode requests, explicit address
// fields).
func (h Header) Validate() error {
	if h.Magic+h.Flags+h.Checksum != 0 {
		return errors.New("multiboot header checksum failed")
	}
	if h.Flags&unsupportedBits != 0 {
		return fmt.Errorf("multiboot header requests unsupported flags %#x", h.Flags&unsupportedBits)
	}
	return nil
}

// Plan captures the addresses needed to hand control to a multiboot
// kernel: where its image was loaded, where the constructed
// multiboot_info block lives, and the initial register state.
type Plan struct {
	LoadAddr uint64
	EntryGPA uint64
	MBIAddr  uint64
	StackTop uint64
}

// Load copies the kernel image into guest RAM at loadAddr, builds the
// multiboot_info block plus its two-entry memory map and (optionally) a
// command line string, and returns the plan used to seed the first
// vCPU. entryAddr is the kernel's multiboot entry point GPA (ordinarily
// h.EntryAddr, resolved by the caller).
func Load(vm hv.VirtualMachine, kernel io.ReaderAt, kernelSize int64, h Header, loadAddr, entryAddr uint64, cmdline string) (*Plan, error) {
	if vm == nil || vm.MemorySize() == 0 {
		return nil, errors.New("memory mapping is nil")
	}
	memStart := vm.MemoryBase()
	memEnd := memStart + vm.MemorySize()

	if loadAddr < memStart || loadAddr+uint64(kernelSize) > memEnd {
		return nil, fmt.Errorf("kernel load range [%#x, %#x) outside RAM [%#x, %#x)", loadAddr, loadAddr+uint64(kernelSize), memStart, memEnd)
	}

	image := make([]byte, kernelSize)
	if _, err := kernel.ReadAt(image, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read kernel image: %w", err)
	}
	if _, err := vm.WriteAt(image, int64(loadAddr)); err != nil {
		return nil, fmt.Errorf("write kernel image: %w", err)
	}

	mbiAddr := roundUp4K(loadAddr + uint64(kernelSize))
	mmapAddr := roundUp4K(mbiAddr + infoStructSize)
	cmdlineAddr := roundUp4K(mmapAddr + 2*mmapEntrySize)
	cmdlineEnd := cmdlineAddr + uint64(len(cmdline)) + 1

	if cmdlineEnd > memEnd {
		return nil, fmt.Errorf("no room for multiboot metadata below RAM end %#x", memEnd)
	}

	flags := uint32(infoMemory | infoMods | infoMemMap | infoDrives)
	if cmdline != "" {
		flags |= infoCmdline
	}

	info := make([]byte, infoStructSize)
	binary.LittleEndian.PutUint32(info[infoOffFlags:], flags)
	binary.LittleEndian.PutUint32(info[infoOffMemLower:], 64)
	binary.LittleEndian.PutUint32(info[infoOffMemUpper:], uint32((memEnd-memStart-oneMiB)/oneKiB))
	binary.LittleEndian.PutUint32(info[infoOffBootDevice:], 0xffffffff)
	if cmdline != "" {
		binary.LittleEndian.PutUint32(info[infoOffCmdline:], uint32(cmdlineAddr))
	}
	binary.LittleEndian.PutUint32(info[infoOffModsCount:], 0)
	binary.LittleEndian.PutUint32(info[infoOffModsAddr:], 0)
	binary.LittleEndian.PutUint32(info[infoOffMmapLength:], 2*mmapEntrySize)
	binary.LittleEndian.PutUint32(info[infoOffMmapAddr:], uint32(mmapAddr))
	binary.LittleEndian.PutUint32(info[infoOffDrivesLength:], 0)
	binary.LittleEndian.PutUint32(info[infoOffDrivesAddr:], 0)

	if _, err := vm.WriteAt(info, int64(mbiAddr)); err != nil {
		return nil, fmt.Errorf("write multiboot_info: %w", err)
	}

	mmap := &bytes.Buffer{}
	writeMmapEntry(mmap, 0, 0x10000, memTypeAvailable)
	writeMmapEntry(mmap, oneMiB, memEnd-memStart-oneMiB, memTypeAvailable)
	if _, err := vm.WriteAt(mmap.Bytes(), int64(mmapAddr)); err != nil {
		return nil, fmt.Errorf("write multiboot mmap: %w", err)
	}

	if cmdline != "" {
		cmdlineBytes := append([]byte(cmdline), 0)
		if _, err := vm.WriteAt(cmdlineBytes, int64(cmdlineAddr)); err != nil {
			return nil, fmt.Errorf("write multiboot cmdline: %w", err)
		}
	}

	return &Plan{
		LoadAddr: loadAddr,
		EntryGPA: entryAddr,
		MBIAddr:  mbiAddr,
		StackTop: memEnd,
	}, nil
}

// writeMmapEntry appends one multiboot_mmap_entry record: a 4-byte size
// field (which does not count itself, per spec) followed by an 8-byte
// base address, an 8-byte length and a 4-byte type.
func writeMmapEntry(buf *bytes.Buffer, addr, length uint64, typ uint32) {
	var entry [mmapEntrySize]byte
	binary.LittleEndian.PutUint32(entry[0:], mmapEntrySize-4)
	binary.LittleEndian.PutUint64(entry[4:], addr)
	binary.LittleEndian.PutUint64(entry[12:], length)
	binary.LittleEndian.PutUint32(entry[20:], typ)
	buf.Write(entry[:])
}

func roundUp4K(v uint64) uint64 {
	const page = 0x1000
	return (v + page - 1) &^ (page - 1)
}

// ConfigureVCPU seeds the initial vCPU state a multiboot kernel expects
// on entry: RAX holds the magic, RBX the multiboot_info GPA, RIP the
// kernel's entry point, and RSP the top of guest RAM. The 32-bit
// protected-mode, paging-disabled environment is built by reusing the
// VMX backend's SetProtectedMode, which already produces the flat
// descriptors and CR0/CR4 values this spec calls for.
func (p *Plan) ConfigureVCPU(vcpu hv.VirtualCPU) error {
	if vcpu == nil {
		return errors.New("vcpu is nil")
	}
	amd64Cpu, ok := vcpu.(hv.VirtualCPUAmd64)
	if !ok {
		return errors.New("vcpu is not amd64")
	}
	if err := amd64Cpu.SetProtectedMode(); err != nil {
		return fmt.Errorf("set protected mode: %w", err)
	}

	return vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rax: hv.Register64(Magic),
		hv.RegisterAMD64Rbx: hv.Register64(p.MBIAddr),
		hv.RegisterAMD64Rip: hv.Register64(p.EntryGPA),
		hv.RegisterAMD64Rsp: hv.Register64(p.StackTop),
	})
}
