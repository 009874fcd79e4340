package chipset

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/cc/internal/hv"
)

const (
	// LocalAPICBaseAddress is the default xAPIC MMIO window.
	LocalAPICBaseAddress uint64 = 0xFEE00000
	lapicWindowSize             = 0x400

	lapicRegID        = 0x020
	lapicRegVersion   = 0x030
	lapicRegTPR       = 0x080
	lapicRegAPR       = 0x090
	lapicRegPPR       = 0x0A0
	lapicRegEOI       = 0x0B0
	lapicRegRRD       = 0x0C0
	lapicRegLDR       = 0x0D0
	lapicRegDFR       = 0x0E0
	lapicRegSVR       = 0x0F0
	lapicRegISRBase   = 0x100
	lapicRegTMRBase   = 0x180
	lapicRegIRRBase   = 0x200
	lapicRegESR       = 0x280
	lapicRegICRLow    = 0x300
	lapicRegICRHigh   = 0x310
	lapicRegLVTTimer  = 0x320
	lapicRegLVTThermal = 0x330
	lapicRegLVTPerf   = 0x340
	lapicRegLVTLint0  = 0x350
	lapicRegLVTLint1  = 0x360
	lapicRegLVTError  = 0x370
	lapicRegInitCount = 0x380
	lapicRegCurrCount = 0x390
	lapicRegDivConfig = 0x3E0

	lapicVersion      = 0x14 | 5<<16 // xAPIC, 6 LVT entries (0-5)
	lapicSVRApicEnable = 1 << 8

	lvtMasked      = 1 << 16
	lvtTimerPeriodic = 1 << 17
)

// bitmap256 is a 256-bit vector split across eight 32-bit words,
// backing the ISR/IRR/TMR register blocks (§4.3).
type bitmap256 [8]uint32

func (b *bitmap256) set(vec uint8)   { b[vec/32] |= 1 << (vec % 32) }
func (b *bitmap256) clear(vec uint8) { b[vec/32] &^= 1 << (vec % 32) }
func (b *bitmap256) has(vec uint8) bool {
	return b[vec/32]&(1<<(vec%32)) != 0
}

// highestSet returns the highest set bit's vector and true, or 0,false
// if the bitmap is empty.
func (b *bitmap256) highestSet() (uint8, bool) {
	for w := 7; w >= 0; w-- {
		if b[w] == 0 {
			continue
		}
		for bit := 31; bit >= 0; bit-- {
			if b[w]&(1<<uint(bit)) != 0 {
				return uint8(w*32 + bit), true
			}
		}
	}
	return 0, false
}

// InterruptTarget is the vCPU-facing side of the Local APIC: vectors
// accepted by InjectInterrupt (and self-IPIs written to ICR) are pushed
// through QueueVector. It has no interrupt-window method; a vector that
// cannot be injected simply stays pending in IRR.
type InterruptTarget interface {
	VectorTarget
}

// LocalAPIC emulates one core's xAPIC register page (§4.3). Each vCPU
// owns exactly one LocalAPIC instance; unlike the IO-APIC it is not a
// single shared device, so it is registered as a per-vCPU MMIO device
// at the same fixed GPA (only one vCPU's LAPIC should be mapped into a
// device list at a time, mirroring this module's single-vCPU default).
type LocalAPIC struct {
	mu sync.Mutex

	id  uint8
	ver uint32

	tpr uint32
	svr uint32
	ldr uint32
	dfr uint32
	esr uint32

	isr bitmap256
	tmr bitmap256
	irr bitmap256

	icrLow  uint32
	icrHigh uint32

	lvtTimer   uint32
	lvtThermal uint32
	lvtPerf    uint32
	lvtLint0   uint32
	lvtLint1   uint32
	lvtError   uint32

	initCount uint32
	currCount uint32
	divConfig uint32

	target InterruptTarget

	// crystalHz is CPUID leaf 0x15's core-crystal-clock frequency. It is
	// stored and kept across Reset, but nothing reads it: the timer
	// registers are plain storage and CURR_COUNT does not count down.
	crystalHz uint64
}

// NewLocalAPIC constructs a Local APIC for the vCPU with the given
// local APIC ID.
func NewLocalAPIC(apicID uint8, target InterruptTarget) *LocalAPIC {
	return &LocalAPIC{
		id:        apicID,
		ver:       lapicVersion,
		svr:       0xFF,
		divConfig: 0,
		crystalHz: 24_000_000,
		target:    target,
	}
}

// Init implements hv.Device.
func (l *LocalAPIC) Init(vm hv.VirtualMachine) error { return nil }

// MMIORegions implements hv.MemoryMappedIODevice.
func (l *LocalAPIC) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: LocalAPICBaseAddress, Size: lapicWindowSize}}
}

func (l *LocalAPIC) inRange(addr, size uint64) bool {
	return addr >= LocalAPICBaseAddress && addr+size <= LocalAPICBaseAddress+lapicWindowSize
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (l *LocalAPIC) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	_ = ctx
	if !l.inRange(addr, uint64(len(data))) {
		return fmt.Errorf("lapic: read outside MMIO window: 0x%x", addr)
	}
	offset := addr - LocalAPICBaseAddress

	l.mu.Lock()
	value := l.readRegisterLocked(uint32(offset))
	l.mu.Unlock()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	copy(data, buf[:min(len(data), 4)])
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (l *LocalAPIC) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	_ = ctx
	if !l.inRange(addr, uint64(len(data))) {
		return fmt.Errorf("lapic: write outside MMIO window: 0x%x", addr)
	}
	offset := addr - LocalAPICBaseAddress

	var buf [4]byte
	copy(buf[:], data)
	value := binary.LittleEndian.Uint32(buf[:])

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeRegisterLocked(uint32(offset), value)
}

func (l *LocalAPIC) readRegisterLocked(offset uint32) uint32 {
	switch {
	case offset == lapicRegID:
		return uint32(l.id) << 24
	case offset == lapicRegVersion:
		return l.ver
	case offset == lapicRegTPR:
		return l.tpr
	case offset == lapicRegPPR:
		return l.priorityLocked()
	case offset == lapicRegLDR:
		return l.ldr
	case offset == lapicRegDFR:
		return l.dfr
	case offset == lapicRegSVR:
		return l.svr
	case offset == lapicRegESR:
		return l.esr
	case offset == lapicRegICRLow:
		return l.icrLow
	case offset == lapicRegICRHigh:
		return l.icrHigh
	case offset == lapicRegLVTTimer:
		return l.lvtTimer
	case offset == lapicRegLVTThermal:
		return l.lvtThermal
	case offset == lapicRegLVTPerf:
		return l.lvtPerf
	case offset == lapicRegLVTLint0:
		return l.lvtLint0
	case offset == lapicRegLVTLint1:
		return l.lvtLint1
	case offset == lapicRegLVTError:
		return l.lvtError
	case offset == lapicRegInitCount:
		return l.initCount
	case offset == lapicRegCurrCount:
		return l.currCount
	case offset == lapicRegDivConfig:
		return l.divConfig
	case offset >= lapicRegISRBase && offset < lapicRegISRBase+0x80:
		return l.isr[(offset-lapicRegISRBase)/0x10]
	case offset >= lapicRegTMRBase && offset < lapicRegTMRBase+0x80:
		return l.tmr[(offset-lapicRegTMRBase)/0x10]
	case offset >= lapicRegIRRBase && offset < lapicRegIRRBase+0x80:
		return l.irr[(offset-lapicRegIRRBase)/0x10]
	default:
		return 0
	}
}

func (l *LocalAPIC) writeRegisterLocked(offset uint32, value uint32) error {
	switch {
	case offset == lapicRegTPR:
		l.tpr = value & 0xff
	case offset == lapicRegEOI:
		l.handleEOILocked()
	case offset == lapicRegLDR:
		l.ldr = value
	case offset == lapicRegDFR:
		l.dfr = value
	case offset == lapicRegSVR:
		l.svr = value
	case offset == lapicRegESR:
		l.esr = 0
	case offset == lapicRegICRLow:
		l.icrLow = value
		l.sendIPILocked()
	case offset == lapicRegICRHigh:
		l.icrHigh = value
	case offset == lapicRegLVTTimer:
		l.lvtTimer = value
	case offset == lapicRegLVTThermal:
		l.lvtThermal = value
	case offset == lapicRegLVTPerf:
		l.lvtPerf = value
	case offset == lapicRegLVTLint0:
		l.lvtLint0 = value
	case offset == lapicRegLVTLint1:
		l.lvtLint1 = value
	case offset == lapicRegLVTError:
		l.lvtError = value
	case offset == lapicRegInitCount:
		l.initCount = value
		l.currCount = value
	case offset == lapicRegDivConfig:
		l.divConfig = value
	case offset == lapicRegID:
		l.id = uint8(value >> 24)
	default:
		return nil
	}
	return nil
}

// priorityLocked resolves PPR from TPR and the highest in-service
// vector, the way the Intel SDM's "PPR = max(TPR, ISRV)" rule works.
func (l *LocalAPIC) priorityLocked() uint32 {
	tprClass := (l.tpr >> 4) & 0xf
	isrClass := uint32(0)
	if vec, ok := l.isr.highestSet(); ok {
		isrClass = uint32(vec>>4) & 0xf
	}
	if tprClass > isrClass {
		return l.tpr & 0xf0
	}
	return isrClass << 4
}

func (l *LocalAPIC) handleEOILocked() {
	vec, ok := l.isr.highestSet()
	if !ok {
		return
	}
	l.isr.clear(vec)
	if l.tmr.has(vec) {
		l.tmr.clear(vec)
		// Level-triggered EOI would broadcast to the IO-APIC here; the
		// router re-evaluates on the next assertion instead (§4.4).
	}
}

func (l *LocalAPIC) sendIPILocked() {
	vector := uint8(l.icrLow & 0xff)
	dest := uint8(l.icrHigh >> 24)
	destMode := uint8((l.icrLow >> 11) & 1)
	deliveryMode := uint8((l.icrLow >> 8) & 0x7)
	_ = destMode
	_ = deliveryMode
	if l.target != nil && l.svr&lapicSVRApicEnable != 0 {
		l.target.QueueVector(vector)
		_ = dest
	}
}

// FireExternalInterrupt injects a vector asserted by an external source
// (IO-APIC, virtio) into IRR, honoring the masked/enabled state.
func (l *LocalAPIC) FireExternalInterrupt(vec uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.svr&lapicSVRApicEnable == 0 {
		return
	}
	l.irr.set(vec)
}

// QueueVector implements [VectorTarget], letting an IRQRouter address
// this LocalAPIC directly: routed vectors land in IRR exactly like any
// other external interrupt, so TPR/PPR/ISR masking still applies before
// the vCPU target ever sees them via InjectInterrupt.
func (l *LocalAPIC) QueueVector(vec uint8) {
	l.FireExternalInterrupt(vec)
}

// InjectInterrupt is called once per run-loop iteration (§4.12): it
// moves the highest-priority pending IRR vector into ISR and hands it
// to the vCPU target for VMCS entry-interruption-info injection,
// provided it outranks the current PPR. Returns false when nothing is
// injectable this iteration.
func (l *LocalAPIC) InjectInterrupt() (uint8, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	vec, ok := l.irr.highestSet()
	if !ok {
		return 0, false
	}
	if uint32(vec>>4)&0xf <= (l.priorityLocked()>>4)&0xf {
		return 0, false
	}

	l.irr.clear(vec)
	l.isr.set(vec)

	if l.target != nil {
		l.target.QueueVector(vec)
	}
	return vec, true
}

func (l *LocalAPIC) isrNonEmptyLocked() bool {
	_, ok := l.isr.highestSet()
	return ok
}

// Reset clears all LAPIC state back to its post-INIT default (SVR
// disabled, all LVTs masked); the APIC ID and target are kept.
func (l *LocalAPIC) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l = LocalAPIC{id: l.id, ver: lapicVersion, svr: 0xFF, target: l.target, crystalHz: l.crystalHz}
	l.lvtTimer = lvtMasked
	l.lvtThermal = lvtMasked
	l.lvtPerf = lvtMasked
	l.lvtLint0 = lvtMasked
	l.lvtLint1 = lvtMasked
	l.lvtError = lvtMasked
	return nil
}

// DeviceId implements hv.DeviceSnapshotter.
func (l *LocalAPIC) DeviceId() string { return fmt.Sprintf("lapic%d", l.id) }

type lapicSnapshot struct {
	ID, SVR, LDR, DFR, TPR, ESR           uint32
	ISR, TMR, IRR                         bitmap256
	ICRLow, ICRHigh                       uint32
	LVTTimer, LVTThermal, LVTPerf         uint32
	LVTLint0, LVTLint1, LVTError          uint32
	InitCount, CurrCount, DivConfig       uint32
}

// CaptureSnapshot implements hv.DeviceSnapshotter.
func (l *LocalAPIC) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &lapicSnapshot{
		ID: uint32(l.id), SVR: l.svr, LDR: l.ldr, DFR: l.dfr, TPR: l.tpr, ESR: l.esr,
		ISR: l.isr, TMR: l.tmr, IRR: l.irr,
		ICRLow: l.icrLow, ICRHigh: l.icrHigh,
		LVTTimer: l.lvtTimer, LVTThermal: l.lvtThermal, LVTPerf: l.lvtPerf,
		LVTLint0: l.lvtLint0, LVTLint1: l.lvtLint1, LVTError: l.lvtError,
		InitCount: l.initCount, CurrCount: l.currCount, DivConfig: l.divConfig,
	}, nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter.
func (l *LocalAPIC) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	s, ok := snap.(*lapicSnapshot)
	if !ok {
		return fmt.Errorf("lapic: invalid snapshot type %T", snap)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.id = uint8(s.ID)
	l.svr, l.ldr, l.dfr, l.tpr, l.esr = s.SVR, s.LDR, s.DFR, s.TPR, s.ESR
	l.isr, l.tmr, l.irr = s.ISR, s.TMR, s.IRR
	l.icrLow, l.icrHigh = s.ICRLow, s.ICRHigh
	l.lvtTimer, l.lvtThermal, l.lvtPerf = s.LVTTimer, s.LVTThermal, s.LVTPerf
	l.lvtLint0, l.lvtLint1, l.lvtError = s.LVTLint0, s.LVTLint1, s.LVTError
	l.initCount, l.currCount, l.divConfig = s.InitCount, s.CurrCount, s.DivConfig
	return nil
}

var (
	_ hv.Device               = &LocalAPIC{}
	_ hv.MemoryMappedIODevice = &LocalAPIC{}
	_ hv.DeviceSnapshotter    = &LocalAPIC{}
)
