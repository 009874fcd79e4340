//go:build darwin && amd64

package hvf

import (
	"fmt"
	"runtime"

	"github.com/tinyrange/cc/internal/hv"
	"github.com/tinyrange/cc/internal/hvx/decode"
)

var registerMapAmd64 = map[hv.Register]hvX86Reg{
	hv.RegisterAMD64Rax:    hvX86RegRax,
	hv.RegisterAMD64Rbx:    hvX86RegRbx,
	hv.RegisterAMD64Rcx:    hvX86RegRcx,
	hv.RegisterAMD64Rdx:    hvX86RegRdx,
	hv.RegisterAMD64Rsi:    hvX86RegRsi,
	hv.RegisterAMD64Rdi:    hvX86RegRdi,
	hv.RegisterAMD64Rsp:    hvX86RegRsp,
	hv.RegisterAMD64Rbp:    hvX86RegRbp,
	hv.RegisterAMD64R8:     hvX86RegR8,
	hv.RegisterAMD64R9:     hvX86RegR9,
	hv.RegisterAMD64R10:    hvX86RegR10,
	hv.RegisterAMD64R11:    hvX86RegR11,
	hv.RegisterAMD64R12:    hvX86RegR12,
	hv.RegisterAMD64R13:    hvX86RegR13,
	hv.RegisterAMD64R14:    hvX86RegR14,
	hv.RegisterAMD64R15:    hvX86RegR15,
	hv.RegisterAMD64Rip:    hvX86RegRip,
	hv.RegisterAMD64Rflags: hvX86RegRflags,
	hv.RegisterAMD64Cr3:    hvX86RegCr3,
}

// GetRegisters implements [hv.VirtualCPU].
func (v *virtualCPUVMX) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		hvReg, ok := registerMapAmd64[reg]
		if !ok {
			return fmt.Errorf("hvf: unsupported register %v", reg)
		}
		value, err := v.readReg(hvReg)
		if err != nil {
			return fmt.Errorf("hvf: get register %v: %w", reg, err)
		}
		regs[reg] = hv.Register64(value)
	}
	return nil
}

// SetRegisters implements [hv.VirtualCPU].
func (v *virtualCPUVMX) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, value := range regs {
		hvReg, ok := registerMapAmd64[reg]
		if !ok {
			return fmt.Errorf("hvf: unsupported register %v", reg)
		}
		if err := v.writeReg(hvReg, uint64(value.(hv.Register64))); err != nil {
			return fmt.Errorf("hvf: set register %v: %w", reg, err)
		}
	}
	return nil
}

// segment describes a flat descriptor to seed into one VMCS segment
// register group (selector/base/limit/access-rights) plus the matching
// hv_vcpu_write_register selector value.
type segment struct {
	selector uint16
	base     uint64
	limit    uint32
	ar       uint32
}

const (
	arTypeCodeRX    = 0xB // execute/read, accessed
	arTypeDataRW    = 0x3 // read/write, accessed
	arCodeOrData    = 1 << 4
	arPresent       = 1 << 7
	arLongMode      = 1 << 13 // L bit (64-bit code segment)
	arDB            = 1 << 14
	arGranularity   = 1 << 15
	segUnusable     = 1 << 16
)

// flatCode32Segment is the 32-bit protected-mode flat code descriptor
// (D/B=1, L=0), used by SetProtectedMode.
func flatCode32Segment(selector uint16) segment {
	return segment{
		selector: selector,
		base:     0,
		limit:    0xffffffff,
		ar:       arTypeCodeRX | arCodeOrData | arPresent | arDB | arGranularity,
	}
}

// flatCodeSegment is the 64-bit long-mode flat code descriptor (L=1,
// D/B=0 — the SDM requires D/B clear whenever L is set), used by
// SetLongModeWithSelectors.
func flatCodeSegment(selector uint16) segment {
	return segment{
		selector: selector,
		base:     0,
		limit:    0xffffffff,
		ar:       arTypeCodeRX | arCodeOrData | arPresent | arLongMode | arGranularity,
	}
}

func flatDataSegment(selector uint16) segment {
	return segment{
		selector: selector,
		base:     0,
		limit:    0xffffffff,
		ar:       arTypeDataRW | arCodeOrData | arPresent | arDB | arGranularity,
	}
}

func unusableSegment() segment {
	return segment{ar: segUnusable}
}

// CR0/CR4/EFER bits this backend seeds.
const (
	cr0PE = 1 << 0
	cr0MP = 1 << 1
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0AM = 1 << 18
	cr0PG = 1 << 31

	cr4PAE     = 1 << 5
	cr4PGE     = 1 << 7
	cr4VMXE    = 1 << 13
	cr4OSFXSR  = 1 << 9
	cr4OSXMMEXCPT = 1 << 10

	msrEFER     = 0xC0000080
	eferLME     = 1 << 8
	eferLMA     = 1 << 10

	msrPAT = 0x00000277

	msrIA32VMXCR0Fixed0 = 0x00000486
	msrIA32VMXCR0Fixed1 = 0x00000487
	msrIA32VMXCR4Fixed0 = 0x00000488
	msrIA32VMXCR4Fixed1 = 0x00000489
)

// SetProtectedMode implements [hv.VirtualCPUAmd64]: seeds a flat,
// paging-disabled 32-bit protected-mode environment (used by the
// vthread and early-boot paths before long mode is entered).
func (v *virtualCPUVMX) SetProtectedMode() error {
	if err := v.seedControlRegisters(cr0PE|cr0ET|cr0NE, cr4VMXE, 0); err != nil {
		return err
	}
	return v.seedSegments(flatCode32Segment(0x08), flatDataSegment(0x10), 0, 0)
}

// SetLongModeWithSelectors implements [hv.VirtualCPUAmd64]: builds
// identity-mapped page tables using 1 GiB pages at the PDPT level
// directly in guest memory at pagingBase (§4.2/§4.10), then seeds
// CR0/CR3/CR4/EFER and the code/data segment VMCS fields for 64-bit
// long mode entry.
func (v *virtualCPUVMX) SetLongModeWithSelectors(pagingBase uint64, addrSpaceSize int, codeSelector, dataSelector uint16) error {
	if err := v.buildIdentityPaging(pagingBase, addrSpaceSize); err != nil {
		return fmt.Errorf("hvf: build identity paging: %w", err)
	}

	if err := v.seedControlRegisters(
		cr0PE|cr0MP|cr0ET|cr0NE|cr0WP|cr0AM|cr0PG,
		cr4PAE|cr4PGE|cr4VMXE|cr4OSFXSR|cr4OSXMMEXCPT,
		pagingBase,
	); err != nil {
		return err
	}

	if ret := hvVcpuWriteMsr(v.handle, msrEFER, eferLME|eferLMA); ret != hvSuccess {
		return ret.toError("hv_vcpu_write_msr(EFER)")
	}

	return v.seedSegments(flatCodeSegment(codeSelector), flatDataSegment(dataSelector), 0, 0)
}

// buildIdentityPaging writes a PML4 + PDPT identity map covering
// addrSpaceSize bytes using 1 GiB PS-bit pages at the PDPT level, the
// layout this module's spec calls for (as opposed to the 2 MiB
// PD-level scheme the sibling KVM backend uses for the same purpose).
func (v *virtualCPUVMX) buildIdentityPaging(base uint64, addrSpaceSize int) error {
	const pageSize = 0x1000
	pml4Base := base
	pdptBase := base + pageSize

	const oneGiB = 1 << 30
	numGiB := (addrSpaceSize + oneGiB - 1) / oneGiB
	if numGiB > 512 {
		return fmt.Errorf("hvf: address space too large for a single PDPT (%d GiB)", numGiB)
	}

	vm := v.vm

	var pml4 [512]uint64
	pml4[0] = pdptBase | 0x3 // present, writable

	var pdpt [512]uint64
	for i := 0; i < numGiB; i++ {
		const pdptPresentWritablePS = 0x3 | (1 << 7)
		pdpt[i] = uint64(i)*oneGiB | pdptPresentWritablePS
	}

	if err := writeTable(vm, pml4Base, pml4[:]); err != nil {
		return err
	}
	return writeTable(vm, pdptBase, pdpt[:])
}

func writeTable(vm *virtualMachineVMX, base uint64, entries []uint64) error {
	buf := make([]byte, len(entries)*8)
	for i, e := range entries {
		for b := 0; b < 8; b++ {
			buf[i*8+b] = byte(e >> (8 * b))
		}
	}
	_, err := vm.WriteAt(buf, int64(base+vm.memoryBase))
	return err
}

func (v *virtualCPUVMX) seedControlRegisters(cr0, cr4, cr3 uint64) error {
	cr0Fixed0, cr0Fixed1, err := v.readCR0Fixed()
	if err != nil {
		return err
	}
	cr0 = (cr0 | cr0Fixed0) & cr0Fixed1

	cr4Fixed0, cr4Fixed1, err := v.readCR4Fixed()
	if err != nil {
		return err
	}
	cr4 = (cr4 | cr4Fixed0) & cr4Fixed1

	if err := v.writeVMCS(vmcsGuestCr0, cr0); err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsCtrlCr0Mask, 0); err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsCtrlCr0ReadShadow, cr0); err != nil {
		return err
	}

	if err := v.writeVMCS(vmcsGuestCr4, cr4); err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsCtrlCr4Mask, 0); err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsCtrlCr4ReadShadow, cr4); err != nil {
		return err
	}

	if cr3 != 0 {
		if err := v.writeVMCS(vmcsGuestCr3, cr3); err != nil {
			return err
		}
	}

	if err := v.seedExecutionControls(); err != nil {
		return err
	}

	return nil
}

// readMsr reads a single MSR through the per-vCPU hv_vcpu_read_msr
// call. Unlike hv_vmx_read_capability (which only resolves the
// pin/cpu/entry/exit control fields), the must-be-0/must-be-1 CR0 and
// CR4 fixed-bit MSRs are ordinary architectural MSRs and have no
// vmx_read_capability entry of their own.
func (v *virtualCPUVMX) readMsr(msr uint32) (uint64, error) {
	var value uint64
	if ret := hvVcpuReadMsr(v.handle, msr, &value); ret != hvSuccess {
		return 0, ret.toError(fmt.Sprintf("hv_vcpu_read_msr(0x%x)", msr))
	}
	return value, nil
}

// readCR0Fixed reads IA32_VMX_CR0_FIXED0/FIXED1, the must-be-one and
// may-be-one masks a guest CR0 value must satisfy: bits set in FIXED0
// are forced to 1, bits clear in FIXED1 are forced to 0.
func (v *virtualCPUVMX) readCR0Fixed() (fixed0, fixed1 uint64, err error) {
	fixed0, err = v.readMsr(msrIA32VMXCR0Fixed0)
	if err != nil {
		return 0, 0, err
	}
	fixed1, err = v.readMsr(msrIA32VMXCR0Fixed1)
	if err != nil {
		return 0, 0, err
	}
	return fixed0, fixed1, nil
}

// readCR4Fixed is CR4's counterpart to readCR0Fixed.
func (v *virtualCPUVMX) readCR4Fixed() (fixed0, fixed1 uint64, err error) {
	fixed0, err = v.readMsr(msrIA32VMXCR4Fixed0)
	if err != nil {
		return 0, 0, err
	}
	fixed1, err = v.readMsr(msrIA32VMXCR4Fixed1)
	if err != nil {
		return 0, 0, err
	}
	return fixed0, fixed1, nil
}

// seedExecutionControls resolves the pin-based/cpu-based/entry/exit
// VMCS control fields against the host's VMX capability MSRs using
// gen_exec_ctrl, enabling the controls this module's run loop depends
// on: MSR bitmaps off (pass-through via native-MSR registration),
// unconditional I/O exiting, HLT exiting, and the secondary
// EPT/unrestricted-guest controls.
func (v *virtualCPUVMX) seedExecutionControls() error {
	pin, err := v.capability(vmxCapPinBased)
	if err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsCtrlPinBased, gen_exec_ctrl(pin, 0)); err != nil {
		return err
	}

	const (
		cpuBasedHLTExiting = 1 << 7
		cpuBasedUseIOBitmap = 0 // unconditional I/O exiting when clear + no IO bitmap
		cpuBasedUseMSRBitmap = 1 << 28
		cpuBasedSecondary   = 1 << 31
	)
	cpu, err := v.capability(vmxCapProcBased)
	if err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsCtrlCpuBased, gen_exec_ctrl(cpu, cpuBasedHLTExiting|cpuBasedSecondary)); err != nil {
		return err
	}

	const cpuBased2EnableEPT = 1 << 1
	const cpuBased2UnrestrictedGuest = 1 << 7
	cpu2, err := v.capability(vmxCapProcBased2)
	if err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsCtrlCpuBased2, gen_exec_ctrl(cpu2, cpuBased2EnableEPT|cpuBased2UnrestrictedGuest)); err != nil {
		return err
	}

	const entryIA32e = 1 << 9
	entry, err := v.capability(vmxCapEntry)
	if err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsCtrlVMEntryControls, gen_exec_ctrl(entry, entryIA32e)); err != nil {
		return err
	}

	const exitHostAddrSize = 1 << 9
	exit, err := v.capability(vmxCapExit)
	if err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsCtrlVMExitControls, gen_exec_ctrl(exit, exitHostAddrSize)); err != nil {
		return err
	}

	return v.writeVMCS(vmcsCtrlExceptionBitmap, 0)
}

func (v *virtualCPUVMX) capability(field vmxCap) (uint64, error) {
	var value uint64
	if ret := hvVmxReadCapability(field, &value); ret != hvSuccess {
		return 0, ret.toError(fmt.Sprintf("hv_vmx_read_capability(%d)", field))
	}
	return value, nil
}

func (v *virtualCPUVMX) seedSegments(code, data segment, ldtrSelector, trSelector uint16) error {
	type seg struct {
		selReg, limReg, arReg, baseReg vmcsField
		s                              segment
	}
	segs := []seg{
		{vmcsGuestCs, vmcsGuestCsLimit, vmcsGuestCsAR, vmcsGuestCsBase, code},
		{vmcsGuestSs, vmcsGuestSsLimit, vmcsGuestSsAR, vmcsGuestSsBase, data},
		{vmcsGuestDs, vmcsGuestDsLimit, vmcsGuestDsAR, vmcsGuestDsBase, data},
		{vmcsGuestEs, vmcsGuestEsLimit, vmcsGuestEsAR, vmcsGuestEsBase, data},
		{vmcsGuestFs, vmcsGuestFsLimit, vmcsGuestFsAR, vmcsGuestFsBase, data},
		{vmcsGuestGs, vmcsGuestGsLimit, vmcsGuestGsAR, vmcsGuestGsBase, data},
	}
	for _, s := range segs {
		if err := v.writeVMCS(s.selReg, uint64(s.s.selector)); err != nil {
			return err
		}
		if err := v.writeVMCS(s.limReg, uint64(s.s.limit)); err != nil {
			return err
		}
		if err := v.writeVMCS(s.arReg, uint64(s.s.ar)); err != nil {
			return err
		}
		if err := v.writeVMCS(s.baseReg, s.s.base); err != nil {
			return err
		}
	}

	ldtr := unusableSegment()
	if err := v.writeVMCS(vmcsGuestLdtr, uint64(ldtrSelector)); err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsGuestLdtrLimit, 0); err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsGuestLdtrAR, uint64(ldtr.ar)); err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsGuestLdtrBase, 0); err != nil {
		return err
	}

	tr := segment{ar: arTypeCodeRX | arPresent}
	if err := v.writeVMCS(vmcsGuestTr, uint64(trSelector)); err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsGuestTrLimit, 0x67); err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsGuestTrAR, uint64(tr.ar)); err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsGuestTrBase, 0); err != nil {
		return err
	}

	if err := v.writeVMCS(vmcsGuestGdtrBase, 0); err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsGuestGdtrLimit, 0xffff); err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsGuestIdtrBase, 0); err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsGuestIdtrLimit, 0xffff); err != nil {
		return err
	}

	if err := v.writeVMCS(vmcsGuestActivityState, 0); err != nil {
		return err
	}
	if err := v.writeVMCS(vmcsGuestInterruptiblity, 0); err != nil {
		return err
	}

	nativeMSRs := []uint32{msrEFER, msrPAT, 0xC0000100, 0xC0000101, 0xC0000102} // EFER, PAT, FS_BASE, GS_BASE, KERNEL_GS_BASE
	for _, msr := range nativeMSRs {
		if ret := hvVcpuEnableNativeMsr(v.handle, msr, true); ret != hvSuccess {
			return ret.toError(fmt.Sprintf("hv_vcpu_enable_native_msr(0x%x)", msr))
		}
	}

	return nil
}

// start runs on a dedicated OS thread for the lifetime of the vCPU, the
// same one-goroutine-per-vCPU model this module's other backends use:
// hv_vcpu_create binds the vCPU handle to the calling thread, so every
// subsequent VMCS/register/run call for this vCPU must be funneled
// through runQueue from this goroutine.
func (v *virtualCPUVMX) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var handle uint64
	if ret := hvVcpuCreate(&handle, 0); ret != hvSuccess {
		v.initError <- ret.toError("hv_vcpu_create")
		return
	}
	v.handle = handle

	v.initError <- nil

	for fn := range v.runQueue {
		fn()
	}
}

// fetchFaultingInstruction reads the bytes at the current RIP (walking
// the guest's own page tables so this works whether or not RIP ==
// guest-physical) for decode.Decode to interpret.
func (v *virtualCPUVMX) fetchFaultingInstruction() ([]byte, error) {
	rip, err := v.readReg(hvX86RegRip)
	if err != nil {
		return nil, err
	}
	cr3, err := v.readVMCS(vmcsGuestCr3)
	if err != nil {
		return nil, err
	}

	phys, err := decode.WalkToPhys(v.vm, cr3, rip)
	if err != nil {
		// identity-mapped guests (the common case in this module): fall
		// back to treating RIP as already physical.
		phys = rip
	}

	buf := make([]byte, 15)
	n, _ := v.vm.ReadAt(buf, int64(phys+v.vm.memoryBase))
	if n == 0 {
		return nil, fmt.Errorf("hvf: failed to fetch instruction bytes at rip=0x%x", rip)
	}
	return buf[:n], nil
}

func (v *virtualCPUVMX) emulateMMIOInstruction(dev hv.MemoryMappedIODevice, gpa uint64, code []byte) error {
	insn, err := decode.Decode(code)
	if err != nil {
		return fmt.Errorf("hvf: decode MMIO instruction: %w", err)
	}

	ectx := &exitContextVMX{}
	reg := amd64RegisterFromIndex(insn.Reg)

	switch insn.Op {
	case decode.OpMovStore:
		regs := map[hv.Register]hv.RegisterValue{reg: hv.Register64(0)}
		if err := v.GetRegisters(regs); err != nil {
			return err
		}
		value := uint64(regs[reg].(hv.Register64))
		data := make([]byte, insn.MemSize)
		for i := 0; i < insn.MemSize; i++ {
			data[i] = byte(value >> (8 * i))
		}
		if err := dev.WriteMMIO(ectx, gpa, data); err != nil {
			return err
		}
	case decode.OpMovLoad, decode.OpMovZX:
		data := make([]byte, insn.MemSize)
		if err := dev.ReadMMIO(ectx, gpa, data); err != nil {
			return err
		}
		var value uint64
		for i := insn.MemSize - 1; i >= 0; i-- {
			value = value<<8 | uint64(data[i])
		}
		if err := v.SetRegisters(map[hv.Register]hv.RegisterValue{reg: hv.Register64(value)}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("hvf: unsupported MMIO emulation op %v", insn.Op)
	}

	rip, err := v.readReg(hvX86RegRip)
	if err != nil {
		return err
	}
	return v.writeReg(hvX86RegRip, rip+uint64(insn.Length))
}

func amd64RegisterFromIndex(idx int) hv.Register {
	switch idx {
	case 0:
		return hv.RegisterAMD64Rax
	case 1:
		return hv.RegisterAMD64Rcx
	case 2:
		return hv.RegisterAMD64Rdx
	case 3:
		return hv.RegisterAMD64Rbx
	case 4:
		return hv.RegisterAMD64Rsp
	case 5:
		return hv.RegisterAMD64Rbp
	case 6:
		return hv.RegisterAMD64Rsi
	case 7:
		return hv.RegisterAMD64Rdi
	case 8:
		return hv.RegisterAMD64R8
	case 9:
		return hv.RegisterAMD64R9
	case 10:
		return hv.RegisterAMD64R10
	case 11:
		return hv.RegisterAMD64R11
	case 12:
		return hv.RegisterAMD64R12
	case 13:
		return hv.RegisterAMD64R13
	case 14:
		return hv.RegisterAMD64R14
	case 15:
		return hv.RegisterAMD64R15
	default:
		return hv.RegisterInvalid
	}
}

var (
	_ hv.VirtualCPUAmd64 = &virtualCPUVMX{}
)
