//go:build darwin && amd64

package hvf

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"

	"github.com/tinyrange/cc/internal/devices/amd64/chipset"
	"github.com/tinyrange/cc/internal/hv"
	"github.com/tinyrange/cc/internal/hvx"
	"github.com/tinyrange/cc/internal/timeslice"
	"golang.org/x/sys/unix"
)

var (
	tsVMXGuestTime = timeslice.RegisterKind("hvf_vmx_guest_time", timeslice.SliceFlagGuestTime)
	tsVMXHostTime  = timeslice.RegisterKind("hvf_vmx_host_time", 0)
	tsVMXIO        = timeslice.RegisterKind("hvf_vmx_io", 0)
	tsVMXMMIO      = timeslice.RegisterKind("hvf_vmx_mmio", 0)
	tsVMXCPUID     = timeslice.RegisterKind("hvf_vmx_cpuid", 0)
	tsVMXMSR       = timeslice.RegisterKind("hvf_vmx_msr", 0)
	tsVMXCR        = timeslice.RegisterKind("hvf_vmx_cr", 0)
	tsVMXHLT       = timeslice.RegisterKind("hvf_vmx_hlt", 0)
)

// Open creates the x86_64 VMX hypervisor backed by Hypervisor.framework.
func Open() (hv.Hypervisor, error) {
	if err := ensureInitialized(); err != nil {
		return nil, err
	}
	return &hypervisorVMX{}, nil
}

type hypervisorVMX struct {
	mu      sync.Mutex
	created bool
}

var _ hv.Hypervisor = &hypervisorVMX{}

func (h *hypervisorVMX) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (h *hypervisorVMX) Close() error { return nil }

func (h *hypervisorVMX) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.created {
		return nil, fmt.Errorf("hvf: only one VM per process is supported")
	}

	if ret := hvVmCreate(0); ret != hvSuccess {
		return nil, ret.toError("hv_vm_create")
	}
	h.created = true

	vm := &virtualMachineVMX{
		hv:         h,
		memoryBase: config.MemoryBase(),
		cpus:       make(map[int]*virtualCPUVMX),
		portPolicy: hvx.DefaultPortPolicy(),
		msrPolicy:  hvx.DefaultMsrPolicy(),
	}

	mem, err := vm.AllocateMemory(config.MemoryBase(), config.MemorySize())
	if err != nil {
		return nil, err
	}
	vm.memRegion = mem.(*memoryRegionVMX)

	if callbacks := config.Callbacks(); callbacks != nil {
		if err := callbacks.OnCreateVM(vm); err != nil {
			return nil, fmt.Errorf("hvf: OnCreateVM: %w", err)
		}
		if err := callbacks.OnCreateVMWithMemory(vm); err != nil {
			return nil, fmt.Errorf("hvf: OnCreateVMWithMemory: %w", err)
		}
	}

	vm.ioapic = chipset.NewIOAPIC(24)
	vm.irqRouter = chipset.NewIRQRouter(256)
	vm.ioapic.SetRouting(vm.irqRouter)
	if err := vm.AddDevice(vm.ioapic); err != nil {
		return nil, fmt.Errorf("hvf: register IO-APIC: %w", err)
	}
	if err := vm.irqRouter.Start(); err != nil {
		return nil, fmt.Errorf("hvf: start IRQ router: %w", err)
	}

	for i := 0; i < config.CPUCount(); i++ {
		cpu, err := vm.createVCPU(i)
		if err != nil {
			return nil, fmt.Errorf("hvf: create vCPU %d: %w", i, err)
		}
		vm.cpus[i] = cpu

		cpu.lapic = chipset.NewLocalAPIC(uint8(i), cpu)
		vm.irqRouter.RegisterTarget(uint8(i), cpu.lapic)
		if err := vm.AddDevice(cpu.lapic); err != nil {
			return nil, fmt.Errorf("hvf: register Local APIC %d: %w", i, err)
		}

		if callbacks := config.Callbacks(); callbacks != nil {
			if err := callbacks.OnCreateVCPU(cpu); err != nil {
				return nil, fmt.Errorf("hvf: OnCreateVCPU: %w", err)
			}
		}
	}

	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			return nil, fmt.Errorf("hvf: load guest image: %w", err)
		}
	}

	return vm, nil
}

type memoryRegionVMX struct {
	memory []byte
}

func (m *memoryRegionVMX) Size() uint64 { return uint64(len(m.memory)) }

func (m *memoryRegionVMX) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) >= len(m.memory) {
		return 0, fmt.Errorf("hvf: memoryRegion ReadAt out of bounds")
	}
	n := copy(p, m.memory[off:])
	if n < len(p) {
		return n, fmt.Errorf("hvf: memoryRegion ReadAt short read")
	}
	return n, nil
}

func (m *memoryRegionVMX) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) >= len(m.memory) {
		return 0, fmt.Errorf("hvf: memoryRegion WriteAt out of bounds")
	}
	n := copy(m.memory[off:], p)
	if n < len(p) {
		return n, fmt.Errorf("hvf: memoryRegion WriteAt short write")
	}
	return n, nil
}

var _ hv.MemoryRegion = &memoryRegionVMX{}

type virtualMachineVMX struct {
	hv *hypervisorVMX

	memMu      sync.RWMutex
	memRegion  *memoryRegionVMX
	memoryBase uint64

	cpus    map[int]*virtualCPUVMX
	devices []hv.Device

	ioapic    *chipset.IOAPIC
	irqRouter *chipset.IRQRouter

	portPolicy hvx.PortPolicy
	msrPolicy  hvx.MsrPolicy

	closed bool
}

var _ hv.VirtualMachine = &virtualMachineVMX{}
var _ hv.VirtualMachineAmd64 = &virtualMachineVMX{}

func (v *virtualMachineVMX) Hypervisor() hv.Hypervisor { return v.hv }
func (v *virtualMachineVMX) MemoryBase() uint64        { return v.memoryBase }
func (v *virtualMachineVMX) MemorySize() uint64 {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memRegion == nil {
		return 0
	}
	return v.memRegion.Size()
}

func (v *virtualMachineVMX) ReadAt(p []byte, off int64) (int, error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	return v.memRegion.ReadAt(p, off-int64(v.memoryBase))
}

func (v *virtualMachineVMX) WriteAt(p []byte, off int64) (int, error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	return v.memRegion.WriteAt(p, off-int64(v.memoryBase))
}

func (v *virtualMachineVMX) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hvf: mmap guest memory: %w", err)
	}

	if ret := hvVmMap(unsafe.Pointer(&mem[0]), physAddr, size, hvMemoryRead|hvMemoryWrite|hvMemoryExec); ret != hvSuccess {
		return nil, ret.toError("hv_vm_map")
	}

	return &memoryRegionVMX{memory: mem}, nil
}

func (v *virtualMachineVMX) AddDevice(dev hv.Device) error {
	v.devices = append(v.devices, dev)
	return dev.Init(v)
}

func (v *virtualMachineVMX) AddDeviceFromTemplate(template hv.DeviceTemplate) (hv.Device, error) {
	dev, err := template.Create(v)
	if err != nil {
		return nil, fmt.Errorf("hvf: create device from template: %w", err)
	}
	if err := v.AddDevice(dev); err != nil {
		return nil, err
	}
	return dev, nil
}

func (v *virtualMachineVMX) findMMIODevice(addr, size uint64) (hv.MemoryMappedIODevice, error) {
	for _, dev := range v.devices {
		mmio, ok := dev.(hv.MemoryMappedIODevice)
		if !ok {
			continue
		}
		for _, region := range mmio.MMIORegions() {
			if addr >= region.Address && addr+size <= region.Address+region.Size {
				return mmio, nil
			}
		}
	}
	return nil, fmt.Errorf("hvf: no MMIO device handles address 0x%x (size=%d)", addr, size)
}

func (v *virtualMachineVMX) findPortDevice(port uint16) (hv.X86IOPortDevice, error) {
	for _, dev := range v.devices {
		pio, ok := dev.(hv.X86IOPortDevice)
		if !ok {
			continue
		}
		for _, p := range pio.IOPorts() {
			if p == port {
				return pio, nil
			}
		}
	}
	return nil, fmt.Errorf("hvf: no I/O port device handles port 0x%04x", port)
}

// SetIRQ asserts or deasserts a line on the I/O APIC's redirection table;
// line 0-23 maps to ISA/PCI interrupt pins.
func (v *virtualMachineVMX) SetIRQ(irqLine uint32, level bool) error {
	for _, dev := range v.devices {
		if ioapic, ok := dev.(interface{ SetIRQ(uint32, bool) }); ok {
			ioapic.SetIRQ(irqLine, level)
			return nil
		}
	}
	return fmt.Errorf("hvf: no interrupt router configured")
}

func (v *virtualMachineVMX) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	cpu, ok := v.cpus[id]
	if !ok {
		return fmt.Errorf("hvf: no such vCPU %d", id)
	}
	errCh := make(chan error, 1)
	cpu.runQueue <- func() { errCh <- f(cpu) }
	return <-errCh
}

func (v *virtualMachineVMX) CaptureSnapshot() (hv.Snapshot, error) {
	return nil, fmt.Errorf("hvf: snapshotting is not implemented for the VMX backend")
}

func (v *virtualMachineVMX) RestoreSnapshot(hv.Snapshot) error {
	return fmt.Errorf("hvf: snapshotting is not implemented for the VMX backend")
}

func (v *virtualMachineVMX) Run(ctx context.Context, cfg hv.RunConfig) error {
	if cfg == nil {
		return fmt.Errorf("hvf: RunConfig cannot be nil")
	}
	return v.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		return cfg.Run(ctx, vcpu)
	})
}

func (v *virtualMachineVMX) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true

	if v.irqRouter != nil {
		_ = v.irqRouter.Stop()
	}

	for _, cpu := range v.cpus {
		if err := cpu.close(); err != nil {
			slog.Error("hvf: failed to close vCPU", "error", err)
		}
	}

	v.memMu.Lock()
	if v.memRegion != nil {
		if ret := hvVmUnmap(v.memoryBase, v.memRegion.Size()); ret != hvSuccess {
			slog.Error("hvf: failed to unmap guest memory", "error", ret)
		}
		if err := unix.Munmap(v.memRegion.memory); err != nil {
			slog.Error("hvf: munmap guest memory", "error", err)
		}
		v.memRegion = nil
	}
	v.memMu.Unlock()

	if ret := hvVmDestroy(); ret != hvSuccess {
		return ret.toError("hv_vm_destroy")
	}
	return nil
}

func (v *virtualMachineVMX) createVCPU(id int) (*virtualCPUVMX, error) {
	cpu := &virtualCPUVMX{
		vm:        v,
		id:        id,
		runQueue:  make(chan func()),
		rec:       timeslice.NewRecorder(),
		initError: make(chan error, 1),
	}
	go cpu.start()
	if err := <-cpu.initError; err != nil {
		return nil, err
	}
	return cpu, nil
}

type virtualCPUVMX struct {
	vm *virtualMachineVMX

	lapic *chipset.LocalAPIC

	rec *timeslice.Recorder

	id     int
	handle uint64

	closed bool

	runQueue  chan func()
	initError chan error

	// vector holds an externally-asserted interrupt vector waiting for
	// delivery; the run loop drains it whenever RFLAGS.IF and the
	// interrupt-window allow.
	vectorMu sync.Mutex
	vector   []uint8

	timerDeadline time.Time
	timerSet      bool
}

var _ hv.VirtualCPU = &virtualCPUVMX{}

func (v *virtualCPUVMX) ID() int                           { return v.id }
func (v *virtualCPUVMX) VirtualMachine() hv.VirtualMachine { return v.vm }

func (v *virtualCPUVMX) close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	errCh := make(chan error, 1)
	v.runQueue <- func() {
		if ret := hvVcpuDestroy(v.handle); ret != hvSuccess {
			errCh <- ret.toError("hv_vcpu_destroy")
			return
		}
		errCh <- nil
	}
	return <-errCh
}

// QueueVector enqueues an interrupt vector for delivery into this vCPU,
// called by the I/O APIC router goroutine (§4.4) or the Local APIC.
func (v *virtualCPUVMX) QueueVector(vec uint8) {
	v.vectorMu.Lock()
	v.vector = append(v.vector, vec)
	v.vectorMu.Unlock()

	vcpus := []uint64{v.handle}
	_ = hvVcpuInterrupt(&vcpus[0], 1)
}

func (v *virtualCPUVMX) popVector() (uint8, bool) {
	v.vectorMu.Lock()
	defer v.vectorMu.Unlock()
	if len(v.vector) == 0 {
		return 0, false
	}
	vec := v.vector[0]
	v.vector = v.vector[1:]
	return vec, true
}

// RunUntil blocks in non-root mode until either a vm-exit occurs or the
// deadline passes, at which point hv_vcpu_interrupt is used to force an
// exit the way the Hypervisor.framework run_until helpers in this
// module's sibling backends use hv_vcpus_exit/hv_vcpu_interrupt.
func (v *virtualCPUVMX) RunUntil(ctx context.Context, deadline time.Time) error {
	var timer *time.Timer
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d < 0 {
			d = 0
		}
		timer = time.AfterFunc(d, func() {
			vcpus := []uint64{v.handle}
			_ = hvVcpuInterrupt(&vcpus[0], 1)
		})
	}
	if timer != nil {
		defer timer.Stop()
	}
	return v.Run(ctx)
}

func (v *virtualCPUVMX) Run(ctx context.Context) error {
	var stop func()
	if ctx.Done() != nil {
		stop = context.AfterFunc(ctx, func() {
			vcpus := []uint64{v.handle}
			_ = hvVcpuInterrupt(&vcpus[0], 1)
		})
	}
	if stop != nil {
		defer stop()
	}

	if v.lapic != nil {
		v.lapic.InjectInterrupt()
	}
	v.injectPendingVector()

	v.rec.Record(tsVMXHostTime)
	ret := hvVcpuRun(v.handle)
	v.rec.Record(tsVMXGuestTime)

	if ret != hvSuccess {
		return ret.toError("hv_vcpu_run")
	}

	if err := ctx.Err(); err != nil {
		var reason uint64
		_ = hvVcpuReadVmcs(v.handle, vmcsExitReason, &reason)
		if vmExitReason(reason&0xffff) != exitReasonPreemptTimeout {
			return err
		}
	}

	return v.handleExit(ctx)
}

func (v *virtualCPUVMX) readVMCS(field vmcsField) (uint64, error) {
	var value uint64
	if ret := hvVcpuReadVmcs(v.handle, field, &value); ret != hvSuccess {
		return 0, ret.toError(fmt.Sprintf("hv_vmx_vcpu_read_vmcs(0x%x)", field))
	}
	return value, nil
}

func (v *virtualCPUVMX) writeVMCS(field vmcsField, value uint64) error {
	if ret := hvVcpuWriteVmcs(v.handle, field, value); ret != hvSuccess {
		return ret.toError(fmt.Sprintf("hv_vmx_vcpu_write_vmcs(0x%x)", field))
	}
	return nil
}

func (v *virtualCPUVMX) readReg(reg hvX86Reg) (uint64, error) {
	var value uint64
	if ret := hvVcpuReadRegister(v.handle, reg, &value); ret != hvSuccess {
		return 0, ret.toError("hv_vcpu_read_register")
	}
	return value, nil
}

func (v *virtualCPUVMX) writeReg(reg hvX86Reg, value uint64) error {
	if ret := hvVcpuWriteRegister(v.handle, reg, value); ret != hvSuccess {
		return ret.toError("hv_vcpu_write_register")
	}
	return nil
}

// injectPendingVector delivers one queued external interrupt vector via
// the VM-entry interruption-information field, provided RFLAGS.IF is
// set and no other event is already pending injection; otherwise the
// interrupt-window exiting control is requested so the run loop is
// re-entered as soon as the guest re-enables interrupts.
func (v *virtualCPUVMX) injectPendingVector() {
	vec, ok := v.popVector()
	if !ok {
		return
	}

	rflags, err := v.readReg(hvX86RegRflags)
	if err != nil {
		return
	}
	const flagsIF = 1 << 9
	if rflags&flagsIF == 0 {
		v.vectorMu.Lock()
		v.vector = append([]uint8{vec}, v.vector...)
		v.vectorMu.Unlock()
		v.requestInterruptWindow()
		return
	}

	const (
		intrInfoValid = 1 << 31
		intrTypeExt   = 0 << 8
	)
	_ = v.writeVMCS(vmcsEntryInterruptInfo, intrInfoValid|intrTypeExt|uint64(vec))
}

func (v *virtualCPUVMX) requestInterruptWindow() {
	cpuBased, err := v.readVMCS(vmcsCtrlCpuBased)
	if err != nil {
		return
	}
	const cpuBasedIRQWindow = 1 << 2
	_ = v.writeVMCS(vmcsCtrlCpuBased, cpuBased|cpuBasedIRQWindow)
}

func (v *virtualCPUVMX) handleExit(ctx context.Context) error {
	reasonField, err := v.readVMCS(vmcsExitReason)
	if err != nil {
		return err
	}
	reason := vmExitReason(reasonField & 0xffff)

	switch reason {
	case exitReasonHLT:
		v.rec.Record(tsVMXHLT)
		return v.advanceRIP()
	case exitReasonCPUID:
		v.rec.Record(tsVMXCPUID)
		if err := v.handleCPUID(); err != nil {
			return err
		}
		return v.advanceRIP()
	case exitReasonCRAccess:
		v.rec.Record(tsVMXCR)
		if err := v.handleCRAccess(); err != nil {
			return err
		}
		return v.advanceRIP()
	case exitReasonRDMSR:
		v.rec.Record(tsVMXMSR)
		if err := v.handleRDMSR(); err != nil {
			return err
		}
		return v.advanceRIP()
	case exitReasonWRMSR:
		v.rec.Record(tsVMXMSR)
		if err := v.handleWRMSR(); err != nil {
			return err
		}
		return v.advanceRIP()
	case exitReasonIOInstruction:
		v.rec.Record(tsVMXIO)
		if err := v.handleIO(); err != nil {
			return err
		}
		return v.advanceRIP()
	case exitReasonEPTViolation:
		v.rec.Record(tsVMXMMIO)
		return v.handleEPTViolation()
	case exitReasonIRQWindow:
		cpuBased, err := v.readVMCS(vmcsCtrlCpuBased)
		if err != nil {
			return err
		}
		const cpuBasedIRQWindow = 1 << 2
		return v.writeVMCS(vmcsCtrlCpuBased, cpuBased&^uint64(cpuBasedIRQWindow))
	case exitReasonPreemptTimeout:
		return nil
	case exitReasonVMCALL:
		return hv.ErrVMHalted
	default:
		return fmt.Errorf("hvf: unhandled vm-exit reason %d", reason)
	}
}

func (v *virtualCPUVMX) advanceRIP() error {
	instrLen, err := v.readVMCS(vmcsExitInstrLen)
	if err != nil {
		return err
	}
	rip, err := v.readReg(hvX86RegRip)
	if err != nil {
		return err
	}
	return v.writeReg(hvX86RegRip, rip+instrLen)
}

// handleCPUID emulates the subset of leaves this module needs to boot
// a 64-bit long-mode guest: leaf 0 (max leaf + vendor string), leaf 1
// (feature bits), and leaf 0x15 (crystal-clock frequency for the Local
// APIC timer, per §4.3).
func (v *virtualCPUVMX) handleCPUID() error {
	rax, err := v.readReg(hvX86RegRax)
	if err != nil {
		return err
	}
	rbx, _ := v.readReg(hvX86RegRbx)
	rcx, _ := v.readReg(hvX86RegRcx)
	rdx, _ := v.readReg(hvX86RegRdx)

	switch rax {
	case 0:
		rax, rbx, rcx, rdx = 0x15, 0x756e6547, 0x6c65746e, 0x49656e69 // "GenuineIntel"
	case 1:
		const featureMSR = 1 << 5
		const featureAPIC = 1 << 9
		const featureSSE2 = 1 << 26
		rax = 0x000306a9
		rbx = 0
		rcx = 0
		rdx = featureMSR | featureAPIC | featureSSE2
	case 0x15:
		// TSC/core crystal ratio: num=2, denom=1, crystal=24MHz (common value).
		rax, rbx, rcx, rdx = 1, 2, 24_000_000, 0
	default:
		rax, rbx, rcx, rdx = 0, 0, 0, 0
	}

	_ = v.writeReg(hvX86RegRax, rax)
	_ = v.writeReg(hvX86RegRbx, rbx)
	_ = v.writeReg(hvX86RegRcx, rcx)
	_ = v.writeReg(hvX86RegRdx, rdx)
	return nil
}

func (v *virtualCPUVMX) handleCRAccess() error {
	// The guest loaders in this module seed CR0/CR3/CR4 once via the
	// VMCS directly during §4.2 seeding and never trap on CR access
	// afterwards in the supported boot paths; an exit here means the
	// guest attempted an unexpected mov-to-cr.
	return fmt.Errorf("hvf: unexpected CR-access vm-exit")
}

func (v *virtualCPUVMX) handleRDMSR() error {
	rcx, err := v.readReg(hvX86RegRcx)
	if err != nil {
		return err
	}
	var value uint64
	if ret := hvVcpuReadMsr(v.handle, uint32(rcx), &value); ret == hvSuccess {
		_ = v.writeReg(hvX86RegRax, value&0xffffffff)
		_ = v.writeReg(hvX86RegRdx, value>>32)
		return nil
	}
	if !v.vm.msrPolicy.ReadsAsZero {
		return fmt.Errorf("hvf: rdmsr of unsupported MSR 0x%x", rcx)
	}
	_ = v.writeReg(hvX86RegRax, 0)
	_ = v.writeReg(hvX86RegRdx, 0)
	return nil
}

func (v *virtualCPUVMX) handleWRMSR() error {
	rcx, err := v.readReg(hvX86RegRcx)
	if err != nil {
		return err
	}
	rax, _ := v.readReg(hvX86RegRax)
	rdx, _ := v.readReg(hvX86RegRdx)
	value := (rdx << 32) | (rax & 0xffffffff)

	if ret := hvVcpuWriteMsr(v.handle, uint32(rcx), value); ret == hvSuccess {
		return nil
	}
	if v.vm.msrPolicy.WritesIgnored {
		return nil
	}
	return fmt.Errorf("hvf: wrmsr of unsupported MSR 0x%x", rcx)
}

type ioQualification struct {
	sizeBytes int
	in        bool
	port      uint16
	string_   bool
	rep       bool
}

func decodeIOQualification(q uint64) ioQualification {
	return ioQualification{
		sizeBytes: int(q&0x7) + 1,
		in:        q&(1<<3) != 0,
		string_:   q&(1<<4) != 0,
		rep:       q&(1<<5) != 0,
		port:      uint16(q >> 16),
	}
}

func (v *virtualCPUVMX) handleIO() error {
	qual, err := v.readVMCS(vmcsExitQualification)
	if err != nil {
		return err
	}
	info := decodeIOQualification(qual)
	if info.string_ || info.rep {
		return fmt.Errorf("hvf: string/rep I/O instructions are not supported")
	}

	dev, err := v.vm.findPortDevice(info.port)
	if err != nil {
		if v.vm.portPolicy.IgnoreUnknown {
			if info.in {
				_ = v.writeReg(hvX86RegRax, 0xffffffff)
			}
			return nil
		}
		return err
	}

	ectx := &exitContextVMX{}
	data := make([]byte, info.sizeBytes)
	if info.in {
		if err := dev.ReadIOPort(ectx, info.port, data); err != nil {
			return err
		}
		var tmp [8]byte
		copy(tmp[:], data)
		rax, _ := v.readReg(hvX86RegRax)
		mask := uint64(1)<<(uint(info.sizeBytes)*8) - 1
		value := binary.LittleEndian.Uint64(tmp[:])
		return v.writeReg(hvX86RegRax, (rax&^mask)|(value&mask))
	}

	rax, _ := v.readReg(hvX86RegRax)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], rax)
	copy(data, tmp[:])
	return dev.WriteIOPort(ectx, info.port, data)
}

func (v *virtualCPUVMX) handleEPTViolation() error {
	gpa, err := v.readVMCS(vmcsGuestPhysicalAddress)
	if err != nil {
		return err
	}

	dev, err := v.vm.findMMIODevice(gpa, 8)
	if err != nil {
		return err
	}

	insn, err := v.fetchFaultingInstruction()
	if err != nil {
		return err
	}

	return v.emulateMMIOInstruction(dev, gpa, insn)
}

type exitContextVMX struct {
	kind timeslice.TimesliceID
}

func (c *exitContextVMX) SetExitTimeslice(id timeslice.TimesliceID) { c.kind = id }

var _ hv.ExitContext = &exitContextVMX{}
