package boot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/tinyrange/cc/internal/acpi"
	serialchipset "github.com/tinyrange/cc/internal/chipset"
	chipset "github.com/tinyrange/cc/internal/devices/amd64/chipset"
	"github.com/tinyrange/cc/internal/devices/amd64/pci"
	amd64serial "github.com/tinyrange/cc/internal/devices/amd64/serial"
	"github.com/tinyrange/cc/internal/devices/hpet"
	"github.com/tinyrange/cc/internal/devices/virtio"
	"github.com/tinyrange/cc/internal/hv"
	"github.com/tinyrange/cc/internal/linux/boot/multiboot"
)

type bootPlan interface {
	ConfigureVCPU(vcpu hv.VirtualCPU) error
}

const (
	amd64ACPITablesSize = 0x10000
	amd64StackGuard     = 0x1000

	hpetBaseAddress = 0xFED00000
)

type programRunner struct {
	loader *LinuxLoader
	linux  io.ReaderAt
}

// Run implements hv.RunConfig.
func (p *programRunner) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	if err := p.loader.plan.ConfigureVCPU(vcpu); err != nil {
		return fmt.Errorf("configure vCPU: %w", err)
	}

	for {
		if err := vcpu.Run(ctx); err != nil {
			if errors.Is(err, hv.ErrVMHalted) {
				return nil
			}
			if errors.Is(err, hv.ErrGuestRequestedReboot) {
				return nil
			}
			return fmt.Errorf("run vCPU: %w", err)
		}
	}
}

var (
	_ hv.RunConfig = &programRunner{}
)

type convertCRLF struct {
	io.Writer
}

func (c *convertCRLF) Write(p []byte) (n int, err error) {
	var converted []byte
	for i := range p {
		if p[i] == '\n' {
			converted = append(converted, '\r')
		}
		converted = append(converted, p[i])
	}
	return c.Writer.Write(converted)
}

// LinuxLoader prepares guest memory and the first vCPU for an x86_64
// kernel image, dispatching between the Linux boot_params ("zero page")
// protocol and the generic Multiboot protocol depending on what the
// supplied image advertises.
type LinuxLoader struct {
	NumCPUs int
	MemSize uint64
	MemBase uint64

	GetCmdline         func(arch hv.CpuArchitecture) ([]string, error)
	GetKernel          func() (io.ReaderAt, int64, error)
	GetSystemMap       func() (io.ReaderAt, error)
	CreateVM           func(vm hv.VirtualMachine) error
	CreateVMWithMemory func(vm hv.VirtualMachine) error

	SerialStdout io.Writer

	// EnableStdinConsole pumps the host's stdin into the emulated console
	// UART's receive FIFO, putting the terminal into raw mode for the
	// duration of the run. Leave false for non-interactive runs (tests,
	// piped automation) where there is no keyboard input to forward.
	EnableStdinConsole bool

	Devices []hv.DeviceTemplate

	AdditionalFiles []InitFile

	plan         bootPlan
	kernelReader io.ReaderAt
	stdinPump    *StdinPump
}

// consoleInput returns the input source for the console UART, starting the
// stdin pump on first use if EnableStdinConsole is set.
func (l *LinuxLoader) consoleInput() io.Reader {
	if !l.EnableStdinConsole {
		return nil
	}
	if l.stdinPump == nil {
		pump, err := NewStdinPump()
		if err != nil {
			slog.Warn("enable interactive console input", "err", err)
			return nil
		}
		l.stdinPump = pump
	}
	return l.stdinPump
}

// Close restores the host terminal mode if the stdin pump was started.
func (l *LinuxLoader) Close() error {
	if l.stdinPump != nil {
		return l.stdinPump.Close()
	}
	return nil
}

func (l *LinuxLoader) ConfigureVCPU(vcpu hv.VirtualCPU) error {
	if l.plan == nil {
		return errors.New("linux loader not loaded")
	}

	return l.plan.ConfigureVCPU(vcpu)
}

// OnCreateVCPU implements hv.VMCallbacks.
func (l *LinuxLoader) OnCreateVCPU(vCpu hv.VirtualCPU) error {
	return nil
}

// OnCreateVM implements hv.VMCallbacks.
func (l *LinuxLoader) OnCreateVM(vm hv.VirtualMachine) error {
	if l.CreateVM != nil {
		return l.CreateVM(vm)
	}

	return nil
}

// OnCreateVMWithMemory implements hv.VMCallbacks.
func (l *LinuxLoader) OnCreateVMWithMemory(vm hv.VirtualMachine) error {
	if l.CreateVMWithMemory != nil {
		return l.CreateVMWithMemory(vm)
	}
	return nil
}

// implements hv.VMConfig.
func (l *LinuxLoader) CPUCount() int               { return l.NumCPUs }
func (l *LinuxLoader) Callbacks() hv.VMCallbacks   { return l }
func (l *LinuxLoader) Loader() hv.VMLoader         { return l }
func (l *LinuxLoader) MemoryBase() uint64          { return l.MemBase }
func (l *LinuxLoader) MemorySize() uint64          { return l.MemSize }
func (l *LinuxLoader) NeedsInterruptSupport() bool { return true }

// Load implements hv.VMLoader.
func (l *LinuxLoader) Load(vm hv.VirtualMachine) error {
	if l.GetKernel == nil {
		return errors.New("linux loader missing kernel provider")
	}

	kernelReader, kernelSize, err := l.GetKernel()
	if err != nil {
		return fmt.Errorf("get kernel: %w", err)
	}

	l.kernelReader = kernelReader

	arch := vm.Hypervisor().Architecture()
	if arch != hv.ArchitectureX86_64 {
		return fmt.Errorf("unsupported architecture: %v", arch)
	}

	files := []InitFile{
		// add /dev/mem as /mem
		{Path: "/mem", Data: nil, Mode: os.FileMode(0o600), DevMajor: 1, DevMinor: 1},
	}
	files = append(files, l.AdditionalFiles...)
	initrd, err := buildInitramfs(files)
	if err != nil {
		return fmt.Errorf("build initramfs: %w", err)
	}

	var cmdlineBase []string
	if l.GetCmdline != nil {
		cmdlineBase, err = l.GetCmdline(arch)
		if err != nil {
			return fmt.Errorf("get cmdline: %w", err)
		}
	}

	var virtioCmdline []string
	for _, dev := range l.Devices {
		if vdev, ok := dev.(virtio.VirtioMMIODevice); ok {
			params, err := vdev.GetLinuxCommandLineParam()
			if err != nil {
				return fmt.Errorf("get virtio mmio device linux cmdline param: %w", err)
			}
			virtioCmdline = append(virtioCmdline, params...)
		}
	}

	cmdline := append(append([]string(nil), cmdlineBase...), virtioCmdline...)
	cmdlineStr := strings.Join(cmdline, " ")

	mbHeader, mbOffset, isMultiboot, err := multiboot.ScanForHeader(kernelReader, kernelSize)
	if err != nil {
		return fmt.Errorf("scan multiboot header: %w", err)
	}
	if isMultiboot {
		if err := mbHeader.Validate(); err != nil {
			return fmt.Errorf("multiboot header at offset %#x: %w", mbOffset, err)
		}
		return l.loadMultiboot(vm, kernelReader, kernelSize, mbHeader, cmdlineStr)
	}

	return l.loadAMD64(vm, kernelReader, kernelSize, cmdlineStr, initrd)
}

func (l *LinuxLoader) loadAMD64(vm hv.VirtualMachine, kernelReader io.ReaderAt, kernelSize int64, cmdline string, initrd []byte) error {
	kernelImage, err := LoadKernel(kernelReader, kernelSize)
	if err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}

	numCPUs := l.NumCPUs
	if numCPUs <= 0 {
		numCPUs = 1
	}

	memBase := vm.MemoryBase()
	memSize := vm.MemorySize()
	if memSize <= amd64ACPITablesSize {
		return fmt.Errorf("guest memory (%d bytes) too small for ACPI tables", memSize)
	}
	tablesBase := memBase + memSize - amd64ACPITablesSize

	e820 := defaultE820Map(memBase, memBase+memSize)
	e820, err = reserveE820Region(e820, tablesBase, amd64ACPITablesSize)
	if err != nil {
		return fmt.Errorf("reserve ACPI tables in e820 map: %w", err)
	}

	opts := BootOptions{
		Cmdline: cmdline,
		Initrd:  initrd,
		E820:    e820,
	}

	if len(initrd) > 0 {
		reserveTop := tablesBase
		initrdSize := uint64(len(initrd))
		guard := uint64(amd64StackGuard)

		if reserveTop <= memBase+guard || initrdSize >= reserveTop-memBase {
			return fmt.Errorf("not enough space to place initrd below ACPI tables")
		}

		top := reserveTop - guard
		if top <= memBase || top < initrdSize {
			return fmt.Errorf("not enough space for initrd (size %d) with guard below ACPI tables", initrdSize)
		}

		opts.InitrdGPA = alignDown(top-initrdSize, 0x1000)
	} else {
		stackTop := tablesBase - amd64StackGuard
		if stackTop <= memBase {
			return fmt.Errorf("insufficient space for stack below ACPI tables")
		}
		opts.StackTopGPA = alignDown(stackTop, 0x10)
	}

	plan, err := kernelImage.Prepare(vm, opts)
	if err != nil {
		return fmt.Errorf("prepare kernel: %w", err)
	}
	l.plan = plan

	if err := l.addCommonAMD64Devices(vm, memBase, memSize, tablesBase, numCPUs); err != nil {
		return err
	}

	return nil
}

// loadMultiboot places a Multiboot-compliant kernel image at 1 MiB
// (the conventional multiboot load address) and seeds the first vCPU
// via the multiboot package instead of the Linux boot_params protocol.
func (l *LinuxLoader) loadMultiboot(vm hv.VirtualMachine, kernelReader io.ReaderAt, kernelSize int64, header multiboot.Header, cmdline string) error {
	numCPUs := l.NumCPUs
	if numCPUs <= 0 {
		numCPUs = 1
	}

	memBase := vm.MemoryBase()
	memSize := vm.MemorySize()
	if memSize <= amd64ACPITablesSize {
		return fmt.Errorf("guest memory (%d bytes) too small for ACPI tables", memSize)
	}
	tablesBase := memBase + memSize - amd64ACPITablesSize

	const multibootLoadAddr = 0x00100000
	loadAddr := uint64(header.LoadAddr)
	if loadAddr == 0 {
		loadAddr = multibootLoadAddr
	}
	entry := uint64(header.EntryAddr)
	if entry == 0 {
		entry = loadAddr
	}

	var virtioCmdline []string
	for _, dev := range l.Devices {
		if vdev, ok := dev.(virtio.VirtioMMIODevice); ok {
			params, err := vdev.GetLinuxCommandLineParam()
			if err != nil {
				return fmt.Errorf("get virtio mmio device linux cmdline param: %w", err)
			}
			virtioCmdline = append(virtioCmdline, params...)
		}
	}
	fullCmdline := strings.TrimSpace(strings.Join(append([]string{cmdline}, virtioCmdline...), " "))

	plan, err := multiboot.Load(vm, kernelReader, kernelSize, header, loadAddr, entry, fullCmdline)
	if err != nil {
		return fmt.Errorf("load multiboot kernel: %w", err)
	}
	l.plan = plan

	return l.addCommonAMD64Devices(vm, memBase, memSize, tablesBase, numCPUs)
}

// addCommonAMD64Devices wires the chipset, serial, PCI host bridge and
// ACPI tables shared by both the Linux boot_params and Multiboot entry
// paths.
func (l *LinuxLoader) addCommonAMD64Devices(vm hv.VirtualMachine, memBase, memSize, tablesBase uint64, numCPUs int) error {
	lineFor := func(irq uint32) serialchipset.LineInterrupt {
		return serialchipset.LineInterruptFromFunc(func(level bool) {
			if err := vm.SetIRQ(irq, level); err != nil {
				slog.Warn("set serial IRQ line", "irq", irq, "level", level, "err", err)
			}
		})
	}

	consoleSerial := amd64serial.NewSerial16550(0x3F8, lineFor(4), &convertCRLF{l.SerialStdout}, l.consoleInput())
	if err := vm.AddDevice(consoleSerial); err != nil {
		return fmt.Errorf("add serial device: %w", err)
	}

	auxSerial := amd64serial.NewSerial16550(0x2F8, lineFor(3), io.Discard, nil)
	if err := vm.AddDevice(auxSerial); err != nil {
		return fmt.Errorf("add aux serial device: %w", err)
	}

	if err := vm.AddDevice(pci.NewHostBridge()); err != nil {
		return fmt.Errorf("add pci host bridge: %w", err)
	}

	pic := chipset.NewDualPIC()
	if err := vm.AddDevice(pic); err != nil {
		return fmt.Errorf("add dual PIC: %w", err)
	}

	irqForwarder := chipset.IRQLineFunc(func(line uint8, level bool) {
		if err := vm.SetIRQ(uint32(line), level); err != nil {
			slog.Warn("set IRQ line", "line", line, "level", level, "err", err)
		}
	})

	if err := vm.AddDevice(chipset.NewPIT(irqForwarder)); err != nil {
		return fmt.Errorf("add PIT: %w", err)
	}

	if err := vm.AddDevice(chipset.NewCMOS(irqForwarder)); err != nil {
		return fmt.Errorf("add CMOS/RTC: %w", err)
	}

	if err := vm.AddDevice(hpet.New(hpetBaseAddress, vm)); err != nil {
		return fmt.Errorf("add HPET device: %w", err)
	}

	if err := vm.AddDevice(chipset.NewResetControlPort()); err != nil {
		return fmt.Errorf("add reset control port: %w", err)
	}

	var legacyPorts []uint16
	for _, rng := range []struct {
		start uint16
		end   uint16
	}{
		{0x0, 0xf},
		{0x11, 0x1f},
		{0x80, 0x8f},
		{0xBD, 0xBD}, // scratch port
		{0x2e8, 0x2ef},
		{0x3e8, 0x3ef},
		{0xbb00, 0xbbff},
	} {
		for port := rng.start; port <= rng.end; port++ {
			legacyPorts = append(legacyPorts, port)
		}
	}

	legacy := hv.SimpleX86IOPortDevice{
		Ports: legacyPorts,
		ReadFunc: func(ctx hv.ExitContext, port uint16, data []byte) error {
			if port == 0x12 {
				return hv.ErrGuestRequestedReboot
			}
			for i := range data {
				data[i] = 0
			}
			return nil
		},
		WriteFunc: func(ctx hv.ExitContext, port uint16, data []byte) error {
			return nil
		},
	}
	if err := vm.AddDevice(legacy); err != nil {
		return fmt.Errorf("add legacy port stub: %w", err)
	}

	for _, dev := range l.Devices {
		if err := vm.AddDeviceFromTemplate(dev); err != nil {
			return fmt.Errorf("add device from template: %w", err)
		}
	}

	return acpi.Install(vm, acpi.Config{
		MemoryBase: memBase,
		MemorySize: memSize,
		TablesBase: tablesBase,
		TablesSize: amd64ACPITablesSize,
		NumCPUs:    numCPUs,
		IOAPIC: acpi.IOAPICConfig{
			ID:      0,
			Address: uint32(chipset.IOAPICBaseAddress),
			GSIBase: 0,
		},
		HPET: &acpi.HPETConfig{
			Address: hpetBaseAddress,
		},
		ISAOverrides: []acpi.InterruptOverride{
			// Legacy ISA routing: IRQ0->GSI2 (already used), IRQ1 keyboard, IRQ4 serial, IRQ8 RTC.
			{Bus: 0, IRQ: 0, GSI: 2, Flags: 0},   // Timer (edge/high)
			{Bus: 0, IRQ: 1, GSI: 1, Flags: 0},   // Keyboard
			{Bus: 0, IRQ: 4, GSI: 4, Flags: 0},   // COM1
			{Bus: 0, IRQ: 8, GSI: 8, Flags: 0x0}, // RTC (edge/high)
		},
	})
}

func reserveE820Region(entries []E820Entry, base, size uint64) ([]E820Entry, error) {
	if size == 0 {
		return entries, nil
	}
	end := base + size

	var out []E820Entry
	var reserved bool

	for _, ent := range entries {
		entEnd := ent.Addr + ent.Size
		if end <= ent.Addr || base >= entEnd {
			out = append(out, ent)
			continue
		}

		if base > ent.Addr {
			out = append(out, E820Entry{
				Addr: ent.Addr,
				Size: base - ent.Addr,
				Type: ent.Type,
			})
		}

		resStart := base
		if resStart < ent.Addr {
			resStart = ent.Addr
		}
		resEnd := end
		if resEnd > entEnd {
			resEnd = entEnd
		}

		if resEnd > resStart {
			out = append(out, E820Entry{
				Addr: resStart,
				Size: resEnd - resStart,
				Type: 2, // Reserved
			})
			reserved = true
		}

		if resEnd < entEnd {
			out = append(out, E820Entry{
				Addr: resEnd,
				Size: entEnd - resEnd,
				Type: ent.Type,
			})
		}
	}

	if !reserved {
		return entries, fmt.Errorf("reserved region [%#x, %#x) outside e820 map", base, end)
	}

	return out, nil
}

func (l *LinuxLoader) RunConfig() (hv.RunConfig, error) {
	loader := &programRunner{loader: l, linux: l.kernelReader}

	return loader, nil
}

var (
	_ hv.VMLoader    = &LinuxLoader{}
	_ hv.VMConfig    = &LinuxLoader{}
	_ hv.VMCallbacks = &LinuxLoader{}
)
