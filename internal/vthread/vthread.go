// Package vthread provides a lightweight facade for running a small,
// self-contained piece of 64-bit guest machine code to completion on
// its own vCPU, without any device model attached. It is grounded on
// the same VMCS/register seeding the boot path uses (§4.2) but skips
// everything else: no I/O APIC, no serial console, no virtio — a
// vthread is a GuestThread with zero devices.
package vthread

import (
	"context"
	"fmt"

	"github.com/tinyrange/cc/internal/hv"
	"github.com/tinyrange/cc/internal/hv/factory"
)

const (
	pageSize = 0x1000

	// stackPages is the size of the guest stack staged beneath the
	// function entry point, matching the 10-page stack spec.md §4.18
	// describes.
	stackPages = 10

	codeBase      = 0x0000_1000
	trampolineVA  = 0x0000_0000
	stackTopVA    = 0x0010_0000
	pagingBaseVA  = 0x0020_0000
	memSize       = 4 * 1024 * 1024
	codeSelector  = 0x08
	dataSelector  = 0x10
)

// trampolineCode is a single HLT instruction. Its address is pushed as
// the return address beneath the guest function's entry point, so that
// a plain `ret` from the function lands here and causes a clean
// HLT vm-exit instead of running off the end of guest memory.
var trampolineCode = []byte{0xF4} // hlt

// Builder stages the guest stack, identity paging, and machine code for
// one vthread before it is spawned.
type Builder struct {
	// Code is the raw x86-64 machine code for the guest function. It is
	// placed at codeBase and entered with RIP=codeBase.
	Code []byte

	// ExtraData is optional statically-placed data (e.g. the backing
	// bytes for variables the guest code reads/writes by absolute
	// address); it is written starting at DataBase.
	ExtraData []byte
	DataBase  uint64
}

// NewBuilder constructs a Builder for the given guest function body.
func NewBuilder(code []byte) *Builder {
	return &Builder{Code: code, DataBase: 0x0030_0000}
}

// VThread is a running (or finished) guest thread.
type VThread struct {
	done chan error
	vm   hv.VirtualMachine
}

// spawn maps the staged blocks into a freshly created single-vCPU VM
// and starts a host goroutine that creates the vCPU and runs the guest
// function to its trampoline HLT.
func (b *Builder) spawn() (*VThread, error) {
	hyp, err := factory.Open()
	if err != nil {
		return nil, fmt.Errorf("vthread: open hypervisor: %w", err)
	}

	cfg := hv.SimpleVMConfig{
		NumCPUs:         1,
		MemSize:         memSize,
		MemBase:         0,
		InterruptSupport: false,
	}

	vm, err := hyp.NewVirtualMachine(cfg)
	if err != nil {
		return nil, fmt.Errorf("vthread: create VM: %w", err)
	}

	if _, err := vm.WriteAt(trampolineCode, trampolineVA); err != nil {
		return nil, fmt.Errorf("vthread: write trampoline: %w", err)
	}
	if len(b.Code) > 0 {
		if _, err := vm.WriteAt(b.Code, codeBase); err != nil {
			return nil, fmt.Errorf("vthread: write guest code: %w", err)
		}
	}
	if len(b.ExtraData) > 0 {
		if _, err := vm.WriteAt(b.ExtraData, int64(b.DataBase)); err != nil {
			return nil, fmt.Errorf("vthread: write guest data: %w", err)
		}
	}

	// Return address (trampoline HLT) at the top of the stack, exactly
	// the "ret lands on hlt" convention from spec.md §4.18.
	var retAddr [8]byte
	for i := range retAddr {
		retAddr[i] = byte(trampolineVA >> (8 * i))
	}
	stackTop := uint64(stackTopVA + stackPages*pageSize)
	rsp := stackTop - 8
	if _, err := vm.WriteAt(retAddr[:], int64(rsp)); err != nil {
		return nil, fmt.Errorf("vthread: write return address: %w", err)
	}

	t := &VThread{vm: vm, done: make(chan error, 1)}

	go func() {
		t.done <- t.run(rsp)
	}()

	return t, nil
}

func (t *VThread) run(rsp uint64) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("vthread: panic: %v", r)
		}
		_ = t.vm.Close()
	}()

	return t.vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		amd64, ok := vcpu.(hv.VirtualCPUAmd64)
		if !ok {
			return fmt.Errorf("vthread: backend does not support amd64 long mode")
		}
		if err := amd64.SetLongModeWithSelectors(pagingBaseVA, 32, codeSelector, dataSelector); err != nil {
			return fmt.Errorf("vthread: seed long mode: %w", err)
		}

		regs := map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rip:   hv.Register64(uint64(codeBase)),
			hv.RegisterAMD64Rsp:   hv.Register64(rsp),
			hv.RegisterAMD64Rflags: hv.Register64(0x2),
		}
		if err := vcpu.SetRegisters(regs); err != nil {
			return fmt.Errorf("vthread: seed registers: %w", err)
		}

		ctx := context.Background()
		for {
			if err := vcpu.Run(ctx); err != nil {
				return err
			}

			out := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rip: hv.Register64(0)}
			if err := vcpu.GetRegisters(out); err != nil {
				return fmt.Errorf("vthread: read rip: %w", err)
			}
			rip := uint64(out[hv.RegisterAMD64Rip].(hv.Register64))
			if rip == trampolineVA+uint64(len(trampolineCode)) {
				return nil
			}
		}
	})
}

// Join blocks until the vthread runs to completion (its function
// returns into the hlt trampoline) and surfaces the inner error.
func (t *VThread) Join() error {
	return <-t.done
}

// Spawn builds and starts a vthread running code to completion with
// the given static data pre-populated in guest memory.
func Spawn(code []byte, data []byte, dataBase uint64) (*VThread, error) {
	b := NewBuilder(code)
	b.ExtraData = data
	b.DataBase = dataBase
	return b.spawn()
}
