//go:build darwin && amd64

package hvf

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

const hypervisorFrameworkPath = "/System/Library/Frameworks/Hypervisor.framework/Hypervisor"

type hvReturn uint32

const (
	hvSuccess      hvReturn = 0x00000000
	hvError        hvReturn = 0xFAE94001
	hvBusy         hvReturn = 0xFAE94002
	hvBadArgument  hvReturn = 0xFAE94003
	hvNoResources  hvReturn = 0xFAE94005
	hvNoDevice     hvReturn = 0xFAE94006
	hvDenied       hvReturn = 0xFAE94007
	hvUnsupported  hvReturn = 0xFAE9400F
	hvAlignmentErr hvReturn = 0xFAE94010
)

func (r hvReturn) Error() string {
	switch r {
	case hvSuccess:
		return "success"
	case hvError:
		return "error"
	case hvBusy:
		return "busy"
	case hvBadArgument:
		return "bad argument"
	case hvNoResources:
		return "no resources"
	case hvNoDevice:
		return "no device"
	case hvDenied:
		return "denied"
	case hvUnsupported:
		return "unsupported"
	case hvAlignmentErr:
		return "alignment error"
	default:
		return fmt.Sprintf("0x%08x", uint32(r))
	}
}

func (r hvReturn) toError(op string) error {
	if r == hvSuccess {
		return nil
	}
	return fmt.Errorf("hvf: %s: %w", op, r)
}

type hvMemoryFlags uint64

const (
	hvMemoryRead  hvMemoryFlags = 1 << 0
	hvMemoryWrite hvMemoryFlags = 1 << 1
	hvMemoryExec  hvMemoryFlags = 1 << 2
)

// x86 general-purpose and segment registers addressable via hv_vcpu_read/write_register.
type hvX86Reg uint32

const (
	hvX86RegRip hvX86Reg = iota
	hvX86RegRflags
	hvX86RegRax
	hvX86RegRcx
	hvX86RegRdx
	hvX86RegRbx
	hvX86RegRsi
	hvX86RegRdi
	hvX86RegRsp
	hvX86RegRbp
	hvX86RegR8
	hvX86RegR9
	hvX86RegR10
	hvX86RegR11
	hvX86RegR12
	hvX86RegR13
	hvX86RegR14
	hvX86RegR15
	hvX86RegCs
	hvX86RegSs
	hvX86RegDs
	hvX86RegEs
	hvX86RegFs
	hvX86RegGs
	hvX86RegIdtBase
	hvX86RegIdtLimit
	hvX86RegGdtBase
	hvX86RegGdtLimit
	hvX86RegLdtr
	hvX86RegLdtBase
	hvX86RegLdtLimit
	hvX86RegLdtAr
	hvX86RegTr
	hvX86RegTssBase
	hvX86RegTssLimit
	hvX86RegTssAr
	hvX86RegCr0
	hvX86RegCr1
	hvX86RegCr2
	hvX86RegCr3
	hvX86RegCr4
	hvX86RegDr0
	hvX86RegDr1
	hvX86RegDr2
	hvX86RegDr3
	hvX86RegDr4
	hvX86RegDr5
	hvX86RegDr6
	hvX86RegDr7
	hvX86RegTpr
	hvX86RegXcr0
)

// VMCS field encodings (subset used by this backend), matching the
// Hypervisor.framework VMX field enum.
type vmcsField uint32

const (
	vmcsGuestCs             vmcsField = 0x0802
	vmcsGuestSs             vmcsField = 0x0804
	vmcsGuestDs             vmcsField = 0x0806
	vmcsGuestEs             vmcsField = 0x0808
	vmcsGuestFs             vmcsField = 0x080A
	vmcsGuestGs             vmcsField = 0x080C
	vmcsGuestLdtr           vmcsField = 0x080E
	vmcsGuestTr             vmcsField = 0x0810
	vmcsGuestCsLimit        vmcsField = 0x4802
	vmcsGuestSsLimit        vmcsField = 0x4804
	vmcsGuestDsLimit        vmcsField = 0x4806
	vmcsGuestEsLimit        vmcsField = 0x4808
	vmcsGuestFsLimit        vmcsField = 0x480A
	vmcsGuestGsLimit        vmcsField = 0x480C
	vmcsGuestLdtrLimit      vmcsField = 0x480E
	vmcsGuestTrLimit        vmcsField = 0x4810
	vmcsGuestGdtrLimit      vmcsField = 0x4812
	vmcsGuestIdtrLimit      vmcsField = 0x4814
	vmcsGuestCsAR           vmcsField = 0x4816
	vmcsGuestSsAR           vmcsField = 0x4818
	vmcsGuestDsAR           vmcsField = 0x481A
	vmcsGuestEsAR           vmcsField = 0x481C
	vmcsGuestFsAR           vmcsField = 0x481E
	vmcsGuestGsAR           vmcsField = 0x4820
	vmcsGuestLdtrAR         vmcsField = 0x4822
	vmcsGuestTrAR           vmcsField = 0x4824
	vmcsGuestInterruptiblity vmcsField = 0x4826
	vmcsGuestActivityState   vmcsField = 0x4828
	vmcsGuestCsBase         vmcsField = 0x6808
	vmcsGuestSsBase         vmcsField = 0x680A
	vmcsGuestDsBase         vmcsField = 0x680C
	vmcsGuestEsBase         vmcsField = 0x680E
	vmcsGuestFsBase         vmcsField = 0x6810
	vmcsGuestGsBase         vmcsField = 0x6812
	vmcsGuestLdtrBase       vmcsField = 0x6814
	vmcsGuestTrBase         vmcsField = 0x6816
	vmcsGuestGdtrBase       vmcsField = 0x6818
	vmcsGuestIdtrBase       vmcsField = 0x681A

	vmcsCtrlPinBased         vmcsField = 0x4000
	vmcsCtrlCpuBased         vmcsField = 0x4002
	vmcsCtrlExceptionBitmap  vmcsField = 0x4004
	vmcsCtrlCr3TargetCount   vmcsField = 0x400A
	vmcsCtrlVMExitControls   vmcsField = 0x400C
	vmcsCtrlVMEntryControls  vmcsField = 0x4012
	vmcsCtrlCpuBased2        vmcsField = 0x401E
	vmcsGuestCr0             vmcsField = 0x6800
	vmcsGuestCr3             vmcsField = 0x6802
	vmcsGuestCr4             vmcsField = 0x6804
	vmcsCtrlCr0Mask          vmcsField = 0x6000
	vmcsCtrlCr4Mask          vmcsField = 0x6002
	vmcsCtrlCr0ReadShadow    vmcsField = 0x6004
	vmcsCtrlCr4ReadShadow    vmcsField = 0x6006
	vmcsGuestPreemptionTimer vmcsField = 0x482E
	vmcsEntryInterruptInfo   vmcsField = 0x4016
	vmcsEntryExceptionError  vmcsField = 0x4018
	vmcsEntryInstrLen        vmcsField = 0x401A
	vmcsExitReason           vmcsField = 0x4402
	vmcsExitInterruptInfo    vmcsField = 0x4404
	vmcsExitInstrLen         vmcsField = 0x440C
	vmcsExitQualification    vmcsField = 0x6400
	vmcsGuestLinearAddress   vmcsField = 0x640A
	vmcsGuestPhysicalAddress vmcsField = 0x2400
)

// VMX capability fields, read via hv_vmx_read_capability.
type vmxCap uint32

const (
	vmxCapPinBased       vmxCap = 0
	vmxCapProcBased      vmxCap = 1
	vmxCapProcBased2     vmxCap = 2
	vmxCapEntry          vmxCap = 3
	vmxCapExit           vmxCap = 4
	vmxCapPreemptTimeout vmxCap = 32
)

// exit reasons (VMCS VM-exit reason field, low 16 bits).
type vmExitReason uint32

const (
	exitReasonExceptionNMI   vmExitReason = 0
	exitReasonExtINTR        vmExitReason = 1
	exitReasonHLT            vmExitReason = 12
	exitReasonCPUID          vmExitReason = 10
	exitReasonVMCALL         vmExitReason = 18
	exitReasonCRAccess       vmExitReason = 28
	exitReasonIOInstruction  vmExitReason = 30
	exitReasonRDMSR          vmExitReason = 31
	exitReasonWRMSR          vmExitReason = 32
	exitReasonPreemptTimeout vmExitReason = 54
	exitReasonEPTViolation   vmExitReason = 48
	exitReasonIRQWindow      vmExitReason = 7
)

var (
	hvOnce sync.Once
	hvErr  error

	libHypervisor uintptr

	hvVmCreate              func(config uintptr) hvReturn
	hvVmDestroy             func() hvReturn
	hvVmMap                 func(addr unsafe.Pointer, ipa uint64, size uint64, flags hvMemoryFlags) hvReturn
	hvVmUnmap               func(ipa uint64, size uint64) hvReturn
	hvVmProtect             func(ipa uint64, size uint64, flags hvMemoryFlags) hvReturn
	hvVcpuCreate            func(vcpu *uint64, flags uint64) hvReturn
	hvVcpuDestroy           func(vcpu uint64) hvReturn
	hvVcpuRun               func(vcpu uint64) hvReturn
	hvVcpuInterrupt         func(vcpus *uint64, count uint32) hvReturn
	hvVcpuReadRegister      func(vcpu uint64, reg hvX86Reg, value *uint64) hvReturn
	hvVcpuWriteRegister     func(vcpu uint64, reg hvX86Reg, value uint64) hvReturn
	hvVcpuReadMsr           func(vcpu uint64, msr uint32, value *uint64) hvReturn
	hvVcpuWriteMsr          func(vcpu uint64, msr uint32, value uint64) hvReturn
	hvVcpuEnableNativeMsr   func(vcpu uint64, msr uint32, enable bool) hvReturn
	hvVcpuReadVmcs          func(vcpu uint64, field vmcsField, value *uint64) hvReturn
	hvVcpuWriteVmcs         func(vcpu uint64, field vmcsField, value uint64) hvReturn
	hvVmxReadCapability     func(field vmxCap, value *uint64) hvReturn
	hvVcpuSetApicAddr       func(vcpu uint64, gpa uint64) hvReturn
	hvVcpuInvalidateTLB     func(vcpu uint64) hvReturn
	hvVcpuFlush             func(vcpu uint64) hvReturn
)

func ensureInitialized() error {
	hvOnce.Do(func() {
		if runtime.GOARCH != "amd64" || runtime.GOOS != "darwin" {
			hvErr = fmt.Errorf("hvf: unsupported platform %s/%s", runtime.GOOS, runtime.GOARCH)
			return
		}

		var err error
		libHypervisor, err = purego.Dlopen(hypervisorFrameworkPath, purego.RTLD_GLOBAL|purego.RTLD_NOW)
		if err != nil {
			hvErr = fmt.Errorf("hvf: dlopen Hypervisor.framework: %w", err)
			return
		}

		register := func(sym any, name string) {
			if hvErr != nil {
				return
			}
			purego.RegisterLibFunc(sym, libHypervisor, name)
		}

		register(&hvVmCreate, "hv_vm_create")
		register(&hvVmDestroy, "hv_vm_destroy")
		register(&hvVmMap, "hv_vm_map")
		register(&hvVmUnmap, "hv_vm_unmap")
		register(&hvVmProtect, "hv_vm_protect")
		register(&hvVcpuCreate, "hv_vcpu_create")
		register(&hvVcpuDestroy, "hv_vcpu_destroy")
		register(&hvVcpuRun, "hv_vcpu_run")
		register(&hvVcpuInterrupt, "hv_vcpu_interrupt")
		register(&hvVcpuReadRegister, "hv_vcpu_read_register")
		register(&hvVcpuWriteRegister, "hv_vcpu_write_register")
		register(&hvVcpuReadMsr, "hv_vcpu_read_msr")
		register(&hvVcpuWriteMsr, "hv_vcpu_write_msr")
		register(&hvVcpuEnableNativeMsr, "hv_vcpu_enable_native_msr")
		register(&hvVcpuReadVmcs, "hv_vmx_vcpu_read_vmcs")
		register(&hvVcpuWriteVmcs, "hv_vmx_vcpu_write_vmcs")
		register(&hvVmxReadCapability, "hv_vmx_read_capability")
		register(&hvVcpuSetApicAddr, "hv_vmx_vcpu_set_apic_address")
		register(&hvVcpuInvalidateTLB, "hv_vcpu_invalidate_tlb")
		register(&hvVcpuFlush, "hv_vcpu_flush")
	})

	return hvErr
}

// gen_exec_ctrl resolves a desired control bit set against a VMX
// capability MSR pair the way the Intel SDM and Hypervisor.framework
// headers describe it: bits fixed to 1 in the low 32 bits of cap must
// always be set, bits fixed to 0 (clear in the high 32 bits) must
// always be clear.
func gen_exec_ctrl(cap uint64, ctrl uint64) uint64 {
	result := ctrl | (cap & 0xffffffff)
	result &= cap >> 32
	return result
}
