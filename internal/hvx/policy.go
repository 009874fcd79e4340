// Package hvx holds the VM-wide configuration and policy surface that
// sits above the hvf backend: environment-variable boot configuration
// (§2.1) and the unknown-port/unknown-MSR access policy (§6).
package hvx

import (
	"os"
	"strings"
)

// PortPolicy controls how the run loop reacts to I/O port accesses that
// no registered device claims.
type PortPolicy struct {
	// IgnoreUnknown, when true, makes unclaimed port reads return
	// all-ones and unclaimed port writes a no-op instead of failing
	// the VM. Mirrors XHYPE_UNKNOWN_PORT=ignore.
	IgnoreUnknown bool
}

// MsrPolicy controls how the run loop reacts to RDMSR/WRMSR of an MSR
// hv_vcpu_read_msr/hv_vcpu_write_msr rejects.
type MsrPolicy struct {
	// ReadsAsZero makes an unsupported RDMSR return 0 rather than
	// injecting a #GP. Mirrors XHYPE_UNKNOWN_MSR=zero.
	ReadsAsZero bool
	// WritesIgnored makes an unsupported WRMSR a no-op rather than
	// injecting a #GP. Mirrors XHYPE_UNKNOWN_MSR=ignore.
	WritesIgnored bool
}

// DefaultPortPolicy returns the built-in policy (ignore unknown ports),
// overridden by XHYPE_UNKNOWN_PORT if set to "fail" or "abort".
func DefaultPortPolicy() PortPolicy {
	p := PortPolicy{IgnoreUnknown: true}
	switch strings.ToLower(os.Getenv("XHYPE_UNKNOWN_PORT")) {
	case "fail", "abort", "error":
		p.IgnoreUnknown = false
	}
	return p
}

// DefaultMsrPolicy returns the built-in policy (reads-as-zero,
// writes-ignored), overridden by XHYPE_UNKNOWN_MSR if set to "fail" or
// "abort".
func DefaultMsrPolicy() MsrPolicy {
	p := MsrPolicy{ReadsAsZero: true, WritesIgnored: true}
	switch strings.ToLower(os.Getenv("XHYPE_UNKNOWN_MSR")) {
	case "fail", "abort", "error":
		p.ReadsAsZero = false
		p.WritesIgnored = false
	}
	return p
}

// BootConfig collects the environment-driven guest-boot parameters
// read by cmd/hvxrun and the multiboot/Linux loaders (§2.1).
type BootConfig struct {
	KernelPath string
	InitrdPath string
	CmdLine    string
	LogDir     string
	Port       PortPolicy
	Msr        MsrPolicy
}

// LoadBootConfig reads KN_PATH/RD_PATH/CMD_Line/LOG_DIR and the unknown
// port/MSR policy variables, the way the teacher's config loader reads
// its own KN_PATH-family variables before falling back to a manifest.
func LoadBootConfig() BootConfig {
	return BootConfig{
		KernelPath: os.Getenv("KN_PATH"),
		InitrdPath: os.Getenv("RD_PATH"),
		CmdLine:    os.Getenv("CMD_Line"),
		LogDir:     os.Getenv("LOG_DIR"),
		Port:       DefaultPortPolicy(),
		Msr:        DefaultMsrPolicy(),
	}
}
