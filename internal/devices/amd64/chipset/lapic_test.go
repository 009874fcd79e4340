package chipset

import (
	"encoding/binary"
	"testing"
)

type capturingTarget struct {
	vectors []uint8
}

func (c *capturingTarget) QueueVector(vec uint8) {
	c.vectors = append(c.vectors, vec)
}

func readLAPIC32(t *testing.T, l *LocalAPIC, offset uint32) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if err := l.ReadMMIO(nil, LocalAPICBaseAddress+uint64(offset), buf); err != nil {
		t.Fatalf("read offset 0x%x: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(buf)
}

func writeLAPIC32(t *testing.T, l *LocalAPIC, offset uint32, value uint32) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if err := l.WriteMMIO(nil, LocalAPICBaseAddress+uint64(offset), buf); err != nil {
		t.Fatalf("write offset 0x%x: %v", offset, err)
	}
}

func TestLocalAPICIDAndVersion(t *testing.T) {
	l := NewLocalAPIC(3, nil)
	if got := readLAPIC32(t, l, lapicRegID); got != uint32(3)<<24 {
		t.Fatalf("ID register = 0x%x, want 0x%x", got, uint32(3)<<24)
	}
	if got := readLAPIC32(t, l, lapicRegVersion); got != lapicVersion {
		t.Fatalf("version register = 0x%x, want 0x%x", got, lapicVersion)
	}
}

func TestLocalAPICExternalInterruptInjection(t *testing.T) {
	target := &capturingTarget{}
	l := NewLocalAPIC(0, target)
	writeLAPIC32(t, l, lapicRegSVR, lapicSVRApicEnable)

	l.FireExternalInterrupt(0x24)

	vec, ok := l.InjectInterrupt()
	if !ok {
		t.Fatalf("expected a pending interrupt to be injectable")
	}
	if vec != 0x24 {
		t.Fatalf("vector = 0x%x, want 0x24", vec)
	}
	if len(target.vectors) != 1 || target.vectors[0] != 0x24 {
		t.Fatalf("target vectors = %v, want [0x24]", target.vectors)
	}

	if _, ok := l.InjectInterrupt(); ok {
		t.Fatalf("expected no further pending interrupt")
	}
}

func TestLocalAPICDisabledSVRDropsInterrupts(t *testing.T) {
	target := &capturingTarget{}
	l := NewLocalAPIC(0, target)
	// SVR starts with the enable bit clear by default.
	writeLAPIC32(t, l, lapicRegSVR, 0)

	l.FireExternalInterrupt(0x30)

	if _, ok := l.InjectInterrupt(); ok {
		t.Fatalf("expected disabled APIC to drop the interrupt")
	}
}

func TestLocalAPICEOIClearsInService(t *testing.T) {
	target := &capturingTarget{}
	l := NewLocalAPIC(0, target)
	writeLAPIC32(t, l, lapicRegSVR, lapicSVRApicEnable)

	l.FireExternalInterrupt(0x40)
	if _, ok := l.InjectInterrupt(); !ok {
		t.Fatalf("expected interrupt to be injectable")
	}

	if !l.isr.has(0x40) {
		t.Fatalf("expected vector 0x40 to be in-service before EOI")
	}

	writeLAPIC32(t, l, lapicRegEOI, 0)

	if l.isr.has(0x40) {
		t.Fatalf("expected EOI to clear vector 0x40 from in-service")
	}
}

func TestLocalAPICQueueVectorSatisfiesVectorTarget(t *testing.T) {
	var _ VectorTarget = NewLocalAPIC(0, nil)
}
