package decode

import "testing"

func TestDecodeMovRegToMem(t *testing.T) {
	// mov [rax], ecx -> 89 08
	code := []byte{0x89, 0x08}
	insn, err := Decode(code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if insn.Op != OpMovStore {
		t.Fatalf("op = %v, want OpMovStore", insn.Op)
	}
	if insn.MemSize != 4 {
		t.Fatalf("mem size = %d, want 4", insn.MemSize)
	}
	if insn.Length != 2 {
		t.Fatalf("length = %d, want 2", insn.Length)
	}
}

func TestDecodeMovMemToRegWithREXW(t *testing.T) {
	// mov rax, [rbx] -> 48 8b 03
	code := []byte{0x48, 0x8b, 0x03}
	insn, err := Decode(code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if insn.Op != OpMovLoad {
		t.Fatalf("op = %v, want OpMovLoad", insn.Op)
	}
	if insn.MemSize != 8 {
		t.Fatalf("mem size = %d, want 8 (REX.W)", insn.MemSize)
	}
	if insn.Length != 3 {
		t.Fatalf("length = %d, want 3", insn.Length)
	}
}

func TestDecodeMovzxByte(t *testing.T) {
	// movzx eax, byte [rdx] -> 0f b6 02
	code := []byte{0x0f, 0xb6, 0x02}
	insn, err := Decode(code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if insn.Op != OpMovZX {
		t.Fatalf("op = %v, want OpMovZX", insn.Op)
	}
	if insn.MemSize != 1 {
		t.Fatalf("mem size = %d, want 1", insn.MemSize)
	}
	if insn.RegSize != 4 {
		t.Fatalf("reg size = %d, want 4", insn.RegSize)
	}
}

func TestDecodeOperandSizeOverride(t *testing.T) {
	// mov [rax], cx -> 66 89 08
	code := []byte{0x66, 0x89, 0x08}
	insn, err := Decode(code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if insn.MemSize != 2 {
		t.Fatalf("mem size = %d, want 2 (0x66 override)", insn.MemSize)
	}
}

func TestDecodeRipRelative(t *testing.T) {
	// mov eax, [rip+0x10] -> 8b 05 10 00 00 00
	code := []byte{0x8b, 0x05, 0x10, 0x00, 0x00, 0x00}
	insn, err := Decode(code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !insn.RipRel {
		t.Fatalf("expected RipRel")
	}
	if insn.Length != 6 {
		t.Fatalf("length = %d, want 6", insn.Length)
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Fatalf("expected error decoding empty instruction stream")
	}
	if _, err := Decode([]byte{0x89}); err == nil {
		t.Fatalf("expected error decoding instruction missing ModRM")
	}
}
