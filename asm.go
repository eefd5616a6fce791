package exlpatch

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// instrSize is the AArch64 instruction width, and therefore the relocation
// unit: a hook overwrites exactly one instruction.
const instrSize = 4

const (
	// -----------------------------------
	// | 000101 | ... 26 bit address ... |
	// -----------------------------------
	_B = uint32(5 << 26)

	// -----------------------------------
	// | 100101 | ... 26 bit address ... |
	// -----------------------------------
	_BL = uint32(1<<31 | _B)

	// ADR/ADRP is encoded as:
	// --------------------------------------------------
	// | P | lo 2 bits | 10000 | hi 19 bits | 5-bit reg |
	// --------------------------------------------------
	// Mask for the address:
	adrAddressMask = uint32(3<<29 | 0x7ffff<<5)
)

// encodeBranch encodes an unconditional B executing at pc and landing on
// target.
func encodeBranch(pc, target uintptr) (uint32, error) {
	offset := int64(target) - int64(pc)

	if offset < -(1<<27) || offset >= (1<<27) {
		return 0, fmt.Errorf("B target out of range: %d bytes exceeds 128MiB", offset)
	}

	return _B | (uint32(offset>>2) & (1<<26 - 1)), nil
}

// relocateCode copies instructions that execute at srcPC into dst, which
// will execute at dstPC, rewriting PC-relative references as it goes. The
// slices are usually mirror views whose addresses differ from the execute
// addresses, which is why both PCs are explicit.
func relocateCode(dst, src []byte, srcPC, dstPC uintptr) error {
	if len(dst) < len(src) {
		return fmt.Errorf("relocation buffer too small: %d < %d", len(dst), len(src))
	}
	copy(dst[:len(src)], src)

	for i := 0; i < len(src); i += instrSize {
		raw := dst[i : i+instrSize]

		instruction, err := arm64asm.Decode(raw)
		if err != nil {
			// Stop if the bad instruction was padding
			if bytes.Equal(raw, []byte{0, 0, 0, 0}) {
				break
			}
			return fmt.Errorf("decode error at offset %d %v: %w", i, raw, err)
		}

		for _, arg := range instruction.Args {
			if _, ok := arg.(arm64asm.PCRel); ok {
				err = fixPCRelAddress(instruction, raw, srcPC+uintptr(i), dstPC+uintptr(i))
				if err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func fixPCRelAddress(inst arm64asm.Inst, raw []byte, srcPC, dstPC uintptr) error {
	switch inst.Op {
	case arm64asm.ADRP:
		// Get the offset (arm64asm converts it to bytes)
		oldOffset := int64(inst.Args[1].(arm64asm.PCRel))

		// Page-align both addresses before computing the offset
		newOffsetPages := (int64(srcPC&^uintptr(0xfff)) + oldOffset - int64(dstPC&^uintptr(0xfff))) >> 12

		if newOffsetPages < -(1<<20) || newOffsetPages >= (1<<20) {
			return fmt.Errorf("ADRP target out of range: %d pages exceeds 4GiB", newOffsetPages)
		}

		// Lowest 2 bits go to bits 30 and 29, the next 19 to bits 23 to 5.
		p := uint32(newOffsetPages)
		encoded := binary.LittleEndian.Uint32(raw) &^ adrAddressMask
		encoded |= (p & 3) << 29
		encoded |= ((p >> 2) & 0x7ffff) << 5
		binary.LittleEndian.PutUint32(raw, encoded)

	case arm64asm.B, arm64asm.BL:
		rel, ok := inst.Args[0].(arm64asm.PCRel)
		if !ok {
			// Conditional branch: a 19-bit immediate with no room to reach
			// a pool, so it cannot be relocated as-is.
			return fmt.Errorf("cannot relocate conditional branch %v", inst)
		}
		offset := int64(srcPC) + int64(rel) - int64(dstPC)

		// B and BL encode a 26-bit signed instruction offset.
		if offset < -(1<<27) || offset >= (1<<27) {
			return fmt.Errorf("%v target out of range: %d bytes exceeds 128MiB", inst.Op, offset)
		}

		op := _B
		if inst.Op == arm64asm.BL {
			op = _BL
		}
		binary.LittleEndian.PutUint32(raw, op|(uint32(offset>>2)&(1<<26-1)))

	default:
		// Other PC-relative forms (LDR literal, ADR, CBZ, TBZ) keep their
		// encoding; they only show up mid-sequence where the relocation
		// unit never cuts.
	}

	return nil
}

// disassemble renders code as if it executed at pc.
func disassemble(code []byte, pc uintptr) string {
	var buf bytes.Buffer

	for i := 0; i < len(code)&^3; i += instrSize {
		var asm string
		instruction, err := arm64asm.Decode(code[i:])
		if err == nil {
			asm = instruction.String()
		} else {
			asm = "?"
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", pc+uintptr(i), hex.EncodeToString(code[i:i+instrSize]), asm)
	}

	return buf.String()
}
