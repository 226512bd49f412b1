package machine

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

const maxInstructionLen = 15

// decode reads and decodes the instruction at pc. relative branch arguments
// are rewritten as absolute addresses so that the execute stage (and the
// disassembler) never deal with offsets.
func (m *Machine) decode(pc uint32) (x86asm.Inst, error) {
	var code [maxInstructionLen]byte
	n := m.mem.readAvailable(pc, code[:])
	if n == 0 {
		return x86asm.Inst{}, fmt.Errorf("instruction fetch: %w: %08x", ErrUnmappedAddress, pc)
	}

	inst, err := x86asm.Decode(code[:n], 32)
	if err != nil {
		return x86asm.Inst{}, fmt.Errorf("cannot decode instruction at %08x: %v", pc, err)
	}

	patchRelativeArgs(pc, &inst)
	return inst, nil
}

// converts PC relative arguments to absolute addresses
func patchRelativeArgs(pc uint32, inst *x86asm.Inst) {
	for i := range inst.Args {
		if rel, ok := inst.Args[i].(x86asm.Rel); ok {
			inst.Args[i] = x86asm.Imm(int64(pc) + int64(rel) + int64(inst.Len))
		}
	}
}

func regSize(r x86asm.Reg) int {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 1
	case r >= x86asm.AX && r <= x86asm.R15W:
		return 2
	}
	return 4
}

// operandSize is the width in bytes the instruction operates at. the first
// register argument decides, otherwise the memory operand or the decoded data
// size.
func operandSize(inst x86asm.Inst) int {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if r, ok := a.(x86asm.Reg); ok {
			return regSize(r)
		}
	}
	if inst.MemBytes > 0 {
		return inst.MemBytes
	}
	if inst.DataSize > 0 {
		return inst.DataSize / 8
	}
	return 4
}

func sizeMask(size int) (mask uint32, sign uint32) {
	switch size {
	case 1:
		return 0xff, 0x80
	case 2:
		return 0xffff, 0x8000
	}
	return 0xffffffff, 0x80000000
}

// regSlot returns the storage for a register: the 32-bit register it lives
// in, and the shift/mask needed to extract or merge the narrower view.
func (m *Machine) regSlot(r x86asm.Reg) (ptr *uint32, shift uint, mask uint32, err error) {
	switch r {
	case x86asm.AL:
		return &m.regs.EAX, 0, 0xff, nil
	case x86asm.CL:
		return &m.regs.ECX, 0, 0xff, nil
	case x86asm.DL:
		return &m.regs.EDX, 0, 0xff, nil
	case x86asm.BL:
		return &m.regs.EBX, 0, 0xff, nil
	case x86asm.AH:
		return &m.regs.EAX, 8, 0xff, nil
	case x86asm.CH:
		return &m.regs.ECX, 8, 0xff, nil
	case x86asm.DH:
		return &m.regs.EDX, 8, 0xff, nil
	case x86asm.BH:
		return &m.regs.EBX, 8, 0xff, nil
	case x86asm.AX:
		return &m.regs.EAX, 0, 0xffff, nil
	case x86asm.CX:
		return &m.regs.ECX, 0, 0xffff, nil
	case x86asm.DX:
		return &m.regs.EDX, 0, 0xffff, nil
	case x86asm.BX:
		return &m.regs.EBX, 0, 0xffff, nil
	case x86asm.SP:
		return &m.regs.ESP, 0, 0xffff, nil
	case x86asm.BP:
		return &m.regs.EBP, 0, 0xffff, nil
	case x86asm.SI:
		return &m.regs.ESI, 0, 0xffff, nil
	case x86asm.DI:
		return &m.regs.EDI, 0, 0xffff, nil
	case x86asm.EAX:
		return &m.regs.EAX, 0, 0xffffffff, nil
	case x86asm.ECX:
		return &m.regs.ECX, 0, 0xffffffff, nil
	case x86asm.EDX:
		return &m.regs.EDX, 0, 0xffffffff, nil
	case x86asm.EBX:
		return &m.regs.EBX, 0, 0xffffffff, nil
	case x86asm.ESP:
		return &m.regs.ESP, 0, 0xffffffff, nil
	case x86asm.EBP:
		return &m.regs.EBP, 0, 0xffffffff, nil
	case x86asm.ESI:
		return &m.regs.ESI, 0, 0xffffffff, nil
	case x86asm.EDI:
		return &m.regs.EDI, 0, 0xffffffff, nil
	}
	return nil, 0, 0, fmt.Errorf("unsupported register: %v", r)
}

func (m *Machine) regRead(r x86asm.Reg) (uint32, error) {
	ptr, shift, mask, err := m.regSlot(r)
	if err != nil {
		return 0, err
	}
	return (*ptr >> shift) & mask, nil
}

func (m *Machine) regWrite(r x86asm.Reg, v uint32) error {
	ptr, shift, mask, err := m.regSlot(r)
	if err != nil {
		return err
	}
	*ptr = (*ptr &^ (mask << shift)) | ((v & mask) << shift)
	return nil
}

func (m *Machine) effectiveAddress(a x86asm.Mem) (uint32, error) {
	if a.Segment != 0 {
		return 0, fmt.Errorf("unsupported segment override: %v", a.Segment)
	}
	ea := uint32(a.Disp)
	if a.Base != 0 {
		v, err := m.regRead(a.Base)
		if err != nil {
			return 0, err
		}
		ea += v
	}
	if a.Index != 0 {
		v, err := m.regRead(a.Index)
		if err != nil {
			return 0, err
		}
		ea += v * uint32(a.Scale)
	}
	return ea, nil
}

func (m *Machine) memRead(addr uint32, size int) (uint32, error) {
	switch size {
	case 1:
		v, err := m.mem.read8(addr)
		return uint32(v), err
	case 2:
		v, err := m.mem.read16(addr)
		return uint32(v), err
	}
	return m.mem.read32(addr)
}

func (m *Machine) memWrite(addr uint32, size int, v uint32) error {
	switch size {
	case 1:
		return m.mem.write8(addr, uint8(v))
	case 2:
		return m.mem.write16(addr, uint16(v))
	}
	return m.mem.write32(addr, v)
}

// argRead reads the value of an instruction argument. memory arguments are
// read at the width of the instruction's memory operand.
func (m *Machine) argRead(inst x86asm.Inst, arg x86asm.Arg) (uint32, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		return m.regRead(a)
	case x86asm.Imm:
		return uint32(int64(a)), nil
	case x86asm.Mem:
		ea, err := m.effectiveAddress(a)
		if err != nil {
			return 0, err
		}
		size := inst.MemBytes
		if size == 0 {
			size = operandSize(inst)
		}
		return m.memRead(ea, size)
	}
	return 0, fmt.Errorf("unsupported operand: %v", arg)
}

func (m *Machine) argWrite(inst x86asm.Inst, arg x86asm.Arg, v uint32) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		return m.regWrite(a, v)
	case x86asm.Mem:
		ea, err := m.effectiveAddress(a)
		if err != nil {
			return err
		}
		size := inst.MemBytes
		if size == 0 {
			size = operandSize(inst)
		}
		return m.memWrite(ea, size, v)
	}
	return fmt.Errorf("unsupported destination operand: %v", arg)
}

func (m *Machine) push32(v uint32) error {
	if err := m.mem.write32(m.regs.ESP-4, v); err != nil {
		return err
	}
	m.regs.ESP -= 4
	return nil
}

func (m *Machine) pop32() (uint32, error) {
	v, err := m.mem.read32(m.regs.ESP)
	if err != nil {
		return 0, err
	}
	m.regs.ESP += 4
	return v, nil
}

func (m *Machine) setFlagsResult(res uint32, mask uint32, sign uint32) {
	m.regs.setFlag(FlagZF, res&mask == 0)
	m.regs.setFlag(FlagSF, res&sign != 0)
}

func (m *Machine) setFlagsAdd(a, b, res, mask, sign uint32) {
	m.setFlagsResult(res, mask, sign)
	m.regs.setFlag(FlagCF, uint64(a)+uint64(b) > uint64(mask))
	m.regs.setFlag(FlagOF, ^(a^b)&(a^res)&sign != 0)
}

func (m *Machine) setFlagsSub(a, b, res, mask, sign uint32) {
	m.setFlagsResult(res, mask, sign)
	m.regs.setFlag(FlagCF, b > a)
	m.regs.setFlag(FlagOF, (a^b)&(a^res)&sign != 0)
}

func (m *Machine) setFlagsLogic(res, mask, sign uint32) {
	m.setFlagsResult(res, mask, sign)
	m.regs.setFlag(FlagCF, false)
	m.regs.setFlag(FlagOF, false)
}

// condition evaluates the predicate of a conditional jump.
func (m *Machine) condition(op x86asm.Op) (taken bool, known bool) {
	cf := m.regs.Flag(FlagCF)
	zf := m.regs.Flag(FlagZF)
	sf := m.regs.Flag(FlagSF)
	of := m.regs.Flag(FlagOF)

	switch op {
	case x86asm.JE:
		return zf, true
	case x86asm.JNE:
		return !zf, true
	case x86asm.JB:
		return cf, true
	case x86asm.JBE:
		return cf || zf, true
	case x86asm.JA:
		return !cf && !zf, true
	case x86asm.JAE:
		return !cf, true
	case x86asm.JL:
		return sf != of, true
	case x86asm.JLE:
		return zf || sf != of, true
	case x86asm.JG:
		return !zf && sf == of, true
	case x86asm.JGE:
		return sf == of, true
	case x86asm.JS:
		return sf, true
	case x86asm.JNS:
		return !sf, true
	case x86asm.JO:
		return of, true
	case x86asm.JNO:
		return !of, true
	}
	return false, false
}

// execute runs a single decoded instruction. the instruction pointer is only
// advanced when execution succeeds.
func (m *Machine) execute(inst x86asm.Inst) error {
	next := m.regs.EIP + uint32(inst.Len)
	size := operandSize(inst)
	mask, sign := sizeMask(size)

	switch inst.Op {
	case x86asm.NOP:
		// nothing to do

	case x86asm.MOV:
		v, err := m.argRead(inst, inst.Args[1])
		if err != nil {
			return err
		}
		if err := m.argWrite(inst, inst.Args[0], v); err != nil {
			return err
		}

	case x86asm.MOVZX, x86asm.MOVSX:
		var v uint32
		var ssize int
		switch a := inst.Args[1].(type) {
		case x86asm.Reg:
			var err error
			v, err = m.regRead(a)
			if err != nil {
				return err
			}
			ssize = regSize(a)
		case x86asm.Mem:
			ea, err := m.effectiveAddress(a)
			if err != nil {
				return err
			}
			ssize = inst.MemBytes
			v, err = m.memRead(ea, ssize)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported operand: %v", inst.Args[1])
		}
		if inst.Op == x86asm.MOVSX {
			smask, ssign := sizeMask(ssize)
			if v&ssign != 0 {
				v |= ^smask
			}
		}
		if err := m.regWrite(inst.Args[0].(x86asm.Reg), v); err != nil {
			return err
		}

	case x86asm.LEA:
		a, ok := inst.Args[1].(x86asm.Mem)
		if !ok {
			return fmt.Errorf("unsupported operand: %v", inst.Args[1])
		}
		ea, err := m.effectiveAddress(a)
		if err != nil {
			return err
		}
		if err := m.regWrite(inst.Args[0].(x86asm.Reg), ea); err != nil {
			return err
		}

	case x86asm.ADD, x86asm.SUB, x86asm.CMP, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.TEST:
		a, err := m.argRead(inst, inst.Args[0])
		if err != nil {
			return err
		}
		b, err := m.argRead(inst, inst.Args[1])
		if err != nil {
			return err
		}
		a &= mask
		b &= mask

		var res uint32
		switch inst.Op {
		case x86asm.ADD:
			res = (a + b) & mask
			m.setFlagsAdd(a, b, res, mask, sign)
		case x86asm.SUB, x86asm.CMP:
			res = (a - b) & mask
			m.setFlagsSub(a, b, res, mask, sign)
		case x86asm.AND, x86asm.TEST:
			res = a & b
			m.setFlagsLogic(res, mask, sign)
		case x86asm.OR:
			res = a | b
			m.setFlagsLogic(res, mask, sign)
		case x86asm.XOR:
			res = a ^ b
			m.setFlagsLogic(res, mask, sign)
		}

		if inst.Op != x86asm.CMP && inst.Op != x86asm.TEST {
			if err := m.argWrite(inst, inst.Args[0], res); err != nil {
				return err
			}
		}

	case x86asm.INC, x86asm.DEC:
		a, err := m.argRead(inst, inst.Args[0])
		if err != nil {
			return err
		}
		a &= mask

		// INC/DEC leave the carry flag untouched
		cf := m.regs.Flag(FlagCF)
		var res uint32
		if inst.Op == x86asm.INC {
			res = (a + 1) & mask
			m.setFlagsAdd(a, 1, res, mask, sign)
		} else {
			res = (a - 1) & mask
			m.setFlagsSub(a, 1, res, mask, sign)
		}
		m.regs.setFlag(FlagCF, cf)

		if err := m.argWrite(inst, inst.Args[0], res); err != nil {
			return err
		}

	case x86asm.NEG:
		a, err := m.argRead(inst, inst.Args[0])
		if err != nil {
			return err
		}
		a &= mask
		res := (0 - a) & mask
		m.setFlagsSub(0, a, res, mask, sign)
		if err := m.argWrite(inst, inst.Args[0], res); err != nil {
			return err
		}

	case x86asm.NOT:
		a, err := m.argRead(inst, inst.Args[0])
		if err != nil {
			return err
		}
		if err := m.argWrite(inst, inst.Args[0], ^a&mask); err != nil {
			return err
		}

	case x86asm.SHL, x86asm.SHR, x86asm.SAR:
		a, err := m.argRead(inst, inst.Args[0])
		if err != nil {
			return err
		}
		count, err := m.argRead(inst, inst.Args[1])
		if err != nil {
			return err
		}
		a &= mask
		count &= 31

		res := a
		if count > 0 {
			bits := uint32(size * 8)
			switch inst.Op {
			case x86asm.SHL:
				res = (a << count) & mask
				m.regs.setFlag(FlagCF, count <= bits && (a>>(bits-count))&1 != 0)
			case x86asm.SHR:
				res = a >> count
				m.regs.setFlag(FlagCF, (a>>(count-1))&1 != 0)
			case x86asm.SAR:
				sx := int32(a<<(32-bits)) >> (32 - bits)
				res = uint32(sx>>count) & mask
				m.regs.setFlag(FlagCF, (a>>(count-1))&1 != 0)
			}
			m.setFlagsResult(res, mask, sign)
		}
		if err := m.argWrite(inst, inst.Args[0], res); err != nil {
			return err
		}

	case x86asm.IMUL:
		// only the two and three operand forms
		if inst.Args[1] == nil {
			return fmt.Errorf("unsupported instruction: %v", inst)
		}
		a, err := m.argRead(inst, inst.Args[1])
		if err != nil {
			return err
		}
		b := a
		if inst.Args[2] != nil {
			b, err = m.argRead(inst, inst.Args[2])
			if err != nil {
				return err
			}
		} else {
			a, err = m.argRead(inst, inst.Args[0])
			if err != nil {
				return err
			}
		}
		res := uint32(int32(a) * int32(b))
		if err := m.regWrite(inst.Args[0].(x86asm.Reg), res); err != nil {
			return err
		}

	case x86asm.XCHG:
		a, err := m.argRead(inst, inst.Args[0])
		if err != nil {
			return err
		}
		b, err := m.argRead(inst, inst.Args[1])
		if err != nil {
			return err
		}
		if err := m.argWrite(inst, inst.Args[0], b); err != nil {
			return err
		}
		if err := m.argWrite(inst, inst.Args[1], a); err != nil {
			return err
		}

	case x86asm.CDQ:
		if m.regs.EAX&0x80000000 != 0 {
			m.regs.EDX = 0xffffffff
		} else {
			m.regs.EDX = 0
		}

	case x86asm.PUSH:
		v, err := m.argRead(inst, inst.Args[0])
		if err != nil {
			return err
		}
		if err := m.push32(v); err != nil {
			return err
		}

	case x86asm.POP:
		v, err := m.pop32()
		if err != nil {
			return err
		}
		if err := m.argWrite(inst, inst.Args[0], v); err != nil {
			return err
		}

	case x86asm.CALL:
		target, err := m.argRead(inst, inst.Args[0])
		if err != nil {
			return err
		}
		if err := m.push32(next); err != nil {
			return err
		}
		next = target

	case x86asm.RET:
		v, err := m.pop32()
		if err != nil {
			return err
		}
		if imm, ok := inst.Args[0].(x86asm.Imm); ok {
			m.regs.ESP += uint32(int64(imm))
		}
		next = v

	case x86asm.JMP:
		target, err := m.argRead(inst, inst.Args[0])
		if err != nil {
			return err
		}
		next = target

	case x86asm.HLT:
		return fmt.Errorf("CPU halted at %08x", m.regs.EIP)

	case x86asm.INT:
		return fmt.Errorf("software interrupt at %08x is not supported", m.regs.EIP)

	default:
		if taken, known := m.condition(inst.Op); known {
			if taken {
				target, err := m.argRead(inst, inst.Args[0])
				if err != nil {
					return err
				}
				next = target
			}
			break
		}
		return fmt.Errorf("unsupported instruction at %08x: %v", m.regs.EIP, inst.Op)
	}

	m.regs.EIP = next
	return nil
}
