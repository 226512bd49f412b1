package machine

import (
	"bytes"
	"debug/pe"
	"fmt"
	"strings"

	"github.com/tetromino/stepwin32/logflags"
)

const (
	// some packed executables declare absurd in-memory sizes they never
	// touch. clamp rather than refuse.
	maxImageSize = 10 << 20

	// likewise for stack reserves. a 16MB reserve becomes a 32KB stack.
	maxStackReserve = 1 << 20
	clampedStack    = 32 << 10
)

// LoadImage loads a PE32 executable into the machine: sections are copied to
// their virtual addresses, a stack is allocated, and every import is patched
// to a win32 shim address. It returns the import table: a mapping of address
// to symbol name, covering both the shim addresses and the patched IAT slots.
//
// LoadImage must be called exactly once, before the first Step.
func (m *Machine) LoadImage(data []byte) (map[uint32]string, error) {
	log := logflags.LoaderLogger()

	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("image load: %v", err)
	}
	defer f.Close()

	if f.FileHeader.Machine != pe.IMAGE_FILE_MACHINE_I386 {
		return nil, fmt.Errorf("image load: not an x86 executable")
	}
	opt, ok := f.OptionalHeader.(*pe.OptionalHeader32)
	if !ok {
		return nil, fmt.Errorf("image load: only PE32 executables are supported")
	}

	base := opt.ImageBase
	imageSize := opt.SizeOfImage
	if imageSize > maxImageSize {
		log.Warnf("image declares %dMB of memory, clamping to %dMB", imageSize>>20, maxImageSize>>20)
		imageSize = maxImageSize
	}
	m.mem.grow(base + imageSize)

	// the PE header itself is mapped at the base address. some packed
	// executables keep live data between the header and the first section
	n := uint32(0x1000)
	if uint32(len(data)) < n {
		n = uint32(len(data))
	}
	copy(m.mem.data[base:], data[:n])
	m.mem.addMapping(base, n, "r", "PE header")

	for _, sec := range f.Sections {
		dst := base + sec.VirtualAddress
		if dst >= base+imageSize {
			continue
		}

		// SizeOfRawData is the file data to copy. it can exceed VirtualSize
		// (padded up to file alignment) or fall short of it (zero-filled
		// sections)
		if sec.Offset != 0 && sec.Size > 0 {
			src := data[sec.Offset:]
			end := sec.Size
			if end > uint32(len(src)) {
				end = uint32(len(src))
			}
			if dst+end > base+imageSize {
				end = base + imageSize - dst
			}
			copy(m.mem.data[dst:], src[:end])
		}

		m.mem.addMapping(dst, sec.VirtualSize, sectionPerms(sec.Characteristics),
			fmt.Sprintf("section %s", strings.TrimRight(sec.Name, "\x00")))
		log.Debugf("section %s: %08x-%08x", sec.Name, dst, dst+sec.VirtualSize)
	}

	stackSize := opt.SizeOfStackReserve
	if stackSize > maxStackReserve {
		log.Warnf("requested %dMB stack reserve, using %dKB instead", stackSize>>20, clampedStack>>10)
		stackSize = clampedStack
	}
	stack := m.mem.alloc(stackSize, "rw", "stack")

	labels, err := m.patchImports(opt, base)
	if err != nil {
		return nil, err
	}
	if sz := m.shims.size(); sz > 0 {
		m.mem.addMapping(shimBase, sz, "x", "win32 shims")
	}

	m.regs = Registers{}
	m.regs.ESP = stack.Base + stack.Size - 4
	m.regs.EBP = m.regs.ESP
	m.regs.EIP = base + opt.AddressOfEntryPoint

	log.Debugf("image loaded: base %08x, entry %08x, %d imports", base, m.regs.EIP, len(labels))
	return labels, nil
}

func sectionPerms(characteristics uint32) string {
	const (
		memExecute = 0x20000000
		memRead    = 0x40000000
		memWrite   = 0x80000000
	)
	var s strings.Builder
	if characteristics&memRead != 0 {
		s.WriteRune('r')
	}
	if characteristics&memWrite != 0 {
		s.WriteRune('w')
	}
	if characteristics&memExecute != 0 {
		s.WriteRune('x')
	}
	return s.String()
}

// patchImports walks the import directory in mapped memory, registers a shim
// for every imported symbol and writes the shim address into the IAT slot the
// program will call through.
//
// debug/pe can list imported symbols but not the virtual addresses of their
// IAT slots, so the walk is done by hand the way a loader would.
func (m *Machine) patchImports(opt *pe.OptionalHeader32, base uint32) (map[uint32]string, error) {
	labels := make(map[uint32]string)

	// data directory entry 1 is the import directory. packed executables
	// sometimes have no data directory at all
	if opt.NumberOfRvaAndSizes < 2 {
		return labels, nil
	}
	dir := opt.DataDirectory[1]
	if dir.VirtualAddress == 0 {
		return labels, nil
	}

	fail := func(err error) (map[uint32]string, error) {
		return nil, fmt.Errorf("image load: import directory: %v", err)
	}

	for desc := base + dir.VirtualAddress; ; desc += 20 {
		oft, err := m.mem.read32(desc)
		if err != nil {
			return fail(err)
		}
		nameRVA, err := m.mem.read32(desc + 12)
		if err != nil {
			return fail(err)
		}
		iat, err := m.mem.read32(desc + 16)
		if err != nil {
			return fail(err)
		}
		if nameRVA == 0 && oft == 0 && iat == 0 {
			break
		}

		dll, err := m.mem.readCString(base + nameRVA)
		if err != nil {
			return fail(err)
		}
		dll = strings.ToLower(dll)

		// the original thunk list carries the symbol names. when it is
		// absent the IAT doubles as the name list
		thunks := oft
		if thunks == 0 {
			thunks = iat
		}

		for i := uint32(0); ; i++ {
			entry, err := m.mem.read32(base + thunks + 4*i)
			if err != nil {
				return fail(err)
			}
			if entry == 0 {
				break
			}

			var sym string
			if entry&0x80000000 != 0 {
				sym = fmt.Sprintf("#%d", entry&0xffff)
			} else {
				sym, err = m.mem.readCString(base + entry + 2)
				if err != nil {
					return fail(err)
				}
			}

			addr := m.shims.register(dll, sym)
			slot := base + iat + 4*i
			if err := m.mem.write32(slot, addr); err != nil {
				return fail(err)
			}

			labels[addr] = fmt.Sprintf("%s!%s", dll, sym)
			labels[slot] = fmt.Sprintf("%s!%s@IAT", dll, sym)
		}
	}

	return labels, nil
}
