package debugger

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/tetromino/stepwin32/disassembly"
	"github.com/tetromino/stepwin32/logflags"
	"github.com/tetromino/stepwin32/machine"
)

// commandNames is used for completion and by HELP
var commandNames = []string{
	"STEP", "RUN", "RUNTO", "BREAK", "LIST", "REGS", "DISASM", "MEM",
	"DUMP", "PEEK", "POKE", "MAPPINGS", "IMPORTS", "BOOT", "RESET",
	"LOG", "HELP", "QUIT",
}

// returns true if debugger is to quit
func (m *debugger) commands(cmd []string) bool {
	if len(cmd) == 0 {
		return false
	}

	switch strings.ToUpper(cmd[0]) {
	case "ST", "STEP":
		m.report(m.session.Step())

	case "R", "RUN":
		m.report(m.session.Run(m.interrupted))

	case "RT", "RUNTO":
		if len(cmd) < 2 {
			m.printErr("RUNTO requires an address or symbol")
			break // switch
		}

		addr, err := m.parseAddress(cmd[1])
		if err != nil {
			m.printErr(fmt.Sprintf("runto: %s", err.Error()))
			break // switch
		}

		m.report(m.session.RunTo(addr, m.interrupted))

	case "BR", "BREAK":
		if len(cmd) < 2 {
			m.printErr("BREAK requires an address, or DROP with an address or ALL")
			break // switch
		}

		if strings.ToUpper(cmd[1]) == "DROP" {
			if len(cmd) < 3 {
				m.printErr("BREAK DROP requires an address or ALL")
				break // switch
			}
			if strings.ToUpper(cmd[2]) == "ALL" {
				m.session.Breakpoints.Clear()
				break // switch
			}
			addr, err := m.parseAddress(cmd[2])
			if err != nil {
				m.printErr(fmt.Sprintf("break: %s", err.Error()))
				break // switch
			}
			m.session.Breakpoints.Remove(addr)
			break // switch
		}

		addr, err := m.parseAddress(cmd[1])
		if err != nil {
			m.printErr(fmt.Sprintf("break: %s", err.Error()))
			break // switch
		}
		if !m.session.Mapped(addr) {
			m.printErr(fmt.Sprintf("break: address is not mapped: %08x", addr))
			break // switch
		}
		m.session.Breakpoints.Set(addr, false)

	case "LIST":
		for _, bp := range m.session.Breakpoints.List() {
			s := fmt.Sprintf("%08x", bp.Address)
			if label, ok := m.session.Symbols.Lookup(bp.Address); ok {
				s = fmt.Sprintf("%s (%s)", s, label)
			}
			if bp.Temporary {
				s = fmt.Sprintf("%s [temporary]", s)
			}
			m.println(m.styles.breakpoint, s)
		}

	case "REGS":
		snap, err := m.session.Snapshot(0)
		if err != nil {
			m.printErr(err.Error())
			break // switch
		}
		m.println(m.styles.cpu, snap.Registers.String())

	case "D", "DISASM":
		addr := m.session.PC()
		count := m.conf.DisasmWindow

		if len(cmd) > 1 {
			var err error
			addr, err = m.parseAddress(cmd[1])
			if err != nil {
				m.printErr(fmt.Sprintf("disasm: %s", err.Error()))
				break // switch
			}
		}
		if len(cmd) > 2 {
			var err error
			count, err = strconv.Atoi(cmd[2])
			if err != nil || count < 1 {
				m.printErr(fmt.Sprintf("disasm: not a count: %s", cmd[2]))
				break // switch
			}
		}

		entries, err := m.machine.Disassemble(addr, count)
		if err != nil {
			m.printErr(fmt.Sprintf("disasm: %s", err.Error()))
			break // switch
		}
		for _, s := range disassembly.FormatWindow(entries, m.annotations()) {
			m.println(m.styles.instruction, s)
		}

	case "M", "MEM":
		base := m.session.MemoryPosition()
		if len(cmd) > 1 {
			var err error
			base, err = m.parseAddress(cmd[1])
			if err != nil {
				m.printErr(fmt.Sprintf("mem: %s", err.Error()))
				break // switch
			}
		}

		w, err := m.session.ReadMemoryWindow(base, m.conf.MemoryRows)
		if err != nil {
			m.printErr(fmt.Sprintf("mem: %s", err.Error()))
			break // switch
		}
		m.printMemory(w)

	case "DUMP":
		if len(cmd) < 3 {
			m.printErr("DUMP requires a 'from' and a 'to' address")
			break // switch
		}

		from, err := m.parseAddress(cmd[1])
		if err != nil {
			m.printErr(fmt.Sprintf("dump: %s", err.Error()))
			break // switch
		}
		to, err := m.parseAddress(cmd[2])
		if err != nil {
			m.printErr(fmt.Sprintf("dump: %s", err.Error()))
			break // switch
		}
		if to < from {
			m.printErr("dump: the 'to' address is less than the 'from' address")
			break // switch
		}

		rows := int(to-from)/16 + 1
		w, err := m.session.ReadMemoryWindow(from, rows)
		if err != nil {
			m.printErr(fmt.Sprintf("dump: %s", err.Error()))
			break // switch
		}
		m.printMemory(w)

	case "PEEK":
		if len(cmd) < 2 {
			m.printErr("PEEK requires an address")
			break // switch
		}

		addr, err := m.parseAddress(cmd[1])
		if err != nil {
			m.printErr(fmt.Sprintf("peek: %s", err.Error()))
			break // switch
		}
		v, err := m.session.Peek(addr)
		if err != nil {
			m.printErr(fmt.Sprintf("peek: %s", err.Error()))
			break // switch
		}
		m.println(m.styles.mem, fmt.Sprintf("%08x: %02x", addr, v))

	case "POKE":
		if len(cmd) < 3 {
			m.printErr("POKE requires an address and a byte value")
			break // switch
		}

		addr, err := m.parseAddress(cmd[1])
		if err != nil {
			m.printErr(fmt.Sprintf("poke: %s", err.Error()))
			break // switch
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(cmd[2], "$"), 0, 8)
		if err != nil {
			m.printErr(fmt.Sprintf("poke: not a byte value: %s", cmd[2]))
			break // switch
		}
		if err := m.session.Poke(addr, uint8(v)); err != nil {
			m.printErr(fmt.Sprintf("poke: %s", err.Error()))
		}

	case "MAPPINGS":
		snap, err := m.session.Snapshot(0)
		if err != nil {
			m.printErr(err.Error())
			break // switch
		}
		for _, p := range snap.Mappings {
			m.println(m.styles.mem, p.String())
		}

	case "IMPORTS":
		type imp struct {
			addr uint32
			name string
		}
		var imports []imp
		for _, name := range m.session.Symbols.Complete("") {
			if strings.HasSuffix(name, "@IAT") {
				continue
			}
			if addr, ok := m.session.Symbols.Resolve(name); ok {
				imports = append(imports, imp{addr: addr, name: name})
			}
		}
		sort.Slice(imports, func(i, j int) bool {
			return imports[i].addr < imports[j].addr
		})
		for _, i := range imports {
			m.println(m.styles.mem, fmt.Sprintf("%08x  %s", i.addr, i.name))
		}

	case "BOOT":
		if len(cmd) < 4 {
			m.printErr("BOOT requires a file, an origin address and an entry address")
			break // switch
		}

		origin, err := m.parseAddress(cmd[2])
		if err != nil {
			m.printErr(fmt.Sprintf("boot: %s", err.Error()))
			break // switch
		}
		entry, err := m.parseAddress(cmd[3])
		if err != nil {
			m.printErr(fmt.Sprintf("boot: %s", err.Error()))
			break // switch
		}

		if err := m.boot(cmd[1], origin, entry); err != nil {
			m.printErr(fmt.Sprintf("boot: %s", err.Error()))
			break // switch
		}
		m.println(m.styles.debugger, fmt.Sprintf("booted %s at %08x", cmd[1], entry))

	case "RESET":
		if err := m.reset(); err != nil {
			m.printErr(err.Error())
			break // switch
		}
		m.println(m.styles.debugger, "reset")

	case "LOG":
		n := 10
		if len(cmd) > 1 {
			var err error
			n, err = strconv.Atoi(cmd[1])
			if err != nil {
				m.printErr(fmt.Sprintf("cannot use LOG %s", cmd[1]))
				break // switch
			}
		}
		logflags.Tail(os.Stdout, n)

	case "HELP":
		m.println(m.styles.debugger, strings.Join(commandNames, " "))

	case "Q", "QUIT":
		return true

	default:
		m.printErr(fmt.Sprintf("unrecognised command: %s", cmd[0]))
	}

	return false
}

// boot replaces the machine with one running a raw image, no PE loading and
// no import table. for experiments with bare machine code.
func (m *debugger) boot(filename string, origin uint32, entry uint32) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	s := NewSession(os.Stdout)
	mc := machine.New(s)
	mc.LoadFlat(origin, entry, data)
	s.Attach(mc, nil)

	m.machine = mc
	m.session = s
	return nil
}

func (m *debugger) annotations() disassembly.Annotations {
	return disassembly.Annotations{
		Current: m.session.PC(),
		Breakpoint: func(addr uint32) bool {
			_, ok := m.session.Breakpoints.Lookup(addr)
			return ok
		},
		Label: func(addr uint32) (string, bool) {
			return m.session.Symbols.Lookup(addr)
		},
	}
}

// report prints the outcome of a step, run or runto: the halt reason and the
// instruction the machine has halted at.
func (m *debugger) report(res StepResult, err error) {
	if err != nil {
		m.printErr(err.Error())
		return
	}

	switch res {
	case StepExited:
		_, code := m.session.Exited()
		m.println(m.styles.debugger, fmt.Sprintf("program exited with code %d", code))
		return
	case StepBreakpoint:
		m.println(m.styles.breakpoint, fmt.Sprintf("breakpoint at %08x", m.session.PC()))
	case StepInterrupted:
		m.println(m.styles.debugger, fmt.Sprintf("interrupted at %08x", m.session.PC()))
	}

	entries, err := m.machine.Disassemble(m.session.PC(), 1)
	if err != nil || len(entries) == 0 {
		return
	}
	m.println(m.styles.instruction, disassembly.FormatEntry(entries[0], m.annotations()))
}

func (m *debugger) printMemory(w *MemoryWindow) {
	for i, row := range w.Rows {
		var b strings.Builder
		fmt.Fprintf(&b, "%08x  ", w.Base+uint32(i*16))
		for _, v := range row {
			fmt.Fprintf(&b, "%02x ", v)
		}
		b.WriteString(" ")
		for _, v := range row {
			if v >= 0x20 && v < 0x7f {
				b.WriteRune(rune(v))
			} else {
				b.WriteRune('.')
			}
		}
		m.println(m.styles.mem, b.String())
	}
}
