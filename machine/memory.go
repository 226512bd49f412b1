package machine

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Mapping describes one region of the emulated address space. Permissions are
// for display only, the machine does not enforce them.
type Mapping struct {
	Base  uint32
	Size  uint32
	Perms string
	Desc  string
}

func (p Mapping) String() string {
	return fmt.Sprintf("%08x-%08x %-3s %s", p.Base, p.Base+p.Size, p.Perms, p.Desc)
}

const pageSize = 0x1000

// sentinel errors returned by memory accesses
var (
	ErrUnmappedAddress = fmt.Errorf("address is not mapped")
	ErrUnbackedAddress = fmt.Errorf("address is not backed by memory")
)

// memory is the flat byte space of the machine plus the region mappings that
// describe it. mappings above the backing array (the win32 shim region) read
// as zero and cannot be written.
type memory struct {
	data     []byte
	mappings []Mapping
}

func newMemory() *memory {
	return &memory{}
}

// grow extends the backing array so that addresses below end are backed.
// existing data is preserved. note that growing may reallocate the backing
// array, which is why no slice of it is ever handed out of the machine.
func (m *memory) grow(end uint32) {
	if uint32(len(m.data)) >= end {
		return
	}
	d := make([]byte, end)
	copy(d, m.data)
	m.data = d
}

func (m *memory) addMapping(base uint32, size uint32, perms string, desc string) {
	m.mappings = append(m.mappings, Mapping{
		Base:  base,
		Size:  size,
		Perms: perms,
		Desc:  desc,
	})
	sort.Slice(m.mappings, func(i, j int) bool {
		return m.mappings[i].Base < m.mappings[j].Base
	})
}

func (m *memory) mappingAt(addr uint32) *Mapping {
	for i := range m.mappings {
		p := &m.mappings[i]
		if addr >= p.Base && addr-p.Base < p.Size {
			return p
		}
	}
	return nil
}

func (m *memory) mapped(addr uint32) bool {
	return m.mappingAt(addr) != nil
}

// alloc creates a new page-aligned mapping in the first free space after all
// existing backed mappings, growing the backing array as required.
func (m *memory) alloc(size uint32, perms string, desc string) Mapping {
	var end uint32
	for _, p := range m.mappings {
		if p.Base >= shimBase {
			continue
		}
		if p.Base+p.Size > end {
			end = p.Base + p.Size
		}
	}
	base := (end + pageSize - 1) &^ (pageSize - 1)
	size = (size + pageSize - 1) &^ (pageSize - 1)

	m.grow(base + size)
	m.addMapping(base, size, perms, desc)
	return *m.mappingAt(base)
}

func (m *memory) read8(addr uint32) (uint8, error) {
	if !m.mapped(addr) {
		return 0, fmt.Errorf("%w: %08x", ErrUnmappedAddress, addr)
	}
	if addr >= uint32(len(m.data)) {
		return 0, nil
	}
	return m.data[addr], nil
}

func (m *memory) read16(addr uint32) (uint16, error) {
	var b [2]byte
	if err := m.readRange(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (m *memory) read32(addr uint32) (uint32, error) {
	var b [4]byte
	if err := m.readRange(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// readRange copies mapped memory into buf. the copy is deliberate: it means a
// caller can never hold a view of the backing array across a call that grows
// it.
func (m *memory) readRange(addr uint32, buf []byte) error {
	for i := range buf {
		v, err := m.read8(addr + uint32(i))
		if err != nil {
			return err
		}
		buf[i] = v
	}
	return nil
}

// readAvailable copies up to len(buf) bytes into buf, stopping at the first
// unmapped address. returns the number of bytes copied.
func (m *memory) readAvailable(addr uint32, buf []byte) int {
	for i := range buf {
		v, err := m.read8(addr + uint32(i))
		if err != nil {
			return i
		}
		buf[i] = v
	}
	return len(buf)
}

func (m *memory) write8(addr uint32, v uint8) error {
	if !m.mapped(addr) {
		return fmt.Errorf("%w: %08x", ErrUnmappedAddress, addr)
	}
	if addr >= uint32(len(m.data)) {
		return fmt.Errorf("%w: %08x", ErrUnbackedAddress, addr)
	}
	m.data[addr] = v
	return nil
}

func (m *memory) write16(addr uint32, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return m.writeRange(addr, b[:])
}

func (m *memory) write32(addr uint32, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.writeRange(addr, b[:])
}

func (m *memory) writeRange(addr uint32, buf []byte) error {
	for i := range buf {
		if err := m.write8(addr+uint32(i), buf[i]); err != nil {
			return err
		}
	}
	return nil
}

// readCString reads a NUL terminated string. used by the image loader when
// walking the import directory.
func (m *memory) readCString(addr uint32) (string, error) {
	var b []byte
	for {
		v, err := m.read8(addr + uint32(len(b)))
		if err != nil {
			return "", err
		}
		if v == 0 {
			return string(b), nil
		}
		b = append(b, v)
	}
}
