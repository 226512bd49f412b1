package debugger

import (
	"github.com/derekparker/trie"
)

// Symbols maps addresses to the import labels produced by the loader, and
// back again. Names are unique in practice (one shim and one IAT slot per
// imported symbol); on a duplicate name the last loaded address wins.
type Symbols struct {
	byAddr map[uint32]string
	byName map[string]uint32
	names  *trie.Trie
}

func newSymbols() *Symbols {
	return &Symbols{
		byAddr: make(map[uint32]string),
		byName: make(map[string]uint32),
		names:  trie.New(),
	}
}

// BulkLoad merges a label table into the symbol table.
func (s *Symbols) BulkLoad(labels map[uint32]string) {
	for addr, name := range labels {
		s.byAddr[addr] = name
		s.byName[name] = addr
		s.names.Add(name, addr)
	}
}

// Lookup returns the label at addr.
func (s *Symbols) Lookup(addr uint32) (string, bool) {
	name, ok := s.byAddr[addr]
	return name, ok
}

// Resolve returns the address a label refers to.
func (s *Symbols) Resolve(name string) (uint32, bool) {
	addr, ok := s.byName[name]
	return addr, ok
}

// Complete returns every label beginning with prefix, sorted.
func (s *Symbols) Complete(prefix string) []string {
	return s.names.PrefixSearch(prefix)
}
