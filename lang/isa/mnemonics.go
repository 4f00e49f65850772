package isa

import "sort"

// mnemonicEntry pairs a mnemonic with its opcode, sorted lexicographically
// by mnemonic so the assembler can resolve opcodes by binary search, per
// spec.md §4.4 ("a static lexicographically sorted table; binary search by
// name").
type mnemonicEntry struct {
	name string
	op   Opcode
}

var sortedMnemonics = func() []mnemonicEntry {
	entries := make([]mnemonicEntry, 0, opcodeCount)
	for op := Opcode(0); op < opcodeCount; op++ {
		if table[op].name == "" {
			continue
		}
		entries = append(entries, mnemonicEntry{name: table[op].name, op: op})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries
}()

// Lookup resolves a mnemonic to its Opcode via binary search over the
// sorted mnemonic table. The bool result is false if name is not a known
// mnemonic.
func Lookup(name string) (Opcode, bool) {
	i := sort.Search(len(sortedMnemonics), func(i int) bool {
		return sortedMnemonics[i].name >= name
	})
	if i < len(sortedMnemonics) && sortedMnemonics[i].name == name {
		return sortedMnemonics[i].op, true
	}
	return 0, false
}
