package exlpatch

import "encoding/binary"

// ModuleName is the fixed-layout record the loader reads from the module's
// name section: a reserved word, the name length (excluding the
// terminator), and the NUL-terminated name.
type ModuleName struct {
	Reserved uint32
	Name     string
}

// Encode renders the record in section layout, exactly
// 8 + len(Name) + 1 bytes.
func (m ModuleName) Encode() []byte {
	buf := make([]byte, 8+len(m.Name)+1)
	binary.LittleEndian.PutUint32(buf[0:], m.Reserved)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(m.Name)))
	copy(buf[8:], m.Name)
	return buf
}
