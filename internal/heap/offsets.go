package heap

// Offset is a byte offset into an instance context.
type Offset uint32

// offsetSlotSize is the size of each base/length pair in the instance context.
const offsetSlotSize = 16

// OffsetData describes the instance context: for each memory, then each table, a pointer-sized base
// followed by a pointer-sized current length. Compiled code reads both through HeapLayout.Base and
// Style.BoundOffset.
type OffsetData struct {
	Memories, Tables int
}

// MemoryBase returns the offset of the base address of memory i.
func (o OffsetData) MemoryBase(i int) Offset {
	return Offset(i * offsetSlotSize)
}

// MemoryLength returns the offset of the current byte length of memory i.
func (o OffsetData) MemoryLength(i int) Offset {
	return o.MemoryBase(i) + 8
}

// TableBase returns the offset of the base address of table i.
func (o OffsetData) TableBase(i int) Offset {
	return Offset((o.Memories + i) * offsetSlotSize)
}

// TableLength returns the offset of the current element count of table i.
func (o OffsetData) TableLength(i int) Offset {
	return o.TableBase(i) + 8
}

// Size is the number of bytes of the instance context.
func (o OffsetData) Size() uint64 {
	return uint64((o.Memories + o.Tables) * offsetSlotSize)
}
