package asmjit

// OpKind tags the variant stored in an Operand.
type OpKind uint8

const (
	OpNone OpKind = iota
	OpReg
	OpMem
	OpImm
	OpLabelRef
)

// RegType classifies a physical or virtual register.
type RegType uint8

const (
	RegNone RegType = iota
	RegGp
	RegVec
	RegMask
	RegVirt
)

// Reg identifies a register by type, id, and operation size in bytes.
// Physical register ids are small; virtual registers allocated by the
// compiler layer use the full id space.
type Reg struct {
	Type RegType
	ID   uint32
	Size uint8
}

// IsValid returns true when the register names a concrete register.
func (r Reg) IsValid() bool { return r.Type != RegNone }

// Mem is a memory operand: [base + index*scale + disp].
type Mem struct {
	Base  Reg
	Index Reg
	Scale uint8 // 1, 2, 4 or 8; 0 when Index is not used
	Disp  int64
}

// InvalidID is an id value that never names a label or virtual register.
const InvalidID = ^uint32(0)

// Label ids pack a dense index with a bias so that the zero value of Label is
// visibly invalid.
const packedIDMin = 0x100

func packID(index uint32) uint32 { return index + packedIDMin }
func unpackID(id uint32) uint32  { return id - packedIDMin }
func isPackedID(id uint32) bool  { return id >= packedIDMin && id != InvalidID }

// Label is an opaque handle naming a position in emitted code. The zero
// value is invalid; obtain labels from an emitter's NewLabel.
type Label struct {
	id uint32
}

// NewLabelFromID wraps a raw label id, typically one produced by
// CodeHolder.NewLabelID.
func NewLabelFromID(id uint32) Label { return Label{id: id} }

// ID returns the raw packed id.
func (l Label) ID() uint32 { return l.id }

// IsValid returns true when the label was produced by a label allocator.
func (l Label) IsValid() bool { return isPackedID(l.id) }

// Operand is the tagged operand variant passed to emitters. The zero value
// is the "none" operand used to pad missing positions.
type Operand struct {
	Kind    OpKind
	Reg     Reg
	Mem     Mem
	Imm     int64
	LabelID uint32
}

// IsNone returns true for the padding operand.
func (o Operand) IsNone() bool { return o.Kind == OpNone }

// IsLabel returns true when the operand references a label.
func (o Operand) IsLabel() bool { return o.Kind == OpLabelRef }

// Label returns the label referenced by the operand; only meaningful when
// IsLabel reports true.
func (o Operand) Label() Label { return Label{id: o.LabelID} }

// RegOp returns a register operand.
func RegOp(r Reg) Operand { return Operand{Kind: OpReg, Reg: r} }

// GpOp returns a general-purpose register operand of the given id and size.
func GpOp(id uint32, size uint8) Operand {
	return Operand{Kind: OpReg, Reg: Reg{Type: RegGp, ID: id, Size: size}}
}

// MemOp returns a memory operand.
func MemOp(m Mem) Operand { return Operand{Kind: OpMem, Mem: m} }

// ImmOp returns an immediate operand.
func ImmOp(v int64) Operand { return Operand{Kind: OpImm, Imm: v} }

// LabelOp returns an operand referencing the given label.
func LabelOp(l Label) Operand { return Operand{Kind: OpLabelRef, LabelID: l.id} }
