package asmjit

// TypeID classifies function argument and return values.
type TypeID uint8

const (
	TypeVoid TypeID = iota
	TypeI32
	TypeI64
	TypeF32
	TypeF64
	TypePtr
)

// Size returns the byte size of the type.
func (t TypeID) Size() uint8 {
	switch t {
	case TypeI32, TypeF32:
		return 4
	case TypeI64, TypeF64, TypePtr:
		return 8
	default:
		return 0
	}
}

// IsFloat returns true for floating point types.
func (t TypeID) IsFloat() bool { return t == TypeF32 || t == TypeF64 }

// FuncSignature describes a function: its calling convention, return type,
// and argument types.
type FuncSignature struct {
	CallConv CallConvID
	Ret      TypeID
	Args     []TypeID
}

// ArgCount returns the number of declared arguments.
func (s FuncSignature) ArgCount() int { return len(s.Args) }

// CallConv holds the resolved properties of a calling convention.
type CallConv struct {
	ID                    CallConvID
	NaturalStackAlignment uint8

	// passedGpRegs lists GP register ids used for integer arguments, in
	// order; an empty list means everything is passed on the stack.
	passedGpRegs []uint8
	// passedVecRegs lists vector register ids used for float arguments.
	passedVecRegs []uint8
}

var (
	sysvGpRegs  = []uint8{7, 6, 2, 1, 8, 9} // rdi, rsi, rdx, rcx, r8, r9
	sysvVecRegs = []uint8{0, 1, 2, 3, 4, 5, 6, 7}
	winGpRegs   = []uint8{1, 2, 8, 9} // rcx, rdx, r8, r9
	winVecRegs  = []uint8{0, 1, 2, 3}
)

func newCallConv(id CallConvID) (CallConv, error) {
	switch id {
	case CallConvCDecl, CallConvStdCall, CallConvFastCall:
		return CallConv{ID: id, NaturalStackAlignment: 4}, nil
	case CallConvX64SystemV:
		return CallConv{
			ID:                    id,
			NaturalStackAlignment: 16,
			passedGpRegs:          sysvGpRegs,
			passedVecRegs:         sysvVecRegs,
		}, nil
	case CallConvX64Win:
		return CallConv{
			ID:                    id,
			NaturalStackAlignment: 16,
			passedGpRegs:          winGpRegs,
			passedVecRegs:         winVecRegs,
		}, nil
	default:
		return CallConv{}, ErrInvalidArgument
	}
}

// SetNaturalStackAlignment overrides the convention's stack alignment; the
// compiler layer applies the CodeHolder's CodeInfo alignment here.
func (cc *CallConv) SetNaturalStackAlignment(alignment uint8) {
	cc.NaturalStackAlignment = alignment
}

// FuncValue describes where one argument or the return value lives.
type FuncValue struct {
	Type        TypeID
	RegID       uint8
	StackOffset int32
	InReg       bool
}

// FuncDetail is a FuncSignature resolved against its calling convention:
// which register or stack slot each argument occupies.
type FuncDetail struct {
	signature    FuncSignature
	callConv     CallConv
	ret          FuncValue
	args         []FuncValue
	argStackSize uint32
}

// Init resolves sign into the detail. It may be called once per detail.
func (d *FuncDetail) Init(sign FuncSignature) error {
	cc, err := newCallConv(sign.CallConv)
	if err != nil {
		return err
	}

	d.signature = sign
	d.callConv = cc
	d.ret = FuncValue{Type: sign.Ret}
	if sign.Ret != TypeVoid {
		// Integer returns use GP 0 (rax family), float returns vector 0.
		d.ret.InReg = true
		d.ret.RegID = 0
	}

	d.args = make([]FuncValue, len(sign.Args))
	gpUsed, vecUsed := 0, 0
	stackOffset := int32(0)
	for i, t := range sign.Args {
		v := FuncValue{Type: t}
		if t.IsFloat() && vecUsed < len(cc.passedVecRegs) {
			v.InReg = true
			v.RegID = cc.passedVecRegs[vecUsed]
			vecUsed++
		} else if !t.IsFloat() && gpUsed < len(cc.passedGpRegs) {
			v.InReg = true
			v.RegID = cc.passedGpRegs[gpUsed]
			gpUsed++
		} else {
			v.StackOffset = stackOffset
			slot := int32(t.Size())
			if slot < 8 {
				slot = 8
			}
			stackOffset += slot
		}
		d.args[i] = v
	}
	d.argStackSize = uint32(stackOffset)
	return nil
}

// Signature returns the signature the detail was initialized from.
func (d *FuncDetail) Signature() FuncSignature { return d.signature }

// CallConv returns the resolved calling convention.
func (d *FuncDetail) CallConv() *CallConv { return &d.callConv }

// ArgCount returns the number of arguments.
func (d *FuncDetail) ArgCount() int { return len(d.args) }

// Arg returns the location of the i-th argument.
func (d *FuncDetail) Arg(i int) FuncValue { return d.args[i] }

// Ret returns the location of the return value.
func (d *FuncDetail) Ret() FuncValue { return d.ret }

// ArgStackSize returns the stack bytes consumed by stack-passed arguments.
func (d *FuncDetail) ArgStackSize() uint32 { return d.argStackSize }

// VirtReg is a virtual register handed out by the compiler layer; the
// register allocator later rewrites operands that reference it.
type VirtReg struct {
	id     uint32
	name   string
	typeID TypeID
	size   uint8
}

// ID returns the virtual register id.
func (v *VirtReg) ID() uint32 { return v.id }

// Name returns the debug name, or "".
func (v *VirtReg) Name() string { return v.name }

// TypeID returns the value type held by the register.
func (v *VirtReg) TypeID() TypeID { return v.typeID }

// Size returns the register's byte size.
func (v *VirtReg) Size() uint8 { return v.size }

// AsOperand returns an operand referencing the virtual register.
func (v *VirtReg) AsOperand() Operand {
	return Operand{Kind: OpReg, Reg: Reg{Type: RegVirt, ID: v.id, Size: v.size}}
}
