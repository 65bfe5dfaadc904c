package asmjit

import "github.com/awakencoder/asmjit/zone"

// Compiler extends Builder with function-level IR: function nodes that own
// an exit label and an end sentinel, return nodes, call nodes with typed
// argument slots, and virtual registers. Register allocation itself is a
// separate pass run over the node list; the Compiler only records.
type Compiler struct {
	Builder

	fn *Node

	localConstPool  *Node
	globalConstPool *Node

	virtRegs []*VirtReg
}

var _ Emitter = (*Compiler)(nil)

// NewCompiler creates a Compiler and, when code is not nil, attaches it.
func NewCompiler(code *CodeHolder) (*Compiler, error) {
	c := &Compiler{}
	c.dataZone = zone.New(builderDataZoneSize)
	c.passZone = zone.New(builderDataZoneSize)
	c.InitEmitter(EmitterCompiler, c)
	if code != nil {
		if err := code.Attach(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// OnAttach implements Emitter.
func (c *Compiler) OnAttach(code *CodeHolder) error {
	if code.ArchType() == ArchNone {
		return ErrInvalidArch
	}
	return nil
}

// OnDetach implements Emitter.
func (c *Compiler) OnDetach(code *CodeHolder) error {
	c.fn = nil
	c.localConstPool = nil
	c.globalConstPool = nil
	c.virtRegs = nil
	return c.Builder.OnDetach(code)
}

// Func returns the currently open function node, or nil.
func (c *Compiler) Func() *Node { return c.fn }

// NewVirtReg allocates a virtual register of the given type.
func (c *Compiler) NewVirtReg(typeID TypeID, name string) *VirtReg {
	v := &VirtReg{
		id:     uint32(len(c.virtRegs)),
		name:   name,
		typeID: typeID,
		size:   typeID.Size(),
	}
	c.virtRegs = append(c.virtRegs, v)
	return v
}

// VirtRegByID returns the virtual register with the given id, or nil.
func (c *Compiler) VirtRegByID(id uint32) *VirtReg {
	if int(id) >= len(c.virtRegs) {
		return nil
	}
	return c.virtRegs[id]
}

func (c *Compiler) isVirtRegValid(r Reg) bool {
	return r.Type == RegVirt && int(r.ID) < len(c.virtRegs)
}

// NewFunc allocates a function node for sign without inserting it. The
// node owns its exit label, its end sentinel, and one argument slot per
// declared argument. The calling convention's natural stack alignment is
// overridden by the CodeHolder's CodeInfo alignment.
func (c *Compiler) NewFunc(sign FuncSignature) (*Node, error) {
	fn := c.allocNode(NodeFunc)
	if fn == nil {
		return nil, c.SetLastError(ErrNoHeapMemory, "function node allocation failed")
	}
	fn.labelID = InvalidID
	if err := c.registerLabelNode(fn); err != nil {
		return nil, c.SetLastError(err, "function label registration failed")
	}

	fn.end = c.allocNode(NodeSentinel)
	fn.exitNode = c.NewLabelNode()
	if fn.end == nil || fn.exitNode == nil {
		return nil, c.SetLastError(ErrNoHeapMemory, "function helper node allocation failed")
	}

	if err := fn.funcDetail.Init(sign); err != nil {
		return nil, c.SetLastError(err, "function signature resolution failed")
	}
	fn.funcDetail.callConv.SetNaturalStackAlignment(c.codeInfo.StackAlignment)

	if n := fn.funcDetail.ArgCount(); n != 0 {
		fn.args = make([]*VirtReg, n)
	}
	return fn, nil
}

// AddFunc opens a function: the function node, its exit label, and its end
// sentinel are appended, and the cursor is left after the function node so
// the body is recorded between entry and exit.
func (c *Compiler) AddFunc(sign FuncSignature) (*Node, error) {
	if c.fn != nil {
		return nil, c.SetLastError(ErrInvalidState, "function already open")
	}
	fn, err := c.NewFunc(sign)
	if err != nil {
		return nil, err
	}

	c.fn = fn
	c.AddNode(fn)
	cursor := c.Cursor()
	c.AddNode(fn.exitNode)
	c.AddNode(fn.end)
	c.SetCursor(cursor)
	return fn, nil
}

// EndFunc closes the open function: the local const pool (if any) is
// emitted at the exit label, the function is marked finished, and the
// cursor moves past the end sentinel.
func (c *Compiler) EndFunc() (*Node, error) {
	fn := c.fn
	if fn == nil {
		return nil, c.SetLastError(ErrInvalidState, "no open function")
	}

	c.SetCursor(fn.exitNode)
	if c.localConstPool != nil {
		c.AddNode(c.localConstPool)
		c.localConstPool = nil
	}

	fn.isFinished = true
	c.fn = nil

	c.SetCursor(fn.end)
	return fn.end, nil
}

// SetArg binds the virtual register r to the open function's argIndex-th
// argument.
func (c *Compiler) SetArg(argIndex int, r Reg) error {
	fn := c.fn
	if fn == nil {
		return c.SetLastError(ErrInvalidState, "no open function")
	}
	if !c.isVirtRegValid(r) {
		return c.SetLastError(ErrInvalidVirtID, "unknown virtual register")
	}
	if argIndex < 0 || argIndex >= len(fn.args) {
		return c.SetLastError(ErrInvalidArgument, "argument index out of range")
	}
	fn.args[argIndex] = c.virtRegs[r.ID]
	return nil
}

// NewRet allocates a return node carrying up to two return operands
// without inserting it.
func (c *Compiler) NewRet(o0, o1 Operand) (*Node, error) {
	node := c.allocNode(NodeFuncRet)
	if node == nil {
		return nil, c.SetLastError(ErrNoHeapMemory, "return node allocation failed")
	}
	ops := make([]Operand, 0, 2)
	if !o0.IsNone() {
		ops = append(ops, o0)
	}
	if !o1.IsNone() {
		ops = append(ops, o1)
	}
	node.ops = ops
	return node, nil
}

// AddRet appends a return node at the cursor.
func (c *Compiler) AddRet(o0, o1 Operand) (*Node, error) {
	node, err := c.NewRet(o0, o1)
	if err != nil {
		return nil, err
	}
	c.AddNode(node)
	return node, nil
}

// NewCall allocates a call node targeting o0 with the given signature
// without inserting it. Argument operands are assigned afterwards via
// Node.SetCallArg.
func (c *Compiler) NewCall(o0 Operand, sign FuncSignature) (*Node, error) {
	node := c.allocNode(NodeCall)
	if node == nil {
		return nil, c.SetLastError(ErrNoHeapMemory, "call node allocation failed")
	}
	node.instID = InstCall
	node.ops = []Operand{o0}

	if err := node.callDetail.Init(sign); err != nil {
		return nil, c.SetLastError(err, "call signature resolution failed")
	}
	if n := sign.ArgCount(); n != 0 {
		node.callArgs = make([]Operand, n)
	}
	return node, nil
}

// AddCall appends a call node at the cursor.
func (c *Compiler) AddCall(o0 Operand, sign FuncSignature) (*Node, error) {
	node, err := c.NewCall(o0, sign)
	if err != nil {
		return nil, err
	}
	c.AddNode(node)
	return node, nil
}

// LocalConstPool returns the const pool flushed at the end of the open
// function, creating it on first use.
func (c *Compiler) LocalConstPool() (*Node, error) {
	if c.fn == nil {
		return nil, c.SetLastError(ErrInvalidState, "no open function")
	}
	if c.localConstPool == nil {
		node := c.NewConstPoolNode()
		if node == nil {
			return nil, c.SetLastError(ErrNoHeapMemory, "const pool allocation failed")
		}
		c.localConstPool = node
	}
	return c.localConstPool, nil
}

// GlobalConstPool returns the const pool flushed by Finalize, creating it
// on first use.
func (c *Compiler) GlobalConstPool() (*Node, error) {
	if c.globalConstPool == nil {
		node := c.NewConstPoolNode()
		if node == nil {
			return nil, c.SetLastError(ErrNoHeapMemory, "const pool allocation failed")
		}
		c.globalConstPool = node
	}
	return c.globalConstPool, nil
}

// Finalize implements Emitter: the global const pool is flushed, the pass
// arena is reset, and the list is serialized onto the CodeHolder's primary
// assembler. No passes are run over the list.
func (c *Compiler) Finalize() error {
	if c.lastError != nil {
		return c.lastError
	}
	if c.code == nil {
		return ErrNotInitialized
	}

	if c.globalConstPool != nil {
		c.SetCursor(c.LastNode())
		c.AddNode(c.globalConstPool)
		c.globalConstPool = nil
	}

	c.passZone.Reset(false)

	dst := c.code.PrimaryAssembler()
	if dst == nil {
		return ErrInvalidState
	}
	c.finalized = true
	return c.Serialize(dst)
}
