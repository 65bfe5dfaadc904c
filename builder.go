package asmjit

import "github.com/awakencoder/asmjit/zone"

// builderDataZoneSize sizes the arena owning data payloads and duplicated
// comment strings; nodes come from their own block arena.
const builderDataZoneSize = 8 * 1024

// Builder is an Emitter that does not encode anything. Every call is
// materialized as a Node spliced into a doubly linked list at the cursor,
// so the recorded program can be inspected, edited, and replayed onto a
// real encoder with Serialize.
type Builder struct {
	BaseEmitter

	nodeHeap nodeArena
	dataZone *zone.Zone

	// passZone backs transient allocations of passes run over the list
	// (the compiler layer resets it after every pass).
	passZone *zone.Zone

	firstNode *Node
	lastNode  *Node
	cursor    *Node

	// labelNodes maps dense label index to the unique label node of that
	// id, so every id resolves to one canonical node.
	labelNodes []*Node
}

var _ Emitter = (*Builder)(nil)

// NewBuilder creates a Builder and, when code is not nil, attaches it.
func NewBuilder(code *CodeHolder) (*Builder, error) {
	b := &Builder{
		dataZone: zone.New(builderDataZoneSize),
		passZone: zone.New(builderDataZoneSize),
	}
	b.InitEmitter(EmitterBuilder, b)
	if code != nil {
		if err := code.Attach(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// OnAttach implements Emitter.
func (b *Builder) OnAttach(code *CodeHolder) error { return nil }

// OnDetach implements Emitter. It drops the node list and reclaims both
// arenas; node pointers obtained from this Builder become invalid.
func (b *Builder) OnDetach(code *CodeHolder) error {
	b.nodeHeap.reset()
	b.dataZone.Reset(false)
	b.passZone.Reset(false)
	b.labelNodes = nil

	b.firstNode = nil
	b.lastNode = nil
	b.cursor = nil
	return nil
}

// FirstNode returns the first node of the list, or nil.
func (b *Builder) FirstNode() *Node { return b.firstNode }

// LastNode returns the last node of the list, or nil.
func (b *Builder) LastNode() *Node { return b.lastNode }

// Cursor returns the insertion point; nil means "before first".
func (b *Builder) Cursor() *Node { return b.cursor }

// SetCursor replaces the cursor and returns the previous value.
func (b *Builder) SetCursor(node *Node) *Node {
	old := b.cursor
	b.cursor = node
	return old
}

func (b *Builder) allocNode(typ NodeType) *Node {
	node := b.nodeHeap.alloc()
	if node == nil {
		return nil
	}
	node.typ = typ
	switch typ {
	case NodeInst, NodeJump, NodeFuncRet, NodeCall:
		node.flags = NodeFlagIsCode | NodeFlagIsRemovable
	case NodeData, NodeConstPool:
		node.flags = NodeFlagIsData | NodeFlagIsRemovable
	case NodeAlign:
		node.flags = NodeFlagIsCode | NodeFlagIsRemovable
	case NodeComment:
		node.flags = NodeFlagIsInformative | NodeFlagIsRemovable
	}
	return node
}

// registerLabelNode assigns a fresh label id to node and records it in the
// label-node array. It never routes failures through the error handler so
// it stays usable from other no-fail paths.
func (b *Builder) registerLabelNode(node *Node) error {
	if b.lastError != nil {
		return b.lastError
	}
	if b.code == nil {
		return ErrNotInitialized
	}

	id, err := b.code.NewLabelID()
	if err != nil {
		return err
	}
	index := int(unpackID(id))
	for len(b.labelNodes) <= index {
		b.labelNodes = append(b.labelNodes, nil)
	}
	b.labelNodes[index] = node
	node.labelID = id
	return nil
}

// NewLabelNode allocates and registers a label node without inserting it.
// It returns nil on failure without latching an error.
func (b *Builder) NewLabelNode() *Node {
	node := b.allocNode(NodeLabel)
	if node == nil {
		return nil
	}
	node.labelID = InvalidID
	if b.registerLabelNode(node) != nil {
		return nil
	}
	return node
}

// LabelNodeByID returns the canonical label node of id, creating it when
// the id is registered with the CodeHolder but has no node yet. There is
// at most one label node per id.
func (b *Builder) LabelNodeByID(id uint32) (*Node, error) {
	if b.lastError != nil {
		return nil, b.lastError
	}
	if b.code == nil {
		return nil, ErrNotInitialized
	}

	if !isPackedID(id) || int(unpackID(id)) >= b.code.LabelsCount() {
		return nil, ErrInvalidLabel
	}
	index := int(unpackID(id))
	for len(b.labelNodes) <= index {
		b.labelNodes = append(b.labelNodes, nil)
	}

	node := b.labelNodes[index]
	if node == nil {
		node = b.allocNode(NodeLabel)
		if node == nil {
			return nil, ErrNoHeapMemory
		}
		node.labelID = id
		b.labelNodes[index] = node
	}
	return node, nil
}

// NewAlignNode allocates an align node without inserting it.
func (b *Builder) NewAlignNode(mode AlignMode, alignment uint32) *Node {
	node := b.allocNode(NodeAlign)
	if node == nil {
		return nil
	}
	node.alignMode = mode
	node.alignment = alignment
	return node
}

// NewDataNode allocates a data node of size bytes without inserting it.
// Small payloads live inline in the node; larger ones are copied into the
// data arena. A nil data leaves an arena payload uninitialized.
func (b *Builder) NewDataNode(data []byte, size int) *Node {
	if size < 0 {
		return nil
	}
	var payload []byte
	if size > dataInlineSize {
		payload = b.dataZone.Alloc(size)
		if payload == nil {
			return nil
		}
		copy(payload, data)
	}

	node := b.allocNode(NodeData)
	if node == nil {
		return nil
	}
	if payload == nil {
		payload = node.inlineData[:size]
		copy(payload, data)
	}
	node.data = payload
	return node
}

// NewConstPoolNode allocates a label-registered const-pool node without
// inserting it. It returns nil on failure without latching an error.
func (b *Builder) NewConstPoolNode() *Node {
	node := b.allocNode(NodeConstPool)
	if node == nil {
		return nil
	}
	node.labelID = InvalidID
	node.pool = NewConstPool()
	if b.registerLabelNode(node) != nil {
		return nil
	}
	return node
}

// NewCommentNode allocates a comment node, duplicating s into the data
// arena.
func (b *Builder) NewCommentNode(s string) *Node {
	if s != "" {
		dup, ok := b.dataZone.DupString(s)
		if !ok {
			return nil
		}
		s = dup
	}
	node := b.allocNode(NodeComment)
	if node == nil {
		return nil
	}
	node.inlineComment = s
	return node
}

// NewInstNode allocates an instruction node without inserting it. Passes
// that rewrite the list (the register allocator) use it to synthesize
// spill and move instructions.
func (b *Builder) NewInstNode(id InstID, options Options, ops ...Operand) *Node {
	typ := NodeInst
	if id.IsJump() {
		typ = NodeJump
	}
	node := b.allocNode(typ)
	if node == nil {
		return nil
	}
	node.instID = id
	node.options = options
	node.ops = append([]Operand(nil), ops...)
	return node
}

// AddNode splices node into the list at the cursor: into the empty list it
// becomes the only node, with a nil cursor it is prepended, and otherwise
// it is inserted right after the cursor. The cursor moves to node.
func (b *Builder) AddNode(node *Node) *Node {
	if node == nil || node.prev != nil || node.next != nil || node == b.firstNode {
		return node
	}

	if b.cursor == nil {
		if b.firstNode == nil {
			b.firstNode = node
			b.lastNode = node
		} else {
			node.next = b.firstNode
			b.firstNode.prev = node
			b.firstNode = node
		}
	} else {
		prev := b.cursor
		next := b.cursor.next

		node.prev = prev
		node.next = next

		prev.next = node
		if next != nil {
			next.prev = node
		} else {
			b.lastNode = node
		}
	}

	b.cursor = node
	return node
}

// AddAfter splices node right after ref without touching the cursor.
func (b *Builder) AddAfter(node, ref *Node) *Node {
	prev := ref
	next := ref.next

	node.prev = prev
	node.next = next

	prev.next = node
	if next != nil {
		next.prev = node
	} else {
		b.lastNode = node
	}
	return node
}

// AddBefore splices node right before ref without touching the cursor.
func (b *Builder) AddBefore(node, ref *Node) *Node {
	prev := ref.prev
	next := ref

	node.prev = prev
	node.next = next

	next.prev = node
	if prev != nil {
		prev.next = node
	} else {
		b.firstNode = node
	}
	return node
}

// nodeRemoved maintains the jump cross-links after node left the list: a
// removed jump is unlinked from its target's incoming list.
func (b *Builder) nodeRemoved(node *Node) {
	if !node.IsJmpOrJcc() {
		return
	}
	label := node.target
	if label == nil {
		return
	}

	pPrev := &label.from
	for *pPrev != nil {
		current := *pPrev
		if current == node {
			*pPrev = node.jumpNext
			label.subNumRefs()
			return
		}
		pPrev = &current.jumpNext
	}
}

// RemoveNode unlinks node from the list. The cursor moves to the removed
// node's predecessor if it pointed at the node. The node's memory stays
// owned by the Builder's arena.
func (b *Builder) RemoveNode(node *Node) *Node {
	prev := node.prev
	next := node.next

	if b.firstNode == node {
		b.firstNode = next
	} else if prev != nil {
		prev.next = next
	}

	if b.lastNode == node {
		b.lastNode = prev
	} else if next != nil {
		next.prev = prev
	}

	node.prev = nil
	node.next = nil

	if b.cursor == node {
		b.cursor = prev
	}
	b.nodeRemoved(node)
	return node
}

// RemoveNodes unlinks the contiguous span [first, last] from the list.
func (b *Builder) RemoveNodes(first, last *Node) {
	if first == last {
		b.RemoveNode(first)
		return
	}

	prev := first.prev
	next := last.next

	if b.firstNode == first {
		b.firstNode = next
	} else {
		prev.next = next
	}

	if b.lastNode == last {
		b.lastNode = prev
	} else {
		next.prev = prev
	}

	node := first
	for {
		// Capture the successor before the links are cleared.
		following := node.next

		node.prev = nil
		node.next = nil

		if b.cursor == node {
			b.cursor = prev
		}
		b.nodeRemoved(node)

		if node == last {
			break
		}
		node = following
	}
}

// NewLabel implements Emitter. On failure it returns an invalid label and
// latches the error.
func (b *Builder) NewLabel() Label {
	id := InvalidID
	if b.lastError == nil {
		node := b.allocNode(NodeLabel)
		if node == nil {
			_ = b.SetLastError(ErrNoHeapMemory, "label node allocation failed")
		} else {
			node.labelID = InvalidID
			if err := b.registerLabelNode(node); err != nil {
				_ = b.SetLastError(err, "label registration failed")
			} else {
				id = node.labelID
			}
		}
	}
	return Label{id: id}
}

// Bind implements Emitter: the canonical label node of label is appended
// at the cursor.
func (b *Builder) Bind(label Label) error {
	if b.lastError != nil {
		return b.lastError
	}

	node, err := b.LabelNodeByID(label.ID())
	if err != nil {
		return b.SetLastError(err, "bind failed")
	}
	if node.prev != nil || node.next != nil || node == b.firstNode {
		return b.SetLastError(ErrLabelAlreadyBound, "label node already in the list")
	}

	b.AddNode(node)
	return nil
}

// Align implements Emitter.
func (b *Builder) Align(mode AlignMode, alignment uint32) error {
	if b.lastError != nil {
		return b.lastError
	}
	node := b.NewAlignNode(mode, alignment)
	if node == nil {
		return b.SetLastError(ErrNoHeapMemory, "align node allocation failed")
	}
	b.AddNode(node)
	return nil
}

// Embed implements Emitter.
func (b *Builder) Embed(data []byte) error {
	if b.lastError != nil {
		return b.lastError
	}
	node := b.NewDataNode(data, len(data))
	if node == nil {
		return b.SetLastError(ErrNoHeapMemory, "data node allocation failed")
	}
	b.AddNode(node)
	return nil
}

// EmbedConstPool implements Emitter: align to the pool's alignment, bind
// label there, and embed the pool image.
func (b *Builder) EmbedConstPool(label Label, pool *ConstPool) error {
	if b.lastError != nil {
		return b.lastError
	}
	if !b.IsLabelValid(label) {
		return b.SetLastError(ErrInvalidLabel, "unknown const pool label")
	}

	if err := b.Align(AlignData, pool.Alignment()); err != nil {
		return err
	}
	if err := b.Bind(label); err != nil {
		return err
	}

	node := b.NewDataNode(nil, int(pool.Size()))
	if node == nil {
		return b.SetLastError(ErrNoHeapMemory, "const pool data allocation failed")
	}
	pool.Fill(node.data)
	b.AddNode(node)
	return nil
}

// Comment implements Emitter.
func (b *Builder) Comment(s string) error {
	if b.lastError != nil {
		return b.lastError
	}
	node := b.NewCommentNode(s)
	if node == nil {
		return b.SetLastError(ErrNoHeapMemory, "comment node allocation failed")
	}
	b.AddNode(node)
	return nil
}

// EmitInst implements Emitter. Jump instruction ids produce jump nodes and
// maintain the target label's incoming-jump list; everything else becomes
// a plain instruction node.
func (b *Builder) EmitInst(id InstID, o0, o1, o2, o3 Operand) error {
	options := b.options | b.globalOptions
	comment := b.inlineComment

	opCount := 0
	for _, o := range [4]Operand{o0, o1, o2, o3} {
		if !o.IsNone() {
			opCount++
		}
	}

	if options&(OptionMaybeFailureCase|OptionStrictValidation|OptionHasOp4|OptionHasOp5) != 0 {
		if b.lastError != nil {
			return b.lastError
		}
		if options&OptionHasOp4 != 0 {
			opCount = 5
		}
		if options&OptionHasOp5 != 0 {
			opCount = 6
		}
		// Validation belongs to the encoding layer; the Builder records
		// the instruction as-is and strips the request.
	}

	op4, op5 := b.op4, b.op5
	b.ResetOneShotState()

	typ := NodeInst
	if id.IsJump() {
		typ = NodeJump
	}
	node := b.allocNode(typ)
	if node == nil {
		return b.SetLastError(ErrNoHeapMemory, "instruction node allocation failed")
	}

	ops := make([]Operand, opCount)
	switch {
	case opCount > 5:
		ops[5] = op5
		fallthrough
	case opCount > 4:
		ops[4] = op4
		fallthrough
	case opCount > 3:
		ops[3] = o3
		fallthrough
	case opCount > 2:
		ops[2] = o2
		fallthrough
	case opCount > 1:
		ops[1] = o1
		fallthrough
	case opCount > 0:
		ops[0] = o0
	}

	node.instID = id
	node.ops = ops

	if typ == NodeJump {
		var jumpTarget *Node
		if options&OptionUnfollow == 0 {
			if opCount > 0 && ops[0].IsLabel() {
				target, err := b.LabelNodeByID(ops[0].LabelID)
				if err != nil {
					return b.SetLastError(err, "jump target resolution failed")
				}
				jumpTarget = target
			} else {
				options |= OptionUnfollow
			}
		}

		if id == InstJmp {
			node.flags |= NodeFlagIsJmp | NodeFlagIsTaken
		} else {
			node.flags |= NodeFlagIsJcc
			if options&OptionTaken != 0 {
				node.flags |= NodeFlagIsTaken
			}
		}

		node.target = jumpTarget
		node.jumpNext = nil
		if jumpTarget != nil {
			node.jumpNext = jumpTarget.from
			jumpTarget.from = node
			jumpTarget.addNumRefs()
		}
	}

	node.options = options &^ optionReservedMask

	if comment != "" {
		if dup, ok := b.dataZone.DupString(comment); ok {
			node.inlineComment = dup
		}
	}

	b.AddNode(node)
	return nil
}

// Finalize implements Emitter: the recorded list is serialized onto the
// CodeHolder's primary assembler.
func (b *Builder) Finalize() error {
	if b.lastError != nil {
		return b.lastError
	}
	if b.code == nil {
		return ErrNotInitialized
	}
	dst := b.code.PrimaryAssembler()
	if dst == nil {
		return ErrInvalidState
	}
	b.finalized = true
	return b.Serialize(dst)
}
