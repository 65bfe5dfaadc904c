package asmjit

// Serialize replays every node in list order onto dst, preserving options
// and inline comments exactly. The first non-nil error aborts the replay
// and is returned.
func (b *Builder) Serialize(dst Emitter) error {
	for node := b.firstNode; node != nil; node = node.next {
		dst.base().SetInlineComment(node.inlineComment)

		switch node.typ {
		case NodeAlign:
			if err := dst.Align(node.alignMode, node.alignment); err != nil {
				return err
			}

		case NodeData:
			if err := dst.Embed(node.data); err != nil {
				return err
			}

		case NodeLabel, NodeFunc:
			if err := dst.Bind(node.Label()); err != nil {
				return err
			}

		case NodeConstPool:
			if err := dst.EmbedConstPool(node.Label(), node.pool); err != nil {
				return err
			}

		case NodeInst, NodeJump, NodeCall:
			base := dst.base()

			var o [4]Operand
			ops := node.ops
			copy(o[:], ops)
			if len(ops) > 4 {
				base.SetOp4(ops[4])
			}
			if len(ops) > 5 {
				base.SetOp5(ops[5])
			}

			base.SetOptions(node.options | base.Options()&(OptionHasOp4|OptionHasOp5))
			if err := dst.EmitInst(node.instID, o[0], o[1], o[2], o[3]); err != nil {
				return err
			}

		case NodeComment:
			if err := dst.Comment(node.inlineComment); err != nil {
				return err
			}
		}
	}
	return nil
}
