package text

import "github.com/wippyai/wabt-go/native/internal/binary"

// node is one folded expression. args are operands folded into it; body
// and els hold the contents of structured instructions.
type node struct {
	in      *binary.Instr
	args    []*node
	body    []*node
	els     []*node
	hasElse bool
	// results is the number of values the node leaves on the stack, -1 when
	// unknown.
	results int
}

type folder struct {
	w *writer
	ft binary.FuncType
	// arities of the enclosing labels, innermost last
	labels []int
}

func (f *folder) label(depth uint32) (int, bool) {
	if int(depth) >= len(f.labels) {
		return 0, false
	}
	return f.labels[len(f.labels)-1-int(depth)], true
}

func (f *folder) blockArity(bt binary.BlockType) (params, results int) {
	switch bt.Kind {
	case binary.BlockValue:
		return 0, 1
	case binary.BlockIndex:
		if bt.Index < uint32(len(f.w.m.Types)) {
			ft := f.w.m.Types[bt.Index]
			return len(ft.Params), len(ft.Results)
		}
		return 0, -1
	}
	return 0, 0
}

// arity returns the operand and result counts of a non-structured
// instruction.
func (f *folder) arity(in *binary.Instr) (int, int) {
	m := f.w.m
	switch in.Op {
	case binary.OpUnreachable:
		return 0, 0
	case binary.OpBr:
		n, ok := f.label(in.Index)
		if !ok {
			return 0, -1
		}
		return n, 0
	case binary.OpBrIf:
		n, ok := f.label(in.Index)
		if !ok {
			return 0, -1
		}
		return n + 1, n
	case binary.OpBrTable:
		n, ok := f.label(in.Index)
		if !ok {
			return 0, -1
		}
		return n + 1, 0
	case binary.OpReturn:
		return len(f.ft.Results), 0
	case binary.OpCall:
		ft, ok := m.FuncType(in.Index)
		if !ok {
			return 0, -1
		}
		return len(ft.Params), len(ft.Results)
	case binary.OpCallIndirect:
		if in.Index >= uint32(len(m.Types)) {
			return 0, -1
		}
		ft := m.Types[in.Index]
		return len(ft.Params) + 1, len(ft.Results)
	case binary.OpDrop:
		return 1, 0
	case binary.OpSelect:
		return 3, 1
	case binary.OpLocalGet, binary.OpGlobalGet, binary.OpRefNull:
		return 0, 1
	case binary.OpLocalSet, binary.OpGlobalSet:
		return 1, 0
	case binary.OpLocalTee, binary.OpRefIsNull:
		return 1, 1
	}
	info, ok := binary.Lookup(in.Op)
	if !ok || info.Special {
		return 0, -1
	}
	return len(info.Params), len(info.Results)
}

// take moves the last n single-valued nodes into args, or leaves the stack
// untouched when they cannot be folded.
func take(stack *[]*node, n int) []*node {
	s := *stack
	if n <= 0 || len(s) < n {
		return nil
	}
	for _, nd := range s[len(s)-n:] {
		if nd.results != 1 {
			return nil
		}
	}
	args := append([]*node(nil), s[len(s)-n:]...)
	*stack = s[:len(s)-n]
	return args
}

// sequence folds instructions from body[*pos] up to the end or else that
// closes the current block, which is consumed by the caller.
func (f *folder) sequence(body []binary.Instr, pos *int) []*node {
	var stack []*node
	for *pos < len(body) {
		in := &body[*pos]
		switch in.Op {
		case binary.OpEnd, binary.OpElse:
			return stack
		}
		*pos++

		switch in.Op {
		case binary.OpBlock, binary.OpLoop, binary.OpIf:
			params, results := f.blockArity(in.Block)
			nd := &node{in: in, results: results}
			if in.Op == binary.OpIf && params == 0 {
				nd.args = take(&stack, 1)
			}
			label := results
			if in.Op == binary.OpLoop {
				label = params
			}
			f.labels = append(f.labels, label)
			nd.body = f.sequence(body, pos)
			if *pos < len(body) && body[*pos].Op == binary.OpElse {
				*pos++
				nd.hasElse = true
				nd.els = f.sequence(body, pos)
			}
			f.labels = f.labels[:len(f.labels)-1]
			*pos++ // end
			if params > 0 {
				nd.results = -1
			}
			stack = append(stack, nd)
		default:
			params, results := f.arity(in)
			nd := &node{in: in, results: results}
			nd.args = take(&stack, params)
			stack = append(stack, nd)
		}
	}
	return stack
}

func (w *writer) printNodes(nodes []*node) {
	for _, nd := range nodes {
		w.printNode(nd)
	}
}

func (w *writer) printNode(nd *node) {
	switch nd.in.Op {
	case binary.OpBlock, binary.OpLoop:
		w.depth++
		w.open("(%s%s", w.blockHead(nd.in), w.labelComment())
		w.printNodes(nd.body)
		w.close()
		w.depth--
	case binary.OpIf:
		w.depth++
		w.open("(%s%s", w.blockHead(nd.in), w.labelComment())
		// the condition is evaluated outside the if's label
		w.depth--
		w.printNodes(nd.args)
		w.depth++
		w.branch("then", nd.body)
		if nd.hasElse {
			w.branch("else", nd.els)
		}
		w.close()
		w.depth--
	default:
		text := w.instrText(nd.in)
		if len(nd.args) == 0 {
			w.line("(%s)", text)
			return
		}
		w.open("(%s", text)
		w.printNodes(nd.args)
		w.close()
	}
}

func (w *writer) branch(keyword string, body []*node) {
	if len(body) == 0 {
		w.line("(%s)", keyword)
		return
	}
	w.open("(%s", keyword)
	w.printNodes(body)
	w.close()
}
