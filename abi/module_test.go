package abi

import (
	"context"
	"fmt"
	"sort"

	wabtgo "github.com/wippyai/wabt-go"
	"github.com/wippyai/wabt-go/memory"
	"github.com/wippyai/wabt-go/table"
)

// testModule is a minimal module instance: a bump allocator with free
// tracking, a call table and ad hoc exports.
type testModule struct {
	mem     *memory.Linear
	tbl     *table.CallTable
	exports map[string]func(args []uint64) []uint64
	blocks  map[uint32]uint32
	frees   []uint32
	next    uint32
	failOOM bool
}

func newTestModule() *testModule {
	m := &testModule{
		mem:     memory.NewLinear(1, 16),
		tbl:     table.New(0),
		exports: make(map[string]func([]uint64) []uint64),
		blocks:  make(map[uint32]uint32),
		next:    16,
	}
	m.exports["malloc"] = func(args []uint64) []uint64 {
		if m.failOOM {
			return []uint64{0}
		}
		size := (uint32(args[0]) + 7) &^ 7
		addr := m.next
		m.next += size
		m.blocks[addr] = size
		return []uint64{uint64(addr)}
	}
	m.exports["free"] = func(args []uint64) []uint64 {
		addr := uint32(args[0])
		delete(m.blocks, addr)
		m.frees = append(m.frees, addr)
		return nil
	}
	return m
}

func (m *testModule) Memory() wabtgo.Memory   { return m.mem }
func (m *testModule) Table() wabtgo.CallTable { return m.tbl }

func (m *testModule) Call(_ context.Context, name string, args ...uint64) ([]uint64, error) {
	fn, ok := m.exports[name]
	if !ok {
		return nil, fmt.Errorf("export %q not found", name)
	}
	return fn(args), nil
}

func (m *testModule) IsLive(addr uint32) bool {
	for a, sz := range m.blocks {
		if addr >= a && addr < a+sz {
			return true
		}
	}
	return false
}

func (m *testModule) liveBlocks() []uint32 {
	out := make([]uint32, 0, len(m.blocks))
	for a := range m.blocks {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// countingLayout records how often each query is made.
type countingLayout struct {
	StaticLayout
	queries map[string]int
}

func newCountingLayout(l StaticLayout) *countingLayout {
	return &countingLayout{StaticLayout: l, queries: make(map[string]int)}
}

func (l *countingLayout) SizeOf(ctx context.Context, name string) (uint32, error) {
	l.queries["sizeof_"+name]++
	return l.StaticLayout.SizeOf(ctx, name)
}

func (l *countingLayout) OffsetOf(ctx context.Context, name, field string) (uint32, error) {
	l.queries["offsetof_"+name+"_"+field]++
	return l.StaticLayout.OffsetOf(ctx, name, field)
}

var testLayout = StaticLayout{
	"location": {Size: 16, Offsets: map[string]uint32{"filename": 0, "line": 4, "first_column": 8, "last_column": 12}},
	"errors":   {Size: 8, Offsets: map[string]uint32{"count": 0, "first": 4}},
	"lexer":    {Size: 12, Offsets: map[string]uint32{"filename": 0, "errors": 4, "flags": 8}},
	"handler":  {Size: 8, Offsets: map[string]uint32{"on_error": 0, "max_length": 4}},
	"span":     {Size: 20, Offsets: map[string]uint32{"start": 0, "tag": 16}},
}
