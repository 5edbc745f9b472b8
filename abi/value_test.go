package abi

import (
	"context"
	"errors"
	"strings"
	"testing"

	werrors "github.com/wippyai/wabt-go/errors"
)

type fixture struct {
	mod      *testModule
	heap     *Heap
	reg      *Registry
	location *Struct
	errs     *Struct
	lexer    *Struct
}

func newFixture(t *testing.T, debug bool) *fixture {
	t.Helper()
	ctx := context.Background()
	mod := newTestModule()
	reg := NewRegistry()

	errs := reg.Declare("errors")
	location, err := reg.DefineStruct(ctx, testLayout, StructSpec{
		Name: "location",
		Fields: []FieldSpec{
			{Name: "filename", Type: reg.PointerTo(U8)},
			{Name: "line", Type: U32},
			{Name: "first_column", Type: I32},
			{Name: "last_column", Type: F32},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	lexer, err := reg.DefineStruct(ctx, testLayout, StructSpec{
		Name: "lexer",
		Fields: []FieldSpec{
			{Name: "filename", Type: reg.PointerTo(U8)},
			{Name: "errors", Type: reg.PointerTo(errs)},
			{Name: "flags", Type: U16},
		},
		Destructor: "destroy_lexer",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.DefineStruct(ctx, testLayout, StructSpec{
		Name:   "errors",
		Fields: []FieldSpec{{Name: "count", Type: U32}, {Name: "first", Type: reg.ArrayOf(location)}},
	}); err != nil {
		t.Fatal(err)
	}

	return &fixture{
		mod:      mod,
		heap:     NewHeap(mod, &HeapConfig{Debug: debug}),
		reg:      reg,
		location: location,
		errs:     errs,
		lexer:    lexer,
	}
}

func expectFatal(t *testing.T, kind werrors.Kind, fn func()) {
	t.Helper()
	defer func() {
		fe, ok := werrors.AsFatal(recover())
		if !ok {
			t.Fatalf("expected fatal %s", kind)
		}
		if fe.Kind != kind {
			t.Fatalf("fatal kind = %s, want %s", fe.Kind, kind)
		}
	}()
	fn()
}

func TestValue_StructFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	loc := f.heap.Allocate(ctx, f.location)
	defer loc.Release(ctx)

	if got, _ := loc.Load("line"); got != uint32(0) {
		t.Fatalf("allocation not zeroed: line = %v", got)
	}

	name := f.heap.AllocateCString(ctx, "test.wast")
	defer name.Release(ctx)

	if err := loc.Store("filename", name.Index(0)); err != nil {
		t.Fatal(err)
	}
	if err := loc.Store("line", 3); err != nil {
		t.Fatal(err)
	}
	if err := loc.Field("first_column").Set(-7); err != nil {
		t.Fatal(err)
	}
	if err := loc.Store("last_column", 2.5); err != nil {
		t.Fatal(err)
	}

	if n, _ := loc.Field("line").Uint(); n != 3 {
		t.Errorf("line = %d", n)
	}
	if n, _ := loc.Field("first_column").Int(); n != -7 {
		t.Errorf("first_column = %d", n)
	}
	if x, _ := loc.Field("last_column").Float(); x != 2.5 {
		t.Errorf("last_column = %v", x)
	}
	target, err := loc.Field("filename").Deref()
	if err != nil || target == nil {
		t.Fatalf("Deref = %v, %v", target, err)
	}
	if s := target.CString(); s != "test.wast" {
		t.Errorf("filename = %q", s)
	}
	if got := f.heap.Memory().LoadU32(loc.Address() + 4); got != 3 {
		t.Errorf("line stored at wrong offset: %d", got)
	}

	if err := loc.Store("line", -1); !errors.Is(err, &werrors.Error{Phase: werrors.PhaseEncode, Kind: werrors.KindRange}) {
		t.Errorf("range error = %v", err)
	}
	if _, err := loc.Lookup("nope"); err == nil {
		t.Error("unknown field accepted")
	}
	expectFatal(t, werrors.KindTypeMismatch, func() { loc.Field("nope") })
	if _, err := loc.Get(); err == nil {
		t.Error("struct Get should fail")
	}
}

func TestValue_Pointers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	lexer := f.heap.Allocate(ctx, f.lexer)
	defer lexer.Release(ctx)
	errs := f.heap.Allocate(ctx, f.errs)
	defer errs.Release(ctx)
	loc := f.heap.Allocate(ctx, f.location)
	defer loc.Release(ctx)

	p, err := lexer.Field("errors").Deref()
	if err != nil || p != nil {
		t.Fatalf("null pointer Deref = %v, %v", p, err)
	}

	if err := lexer.Field("errors").SetPointer(errs); err != nil {
		t.Fatal(err)
	}
	p, _ = lexer.Field("errors").Deref()
	if p.Address() != errs.Address() || p.Type() != f.errs {
		t.Errorf("Deref = %v", p)
	}

	err = lexer.Field("errors").SetPointer(loc)
	if !errors.Is(err, &werrors.Error{Phase: werrors.PhaseEncode, Kind: werrors.KindTypeMismatch}) {
		t.Fatalf("mismatched pointer = %v", err)
	}
	if !strings.Contains(err.Error(), "*errors") || !strings.Contains(err.Error(), "*location") {
		t.Errorf("message %q should name both types", err)
	}

	if err := lexer.Field("errors").SetPointer(nil); err != nil {
		t.Fatal(err)
	}
	if w, _ := lexer.Field("errors").Word(); w != 0 {
		t.Errorf("nil pointer stored %d", w)
	}
	if err := lexer.Field("flags").SetPointer(errs); err == nil {
		t.Error("SetPointer on scalar accepted")
	}
}

func TestValue_Arrays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	locs := f.heap.AllocateArray(ctx, f.location, 3)
	defer locs.Release(ctx)
	for i, v := range locs.Elements(0) {
		if err := v.Store("line", i+10); err != nil {
			t.Fatal(err)
		}
	}

	errs := f.heap.Allocate(ctx, f.errs)
	defer errs.Release(ctx)
	if err := errs.Store("first", locs.Index(0)); err != nil {
		t.Fatal(err)
	}
	_ = errs.Store("count", 3)

	arr := errs.Field("first")
	for i := uint32(0); i < 3; i++ {
		line, _ := arr.Index(i).Load("line")
		if line != uint32(10+i) {
			t.Errorf("element %d line = %v", i, line)
		}
	}

	expectFatal(t, werrors.KindOutOfBounds, func() { locs.Index(3) })

	b := f.heap.AllocateBytes(ctx, []byte{1, 2, 3})
	defer b.Release(ctx)
	if got := b.Bytes(); len(got) != 3 || got[2] != 3 {
		t.Errorf("Bytes = %v", got)
	}
	if b.Len() != 3 {
		t.Errorf("Len = %d", b.Len())
	}
	empty := f.heap.AllocateString(ctx, "")
	defer empty.Release(ctx)
	if empty.Address() == 0 || len(empty.Bytes()) != 1 {
		t.Errorf("empty string handle = %v", empty)
	}
}

func TestValue_ReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	v := f.heap.Allocate(ctx, f.location)
	addr := v.Address()
	if !v.Owning() {
		t.Fatal("allocated handle should own")
	}
	if err := v.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if err := v.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.mod.frees) != 1 || f.mod.frees[0] != addr {
		t.Fatalf("frees = %v, want exactly one of %d", f.mod.frees, addr)
	}

	expectFatal(t, werrors.KindUseAfterFree, func() { v.Field("line") })

	view := f.heap.Wrap(f.location, addr)
	if view.Owning() {
		t.Error("view should not own")
	}
	if err := view.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.mod.frees) != 1 {
		t.Error("releasing a view freed memory")
	}

	next := f.heap.Allocate(ctx, f.location)
	defer next.Release(ctx)
	if live := f.mod.liveBlocks(); len(live) != 1 {
		t.Errorf("allocator blocks = %v", live)
	}
}

func TestValue_AdoptUsesDestructor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	var destroyed []uint32
	f.mod.exports["destroy_lexer"] = func(args []uint64) []uint64 {
		destroyed = append(destroyed, uint32(args[0]))
		return nil
	}

	v := f.heap.Adopt(f.lexer, 0x200)
	if v == nil || !v.Owning() {
		t.Fatal("Adopt should return an owning handle")
	}
	_ = v.Release(ctx)
	_ = v.Release(ctx)
	if len(destroyed) != 1 || destroyed[0] != 0x200 {
		t.Errorf("destroyed = %v", destroyed)
	}
	if len(f.mod.frees) != 0 {
		t.Error("destructor-owned struct also freed")
	}

	if f.heap.Adopt(f.lexer, 0) != nil {
		t.Error("adopting null should yield nil")
	}

	plain := f.heap.Adopt(f.location, 0x300)
	_ = plain.Release(ctx)
	if len(f.mod.frees) != 1 || f.mod.frees[0] != 0x300 {
		t.Errorf("frees = %v", f.mod.frees)
	}
}

func TestValue_AttachOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	var order []string
	rec := func(name string) Releaser {
		return ReleaseFunc(func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	owner := f.heap.Allocate(ctx, f.errs)
	ownerAddr := owner.Address()
	f.mod.exports["free"] = func(args []uint64) []uint64 {
		if uint32(args[0]) == ownerAddr {
			order = append(order, "self")
		}
		return nil
	}
	owner.Attach(rec("lexer"), rec("buffer"), nil)

	if err := owner.Release(ctx); err != nil {
		t.Fatal(err)
	}
	_ = owner.Release(ctx)
	want := []string{"self", "lexer", "buffer"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestValue_ReleaseErrorsJoined(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	owner := f.heap.Allocate(ctx, f.errs)
	boom := errors.New("boom")
	owner.Attach(ReleaseFunc(func(context.Context) error { return boom }))
	delete(f.mod.exports, "free")

	err := owner.Release(ctx)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, should include collaborator failure", err)
	}
	if !strings.Contains(err.Error(), "free") {
		t.Errorf("err = %v, should include free failure", err)
	}
}

func TestValue_DebugGuard(t *testing.T) {
	f := newFixture(t, true)

	// The module allocates an object and hands out its address.
	addr := uint32(f.mod.exports["malloc"]([]uint64{16})[0])
	view := f.heap.Wrap(f.location, addr)
	if err := view.Store("line", 1); err != nil {
		t.Fatal(err)
	}

	// The module frees it while the view is still held.
	f.mod.exports["free"]([]uint64{uint64(addr)})

	expectFatal(t, werrors.KindUseAfterFree, func() { _, _ = view.Load("line") })
	expectFatal(t, werrors.KindUseAfterFree, func() { view.Field("line") })

	// Without the debug guard the same access goes through unnoticed.
	plain := NewHeap(f.mod, nil).Wrap(f.location, addr)
	if _, err := plain.Load("line"); err != nil {
		t.Fatal(err)
	}
}

func TestValue_DebugGuardWithoutChecker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.heap.live = nil

	v := f.heap.Allocate(ctx, f.location)
	view := f.heap.Wrap(f.location, v.Address())
	_ = v.Release(ctx)

	expectFatal(t, werrors.KindUseAfterFree, func() { _, _ = view.Load("line") })

	if err := f.heap.Free(ctx, v.Address()); err == nil {
		t.Error("double free not reported")
	}
}

func TestHeap_AllocationFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.mod.failOOM = true

	expectFatal(t, werrors.KindAllocation, func() { f.heap.Allocate(ctx, f.location) })

	delete(f.mod.exports, "malloc")
	expectFatal(t, werrors.KindAllocation, func() { f.heap.Malloc(ctx, 4) })
}

func TestHeap_Cleanup_OnFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	op := func() error {
		scope := NewScope()
		defer scope.Close(ctx)
		scope.Add(f.heap.Allocate(ctx, f.location))
		f.heap.Memory().LoadU32(f.heap.Memory().Size())
		return nil
	}
	err := werrors.Catch(op)
	if !errors.Is(err, &werrors.Error{Phase: werrors.PhaseMemory, Kind: werrors.KindOutOfBounds}) {
		t.Fatalf("err = %v", err)
	}
	if len(f.mod.frees) != 1 {
		t.Errorf("scratch handle not freed on fatal path: frees = %v", f.mod.frees)
	}
}

func TestExpectAndArg(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	lexer := f.heap.Allocate(ctx, f.lexer)
	defer lexer.Release(ctx)

	if err := Expect(lexer, f.lexer); err != nil {
		t.Errorf("Expect = %v", err)
	}
	if err := Expect(lexer, f.errs); err == nil {
		t.Error("Expect accepted wrong type")
	}
	if err := Expect(nil, f.errs); err == nil {
		t.Error("Expect accepted nil")
	}

	w, err := Arg(lexer, f.lexer)
	if err != nil || uint32(w) != lexer.Address() {
		t.Errorf("Arg = %d, %v", w, err)
	}
	_, err = Arg(lexer, f.errs)
	if err == nil || !strings.Contains(err.Error(), "expected *errors, got *lexer") {
		t.Errorf("Arg mismatch = %v", err)
	}
}

func TestValue_WideWords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	v := f.heap.Allocate(ctx, I64)
	defer v.Release(ctx)

	if err := v.Set(int64(1)); err == nil {
		t.Error("64-bit Set must fail")
	}
	if _, err := v.Get(); err == nil {
		t.Error("64-bit Get must fail")
	}
	if err := v.SetWord(0x0102030405060708); err != nil {
		t.Fatal(err)
	}
	if w, _ := v.Word(); w != 0x0102030405060708 {
		t.Errorf("Word = %#x", w)
	}
}
