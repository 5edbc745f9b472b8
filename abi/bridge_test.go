package abi

import (
	"context"
	"errors"
	"strings"
	"testing"

	werrors "github.com/wippyai/wabt-go/errors"
)

// callSlot invokes a table slot the way a module's call_indirect would.
func callSlot(t *testing.T, f *fixture, index uint32, words ...uint64) ([]uint64, error) {
	t.Helper()
	fn, _, ok := f.mod.Table().Get(index)
	if !ok {
		t.Fatalf("slot %d is empty", index)
	}
	return fn(context.Background(), words)
}

// funcType defines a function descriptor on the fixture's registry.
func (f *fixture) funcType(t *testing.T, result Type, params ...Type) *Function {
	t.Helper()
	ft, err := f.reg.FunctionType(result, params...)
	if err != nil {
		t.Fatal(err)
	}
	return ft
}

func TestBridge_RegisterAndCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	b := NewBridge(f.heap)

	add := f.funcType(t, I32, I32, U8)
	var seen []any
	e, err := b.Register(add, func(_ context.Context, args []any) (any, error) {
		seen = args
		return int64(args[0].(int32)) + int64(args[1].(uint8)), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if e.Index() == 0 {
		t.Fatal("index 0 is reserved for null")
	}
	if _, sig, _ := b.Table().Get(e.Index()); sig != "iii" {
		t.Errorf("signature = %q", sig)
	}

	out, err := callSlot(t, f, e.Index(), uint64(uint32(0xfffffffe)), 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || int32(uint32(out[0])) != 5 {
		t.Errorf("result = %v", out)
	}
	if seen[0] != int32(-2) || seen[1] != uint8(7) {
		t.Errorf("decoded args = %v", seen)
	}

	if err := e.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := b.Table().Get(e.Index()); ok {
		t.Error("slot still installed after release")
	}
}

func TestBridge_StoredAsFunctionPointer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	b := NewBridge(f.heap)

	onError := f.funcType(t, Void, U32, U32)
	handler, err := f.reg.DefineStruct(ctx, testLayout, StructSpec{
		Name: "handler",
		Fields: []FieldSpec{
			{Name: "on_error", Type: onError},
			{Name: "max_length", Type: U32},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	var got []uint32
	e, err := b.Register(onError, func(_ context.Context, args []any) (any, error) {
		got = append(got, args[0].(uint32), args[1].(uint32))
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	h := f.heap.Allocate(ctx, handler).Attach(e)

	if err := h.Store("on_error", e); err != nil {
		t.Fatal(err)
	}
	idx, _ := h.Load("on_error")
	out, err := callSlot(t, f, idx.(uint32), 1, 2)
	if err != nil || out != nil {
		t.Fatalf("call = %v, %v", out, err)
	}
	if len(got) != 2 || got[1] != 2 {
		t.Errorf("callback args = %v", got)
	}

	other, _ := b.Register(f.funcType(t, I32, I32, U8), func(context.Context, []any) (any, error) { return 0, nil })
	defer other.Release(ctx)
	if err := h.Store("on_error", other); err == nil {
		t.Error("stored function of the wrong type")
	}

	_ = h.Release(ctx)
	if _, _, ok := b.Table().Get(e.Index()); ok {
		t.Error("attached entry not released with its owner")
	}
}

func TestBridge_CallbackFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	b := NewBridge(f.heap)
	ft := f.funcType(t, I32, I32)

	e, _ := b.Register(ft, func(context.Context, []any) (any, error) {
		return nil, errors.New("host refused")
	})
	defer e.Release(ctx)

	if _, err := callSlot(t, f, e.Index(), 1); err == nil || !strings.Contains(err.Error(), "host refused") {
		t.Fatalf("err = %v", err)
	}
	if e.Err() == nil {
		t.Fatal("failure not recorded on entry")
	}
	if e.TakeErr() == nil || e.Err() != nil {
		t.Error("TakeErr should clear the recorded failure")
	}

	p, _ := b.Register(ft, func(context.Context, []any) (any, error) { panic("oops") })
	defer p.Release(ctx)
	if _, err := callSlot(t, f, p.Index(), 1); err == nil || !strings.Contains(err.Error(), "oops") {
		t.Errorf("panic not converted: %v", err)
	}

	bad, _ := b.Register(ft, func(context.Context, []any) (any, error) { return int64(1) << 40, nil })
	defer bad.Release(ctx)
	_, err := callSlot(t, f, bad.Index(), 1)
	if !errors.Is(err, &werrors.Error{Phase: werrors.PhaseEncode, Kind: werrors.KindRange}) {
		t.Errorf("out of range result = %v", err)
	}

	if _, err := callSlot(t, f, e.Index(), 1, 2); err == nil {
		t.Error("wrong argument count accepted")
	}
}

func TestBridge_FatalPassesThrough(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	b := NewBridge(f.heap)

	e, _ := b.Register(f.funcType(t, Void), func(context.Context, []any) (any, error) {
		f.heap.Memory().LoadU32(f.heap.Memory().Size())
		return nil, nil
	})
	defer e.Release(ctx)

	expectFatal(t, werrors.KindOutOfBounds, func() { _, _ = callSlot(t, f, e.Index()) })
}

func TestBridge_ReferenceExisting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	b := NewBridge(f.heap)
	ft := f.funcType(t, Void)

	owned, _ := b.Register(ft, func(context.Context, []any) (any, error) { return nil, nil })
	ref := b.ReferenceExisting(ft, owned.Index())
	if ref.Owning() {
		t.Error("reference should not own")
	}
	_ = ref.Release(ctx)
	if _, _, ok := b.Table().Get(owned.Index()); !ok {
		t.Error("releasing a reference removed the slot")
	}
	_ = b.Unregister(ctx, owned)
	if _, _, ok := b.Table().Get(owned.Index()); ok {
		t.Error("Unregister left the slot installed")
	}

	if _, err := b.Register(nil, nil); err == nil {
		t.Error("Register accepted nil")
	}
}

func TestBridge_NoLeak(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	b := NewBridge(f.heap)
	ft := f.funcType(t, Void, I32)

	base := b.Table().Size()
	for i := 0; i < 10000; i++ {
		e, err := b.Register(ft, func(context.Context, []any) (any, error) { return nil, nil })
		if err != nil {
			t.Fatal(err)
		}
		if _, err := callSlot(t, f, e.Index(), uint64(i)); err != nil {
			t.Fatal(err)
		}
		if err := e.Release(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := b.Table().Size(); got != base {
		t.Errorf("table size = %d after balanced register/release, want %d", got, base)
	}
}
