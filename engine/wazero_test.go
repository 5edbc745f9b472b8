package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/wippyai/wabt-go/errors"
	"github.com/wippyai/wabt-go/native"
)

const guestWat = `(module
  (import "env" "invoke_iii" (func $invoke_iii (param i32 i32 i32) (result i32)))
  (import "env" "invoke_vi" (func $invoke_vi (param i32 i32)))
  (import "env" "emscripten_notify_memory_growth" (func $grown (param i32)))
  (import "env" "abort" (func $abort))
  (import "wasi_snapshot_preview1" "fd_write" (func $fd_write (param i32 i32 i32 i32) (result i32)))
  (memory (export "memory") 1)
  (global $top (mut i32) (i32.const 4096))
  (data (i32.const 8) "hello\n")
  (func (export "malloc") (param $n i32) (result i32)
    (local $p i32)
    global.get $top
    local.set $p
    global.get $top
    local.get $n
    i32.add
    i32.const 7
    i32.add
    i32.const -8
    i32.and
    global.set $top
    local.get $p)
  (func (export "free") (param i32))
  (func (export "add") (param i32 i32) (result i32)
    local.get 0
    local.get 1
    i32.add)
  (func (export "apply") (param i32 i32 i32) (result i32)
    local.get 0
    local.get 1
    local.get 2
    call $invoke_iii)
  (func (export "notify") (param i32 i32)
    local.get 0
    local.get 1
    call $invoke_vi)
  (func (export "fail")
    call $abort)
  (func (export "greet") (result i32)
    i32.const 0
    i32.const 8
    i32.store
    i32.const 4
    i32.const 6
    i32.store
    i32.const 1
    i32.const 0
    i32.const 1
    i32.const 16
    call $fd_write))
`

// compileWat builds a guest binary with the in-process toolkit.
func compileWat(t *testing.T, src string) []byte {
	t.Helper()
	ctx := context.Background()
	m := native.New(nil)
	defer m.Close()

	res, err := m.Call(ctx, "malloc", uint64(len(src)))
	if err != nil {
		t.Fatal(err)
	}
	ptr := uint32(res[0])
	m.Memory().Write(ptr, []byte(src))
	res, err = m.Call(ctx, "wat2wasm", uint64(ptr), uint64(len(src)), 0)
	if err != nil {
		t.Fatal(err)
	}
	ret, _ := m.Memory().Read(uint32(res[0]), 12)
	data, _ := m.Memory().Read(binary.LittleEndian.Uint32(ret[4:]), binary.LittleEndian.Uint32(ret[8:]))
	if ret[0] != 0 {
		t.Fatalf("wat2wasm: %s", data)
	}
	return append([]byte(nil), data...)
}

func loadGuest(t *testing.T, cfg *Config) (*WazeroEngine, *Instance) {
	t.Helper()
	ctx := context.Background()
	e, err := NewWazeroEngineWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("NewWazeroEngineWithConfig failed: %v", err)
	}
	t.Cleanup(func() { e.Close(ctx) })
	inst, err := e.Load(ctx, compileWat(t, guestWat))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return e, inst
}

func TestNewWazeroEngineWithConfig(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		cfg  *Config
		name string
		ok   bool
	}{
		{nil, "nil config", true},
		{&Config{}, "default config", true},
		{&Config{MemoryLimitPages: 256}, "16MB limit", true},
		{&Config{Signatures: []string{"v", "iij"}}, "signatures", true},
		{&Config{Signatures: []string{"x"}}, "bad signature", false},
		{&Config{Signatures: []string{""}}, "empty signature", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, err := NewWazeroEngineWithConfig(ctx, tc.cfg)
			if (err == nil) != tc.ok {
				t.Fatalf("err = %v, want ok %v", err, tc.ok)
			}
			if e != nil {
				e.Close(ctx)
			}
		})
	}
}

func TestInstance_Call(t *testing.T) {
	_, inst := loadGuest(t, nil)
	ctx := context.Background()

	res, err := inst.Call(ctx, "add", 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if res[0] != 5 {
		t.Errorf("add = %d, want 5", res[0])
	}

	_, err = inst.Call(ctx, "nope")
	if !errors.Is(err, &errors.Error{Phase: errors.PhaseCall, Kind: errors.KindNotFound}) {
		t.Errorf("unknown export: %v", err)
	}
	_, err = inst.Call(ctx, "add", 1)
	if !errors.Is(err, &errors.Error{Phase: errors.PhaseCall, Kind: errors.KindTypeMismatch}) {
		t.Errorf("wrong arity: %v", err)
	}

	exports := strings.Join(inst.Exports(), ",")
	if exports != "add,apply,fail,free,greet,malloc,notify" {
		t.Errorf("exports = %s", exports)
	}
}

func TestInstance_Trampolines(t *testing.T) {
	_, inst := loadGuest(t, nil)
	ctx := context.Background()

	if got := strings.Join(inst.Signatures(), ","); got != "iii,vi" {
		t.Fatalf("signatures = %s", got)
	}

	mul, err := inst.Table().Add("iii", func(_ context.Context, args []uint64) ([]uint64, error) {
		return []uint64{args[0] * args[1]}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := inst.Call(ctx, "apply", uint64(mul), 6, 7)
	if err != nil {
		t.Fatal(err)
	}
	if res[0] != 42 {
		t.Errorf("apply = %d, want 42", res[0])
	}

	var seen uint64
	note, _ := inst.Table().Add("vi", func(_ context.Context, args []uint64) ([]uint64, error) {
		seen = args[0]
		return nil, nil
	})
	if _, err := inst.Call(ctx, "notify", uint64(note), 9); err != nil {
		t.Fatal(err)
	}
	if seen != 9 {
		t.Errorf("callback saw %d, want 9", seen)
	}

	// Calling through a slot with the wrong signature fails the guest call.
	if _, err := inst.Call(ctx, "apply", uint64(note), 1, 2); err == nil {
		t.Error("expected signature mismatch")
	}

	if err := inst.Table().Remove(mul); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Call(ctx, "apply", uint64(mul), 1, 2); err == nil {
		t.Error("expected failure calling a removed slot")
	}

	if _, err := inst.Table().Add("jj", func(context.Context, []uint64) ([]uint64, error) { return nil, nil }); err == nil {
		t.Error("expected rejection of a signature without trampoline")
	}
}

func TestInstance_ConfiguredSignatures(t *testing.T) {
	_, inst := loadGuest(t, &Config{Signatures: []string{"jj"}})
	if _, err := inst.Table().Add("jj", func(context.Context, []uint64) ([]uint64, error) { return nil, nil }); err != nil {
		t.Fatal(err)
	}
}

func TestInstance_HostCallbackError(t *testing.T) {
	_, inst := loadGuest(t, nil)
	boom := errors.InvalidInput(errors.PhaseHost, "boom")
	idx, _ := inst.Table().Add("iii", func(context.Context, []uint64) ([]uint64, error) {
		return nil, boom
	})
	_, err := inst.Call(context.Background(), "apply", uint64(idx), 1, 2)
	if err == nil {
		t.Fatal("expected error")
	}
	var got *errors.Error
	if !errors.As(err, &got) {
		t.Fatalf("error %v does not wrap *errors.Error", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q lost the callback failure", err)
	}
}

func TestInstance_UnresolvedImport(t *testing.T) {
	_, inst := loadGuest(t, nil)
	_, err := inst.Call(context.Background(), "fail")
	if err == nil || !strings.Contains(err.Error(), "unresolved import env.abort") {
		t.Fatalf("err = %v", err)
	}
}

func TestInstance_WASIStdout(t *testing.T) {
	var out bytes.Buffer
	_, inst := loadGuest(t, &Config{Stdout: &out})
	res, err := inst.Call(context.Background(), "greet")
	if err != nil {
		t.Fatal(err)
	}
	if res[0] != 0 {
		t.Errorf("fd_write errno = %d", res[0])
	}
	if out.String() != "hello\n" {
		t.Errorf("stdout = %q", out.String())
	}
}

func TestInstance_Memory(t *testing.T) {
	_, inst := loadGuest(t, nil)
	mem := inst.Memory()
	if mem.Size() != 65536 {
		t.Fatalf("size = %d", mem.Size())
	}
	if got, _ := mem.Read(8, 5); string(got) != "hello" {
		t.Errorf("data segment = %q", got)
	}
	if !mem.Write(100, []byte{1, 2, 3}) {
		t.Fatal("write failed")
	}
	if _, ok := mem.Read(65535, 2); ok {
		t.Error("read past the end succeeded")
	}
}

func TestInstance_Close(t *testing.T) {
	e, inst := loadGuest(t, nil)
	ctx := context.Background()
	if err := inst.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := inst.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
	_, err := inst.Call(ctx, "add", 1, 2)
	if !errors.Is(err, &errors.Error{Phase: errors.PhaseCall, Kind: errors.KindReleased}) {
		t.Errorf("call after close: %v", err)
	}

	if err := e.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Load(ctx, compileWat(t, guestWat)); err == nil {
		t.Error("Load after Close succeeded")
	}
}

func TestLoad_Errors(t *testing.T) {
	ctx := context.Background()
	e, err := NewWazeroEngine(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close(ctx)

	tests := []struct {
		name string
		wasm []byte
		want string
	}{
		{"garbage", []byte("notwasm!"), "compile module"},
		{"no memory", compileWat(t, `(module (func (export "f")))`), "exports no memory"},
		{"bad trampoline", compileWat(t, `(module
  (import "env" "invoke_ii" (func (param i32)))
  (memory (export "memory") 1))`), "invoke_ii"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Load(ctx, tt.wasm)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}
