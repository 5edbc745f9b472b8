package main

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestParseWord(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"5", 5, true},
		{"-1", 0xFFFFFFFF, true},
		{"0x10", 16, true},
		{"4294967296", 1 << 32, true},
		{"i64:-1", math.MaxUint64, true},
		{"i32:4294967296", 0, false},
		{"f32:1.5", uint64(math.Float32bits(1.5)), true},
		{"2.5", math.Float64bits(2.5), true},
		{"f64:x", 0, false},
		{"v128:0", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseWord(tt.in)
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, want ok %v", err, tt.ok)
			}
			if got != tt.want {
				t.Errorf("parseWord(%q) = %#x, want %#x", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatWords(t *testing.T) {
	if got := formatWords(nil); got != "()" {
		t.Errorf("empty = %q", got)
	}
	if got := formatWords([]uint64{5, 255}); got != "5 (0x5) 255 (0xff)" {
		t.Errorf("got %q", got)
	}
}

func TestWat2WasmRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "add.wat")
	wat := `(module (func (export "add") (param i32 i32) (result i32) local.get 0 local.get 1 i32.add))`
	if err := os.WriteFile(src, []byte(wat), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, oneShot := range []string{"-oneshot=false", "-oneshot=true"} {
		out := filepath.Join(dir, "add.wasm")
		if err := wat2wasm([]string{oneShot, "-o", out, src}); err != nil {
			t.Fatalf("wat2wasm %s: %v", oneShot, err)
		}
		bin, err := os.ReadFile(out)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.HasPrefix(bin, []byte("\x00asm\x01\x00\x00\x00")) {
			t.Fatalf("%s: not a binary: % x", oneShot, bin)
		}

		text := filepath.Join(dir, "add.out.wat")
		if err := wasm2wat([]string{oneShot, "-o", text, out}); err != nil {
			t.Fatalf("wasm2wat %s: %v", oneShot, err)
		}
		got, err := os.ReadFile(text)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Contains(got, []byte("i32.add")) {
			t.Errorf("%s: text lacks i32.add:\n%s", oneShot, got)
		}
	}

	if err := validate([]string{src}); err != nil {
		t.Errorf("validate: %v", err)
	}
	if err := run([]string{src, "add", "2", "3"}); err != nil {
		t.Errorf("run: %v", err)
	}
	if err := run([]string{src}); err == nil {
		t.Error("run without export succeeded")
	}
}

func TestValidateRejects(t *testing.T) {
	src := filepath.Join(t.TempDir(), "bad.wat")
	if err := os.WriteFile(src, []byte(`(module (func (result i32) i64.const 1))`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := validate([]string{src}); err == nil {
		t.Fatal("invalid module validated")
	}
}
