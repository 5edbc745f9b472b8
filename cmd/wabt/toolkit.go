package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
	"golang.org/x/term"

	wabtgo "github.com/wippyai/wabt-go"
	"github.com/wippyai/wabt-go/engine"
	"github.com/wippyai/wabt-go/errors"
	"github.com/wippyai/wabt-go/native"
	"github.com/wippyai/wabt-go/wabt"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#90EE90"))
	kindStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB"))
	funcStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#98FB98"))
)

func init() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		for _, s := range []*lipgloss.Style{&okStyle, &kindStyle, &funcStyle} {
			*s = lipgloss.NewStyle()
		}
	}
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

// withToolkit opens the toolkit selected by c, passes it to fn and tears
// everything down afterwards. Fatal marshalling errors are reported as
// ordinary errors.
func withToolkit(ctx context.Context, c *common, fn func(tk *wabt.Toolkit) error) (err error) {
	tk, closeFn, err := openToolkit(ctx, c)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return errors.Catch(func() error { return fn(tk) })
}

func openToolkit(ctx context.Context, c *common) (*wabt.Toolkit, func() error, error) {
	log, err := newLogger(c.verbose)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	wabt.SetLogger(log)
	engine.SetLogger(log)
	native.SetLogger(log)

	var (
		mod     wabtgo.Module
		release func() error
	)
	if c.wasm == "" {
		m := native.New(nil)
		mod, release = m, m.Close
	} else {
		bin, err := os.ReadFile(c.wasm)
		if err != nil {
			return nil, nil, fmt.Errorf("read toolkit: %w", err)
		}
		e, err := engine.NewWazeroEngineWithConfig(ctx, &engine.Config{Stderr: os.Stderr})
		if err != nil {
			return nil, nil, err
		}
		inst, err := e.Load(ctx, bin)
		if err != nil {
			_ = e.Close(ctx)
			return nil, nil, fmt.Errorf("load toolkit: %w", err)
		}
		mod, release = inst, func() error { return e.Close(ctx) }
	}

	tk, err := wabt.New(ctx, mod, &wabt.Config{Logger: log})
	if err != nil {
		_ = release()
		return nil, nil, err
	}
	return tk, func() error {
		err := tk.Close(ctx)
		if rerr := release(); err == nil {
			err = rerr
		}
		_ = log.Sync()
		return err
	}, nil
}

// parseWord converts an argument into a machine word. A "i32:", "i64:",
// "f32:" or "f64:" prefix selects the type; otherwise integers are i32 when
// they fit and i64 when they don't, and anything with a fraction is f64.
func parseWord(s string) (uint64, error) {
	typ, lit, ok := strings.Cut(s, ":")
	if !ok {
		lit = s
		typ = "i64"
		if v, err := strconv.ParseInt(s, 0, 64); err == nil && v >= math.MinInt32 && v <= math.MaxUint32 {
			typ = "i32"
		} else if strings.ContainsAny(s, ".eEnN") && !strings.HasPrefix(s, "0x") {
			typ = "f64"
		}
	}
	switch typ {
	case "i32":
		v, err := strconv.ParseInt(lit, 0, 64)
		if err != nil || v < math.MinInt32 || v > math.MaxUint32 {
			return 0, fmt.Errorf("bad i32 %q", lit)
		}
		return uint64(uint32(v)), nil
	case "i64":
		v, err := strconv.ParseInt(lit, 0, 64)
		if err != nil {
			u, uerr := strconv.ParseUint(lit, 0, 64)
			if uerr != nil {
				return 0, fmt.Errorf("bad i64 %q", lit)
			}
			return u, nil
		}
		return uint64(v), nil
	case "f32":
		v, err := strconv.ParseFloat(lit, 32)
		if err != nil {
			return 0, fmt.Errorf("bad f32 %q", lit)
		}
		return uint64(math.Float32bits(float32(v))), nil
	case "f64":
		v, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return 0, fmt.Errorf("bad f64 %q", lit)
		}
		return math.Float64bits(v), nil
	}
	return 0, fmt.Errorf("unknown value type %q", typ)
}

func parseWords(args []string) ([]uint64, error) {
	words := make([]uint64, 0, len(args))
	for _, a := range args {
		w, err := parseWord(a)
		if err != nil {
			return nil, err
		}
		words = append(words, w)
	}
	return words, nil
}

func formatWords(words []uint64) string {
	if len(words) == 0 {
		return "()"
	}
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = fmt.Sprintf("%d (%#x)", w, w)
	}
	return strings.Join(parts, " ")
}
