package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wippyai/wabt-go/errors"
	"github.com/wippyai/wabt-go/wabt"
)

const usage = `Usage: wabt <command> [flags] <file>

Commands:
  wat2wasm   compile a text module to a binary
  wasm2wat   convert a binary module to text
  validate   validate a text or binary module
  exports    list a module's exports
  run        call an exported function: run <file> <export> [args...]

Common flags:
  -wasm path   libwabt.wasm build to load (default: in-process toolkit)
  -enable list comma separated proposals on top of the defaults (or "all")
  -v           verbose logging

Run "wabt <command> -h" for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "wat2wasm":
		err = wat2wasm(args)
	case "wasm2wat":
		err = wasm2wat(args)
	case "validate":
		err = validate(args)
	case "exports":
		err = exports(args)
	case "run":
		err = run(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// common holds the flags every command accepts.
type common struct {
	fs      *flag.FlagSet
	wasm    string
	enable  string
	verbose bool
}

func newCommon(name string) *common {
	c := &common{fs: flag.NewFlagSet(name, flag.ExitOnError)}
	c.fs.StringVar(&c.wasm, "wasm", "", "libwabt.wasm build to load")
	c.fs.StringVar(&c.enable, "enable", "", "proposals to enable on top of the defaults")
	c.fs.BoolVar(&c.verbose, "v", false, "verbose logging")
	return c
}

func (c *common) features() (wabt.Features, error) {
	if c.enable == "all" {
		return wabt.AllFeatures, nil
	}
	f, err := wabt.ParseFeatures(c.enable)
	if err != nil {
		return 0, err
	}
	return wabt.DefaultFeatures | f, nil
}

// file returns the single positional argument.
func (c *common) file() (string, error) {
	if c.fs.NArg() < 1 {
		return "", fmt.Errorf("%s: missing input file", c.fs.Name())
	}
	return c.fs.Arg(0), nil
}

func isText(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wat", ".wast":
		return true
	}
	return false
}

// load parses or reads path depending on its extension.
func load(ctx context.Context, tk *wabt.Toolkit, path string, features wabt.Features, readNames, noCheck bool) (*wabt.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if isText(path) {
		return tk.ParseWat(ctx, filepath.Base(path), data, features)
	}
	return tk.ReadWasm(ctx, data, &wabt.ReadOptions{
		Features:       features,
		ReadDebugNames: readNames,
		NoCheck:        noCheck,
	})
}

func wat2wasm(args []string) error {
	c := newCommon("wat2wasm")
	out := c.fs.String("o", "", "output file (default: input with .wasm extension)")
	debugNames := c.fs.Bool("debug-names", false, "write the name section")
	relocatable := c.fs.Bool("relocatable", false, "emit relocation sections")
	noCanon := c.fs.Bool("no-canonicalize-leb128s", false, "keep LEB128s as parsed")
	verboseLog := c.fs.Bool("log", false, "print the writer log to stderr")
	oneShot := c.fs.Bool("oneshot", false, "compile through the single-call embedding export")
	_ = c.fs.Parse(args)

	path, err := c.file()
	if err != nil {
		return err
	}
	features, err := c.features()
	if err != nil {
		return err
	}
	if *out == "" {
		*out = strings.TrimSuffix(path, filepath.Ext(path)) + ".wasm"
	}

	ctx := context.Background()
	return withToolkit(ctx, c, func(tk *wabt.Toolkit) error {
		if *oneShot {
			src, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read file: %w", err)
			}
			bin, err := tk.Wat2Wasm(ctx, string(src), wabt.FlagsOf(features))
			if err != nil {
				return err
			}
			return os.WriteFile(*out, bin, 0o644)
		}

		m, err := load(ctx, tk, path, features, false, false)
		if err != nil {
			return err
		}
		defer m.Destroy(ctx)
		if err := m.Validate(ctx, features); err != nil {
			return err
		}
		res, err := m.ToBinary(ctx, &wabt.BinaryOptions{
			Log:              *verboseLog,
			CanonicalizeLEBs: !*noCanon,
			Relocatable:      *relocatable,
			WriteDebugNames:  *debugNames,
		})
		if err != nil {
			return err
		}
		if *verboseLog {
			fmt.Fprint(os.Stderr, res.Log)
		}
		return os.WriteFile(*out, res.Buffer, 0o644)
	})
}

func wasm2wat(args []string) error {
	c := newCommon("wasm2wat")
	out := c.fs.String("o", "", "output file (default: stdout)")
	fold := c.fs.Bool("fold-exprs", false, "write folded expressions")
	inline := c.fs.Bool("inline-exports", false, "write exports inline")
	genNames := c.fs.Bool("generate-names", false, "give unnamed entities generated names")
	noDebugNames := c.fs.Bool("no-debug-names", false, "ignore the name section")
	noCheck := c.fs.Bool("no-check", false, "skip validation")
	oneShot := c.fs.Bool("oneshot", false, "convert through the single-call embedding export")
	_ = c.fs.Parse(args)

	path, err := c.file()
	if err != nil {
		return err
	}
	features, err := c.features()
	if err != nil {
		return err
	}

	ctx := context.Background()
	return withToolkit(ctx, c, func(tk *wabt.Toolkit) error {
		var text string
		if *oneShot {
			bin, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read file: %w", err)
			}
			if text, err = tk.Wasm2Wat(ctx, bin, wabt.FlagsOf(features)); err != nil {
				return err
			}
		} else {
			m, err := load(ctx, tk, path, features, !*noDebugNames, *noCheck)
			if err != nil {
				return err
			}
			defer m.Destroy(ctx)
			if *genNames {
				if err := m.GenerateNames(ctx); err != nil {
					return err
				}
				if err := m.ApplyNames(ctx); err != nil {
					return err
				}
			}
			if text, err = m.ToText(ctx, &wabt.TextOptions{FoldExprs: *fold, InlineExport: *inline}); err != nil {
				return err
			}
		}
		if *out == "" {
			fmt.Print(text)
			return nil
		}
		return os.WriteFile(*out, []byte(text), 0o644)
	})
}

func validate(args []string) error {
	c := newCommon("validate")
	_ = c.fs.Parse(args)

	path, err := c.file()
	if err != nil {
		return err
	}
	features, err := c.features()
	if err != nil {
		return err
	}

	ctx := context.Background()
	return withToolkit(ctx, c, func(tk *wabt.Toolkit) error {
		m, err := load(ctx, tk, path, features, false, true)
		if err != nil {
			return err
		}
		defer m.Destroy(ctx)
		if err := m.Validate(ctx, features); err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", path, okStyle.Render("valid"))
		return nil
	})
}

func exports(args []string) error {
	c := newCommon("exports")
	_ = c.fs.Parse(args)

	path, err := c.file()
	if err != nil {
		return err
	}
	features, err := c.features()
	if err != nil {
		return err
	}

	ctx := context.Background()
	return withToolkit(ctx, c, func(tk *wabt.Toolkit) error {
		m, err := load(ctx, tk, path, features, true, false)
		if err != nil {
			return err
		}
		defer m.Destroy(ctx)

		counts, err := m.Counts()
		if err != nil {
			return err
		}
		list, err := m.Exports(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Module: %s\n", path)
		fmt.Printf("Types: %d  Imports: %d  Functions: %d  Exports: %d\n",
			counts.Types, counts.Imports, counts.Funcs, counts.Exports)
		if len(list) > 0 {
			fmt.Println()
		}
		for _, ex := range list {
			fmt.Printf("  %-8s %s = %d\n", kindStyle.Render(ex.Kind.String()), funcStyle.Render(ex.Name), ex.Index)
		}
		return nil
	})
}

func run(args []string) error {
	c := newCommon("run")
	interactive := c.fs.Bool("i", false, "interactive mode with TUI")
	_ = c.fs.Parse(args)

	path, err := c.file()
	if err != nil {
		return err
	}
	features, err := c.features()
	if err != nil {
		return err
	}

	if *interactive {
		if !stdinIsTerminal() {
			return fmt.Errorf("interactive mode needs a terminal")
		}
		return runInteractive(c, path, features)
	}

	if c.fs.NArg() < 2 {
		return fmt.Errorf("run: missing export name")
	}
	export := c.fs.Arg(1)
	words, err := parseWords(c.fs.Args()[2:])
	if err != nil {
		return err
	}

	ctx := context.Background()
	return withToolkit(ctx, c, func(tk *wabt.Toolkit) error {
		m, err := load(ctx, tk, path, features, false, false)
		if err != nil {
			return err
		}
		defer m.Destroy(ctx)

		results, err := m.Run(ctx, export, words)
		if err != nil {
			var trap *errors.TrapError
			if errors.As(err, &trap) {
				return fmt.Errorf("%s trapped: %s", export, trap.Code)
			}
			return err
		}
		fmt.Println(formatWords(results))
		return nil
	})
}
