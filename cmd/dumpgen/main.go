// Command dumpgen evaluates a jsonnet generator template and writes the
// synthetic dump file it describes.
//
//	Usage: dumpgen <template> [flags]
//
//	dumpgen expands a jsonnet hierarchy template into a flapjakd dump file.
//
//	Flags:
//	  -h, --help                    Show context-sensitive help.
//	  -r, --resourcePath=STRING     Directory for template resources
//	  -o, --outputLdif=STRING       Destination file; stdout if omitted
//	  -s, --randomSeed=0            Deterministic seed
//	  -c, --constant=NAME=VALUE,... Override template constants
//	  -w, --wrapColumn=76           Dump wrap column; 0 disables wrapping
//	      --version                Print program version
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	jnxkong "foxygo.at/jsonnext/kong"
	"github.com/alecthomas/kong"
	"github.com/google/go-jsonnet"

	"github.com/foxygoat/flapjakd/internal/dump"
	"github.com/foxygoat/flapjakd/internal/entry"
	"github.com/foxygoat/flapjakd/internal/generator"
)

var version string = "v0.0.0" // overridden in Makefile with `git describe` output.

const description = `
dumpgen expands a jsonnet hierarchy template into a flapjakd dump file.
`

type CLI struct {
	Template      string            `arg:"" help:"Jsonnet file describing the hierarchy to generate"`
	ResourcePath  string            `short:"r" name:"resourcePath" help:"Directory for template resources"`
	OutputLdif    string            `short:"o" name:"outputLdif" help:"Destination file; stdout if omitted"`
	RandomSeed    uint64            `short:"s" name:"randomSeed" default:"0" help:"Deterministic seed"`
	Constant      map[string]string `short:"c" help:"Override template constants, name=value"`
	WrapColumn    int               `short:"w" name:"wrapColumn" default:"76" help:"Dump wrap column; 0 disables wrapping"`
	BranchEntries bool              `help:"Also emit an entry for non-leaf branch nodes"`
	Jnx           jnxkong.Config    `embed:""`
	Version       kong.VersionFlag  `help:"Print program version"`
}

func main() {
	cli := &CLI{Jnx: *jnxkong.NewConfig()}
	kctx := kong.Parse(cli,
		kong.Description(description),
		kong.Vars{"version": version},
	)
	err := kctx.Run(cli)
	kctx.FatalIfErrorf(err)
}

func (cli *CLI) Run() error {
	vm := cli.Jnx.MakeVM("DUMPGEN_PATH")
	if cli.ResourcePath != "" {
		vm.Importer(&jsonnet.FileImporter{JPaths: []string{cli.ResourcePath}})
	}

	g, err := generator.New(vm, cli.Template, generator.Config{
		Constants:             cli.Constant,
		Seed:                  cli.RandomSeed,
		GenerateBranchEntries: cli.BranchEntries,
	})
	if err != nil {
		return fmt.Errorf("could not build generator: %w", err)
	}

	out := io.Writer(os.Stdout)
	if cli.OutputLdif != "" {
		f, err := os.Create(cli.OutputLdif)
		if err != nil {
			return fmt.Errorf("could not create %s: %w", cli.OutputLdif, err)
		}
		defer f.Close() //nolint:errcheck,gosec // best-effort close after a successful write
		out = f
	}

	var written int
	seq := func(yield func(*entry.Entry) bool) {
		for g.HasNext() {
			if !yield(g.Next()) {
				return
			}
			written++
			if written%1000 == 0 {
				fmt.Fprintf(os.Stderr, "generated %d entries\n", written)
			}
		}
	}

	if err := dump.Write(out, seq, cli.WrapColumn); err != nil {
		return fmt.Errorf("could not write dump: %w", err)
	}

	for _, w := range g.Warnings() {
		slog.Warn("dumpgen", "warning", w)
	}
	slog.Info("dumpgen complete", "entries", written, "warnings", len(g.Warnings()))

	return nil
}
