package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MarcinKonowalczyk/bfvm/bf"
	"github.com/containerd/log"
)

type options struct {
	ascii     bool
	jumpTable bool
	debug     bool
	path      string
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	opts := &options{}
	flagset := flag.NewFlagSet("bf", flag.ContinueOnError)
	flagset.SetOutput(output)
	flagset.BoolVar(&opts.ascii, "a", false, "print cells as characters instead of numbers")
	flagset.BoolVar(&opts.ascii, "ascii", false, "same as -a")
	flagset.BoolVar(&opts.jumpTable, "jump-table", false, "resolve loops from a precomputed table")
	flagset.BoolVar(&opts.debug, "debug", false, "trace every executed command")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "Usage:\nbf <program.b[f]>\n")
		flagset.PrintDefaults()
	}
	if err := flagset.Parse(args); err != nil {
		return nil, err
	}
	if flagset.NArg() > 0 {
		opts.path = flagset.Arg(flagset.NArg() - 1)
	}
	return opts, nil
}

func isSourceFile(path string) bool {
	return strings.HasSuffix(path, ".bf") || strings.HasSuffix(path, ".b")
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	if opts.path == "" {
		fmt.Fprintf(stdout, "Usage:\nbf <program.b[f]>\n")
		return 0
	}

	if opts.debug {
		if err := log.SetLevel("debug"); err != nil {
			fmt.Fprintf(stderr, "Error setting log level: %v\n", err)
		}
	}

	if !isSourceFile(opts.path) {
		fmt.Fprintln(stderr, "Warning: Possibly not a brainf*ck sourcefile")
	}

	source, err := os.ReadFile(opts.path)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading source file: %v\n", err)
		return 1
	}

	ctx := log.WithLogger(context.Background(), log.L.WithField("file", opts.path))
	err = bf.RunContext(ctx, string(source), stdin, stdout, stderr, bf.Options{
		Mode:      bf.ModeFromFlag(opts.ascii),
		JumpTable: opts.jumpTable,
		Debug:     opts.debug,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
