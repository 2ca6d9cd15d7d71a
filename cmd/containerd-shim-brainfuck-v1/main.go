package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcinKonowalczyk/bfvm/bf"
	bf_shim "github.com/MarcinKonowalczyk/bfvm/shim"

	"github.com/containerd/containerd/v2/pkg/shim"
)

const runtimeName = "io.containerd.bf.v1"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The shim re-executes itself as the interpreter of each task.
	brainfuck, args := isBrainfuckArg(os.Args[1:])

	if brainfuck {
		if err := runBrainfuck(ctx, args, os.Stdin, os.Stdout, os.Stderr); err != nil {
			fmt.Fprintln(os.Stderr, "Error running brainfuck:", err)
			os.Exit(1)
		}
	} else {
		shim.Run(ctx, bf_shim.NewManager(runtimeName))
	}
}

func isBrainfuckArg(args []string) (bool, []string) {
	for i, arg := range args {
		if arg == "brainfuck" {
			rest := make([]string, 0, len(args)-1)
			rest = append(rest, args[:i]...)
			return true, append(rest, args[i+1:]...)
		}
	}
	return false, args
}

type brainfuckFlags struct {
	filename  string
	ascii     bool
	jumpTable bool
}

func parseBrainfuckFlags(args []string) (*brainfuckFlags, error) {
	flags := &brainfuckFlags{}
	my_flagset := flag.NewFlagSet("brainfuck", flag.ContinueOnError)
	my_flagset.StringVar(&flags.filename, "file", "", "brainfuck source file")
	my_flagset.BoolVar(&flags.ascii, "ascii", false, "print cells as characters")
	my_flagset.BoolVar(&flags.jumpTable, "jump-table", false, "resolve loops from a precomputed table")
	if err := my_flagset.Parse(args); err != nil {
		return nil, err
	}
	if flags.filename == "" {
		return nil, fmt.Errorf("invalid argument: -file is required")
	}
	return flags, nil
}

func runBrainfuck(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags, err := parseBrainfuckFlags(args)
	if err != nil {
		return err
	}

	source, err := os.ReadFile(flags.filename)
	if err != nil {
		return err
	}

	return bf.RunContext(ctx, string(source), stdin, stdout, stderr, bf.Options{
		Mode:      bf.ModeFromFlag(flags.ascii),
		JumpTable: flags.jumpTable,
	})
}
