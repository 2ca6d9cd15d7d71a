package bf

import (
	"context"
	"io"
)

// Run lexes the source and executes it to completion.
func Run(source string, ascii bool, input io.Reader, output, errput io.Writer) error {
	return RunContext(context.Background(), source, input, output, errput, Options{Mode: ModeFromFlag(ascii)})
}

// RunContext is Run with a context and the full set of options.
func RunContext(ctx context.Context, source string, input io.Reader, output, errput io.Writer, opts Options) error {
	interpreter, err := NewInterpreter(Lex(source), input, output, errput, opts)
	if err != nil {
		return err
	}
	return interpreter.RunContext(ctx)
}
