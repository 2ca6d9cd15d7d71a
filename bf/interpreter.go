package bf

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/containerd/log"
)

// TapeLength is the number of cells on the tape.
const TapeLength = 30_000

// comptime override for debug flag
// set with `-ldflags="-X 'github.com/MarcinKonowalczyk/bfvm/bf.debug=true'"`
var debug string

func init() {
	if debug != "" {
		_ = log.SetLevel("debug")
	}
}

// ErrInputRead is returned when the input stream cannot deliver a line.
// Unlike a line that fails to parse, this stops the run.
var ErrInputRead = errors.New("failed to read input")

// OutputMode selects how the Output command renders a cell.
type OutputMode int

const (
	// Numeric writes the decimal value of the cell, without separators.
	Numeric OutputMode = iota
	// ASCII writes the character whose code point is the cell value.
	ASCII
)

func (m OutputMode) String() string {
	switch m {
	case Numeric:
		return "numeric"
	case ASCII:
		return "ascii"
	default:
		return fmt.Sprintf("OutputMode(%d)", int(m))
	}
}

// ModeFromFlag maps the front ends' boolean ascii flag to a mode.
func ModeFromFlag(ascii bool) OutputMode {
	if ascii {
		return ASCII
	}
	return Numeric
}

type Options struct {
	Mode OutputMode
	// JumpTable resolves loop brackets from a table built once at
	// construction instead of scanning the program on every jump.
	JumpTable bool
	// Debug logs every command at debug level. The link-time debug
	// variable does the same for every interpreter.
	Debug bool
}

type Interpreter struct {
	program     Program
	program_ptr int
	mem         []uint8
	mem_ptr     int
	jumps       []int
	steps       uint64
	input       *bufio.Reader
	output      io.Writer
	errput      io.Writer
	opts        Options
}

// NewInterpreter validates the program and prepares a zeroed tape. Input
// is read line by line, output receives rendered cells and errput the
// diagnostics for unparseable input. A nil output or errput discards.
func NewInterpreter(program Program, input io.Reader, output, errput io.Writer, opts Options) (*Interpreter, error) {
	jumps, err := matchLoops(program)
	if err != nil {
		return nil, err
	}
	if !opts.JumpTable {
		jumps = nil
	}
	if output == nil {
		output = io.Discard
	}
	if errput == nil {
		errput = io.Discard
	}
	var reader *bufio.Reader
	if input != nil {
		reader = bufio.NewReader(input)
	}
	return &Interpreter{
		program: program,
		mem:     make([]uint8, TapeLength),
		jumps:   jumps,
		input:   reader,
		output:  output,
		errput:  errput,
		opts:    opts,
	}, nil
}

func (i *Interpreter) Reset() {
	i.program_ptr = 0
	i.mem_ptr = 0
	i.steps = 0
	for j := range i.mem {
		i.mem[j] = 0
	}
}

func (i *Interpreter) Program() Program {
	return i.program
}

func (i *Interpreter) MemoryLength() int {
	return len(i.mem)
}

// Cursor is the index of the selected cell.
func (i *Interpreter) Cursor() int {
	return i.mem_ptr
}

// CommandIndex is the index of the next command to execute.
func (i *Interpreter) CommandIndex() int {
	return i.program_ptr
}

// Steps is the number of commands executed since construction or Reset.
func (i *Interpreter) Steps() uint64 {
	return i.steps
}

// Done reports whether the command cursor has run past the program.
func (i *Interpreter) Done() bool {
	return i.program_ptr >= len(i.program)
}

func wrap_index(j int, n int) int {
	j %= n
	if j < 0 {
		j += n
	}
	return j
}

// Index the memory. Negative indices count back from the last cell.
func (i *Interpreter) At(j int) uint8 {
	return i.mem[wrap_index(j, len(i.mem))]
}

func (i *Interpreter) tracing() bool {
	return i.opts.Debug || debug != ""
}

// Step executes the command under the cursor and reports whether the
// program has finished.
func (i *Interpreter) Step() (bool, error) {
	if i.Done() {
		return true, nil
	}
	c := i.program[i.program_ptr]
	if i.tracing() {
		log.L.WithFields(log.Fields{
			"pc":   i.program_ptr,
			"cmd":  c.String(),
			"ptr":  i.mem_ptr,
			"cell": i.mem[i.mem_ptr],
		}).Debug("step")
	}
	next := i.program_ptr + 1
	switch c {
	case Right:
		if i.mem_ptr == len(i.mem)-1 {
			i.mem_ptr = 0
		} else {
			i.mem_ptr++
		}
	case Left:
		if i.mem_ptr == 0 {
			i.mem_ptr = len(i.mem) - 1
		} else {
			i.mem_ptr--
		}
	case Increment:
		i.mem[i.mem_ptr]++
	case Decrement:
		i.mem[i.mem_ptr]--
	case Output:
		if err := i.write(); err != nil {
			return false, err
		}
	case Input:
		if err := i.read(); err != nil {
			return false, err
		}
	case LoopStart:
		if i.mem[i.mem_ptr] == 0 {
			end, err := i.partner(scanForward)
			if err != nil {
				return false, err
			}
			// land just past the loop body
			next = end + 1
		}
	case LoopEnd:
		if i.mem[i.mem_ptr] != 0 {
			start, err := i.partner(scanBackward)
			if err != nil {
				return false, err
			}
			// land on the LoopStart so its zero test runs again
			next = start
		}
	default:
		return false, &UnknownCommandError{Position: i.program_ptr, Command: c}
	}
	i.program_ptr = next
	i.steps++
	return i.Done(), nil
}

func (i *Interpreter) partner(scan func(Program, int) (int, error)) (int, error) {
	if i.jumps != nil {
		return i.jumps[i.program_ptr], nil
	}
	return scan(i.program, i.program_ptr)
}

func (i *Interpreter) write() error {
	v := i.mem[i.mem_ptr]
	var s string
	if i.opts.Mode == ASCII {
		s = string(rune(v))
	} else {
		s = strconv.FormatUint(uint64(v), 10)
	}
	if _, err := io.WriteString(i.output, s); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}

func (i *Interpreter) read() error {
	if i.input == nil {
		return fmt.Errorf("%w: no input attached", ErrInputRead)
	}
	line, err := i.input.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return fmt.Errorf("%w: %w", ErrInputRead, err)
	}
	v, err := parseCell(strings.TrimSpace(line))
	if err != nil {
		fmt.Fprintf(i.errput, "Failed to parse input: %v. Defaulting to 0\n", err)
		v = 0
	}
	i.mem[i.mem_ptr] = uint8(v)
	return nil
}

// parseCell accepts a decimal in [0, 255] with at most one leading '+'.
func parseCell(s string) (uint64, error) {
	if len(s) > 1 && s[0] == '+' && s[1] >= '0' && s[1] <= '9' {
		s = s[1:]
	}
	return strconv.ParseUint(s, 10, 8)
}

// Run the program in a loop until it finishes or an error occurs. The
// context is only checked between commands.
func (i *Interpreter) RunContext(ctx context.Context) error {
	for !i.Done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := i.Step(); err != nil {
			return err
		}
	}
	if i.tracing() {
		log.G(ctx).WithField("steps", i.steps).Debug("program finished")
	}
	return nil
}

func (i *Interpreter) Run() error {
	return i.RunContext(context.Background())
}
