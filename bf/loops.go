package bf

import (
	"errors"
	"fmt"
)

var (
	ErrUnbalancedLoop = errors.New("unbalanced loop")
	ErrUnknownCommand = errors.New("unknown command")
)

// UnbalancedLoopError reports the command index of a bracket without a
// partner: an unmatched LoopEnd, or the earliest LoopStart left open.
type UnbalancedLoopError struct {
	Position int
}

func (e *UnbalancedLoopError) Error() string {
	return fmt.Sprintf("unbalanced loop at position %d", e.Position)
}

func (e *UnbalancedLoopError) Unwrap() error {
	return ErrUnbalancedLoop
}

// UnknownCommandError reports a program entry that is none of the eight
// commands, such as Ignore in a hand-built Program.
type UnknownCommandError struct {
	Position int
	Command  Command
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q at position %d", rune(e.Command), e.Position)
}

func (e *UnknownCommandError) Unwrap() error {
	return ErrUnknownCommand
}

// Validate checks that the program holds only the eight commands and
// that every LoopStart has a matching LoopEnd and vice versa.
func Validate(program Program) error {
	_, err := matchLoops(program)
	return err
}

// matchLoops returns, for every bracket position, the position of its
// partner. Other positions hold -1.
func matchLoops(program Program) ([]int, error) {
	jumps := make([]int, len(program))
	var open []int
	for j, c := range program {
		jumps[j] = -1
		switch c {
		case LoopStart:
			open = append(open, j)
		case LoopEnd:
			if len(open) == 0 {
				return nil, &UnbalancedLoopError{Position: j}
			}
			start := open[len(open)-1]
			open = open[:len(open)-1]
			jumps[start] = j
			jumps[j] = start
		case Right, Left, Increment, Decrement, Output, Input:
		default:
			return nil, &UnknownCommandError{Position: j, Command: c}
		}
	}
	if len(open) > 0 {
		return nil, &UnbalancedLoopError{Position: open[0]}
	}
	return jumps, nil
}

// scanForward finds the LoopEnd matching the LoopStart at from.
func scanForward(program Program, from int) (int, error) {
	depth := 1
	for j := from + 1; j < len(program); j++ {
		switch program[j] {
		case LoopStart:
			depth++
		case LoopEnd:
			depth--
			if depth == 0 {
				return j, nil
			}
		}
	}
	return -1, &UnbalancedLoopError{Position: from}
}

// scanBackward finds the LoopStart matching the LoopEnd at from.
func scanBackward(program Program, from int) (int, error) {
	depth := 1
	for j := from - 1; j >= 0; j-- {
		switch program[j] {
		case LoopEnd:
			depth++
		case LoopStart:
			depth--
			if depth == 0 {
				return j, nil
			}
		}
	}
	return -1, &UnbalancedLoopError{Position: from}
}
