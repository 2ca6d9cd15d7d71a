package bf

import "strings"

// Command is a single instruction of a program. Its value is the source
// symbol it was lexed from.
type Command rune

const (
	Right     Command = '>'
	Left      Command = '<'
	Increment Command = '+'
	Decrement Command = '-'
	Output    Command = '.'
	Input     Command = ','
	LoopStart Command = '['
	LoopEnd   Command = ']'
	Ignore    Command = ' '
)

func parse(c rune) Command {
	switch c {
	case '>':
		return Right
	case '<':
		return Left
	case '+':
		return Increment
	case '-':
		return Decrement
	case '.':
		return Output
	case ',':
		return Input
	case '[':
		return LoopStart
	case ']':
		return LoopEnd
	default:
		return Ignore
	}
}

func (c Command) String() string {
	if c == Ignore || parse(rune(c)) == Ignore {
		return " "
	}
	return string(rune(c))
}

// Program is the flat, ordered command sequence produced by the lexer.
type Program []Command

// String renders the program back to its canonical source.
func (p Program) String() string {
	var b strings.Builder
	b.Grow(len(p))
	for _, c := range p {
		b.WriteRune(rune(c))
	}
	return b.String()
}

// PreLex strips everything but the eight command symbols from the input.
func PreLex(input string) string {
	return Lex(input).String()
}

type Lexer struct {
	chars string
}

func NewLexer(input string) *Lexer {
	return &Lexer{
		chars: input,
	}
}

func (l *Lexer) Lex() Program {
	commands := Program{}
	for _, c := range l.chars {
		cmd := parse(c)
		if cmd != Ignore {
			commands = append(commands, cmd)
		}
	}
	return commands
}

// Lex converts source text to a program. Unrecognised characters are
// dropped, so comments and whitespace need no special syntax.
func Lex(input string) Program {
	lexer := NewLexer(input)
	return lexer.Lex()
}
