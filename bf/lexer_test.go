package bf_test

import (
	"testing"

	"github.com/MarcinKonowalczyk/bfvm/bf"
	"github.com/MarcinKonowalczyk/bfvm/utils"
)

func TestPreLex(t *testing.T) {
	input := "++\n\n--<    >.,[hello sailor]"
	expected := "++--<>.,[]"
	result := bf.PreLex(input)
	utils.AssertEqual(t, result, expected)
}

func TestLex(t *testing.T) {
	input := "><+-.,[]"
	expected := bf.Program{
		bf.Right,
		bf.Left,
		bf.Increment,
		bf.Decrement,
		bf.Output,
		bf.Input,
		bf.LoopStart,
		bf.LoopEnd,
	}
	result := bf.Lex(input)
	utils.AssertDeepEqual(t, expected, result)
}

func TestLex_Empty(t *testing.T) {
	utils.AssertEqual(t, len(bf.Lex("")), 0)
	utils.AssertEqual(t, len(bf.Lex("no commands here, oh wait")), 1)
}

func TestLex_KeepsOrderAndCount(t *testing.T) {
	inputs := []string{
		"hello world",
		"+ + + [ - ] # comment > < \t\r\n",
		"ünïcödé +-[]",
		"[[[]]]...,,,",
		"a>b<c+d-e.f,g[h]i",
	}
	for _, input := range inputs {
		program := bf.Lex(input)
		var recognised []rune
		for _, c := range input {
			switch c {
			case '>', '<', '+', '-', '.', ',', '[', ']':
				recognised = append(recognised, c)
			}
		}
		utils.AssertEqual(t, len(program), len(recognised))
		utils.AssertEqual(t, program.String(), string(recognised))
	}
}

func TestCommand_String(t *testing.T) {
	utils.AssertEqual(t, bf.LoopStart.String(), "[")
	utils.AssertEqual(t, bf.Output.String(), ".")
	utils.AssertEqual(t, bf.Ignore.String(), " ")
	utils.AssertEqual(t, bf.Command('x').String(), " ")
}

func TestLexer_Reuse(t *testing.T) {
	lexer := bf.NewLexer("+[>]")
	utils.AssertDeepEqual(t, lexer.Lex(), lexer.Lex())
}
