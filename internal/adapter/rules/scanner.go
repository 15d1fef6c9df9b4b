package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenType int

const (
	tokEOF tokenType = iota
	tokNumber
	tokString
	tokIdent
	tokTrue
	tokFalse
	tokAnd
	tokOr
	tokNot
	tokIn
	tokLT
	tokLE
	tokGT
	tokGE
	tokEQ
	tokNE
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

var tokenNames = map[tokenType]string{
	tokEOF: "end of input", tokNumber: "number", tokString: "string",
	tokIdent: "identifier", tokTrue: "true", tokFalse: "false",
	tokAnd: "AND", tokOr: "OR", tokNot: "NOT", tokIn: "IN",
	tokLT: "<", tokLE: "<=", tokGT: ">", tokGE: ">=", tokEQ: "==", tokNE: "!=",
	tokLParen: "(", tokRParen: ")", tokLBracket: "[", tokRBracket: "]", tokComma: ",",
}

func (t tokenType) String() string { return tokenNames[t] }

type token struct {
	typ  tokenType
	text string
	num  float64
	pos  int
}

var keywords = map[string]tokenType{
	"AND": tokAnd, "OR": tokOr, "NOT": tokNot, "IN": tokIn,
	"true": tokTrue, "false": tokFalse,
}

// scan tokenizes a condition string. Anything outside the closed grammar is
// rejected here so bad rules fail at load, never at evaluation.
func scan(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{typ: tokLParen, pos: i})
			i++
		case c == ')':
			toks = append(toks, token{typ: tokRParen, pos: i})
			i++
		case c == '[':
			toks = append(toks, token{typ: tokLBracket, pos: i})
			i++
		case c == ']':
			toks = append(toks, token{typ: tokRBracket, pos: i})
			i++
		case c == ',':
			toks = append(toks, token{typ: tokComma, pos: i})
			i++
		case c == '<':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{typ: tokLE, pos: i})
				i += 2
			} else {
				toks = append(toks, token{typ: tokLT, pos: i})
				i++
			}
		case c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{typ: tokGE, pos: i})
				i += 2
			} else {
				toks = append(toks, token{typ: tokGT, pos: i})
				i++
			}
		case c == '=':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{typ: tokEQ, pos: i})
				i += 2
			} else {
				return nil, fmt.Errorf("pos %d: assignment is not allowed, use ==", i)
			}
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{typ: tokNE, pos: i})
				i += 2
			} else {
				return nil, fmt.Errorf("pos %d: unexpected %q", i, c)
			}
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("pos %d: unterminated string", i)
			}
			toks = append(toks, token{typ: tokString, text: src[i+1 : j], pos: i})
			i = j + 1
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			f, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("pos %d: bad number %q", i, src[i:j])
			}
			toks = append(toks, token{typ: tokNumber, num: f, text: src[i:j], pos: i})
			i = j
		case isIdentStart(rune(c)):
			j := i
			for j < len(src) && isIdentPart(rune(src[j])) {
				j++
			}
			word := src[i:j]
			if kw, ok := keywords[word]; ok {
				toks = append(toks, token{typ: kw, text: word, pos: i})
			} else if kw, ok := keywords[strings.ToUpper(word)]; ok && isOperatorWord(word) {
				// and/or/not/in in any case are operators, never identifiers
				toks = append(toks, token{typ: kw, text: word, pos: i})
			} else {
				toks = append(toks, token{typ: tokIdent, text: word, pos: i})
			}
			i = j
		default:
			return nil, fmt.Errorf("pos %d: unexpected %q", i, c)
		}
	}
	toks = append(toks, token{typ: tokEOF, pos: len(src)})
	return toks, nil
}

func isOperatorWord(w string) bool {
	switch strings.ToUpper(w) {
	case "AND", "OR", "NOT", "IN":
		return true
	}
	return false
}

func isIdentStart(r rune) bool { return unicode.IsLetter(r) || r == '_' }

func isIdentPart(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' }
