package agent

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuoted
	tokString
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

func (t token) is(word string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, word)
}

func (t token) punct(p string) bool {
	return t.kind == tokPunct && t.text == p
}

func (t token) ident() bool {
	if t.kind == tokQuoted {
		return true
	}
	if t.kind != tokWord || t.text == "" {
		return false
	}
	r := rune(t.text[0])
	return unicode.IsLetter(r) || r == '_'
}

// tokenizeSQL splits sql into words, quoted identifiers, string literals and
// punctuation. Comments and whitespace are dropped.
func tokenizeSQL(sql string) ([]token, error) {
	var toks []token
	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end == -1 {
				return nil, errors.New("unterminated comment")
			}
			i += end + 4
		case c == '\'' || c == '"':
			j := i + 1
			var sb strings.Builder
			for {
				if j >= len(sql) {
					return nil, errors.New("unterminated quoted text")
				}
				if sql[j] == c {
					if j+1 < len(sql) && sql[j+1] == c {
						sb.WriteByte(c)
						j += 2
						continue
					}
					break
				}
				sb.WriteByte(sql[j])
				j++
			}
			kind := tokString
			if c == '"' {
				kind = tokQuoted
			}
			toks = append(toks, token{kind: kind, text: sb.String()})
			i = j + 1
		case c == '$' && i+1 < len(sql) && sql[i+1] == '$':
			end := strings.Index(sql[i+2:], "$$")
			if end == -1 {
				return nil, errors.New("unterminated dollar-quoted string")
			}
			toks = append(toks, token{kind: tokString, text: sql[i+2 : i+2+end]})
			i += end + 4
		case isWordByte(c):
			j := i
			for j < len(sql) && isWordByte(sql[j]) {
				j++
			}
			toks = append(toks, token{kind: tokWord, text: sql[i:j]})
			i = j
		default:
			toks = append(toks, token{kind: tokPunct, text: string(c)})
			i++
		}
	}
	return toks, nil
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Words that end a table reference instead of aliasing it.
var clauseWords = map[string]struct{}{
	"where": {}, "join": {}, "inner": {}, "left": {}, "right": {}, "full": {}, "outer": {},
	"cross": {}, "natural": {}, "on": {}, "using": {}, "group": {}, "order": {}, "limit": {},
	"having": {}, "union": {}, "except": {}, "intersect": {}, "window": {}, "qualify": {},
	"offset": {}, "select": {}, "from": {}, "lateral": {}, "positional": {}, "asof": {},
	"anti": {}, "semi": {}, "pivot": {}, "unpivot": {}, "tablesample": {}, "using_sample": {},
	"fetch": {}, "returning": {}, "values": {},
}

// queryStarts are the words a read-only statement may begin with.
var queryStarts = []string{"select", "with", "from", "values"}

type scopeScanner struct {
	toks []token
	ctes map[string]struct{}
	refs []string
	err  error
}

// ReferencedTables returns the tables named in FROM and JOIN clauses of a
// single read-only statement, excluding common table expressions. Table
// functions such as read_csv are reported by name; row generators such as
// range and unnest are not. Statements that are not
// a single SELECT or WITH query are rejected.
func ReferencedTables(sql string) ([]string, error) {
	toks, err := tokenizeSQL(sql)
	if err != nil {
		return nil, err
	}
	for len(toks) > 0 && toks[len(toks)-1].punct(";") {
		toks = toks[:len(toks)-1]
	}
	if len(toks) == 0 {
		return nil, errors.New("empty statement")
	}
	for _, t := range toks {
		if t.punct(";") {
			return nil, errors.New("only a single statement is allowed")
		}
	}
	if !startsQuery(toks, 0) {
		return nil, fmt.Errorf("only read-only SELECT statements are allowed, got %q", toks[0].text)
	}

	s := &scopeScanner{toks: toks, ctes: map[string]struct{}{}}
	s.scan(0, len(toks), true)
	if s.err != nil {
		return nil, s.err
	}

	var out []string
	seen := map[string]struct{}{}
	for _, ref := range s.refs {
		key := strings.ToLower(ref)
		if _, isCTE := s.ctes[key]; isCTE {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ref)
	}
	return out, nil
}

// CheckScope returns the tables referenced by sql and fails when any of them
// is not in scope.
func CheckScope(sql string, scope []string) ([]string, error) {
	refs, err := ReferencedTables(sql)
	if err != nil {
		return nil, err
	}
	var outside []string
	for _, ref := range refs {
		if !slices.ContainsFunc(scope, func(s string) bool { return strings.EqualFold(s, ref) }) {
			outside = append(outside, ref)
		}
	}
	if len(outside) > 0 {
		return refs, fmt.Errorf("statement references tables outside the candidate set: %s (allowed: %s)",
			strings.Join(outside, ", "), strings.Join(scope, ", "))
	}
	return refs, nil
}

func startsQuery(toks []token, i int) bool {
	for i < len(toks) && toks[i].punct("(") {
		i++
	}
	if i >= len(toks) {
		return false
	}
	for _, w := range queryStarts {
		if toks[i].is(w) {
			return true
		}
	}
	return false
}

// matching returns the index of the parenthesis closing the one at open.
func (s *scopeScanner) matching(open int) int {
	depth := 0
	for i := open; i < len(s.toks); i++ {
		switch {
		case s.toks[i].punct("("):
			depth++
		case s.toks[i].punct(")"):
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	if s.err == nil {
		s.err = errors.New("unbalanced parentheses")
	}
	return len(s.toks) - 1
}

// scan walks toks[lo:hi]. FROM and JOIN only introduce tables in a query
// context, which excludes function arguments such as EXTRACT(year FROM d).
func (s *scopeScanner) scan(lo, hi int, queryCtx bool) {
	for i := lo; i < hi && s.err == nil; {
		t := s.toks[i]
		switch {
		case t.punct("("):
			end := s.matching(i)
			s.scan(i+1, end, startsQuery(s.toks[:end], i+1))
			i = end + 1
		case queryCtx && t.is("with"):
			i = s.cteList(i+1, hi)
		case queryCtx && t.is("from") && i > lo && s.toks[i-1].is("distinct"):
			i++ // IS [NOT] DISTINCT FROM
		case queryCtx && (t.is("from") || t.is("join")):
			i = s.fromList(i+1, hi)
		default:
			i++
		}
	}
}

// cteList records the names in a WITH clause and scans their bodies.
func (s *scopeScanner) cteList(i, hi int) int {
	if i < hi && s.toks[i].is("recursive") {
		i++
	}
	for i < hi && s.err == nil {
		if !s.toks[i].ident() {
			return i
		}
		s.ctes[strings.ToLower(s.toks[i].text)] = struct{}{}
		i++
		if i < hi && s.toks[i].punct("(") {
			i = s.matching(i) + 1
		}
		if i < hi && s.toks[i].is("as") {
			i++
		}
		for i < hi && (s.toks[i].is("not") || s.toks[i].is("materialized")) {
			i++
		}
		if i >= hi || !s.toks[i].punct("(") {
			s.err = errors.New("malformed WITH clause")
			return hi
		}
		end := s.matching(i)
		if !startsQuery(s.toks[:end], i+1) {
			s.err = errors.New("only read-only queries are allowed in WITH clauses")
			return hi
		}
		s.scan(i+1, end, true)
		i = end + 1
		if i < hi && s.toks[i].punct(",") {
			i++
			continue
		}
		if !startsQuery(s.toks[:hi], i) {
			s.err = errors.New("only read-only SELECT statements are allowed after WITH")
			return hi
		}
		return i
	}
	return i
}

// fromList records the table references following FROM or JOIN, including
// comma-separated lists.
func (s *scopeScanner) fromList(i, hi int) int {
	for i < hi && s.err == nil {
		if s.toks[i].is("lateral") {
			i++
		}
		if i >= hi {
			return i
		}
		t := s.toks[i]
		switch {
		case t.punct("("):
			end := s.matching(i)
			s.scan(i+1, end, true)
			i = end + 1
		case t.ident() && !isClauseWord(t):
			name, next := s.qualifiedName(i, hi)
			if !(next == i+1 && next < hi && s.toks[next].punct("(") && isGenerator(t)) {
				s.refs = append(s.refs, name)
			}
			i = next
			if i < hi && s.toks[i].punct("(") {
				end := s.matching(i)
				s.scan(i+1, end, startsQuery(s.toks[:end], i+1))
				i = end + 1
			}
		default:
			return i
		}

		if i < hi && s.toks[i].is("as") {
			i++
		}
		if i < hi && s.toks[i].ident() && !isClauseWord(s.toks[i]) {
			i++
			if i < hi && s.toks[i].punct("(") {
				i = s.matching(i) + 1
			}
		}
		if i < hi && s.toks[i].punct(",") {
			i++
			continue
		}
		return i
	}
	return i
}

// qualifiedName reads a dotted name and returns its last component.
func (s *scopeScanner) qualifiedName(i, hi int) (string, int) {
	name := s.toks[i].text
	i++
	for i+1 < hi && s.toks[i].punct(".") && s.toks[i+1].ident() {
		name = s.toks[i+1].text
		i += 2
	}
	return name, i
}

// generatorFunctions produce rows without reading any table.
var generatorFunctions = map[string]struct{}{
	"range":           {},
	"generate_series": {},
	"unnest":          {},
}

func isGenerator(t token) bool {
	if t.kind != tokWord {
		return false
	}
	_, ok := generatorFunctions[strings.ToLower(t.text)]
	return ok
}

func isClauseWord(t token) bool {
	if t.kind != tokWord {
		return false
	}
	_, ok := clauseWords[strings.ToLower(t.text)]
	return ok
}
