package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Condition 编译后的路由条件表达式。
//
// 语法：比较 == != > < >= <=、contains，逻辑 && || !，括号，
// 数字/字符串/true/false 字面量，以及 result.summary 这样的点路径变量。
type Condition struct {
	src  string
	root node
}

// CompileCondition 解析表达式
func CompileCondition(src string) (*Condition, error) {
	lex, err := lexCondition(src)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", src, err)
	}
	if len(lex) == 0 {
		return nil, fmt.Errorf("condition is empty")
	}
	p := &condParser{items: lex}
	root, err := p.or()
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", src, err)
	}
	if !p.done() {
		return nil, fmt.Errorf("condition %q: unexpected %q", src, p.items[p.pos].text)
	}
	return &Condition{src: src, root: root}, nil
}

// String 返回源表达式
func (c *Condition) String() string { return c.src }

// Match 对变量求值
func (c *Condition) Match(vars map[string]any) bool {
	return truthy(c.root.eval(vars))
}

type node interface {
	eval(vars map[string]any) any
}

type literal struct{ v any }
type variable struct{ path []string }
type notNode struct{ x node }
type logicNode struct {
	and  bool
	l, r node
}
type compareNode struct {
	op   string
	l, r node
}

func (n literal) eval(map[string]any) any { return n.v }

func (n variable) eval(vars map[string]any) any {
	var cur any = vars
	for _, key := range n.path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = m[key]; !ok {
			return nil
		}
	}
	return cur
}

func (n notNode) eval(vars map[string]any) any { return !truthy(n.x.eval(vars)) }

func (n logicNode) eval(vars map[string]any) any {
	l := truthy(n.l.eval(vars))
	if n.and {
		return l && truthy(n.r.eval(vars))
	}
	return l || truthy(n.r.eval(vars))
}

func (n compareNode) eval(vars map[string]any) any {
	return compare(n.op, n.l.eval(vars), n.r.eval(vars))
}

// compare 数值优先比较，否则按字符串比较；nil 只与 nil 相等
func compare(op string, l, r any) bool {
	if op == "contains" {
		return l != nil && r != nil && strings.Contains(fmt.Sprint(l), fmt.Sprint(r))
	}
	if l == nil || r == nil {
		switch op {
		case "==":
			return l == nil && r == nil
		case "!=":
			return !(l == nil && r == nil)
		}
		return false
	}

	var c int
	lf, lok := number(l)
	rf, rok := number(r)
	switch {
	case lok && rok:
		c = cmpOrdered(lf, rf)
	default:
		if lb, ok := l.(bool); ok {
			if rb, ok := r.(bool); ok && (op == "==" || op == "!=") {
				return (lb == rb) == (op == "==")
			}
		}
		c = strings.Compare(fmt.Sprint(l), fmt.Sprint(r))
	}

	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case ">":
		return c > 0
	case "<":
		return c < 0
	case ">=":
		return c >= 0
	case "<=":
		return c <= 0
	}
	return false
}

func cmpOrdered(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if f, ok := number(v); ok {
		return f != 0
	}
	return true
}

// --- lexer ---

type lexKind int

const (
	lexNum lexKind = iota
	lexStr
	lexIdent
	lexOp
	lexOpen
	lexClose
)

type lexItem struct {
	kind lexKind
	text string
}

func lexCondition(src string) ([]lexItem, error) {
	var out []lexItem
	rs := []rune(src)
	for i := 0; i < len(rs); {
		ch := rs[i]
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			out = append(out, lexItem{lexOpen, "("})
			i++
		case ch == ')':
			out = append(out, lexItem{lexClose, ")"})
			i++
		case ch == '"' || ch == '\'':
			j := i + 1
			var sb strings.Builder
			for ; j < len(rs) && rs[j] != ch; j++ {
				if rs[j] == '\\' && j+1 < len(rs) {
					j++
				}
				sb.WriteRune(rs[j])
			}
			if j >= len(rs) {
				return nil, fmt.Errorf("unterminated string at %d", i)
			}
			out = append(out, lexItem{lexStr, sb.String()})
			i = j + 1
		case strings.ContainsRune("=!<>&|", ch):
			if i+1 < len(rs) {
				two := string(rs[i : i+2])
				if two == "==" || two == "!=" || two == "<=" || two == ">=" || two == "&&" || two == "||" {
					out = append(out, lexItem{lexOp, two})
					i += 2
					continue
				}
			}
			if ch == '!' || ch == '<' || ch == '>' {
				out = append(out, lexItem{lexOp, string(ch)})
				i++
				continue
			}
			return nil, fmt.Errorf("unexpected %q at %d", ch, i)
		case unicode.IsDigit(ch) || (ch == '-' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			j := i + 1
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			out = append(out, lexItem{lexNum, string(rs[i:j])})
			i = j
		case unicode.IsLetter(ch) || ch == '_':
			j := i + 1
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '.') {
				j++
			}
			word := string(rs[i:j])
			if word == "contains" {
				out = append(out, lexItem{lexOp, word})
			} else {
				out = append(out, lexItem{lexIdent, word})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected %q at %d", ch, i)
		}
	}
	return out, nil
}

// --- parser ---

type condParser struct {
	items []lexItem
	pos   int
}

func (p *condParser) done() bool { return p.pos >= len(p.items) }

func (p *condParser) acceptOp(ops ...string) (string, bool) {
	if p.done() || p.items[p.pos].kind != lexOp {
		return "", false
	}
	for _, op := range ops {
		if p.items[p.pos].text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *condParser) or() (node, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = logicNode{and: false, l: left, r: right}
	}
}

func (p *condParser) and() (node, error) {
	left, err := p.cmp()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}
		right, err := p.cmp()
		if err != nil {
			return nil, err
		}
		left = logicNode{and: true, l: left, r: right}
	}
}

func (p *condParser) cmp() (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("==", "!=", ">=", "<=", ">", "<", "contains")
	if !ok {
		return left, nil
	}
	right, err := p.unary()
	if err != nil {
		return nil, err
	}
	return compareNode{op: op, l: left, r: right}, nil
}

func (p *condParser) unary() (node, error) {
	if _, ok := p.acceptOp("!"); ok {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return notNode{x: x}, nil
	}
	return p.primary()
}

func (p *condParser) primary() (node, error) {
	if p.done() {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	it := p.items[p.pos]
	p.pos++
	switch it.kind {
	case lexNum:
		f, err := strconv.ParseFloat(it.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", it.text)
		}
		return literal{f}, nil
	case lexStr:
		return literal{it.text}, nil
	case lexIdent:
		switch it.text {
		case "true":
			return literal{true}, nil
		case "false":
			return literal{false}, nil
		case "nil", "null":
			return literal{nil}, nil
		}
		return variable{path: strings.Split(it.text, ".")}, nil
	case lexOpen:
		inner, err := p.or()
		if err != nil {
			return nil, err
		}
		if p.done() || p.items[p.pos].kind != lexClose {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	}
	return nil, fmt.Errorf("unexpected %q", it.text)
}
