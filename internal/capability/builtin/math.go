package builtin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"chatcore/internal/cache"
	"chatcore/internal/capability"
	"chatcore/internal/intent"
	"chatcore/internal/logging"
)

// MathResult is a solved expression.
type MathResult struct {
	Expression string  `json:"expression"`
	Value      float64 `json:"value"`
}

// MathSolver evaluates arithmetic found in the turn. Solutions are cached.
func MathSolver(store cache.Store, ttl time.Duration) *capability.Descriptor {
	return &capability.Descriptor{
		ID:          MathSolverID,
		Description: "Evaluates arithmetic expressions with + - * / ^ and parentheses",
		Kind:        capability.KindTool,
		Enabled:     true,
		Intents:     []intent.Label{intent.Math},
		Triggers:    []string{"calculate", "compute", "solve", "how much is"},
		Schema: capability.Schema{
			Required: []string{"expression"},
			Properties: map[string]capability.Property{
				"expression": {Type: "string", Description: "Arithmetic expression to evaluate"},
			},
		},
		Suggest: func(text string, _ intent.Result) capability.Params {
			if expr := ExtractExpression(text); expr != "" {
				return capability.Params{"expression": expr}
			}
			return capability.Params{}
		},
		Handler: func(ctx context.Context, p capability.Params) (capability.Output, error) {
			expr := strings.TrimSpace(p.String("expression"))
			if expr == "" {
				return capability.Output{Declined: true, Reason: "no expression"}, nil
			}
			key := cache.Key("math", expr)
			var res MathResult
			if store != nil {
				if ok, _ := cache.GetJSON(ctx, store, key, &res); ok {
					return mathOutput(res), nil
				}
			}
			v, err := Evaluate(expr)
			if err != nil {
				return capability.Output{}, err
			}
			res = MathResult{Expression: expr, Value: v}
			if store != nil {
				if err := cache.SetJSON(ctx, store, key, res, ttl); err != nil {
					logging.CapabilityWarn("caching math result failed: %v", err)
				}
			}
			return mathOutput(res), nil
		},
	}
}

func mathOutput(r MathResult) capability.Output {
	value := strconv.FormatFloat(r.Value, 'g', 12, 64)
	return capability.Output{
		Text: r.Expression + " = " + value,
		Data: map[string]any{"expression": r.Expression, "value": r.Value},
	}
}

// ExtractExpression returns the longest run of arithmetic characters in
// text that contains at least one digit and one operator.
func ExtractExpression(text string) string {
	isExprRune := func(r rune) bool {
		return unicode.IsDigit(r) || strings.ContainsRune("+-*/^()., ×÷", r)
	}
	best := ""
	var cur strings.Builder
	flush := func() {
		s := strings.TrimSpace(strings.Trim(cur.String(), " .,"))
		cur.Reset()
		if len(s) > len(best) && strings.ContainsAny(s, "0123456789") && strings.ContainsAny(s, "+-*/^×÷") {
			best = s
		}
	}
	for _, r := range text {
		if isExprRune(r) {
			cur.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return best
}

var (
	errUnexpectedEnd = errors.New("unexpected end of expression")
	errDivideByZero  = errors.New("division by zero")
)

// Evaluate parses and computes an arithmetic expression.
func Evaluate(expr string) (float64, error) {
	p := &exprParser{src: []rune(expr)}
	v, err := p.parseSum()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return 0, fmt.Errorf("unexpected %q at %d", p.src[p.pos], p.pos)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("result is not a finite number")
	}
	return v, nil
}

// exprParser is a recursive-descent parser:
//
//	sum     = product { ("+" | "-") product }
//	product = power { ("*" | "/") power }
//	power   = unary [ "^" power ]
//	unary   = "-" unary | primary
//	primary = number | "(" sum ")"
type exprParser struct {
	src []rune
	pos int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *exprParser) peek() (rune, bool) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0, false
	}
	return p.src[p.pos], true
}

func (p *exprParser) parseSum() (float64, error) {
	left, err := p.parseProduct()
	if err != nil {
		return 0, err
	}
	for {
		r, ok := p.peek()
		if !ok || (r != '+' && r != '-') {
			return left, nil
		}
		p.pos++
		right, err := p.parseProduct()
		if err != nil {
			return 0, err
		}
		if r == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *exprParser) parseProduct() (float64, error) {
	left, err := p.parsePower()
	if err != nil {
		return 0, err
	}
	for {
		r, ok := p.peek()
		if !ok || (r != '*' && r != '/' && r != '×' && r != '÷') {
			return left, nil
		}
		p.pos++
		right, err := p.parsePower()
		if err != nil {
			return 0, err
		}
		if r == '*' || r == '×' {
			left *= right
			continue
		}
		if right == 0 {
			return 0, errDivideByZero
		}
		left /= right
	}
}

func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	if r, ok := p.peek(); ok && r == '^' {
		p.pos++
		exp, err := p.parsePower()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) parseUnary() (float64, error) {
	if r, ok := p.peek(); ok && r == '-' {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (float64, error) {
	r, ok := p.peek()
	if !ok {
		return 0, errUnexpectedEnd
	}
	if r == '(' {
		p.pos++
		v, err := p.parseSum()
		if err != nil {
			return 0, err
		}
		if r, ok := p.peek(); !ok || r != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}
	start := p.pos
	for p.pos < len(p.src) && (unicode.IsDigit(p.src[p.pos]) || p.src[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("unexpected %q at %d", r, p.pos)
	}
	return strconv.ParseFloat(string(p.src[start:p.pos]), 64)
}
