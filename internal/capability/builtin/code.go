package builtin

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"go/parser"
	"go/scanner"
	"go/token"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"chatcore/internal/capability"
	"chatcore/internal/intent"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

var fencedBlock = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\\s*\\n(.*?)```")

// allowedPackages are the stdlib packages a snippet may import. Anything
// with filesystem, process or network access is excluded.
var allowedPackages = map[string]bool{
	"bytes":           true,
	"cmp":             true,
	"encoding/base64": true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"maps":            true,
	"math":            true,
	"math/bits":       true,
	"regexp":          true,
	"slices":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
	"unicode/utf8":    true,
}

// sandboxSymbols is the subset of stdlib.Symbols the interpreter is given.
// Packages outside allowedPackages do not exist for a snippet, whatever it
// manages to import.
var sandboxSymbols = func() interp.Exports {
	out := interp.Exports{}
	for key, syms := range stdlib.Symbols {
		// "." carries the fmt/log interface wrappers, not a package.
		if key == "." || allowedPackages[path.Dir(key)] {
			out[key] = syms
		}
	}
	return out
}()

// autoImports are imported for bare snippets that reference them.
var autoImports = []string{"fmt", "strings", "strconv", "math", "sort", "time", "errors", "unicode"}

// ExecResult is the outcome of running a snippet.
type ExecResult struct {
	Stdout  string        `json:"stdout"`
	Stderr  string        `json:"stderr"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// CodeRunner interprets fenced Go snippets.
func CodeRunner() *capability.Descriptor {
	return &capability.Descriptor{
		ID:          CodeRunnerID,
		Description: "Runs a Go snippet in an interpreter and reports stdout, stderr and timing",
		Kind:        capability.KindTool,
		Enabled:     true,
		Intents:     []intent.Label{intent.Code},
		Triggers:    []string{"```go", "```golang", "run this", "what does this print"},
		Schema: capability.Schema{
			Required: []string{"source"},
			Properties: map[string]capability.Property{
				"source":   {Type: "string", Description: "Go source code"},
				"language": {Type: "string", Description: "Language tag of the code block", Default: "go"},
			},
		},
		Suggest: func(text string, _ intent.Result) capability.Params {
			lang, src, ok := ExtractCode(text)
			if !ok {
				return capability.Params{}
			}
			return capability.Params{"source": src, "language": lang}
		},
		Handler: runCode,
	}
}

func runCode(ctx context.Context, p capability.Params) (capability.Output, error) {
	lang := strings.ToLower(p.String("language"))
	if lang != "" && lang != "go" && lang != "golang" {
		return capability.Output{Declined: true, Reason: "only Go snippets can run"}, nil
	}
	src := p.String("source")
	forbidden, err := forbiddenImports(src)
	if err != nil {
		return capability.Output{Declined: true, Reason: err.Error()}, nil
	}
	if len(forbidden) > 0 {
		return capability.Output{Declined: true, Reason: "forbidden imports: " + strings.Join(forbidden, ", ")}, nil
	}

	res := RunGo(ctx, src)
	data := map[string]any{
		"stdout":     res.Stdout,
		"stderr":     res.Stderr,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	}
	if res.Error != "" {
		data["error"] = res.Error
	}
	text := fmt.Sprintf("stdout:\n%s\nstderr:\n%s\nelapsed: %v", res.Stdout, res.Stderr, res.Elapsed.Round(time.Microsecond))
	if res.Error != "" {
		text += "\nerror: " + res.Error
	}
	return capability.Output{Text: text, Data: data}, nil
}

// RunGo interprets src and captures its output. Compile and runtime errors
// are reported in the result rather than returned, since a failing snippet
// is still a useful answer.
func RunGo(ctx context.Context, src string) ExecResult {
	var stdout, stderr bytes.Buffer
	start := time.Now()

	// An empty source filesystem keeps imports from resolving to Go source
	// on disk.
	i := interp.New(interp.Options{Stdout: &stdout, Stderr: &stderr, SourcecodeFilesystem: embed.FS{}})
	res := ExecResult{}
	if err := i.Use(sandboxSymbols); err != nil {
		res.Error = err.Error()
		return res
	}

	var err error
	if hasPackageClause(src) {
		_, err = i.EvalWithContext(ctx, src)
	} else {
		for _, pkg := range autoImports {
			if strings.Contains(src, pkg+".") {
				if _, err = i.EvalWithContext(ctx, `import "`+pkg+`"`); err != nil {
					break
				}
			}
		}
		if err == nil {
			_, err = i.EvalWithContext(ctx, src)
		}
	}

	res.Elapsed = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// forbiddenImports lists imported packages outside the allowlist. Bare
// snippets are parsed as if they followed a package clause.
func forbiddenImports(src string) ([]string, error) {
	file := src
	if !hasPackageClause(src) {
		file = "package main\n" + src
	}
	f, err := parser.ParseFile(token.NewFileSet(), "snippet.go", file, parser.ImportsOnly)
	if err != nil {
		return nil, fmt.Errorf("imports do not parse: %w", err)
	}
	// ImportsOnly stops at the first other declaration, so any import
	// keyword past that point would go unchecked.
	if countImportKeywords(file) > len(f.Decls) {
		return nil, fmt.Errorf("imports must precede code")
	}

	var forbidden []string
	for _, spec := range f.Imports {
		pkg, err := strconv.Unquote(spec.Path.Value)
		if err != nil || !allowedPackages[pkg] {
			forbidden = append(forbidden, strings.Trim(spec.Path.Value, "\"`"))
		}
	}
	return forbidden, nil
}

// hasPackageClause reports whether the first token of src is "package".
func hasPackageClause(src string) bool {
	var s scanner.Scanner
	fset := token.NewFileSet()
	s.Init(fset.AddFile("", fset.Base(), len(src)), []byte(src), nil, 0)
	_, tok, _ := s.Scan()
	return tok == token.PACKAGE
}

func countImportKeywords(src string) int {
	var s scanner.Scanner
	fset := token.NewFileSet()
	s.Init(fset.AddFile("", fset.Base(), len(src)), []byte(src), nil, 0)
	n := 0
	for {
		_, tok, _ := s.Scan()
		if tok == token.EOF {
			return n
		}
		if tok == token.IMPORT {
			n++
		}
	}
}

// ExtractCode returns the first fenced code block and its language tag.
func ExtractCode(text string) (lang, src string, ok bool) {
	m := fencedBlock.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	return strings.ToLower(m[1]), strings.TrimSpace(m[2]), true
}
