// Package filegen turns a file marker in a model reply into a downloadable
// file, subject to the caller's plan.
//
// The marker wraps the file body:
//
//	[[file type="csv" name="report.csv"]]
//	a,b
//	1,2
//	[[/file]]
package filegen

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"chatcore/internal/apperr"
	"chatcore/internal/plans"
)

// Types lists every renderable file type.
var Types = []string{"txt", "md", "csv", "json", "html"}

var contentTypes = map[string]string{
	"txt":  "text/plain; charset=utf-8",
	"md":   "text/markdown; charset=utf-8",
	"csv":  "text/csv; charset=utf-8",
	"json": "application/json",
	"html": "text/html; charset=utf-8",
}

var (
	markerRe = regexp.MustCompile(`(?s)\[\[file\s+([^\]]*)\]\]\s*\n?(.*?)\n?\s*\[\[/file\]\]`)
	attrRe   = regexp.MustCompile(`(\w+)\s*=\s*"([^"]*)"`)
	unsafeRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// Marker is a parsed file marker.
type Marker struct {
	Type    string
	Name    string
	Content string
}

// File is a rendered file.
type File struct {
	Name        string
	Type        string
	ContentType string
	Data        []byte
}

// Parse finds the first file marker in reply.
func Parse(reply string) (Marker, bool) {
	m := markerRe.FindStringSubmatch(reply)
	if m == nil {
		return Marker{}, false
	}
	mk := Marker{Content: m[2]}
	for _, a := range attrRe.FindAllStringSubmatch(m[1], -1) {
		switch strings.ToLower(a[1]) {
		case "type":
			mk.Type = normalizeType(a[2])
		case "name":
			mk.Name = a[2]
		}
	}
	if mk.Type == "" {
		mk.Type = normalizeType(path.Ext(mk.Name))
	}
	if mk.Type == "" {
		return Marker{}, false
	}
	mk.Name = safeName(mk.Name, mk.Type)
	return mk, true
}

// Authorize checks the plan's file generation permissions for a file of
// size bytes.
func Authorize(plan plans.Plan, mk Marker, size int) error {
	fg := plan.FileGeneration
	if !fg.Enabled {
		return apperr.Policy(apperr.CodeFileGenDisabled, "File generation is not enabled for your plan")
	}
	if !plan.AllowsFileType(mk.Type) {
		return apperr.Policy(apperr.CodeFileTypeNotAllowed, fmt.Sprintf("File type %q is not allowed for your plan", mk.Type))
	}
	if fg.MaxBytes > 0 && size > fg.MaxBytes {
		return apperr.Policy(apperr.CodeFileTooLarge, fmt.Sprintf("Generated file exceeds %d bytes", fg.MaxBytes))
	}
	return nil
}

// Render produces the file bytes for mk. csv and json bodies are
// validated and normalized.
func Render(mk Marker) (File, error) {
	ct, ok := contentTypes[mk.Type]
	if !ok {
		return File{}, fmt.Errorf("unsupported file type %q", mk.Type)
	}
	f := File{Name: safeName(mk.Name, mk.Type), Type: mk.Type, ContentType: ct}

	switch mk.Type {
	case "csv":
		data, err := normalizeCSV(mk.Content)
		if err != nil {
			return File{}, err
		}
		f.Data = data
	case "json":
		var buf bytes.Buffer
		if err := json.Indent(&buf, []byte(strings.TrimSpace(mk.Content)), "", "  "); err != nil {
			return File{}, fmt.Errorf("invalid json: %w", err)
		}
		buf.WriteByte('\n')
		f.Data = buf.Bytes()
	case "html":
		data, err := normalizeHTML(mk.Content)
		if err != nil {
			return File{}, err
		}
		f.Data = data
	default:
		f.Data = []byte(mk.Content)
	}
	return f, nil
}

func normalizeCSV(content string) ([]byte, error) {
	r := csv.NewReader(strings.NewReader(strings.TrimSpace(content)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("invalid csv: no rows")
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalizeHTML parses the body and renders it back as a full document.
func normalizeHTML(content string) ([]byte, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("invalid html: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n")
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.DoctypeNode {
			continue
		}
		if err := html.Render(&buf, c); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "."))
	switch t {
	case "text":
		return "txt"
	case "markdown":
		return "md"
	case "htm":
		return "html"
	}
	return t
}

// safeName strips directories and unsafe characters and makes the
// extension match the type.
func safeName(name, typ string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeRe.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "file"
	}
	if normalizeType(path.Ext(name)) != typ {
		name = strings.TrimSuffix(name, path.Ext(name)) + "." + typ
	}
	return name
}
