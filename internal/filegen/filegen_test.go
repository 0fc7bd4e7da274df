package filegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/apperr"
	"chatcore/internal/plans"
)

const reply = `Here is your report.

[[file type="csv" name="../../etc/report.csv"]]
name, total
"Ana, B", 10
Luis,20
[[/file]]

Let me know if you need changes.`

func TestParse(t *testing.T) {
	mk, ok := Parse(reply)
	require.True(t, ok)
	assert.Equal(t, "csv", mk.Type)
	assert.Equal(t, "report.csv", mk.Name)
	assert.Equal(t, "name, total\n\"Ana, B\", 10\nLuis,20", mk.Content)
}

func TestParseVariants(t *testing.T) {
	mk, ok := Parse(`[[file name="notes.md"]]# Title[[/file]]`)
	require.True(t, ok)
	assert.Equal(t, "md", mk.Type)
	assert.Equal(t, "# Title", mk.Content)

	mk, ok = Parse(`[[file type="text"]]hi[[/file]]`)
	require.True(t, ok)
	assert.Equal(t, "txt", mk.Type)
	assert.Equal(t, "file.txt", mk.Name)

	_, ok = Parse("no marker here")
	assert.False(t, ok)
	_, ok = Parse(`[[file name="noext"]]x[[/file]]`)
	assert.False(t, ok)
}

func TestAuthorize(t *testing.T) {
	mk := Marker{Type: "csv", Name: "r.csv"}
	plan := plans.Plan{FileGeneration: plans.FileGeneration{Enabled: true, Types: []string{"csv"}, MaxBytes: 100}}

	assert.NoError(t, Authorize(plan, mk, 100))
	assert.True(t, apperr.Is(Authorize(plan, mk, 101), apperr.KindPolicy, apperr.CodeFileTooLarge))
	assert.True(t, apperr.Is(Authorize(plan, Marker{Type: "json"}, 1), apperr.KindPolicy, apperr.CodeFileTypeNotAllowed))

	plan.FileGeneration.Enabled = false
	err := Authorize(plan, mk, 1)
	assert.True(t, apperr.Is(err, apperr.KindPolicy, apperr.CodeFileGenDisabled))
	assert.Equal(t, 403, apperr.HTTPStatus(err))
}

func TestRenderCSV(t *testing.T) {
	mk, ok := Parse(reply)
	require.True(t, ok)
	f, err := Render(mk)
	require.NoError(t, err)
	assert.Equal(t, "text/csv; charset=utf-8", f.ContentType)
	assert.Equal(t, "report.csv", f.Name)
	assert.Equal(t, "name,total\n\"Ana, B\",10\nLuis,20\n", string(f.Data))
}

func TestRenderJSON(t *testing.T) {
	f, err := Render(Marker{Type: "json", Name: "data.json", Content: `{"a":[1,2]}`})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": [\n    1,\n    2\n  ]\n}\n", string(f.Data))

	_, err = Render(Marker{Type: "json", Content: `{"a":`})
	assert.Error(t, err)
}

func TestRenderHTML(t *testing.T) {
	f, err := Render(Marker{Type: "html", Name: "page.html", Content: "<p>Hello<b>world"})
	require.NoError(t, err)
	assert.Equal(t, "<!DOCTYPE html>\n<html><head></head><body><p>Hello<b>world</b></p></body></html>", string(f.Data))
}

func TestRenderPlainAndUnsupported(t *testing.T) {
	f, err := Render(Marker{Type: "md", Name: "x", Content: "# hi"})
	require.NoError(t, err)
	assert.Equal(t, "x.md", f.Name)
	assert.Equal(t, "# hi", string(f.Data))

	_, err = Render(Marker{Type: "exe", Name: "x.exe"})
	assert.Error(t, err)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "my_report.csv", safeName("my report.csv", "csv"))
	assert.Equal(t, "evil.csv", safeName(`..\..\evil.sh`, "csv"))
	assert.Equal(t, "file.json", safeName("", "json"))
}
