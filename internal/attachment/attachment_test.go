package attachment

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"chatcore/internal/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestHTMLToText(t *testing.T) {
	in := `<html><head><title>x</title><style>p{}</style></head><body><h1>Hello</h1><p>big   <b>world</b></p><script>alert(1)</script></body></html>`
	assert.Equal(t, "Hello\nbig world", HTMLToText(in))
	assert.Equal(t, "a & b", HTMLToText("a &amp; b"))
	assert.Equal(t, "plain", HTMLToText("  plain "))
}

func TestProcessText(t *testing.T) {
	e := NewExtractor(nil, 0, 10)
	res, err := e.Process(context.Background(), Attachment{Name: "notes.md", Data: []byte("0123456789abc")})
	require.NoError(t, err)
	require.NotNil(t, res.Excerpt)
	assert.Equal(t, "0123456789", res.Excerpt.Text)
	assert.True(t, res.Excerpt.Truncated)
}

func TestProcessHTML(t *testing.T) {
	e := NewExtractor(nil, 0, 0)
	res, err := e.Process(context.Background(), Attachment{Name: "page", MIMEType: "text/html; charset=utf-8", Data: []byte("<p>hi <i>there</i></p>")})
	require.NoError(t, err)
	assert.Equal(t, "hi there", res.Excerpt.Text)
}

func TestProcessImage(t *testing.T) {
	e := NewExtractor(nil, 0, 0)
	data := pngBytes(t, 4, 3)
	res, err := e.Process(context.Background(), Attachment{Name: "chart.png", Data: data})
	require.NoError(t, err)
	require.NotNil(t, res.Image)
	assert.Equal(t, ImageSummary{Name: "chart.png", Format: "png", Width: 4, Height: 3, Bytes: len(data)}, *res.Image)
}

func TestProcessRejectsBinary(t *testing.T) {
	e := NewExtractor(nil, 0, 0)
	_, err := e.Process(context.Background(), Attachment{Name: "blob.bin", Data: []byte{0, 1, 2}})
	assert.Error(t, err)
}

func TestProcessCachesByContent(t *testing.T) {
	store := cache.NewMemory(10)
	e := NewExtractor(store, time.Hour, 0)
	a := Attachment{Name: "a.txt", Data: []byte("hello")}

	_, err := e.Process(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	_, err = e.Process(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
}

func TestProcessAllSkipsFailures(t *testing.T) {
	e := NewExtractor(nil, 0, 0)
	excerpts, images := e.ProcessAll(context.Background(), []Attachment{
		{Name: "a.txt", Data: []byte("alpha")},
		{Name: "b.bin", Data: []byte{0xff}},
		{Name: "c.png", Data: pngBytes(t, 1, 1)},
	})
	require.Len(t, excerpts, 1)
	assert.True(t, strings.HasPrefix(excerpts[0].Text, "alpha"))
	assert.Len(t, images, 1)
}
