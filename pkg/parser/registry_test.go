package parser_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curatorhq/curator/pkg/parser"
)

type fakeParser struct {
	name string
	ext  string
}

func (f *fakeParser) Name() string { return f.name }

func (f *fakeParser) Supports(path string) bool {
	return strings.HasSuffix(path, f.ext)
}

func (f *fakeParser) QuickValidate(string) parser.Validation {
	return parser.Validation{Valid: true}
}

func (f *fakeParser) ExtractIndexMetadata(string) (map[string]any, error) {
	return map[string]any{"parser": f.name}, nil
}

func TestRegistry_FirstMatchWins(t *testing.T) {
	r := parser.NewRegistry()
	r.Register(&fakeParser{name: "first", ext: ".txt"})
	r.Register(&fakeParser{name: "second", ext: ".txt"})
	r.Register(&fakeParser{name: "csv", ext: ".csv"})

	p := r.Find("/data/report.txt")
	require.NotNil(t, p)
	assert.Equal(t, "first", p.Name())

	p = r.Find("/data/table.csv")
	require.NotNil(t, p)
	assert.Equal(t, "csv", p.Name())

	assert.Nil(t, r.Find("/data/image.png"))

	assert.Equal(t, []string{"first", "second", "csv"}, r.Names())
}

func TestPlainText_Metadata(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")

	content := "Meeting Notes\n\nalpha beta gamma\ndelta\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	p := parser.NewPlainText()
	require.True(t, p.Supports(path))
	assert.False(t, p.Supports("/data/image.png"))

	v := p.QuickValidate(path)
	assert.True(t, v.Valid)

	meta, err := p.ExtractIndexMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, "Meeting Notes", meta["title"])
	assert.Equal(t, 4, meta["sampled_lines"])
	assert.Equal(t, 6, meta["sampled_words"])
}

func TestPlainText_QuickValidate(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	binary := filepath.Join(dir, "blob.txt")
	require.NoError(t, os.WriteFile(binary,
		[]byte{0xff, 0xfe, 0x00, 0x01, 0x02, 0x80, 0x81}, 0o644))

	p := parser.NewPlainText()

	assert.True(t, p.QuickValidate(empty).Valid)
	assert.False(t, p.QuickValidate(binary).Valid)

	v := p.QuickValidate(filepath.Join(dir, "missing.txt"))
	assert.False(t, v.Valid)
	assert.NotEmpty(t, v.Reason)
}
