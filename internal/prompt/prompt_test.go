package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuild_UnknownModeFallsBackToDefault(t *testing.T) {
	base := "some prior text"
	want := Build(ModeDefault, base)

	for _, mode := range []string{"", "Structure", "markdown", "DEFAULT"} {
		assert.Equal(t, want, Build(mode, base), "mode %q", mode)
	}
}

func TestBuild_EmbedsBaseTextBetweenMarkers(t *testing.T) {
	base := "line one\n| a | b |\n`quoted` {\"json\": true}"
	for _, mode := range []string{ModeDefault, ModeStructure} {
		p := Build(mode, base)
		assert.Contains(t, p, RawTextStart+"\n"+base+"\n"+RawTextEnd, "mode %s", mode)
		assert.True(t, strings.HasSuffix(p, RawTextEnd))
	}
}

func TestBuild_EmptyBaseText(t *testing.T) {
	p := Build(ModeDefault, "")
	assert.True(t, strings.HasSuffix(p, RawTextStart+"\n\n"+RawTextEnd))
}

func TestBuild_ModesDiffer(t *testing.T) {
	def := Build(ModeDefault, "x")
	st := Build(ModeStructure, "x")

	assert.NotEqual(t, def, st)
	for _, p := range []string{def, st} {
		assert.Contains(t, p, "single key `natural_text`")
	}
	assert.Contains(t, def, "tables in markdown format")
	assert.Contains(t, def, "dummy.png")
	assert.Contains(t, st, "tables in HTML format")
	assert.Contains(t, st, "<figure>IMAGE_ANALYSIS</figure>")
	assert.NotContains(t, st, "dummy.png")
}

func TestBuild_Deterministic(t *testing.T) {
	assert.Equal(t, Build(ModeStructure, "abc"), Build(ModeStructure, "abc"))
}

func TestResolve(t *testing.T) {
	assert.Equal(t, "custom instruction", Resolve("custom instruction", ModeStructure, "ignored"))
	assert.Equal(t, Build(ModeStructure, "b"), Resolve("", ModeStructure, "b"))
}

func TestKnown(t *testing.T) {
	assert.True(t, Known(ModeDefault))
	assert.True(t, Known(ModeStructure))
	assert.False(t, Known("other"))
}
