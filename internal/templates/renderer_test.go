package templates

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRendererRemovesEnvironmentAndFileHelpers(t *testing.T) {
	renderer := NewRenderer()
	t.Setenv("TEST_VAR", "value")

	for _, source := range []string{
		`{{ env "TEST_VAR" }}`,
		`{{ expandenv "$TEST_VAR" }}`,
		`{{ readFile "/etc/passwd" }}`,
	} {
		_, err := renderer.CompileInline("inline", source)
		require.Error(t, err, source)
	}
}

func TestRendererRendersOrderURL(t *testing.T) {
	renderer := NewRenderer()
	tmpl, err := renderer.CompileInline("status", `/orders/{{ .OrderID | urlquery }}/status?token={{ .Token | urlquery }}`)
	require.NoError(t, err)
	require.Equal(t, "status", tmpl.Name())

	out, err := tmpl.Render(map[string]any{"OrderID": "a b", "Token": "t&1"})
	require.NoError(t, err)
	require.Equal(t, "/orders/a+b/status?token=t%261", out)
}

func TestRendererSprigHelpers(t *testing.T) {
	renderer := NewRenderer()
	tmpl, err := renderer.CompileInline("", `{{ .OrderID | upper | trim }}`)
	require.NoError(t, err)
	require.Equal(t, "inline", tmpl.Name())

	out, err := tmpl.Render(map[string]any{"OrderID": " ab "})
	require.NoError(t, err)
	require.Equal(t, "AB", out)
}

func TestRendererEmptySourceIsNil(t *testing.T) {
	tmpl, err := NewRenderer().CompileInline("empty", "   ")
	require.NoError(t, err)
	require.Nil(t, tmpl)

	_, err = tmpl.Render(nil)
	require.Error(t, err)
	require.Empty(t, tmpl.Name())
}

func TestRendererErrors(t *testing.T) {
	renderer := NewRenderer()
	_, err := renderer.CompileInline("bad", "{{ .OrderID ")
	require.Error(t, err)

	tmpl, err := renderer.CompileInline("missing", "{{ .Missing }}")
	require.NoError(t, err)
	_, err = tmpl.Render(map[string]any{"OrderID": "x"})
	require.Error(t, err)
}
