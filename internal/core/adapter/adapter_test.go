package adapter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryLanguages(t *testing.T) {
	for _, lang := range []string{"python", "go", "javascript", "typescript", "rust"} {
		plugin, ok := DefaultRegistry.Get(lang)
		require.True(t, ok, "missing plugin for %s", lang)
		assert.Equal(t, lang, plugin.Language())
		assert.NotEmpty(t, plugin.Name())
		assert.NotEmpty(t, plugin.Runtime())
	}
}

func TestRegistryResolveUnknown(t *testing.T) {
	_, err := DefaultRegistry.Resolve("fortran")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fortran")
}

func TestPythonLaunchConfig(t *testing.T) {
	p := NewPython()
	cfg := p.BuildLaunchConfig(LaunchParams{
		Args:        []string{"--flag"},
		StopOnEntry: true,
	}, "/work/app.py")

	assert.Equal(t, "python", cfg["type"])
	assert.Equal(t, "launch", cfg["request"])
	assert.Equal(t, "/work/app.py", cfg["program"])
	assert.Equal(t, []string{"--flag"}, cfg["args"])
	assert.Equal(t, true, cfg["stopOnEntry"])
	assert.Equal(t, "/work", cfg["cwd"], "cwd defaults to the script's directory")
}

func TestDelveLaunchConfig(t *testing.T) {
	g := NewGo()
	cfg := g.BuildLaunchConfig(LaunchParams{Cwd: "/repo"}, "/repo/main.go")

	assert.Equal(t, "go", cfg["type"])
	assert.Equal(t, "debug", cfg["mode"])
	assert.Equal(t, "/repo", cfg["cwd"], "explicit cwd wins")
}

func TestTypeScriptLaunchConfigExtendsJavaScript(t *testing.T) {
	js := NewJavaScript()
	ts := NewTypeScript(js)
	cfg := ts.BuildLaunchConfig(LaunchParams{}, "/app/index.ts")

	assert.Equal(t, "pwa-node", cfg["type"])
	assert.Equal(t, []string{"--require", "ts-node/register"}, cfg["runtimeArgs"])
	assert.Equal(t, true, cfg["sourceMaps"])
}

func TestRustLaunchConfigNamesSourceLanguage(t *testing.T) {
	r := NewRust()
	cfg := r.BuildLaunchConfig(LaunchParams{}, "/target/debug/app")
	assert.Equal(t, "lldb", cfg["type"])
	assert.Equal(t, []string{"rust"}, cfg["sourceLanguages"])
}

func TestResolveScript(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "app.py")
	require.NoError(t, os.WriteFile(script, []byte("print('hi')\n"), 0644))

	resolved, err := resolveScript(script)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(resolved))

	_, err = resolveScript(filepath.Join(dir, "missing.py"))
	require.Error(t, err)

	_, err = resolveScript("")
	require.Error(t, err)
}
