package adapter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Python drives debugpy over stdio. debugpy ships as a Python module,
// so the runtime interpreter doubles as the adapter command.
type Python struct {
	// Interpreter overrides the python executable (default python3).
	Interpreter string
}

func NewPython() *Python {
	return &Python{Interpreter: "python3"}
}

func (p *Python) Language() string { return "python" }
func (p *Python) Name() string     { return "debugpy" }
func (p *Python) Runtime() string  { return p.Interpreter }

func (p *Python) CheckInstallation(ctx context.Context) InstallStatus {
	path, err := exec.LookPath(p.Interpreter)
	if err != nil {
		return InstallStatus{Error: fmt.Sprintf("%s not found in PATH", p.Interpreter)}
	}
	out, err := exec.CommandContext(ctx, path, "-c", "import debugpy; print(debugpy.__version__)").Output()
	if err != nil {
		return InstallStatus{Path: path, Error: "debugpy module is not importable"}
	}
	return InstallStatus{Installed: true, Version: strings.TrimSpace(string(out)), Path: path}
}

func (p *Python) Install(ctx context.Context) error {
	if p.CheckInstallation(ctx).Installed {
		return nil
	}
	cmd := exec.CommandContext(ctx, p.Interpreter, "-m", "pip", "install", "--user", "debugpy")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("adapter: pip install debugpy: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (p *Python) AdapterCommand() (Command, error) {
	path, err := exec.LookPath(p.Interpreter)
	if err != nil {
		return Command{}, fmt.Errorf("adapter: %s not found in PATH", p.Interpreter)
	}
	return Command{
		Command: path,
		Args:    []string{"-m", "debugpy.adapter"},
		Mode:    TransportStdio,
	}, nil
}

func (p *Python) ResolveExecutablePath(preferred string) (string, error) {
	return resolveScript(preferred)
}

func (p *Python) BuildLaunchConfig(params LaunchParams, executablePath string) map[string]interface{} {
	cfg := map[string]interface{}{
		"type":        "python",
		"request":     "launch",
		"program":     executablePath,
		"args":        params.Args,
		"cwd":         launchCwd(params, executablePath),
		"env":         params.Env,
		"stopOnEntry": params.StopOnEntry,
		"console":     "internalConsole",
		"justMyCode":  true,
	}
	return cfg
}

// resolveScript normalizes a debuggee script path to an existing
// absolute path.
func resolveScript(preferred string) (string, error) {
	if preferred == "" {
		return "", fmt.Errorf("adapter: no executable path given")
	}
	abs, err := filepath.Abs(preferred)
	if err != nil {
		return "", fmt.Errorf("adapter: resolve %q: %w", preferred, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("adapter: executable %q: %w", abs, err)
	}
	return abs, nil
}

// launchCwd picks the working directory for a debuggee: explicit cwd
// if given, the script's directory otherwise.
func launchCwd(params LaunchParams, executablePath string) string {
	if params.Cwd != "" {
		return params.Cwd
	}
	return filepath.Dir(executablePath)
}
