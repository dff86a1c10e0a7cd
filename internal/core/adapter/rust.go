package adapter

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// Rust drives CodeLLDB's standalone adapter binary. CodeLLDB listens
// on TCP and announces "Listening on port <port>"; its launch
// configuration debugs a compiled binary, not a source file, so
// ResolveExecutablePath expects the built artifact (e.g.
// target/debug/<crate>).
type Rust struct{}

func NewRust() *Rust { return &Rust{} }

var codelldbPortRegexp = regexp.MustCompile(`(?i)listening on port[:\s]+(\d+)`)

func (r *Rust) Language() string { return "rust" }
func (r *Rust) Name() string     { return "codelldb" }
func (r *Rust) Runtime() string  { return "lldb" }

func (r *Rust) CheckInstallation(ctx context.Context) InstallStatus {
	path, err := exec.LookPath("codelldb")
	if err != nil {
		return InstallStatus{Error: "codelldb not found in PATH"}
	}
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		// Older builds have no --version; presence is enough.
		return InstallStatus{Installed: true, Path: path}
	}
	return InstallStatus{Installed: true, Version: strings.TrimSpace(string(out)), Path: path}
}

func (r *Rust) Install(ctx context.Context) error {
	status := r.CheckInstallation(ctx)
	if status.Installed {
		return nil
	}
	// CodeLLDB ships as a VSIX release artifact; fetching and
	// unpacking it is host policy.
	return fmt.Errorf("adapter: codelldb not installed: %s (download a codelldb release and put the adapter binary on PATH)", status.Error)
}

func (r *Rust) AdapterCommand() (Command, error) {
	path, err := exec.LookPath("codelldb")
	if err != nil {
		return Command{}, fmt.Errorf("adapter: codelldb not found in PATH")
	}
	return Command{
		Command:    path,
		Args:       []string{"--port", "0"},
		Mode:       TransportTCP,
		PortRegexp: codelldbPortRegexp,
	}, nil
}

func (r *Rust) ResolveExecutablePath(preferred string) (string, error) {
	return resolveScript(preferred)
}

func (r *Rust) BuildLaunchConfig(params LaunchParams, executablePath string) map[string]interface{} {
	return map[string]interface{}{
		"type":            "lldb",
		"request":         "launch",
		"program":         executablePath,
		"args":            params.Args,
		"cwd":             launchCwd(params, executablePath),
		"env":             params.Env,
		"stopOnEntry":     params.StopOnEntry,
		"sourceLanguages": []string{"rust"},
	}
}
