package adapter

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GoDelve drives Delve's native DAP server (`dlv dap`). Delve listens
// on TCP and prints "DAP server listening at: 127.0.0.1:<port>" on
// startup, which the port scraper picks up.
type GoDelve struct{}

func NewGo() *GoDelve { return &GoDelve{} }

func (g *GoDelve) Language() string { return "go" }
func (g *GoDelve) Name() string     { return "delve" }
func (g *GoDelve) Runtime() string  { return "go" }

func (g *GoDelve) CheckInstallation(ctx context.Context) InstallStatus {
	path, err := exec.LookPath("dlv")
	if err != nil {
		return InstallStatus{Error: "dlv not found in PATH"}
	}
	out, err := exec.CommandContext(ctx, path, "version").Output()
	if err != nil {
		return InstallStatus{Path: path, Error: fmt.Sprintf("dlv version failed: %v", err)}
	}
	version := ""
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "Version:") {
			version = strings.TrimSpace(strings.TrimPrefix(line, "Version:"))
			break
		}
	}
	return InstallStatus{Installed: true, Version: version, Path: path}
}

func (g *GoDelve) Install(ctx context.Context) error {
	if g.CheckInstallation(ctx).Installed {
		return nil
	}
	cmd := exec.CommandContext(ctx, "go", "install", "github.com/go-delve/delve/cmd/dlv@latest")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("adapter: go install dlv: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (g *GoDelve) AdapterCommand() (Command, error) {
	path, err := exec.LookPath("dlv")
	if err != nil {
		return Command{}, fmt.Errorf("adapter: dlv not found in PATH")
	}
	return Command{
		Command: path,
		// Port 0 lets the OS pick; the announcement line carries the
		// real port.
		Args: []string{"dap", "--listen=127.0.0.1:0"},
		Mode: TransportTCP,
	}, nil
}

func (g *GoDelve) ResolveExecutablePath(preferred string) (string, error) {
	return resolveScript(preferred)
}

func (g *GoDelve) BuildLaunchConfig(params LaunchParams, executablePath string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "go",
		"request":     "launch",
		// "debug" builds and launches; handing dlv a .go file or a
		// package directory both work.
		"mode":        "debug",
		"program":     executablePath,
		"args":        params.Args,
		"cwd":         launchCwd(params, executablePath),
		"env":         params.Env,
		"stopOnEntry": params.StopOnEntry,
	}
}
