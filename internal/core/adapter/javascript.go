package adapter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// JavaScript drives vscode-js-debug's standalone DAP server
// (dapDebugServer.js). js-debug is the multi-session adapter: the
// first connection is a coordinator, and each debuggee target is
// claimed through a startDebugging reverse request on its own TCP
// connection.
type JavaScript struct {
	// ServerPath locates dapDebugServer.js. Defaults to
	// JS_DEBUG_SERVER_PATH or a js-debug checkout under the user's
	// home directory.
	ServerPath string
}

func NewJavaScript() *JavaScript {
	return &JavaScript{ServerPath: defaultJSDebugPath()}
}

func defaultJSDebugPath() string {
	if p := os.Getenv("JS_DEBUG_SERVER_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".debugctl", "js-debug", "src", "dapDebugServer.js")
}

func (j *JavaScript) Language() string { return "javascript" }
func (j *JavaScript) Name() string     { return "vscode-js-debug" }
func (j *JavaScript) Runtime() string  { return "node" }

func (j *JavaScript) CheckInstallation(ctx context.Context) InstallStatus {
	nodePath, err := exec.LookPath("node")
	if err != nil {
		return InstallStatus{Error: "node not found in PATH"}
	}
	if j.ServerPath == "" {
		return InstallStatus{Path: nodePath, Error: "js-debug server path is not configured"}
	}
	if _, err := os.Stat(j.ServerPath); err != nil {
		return InstallStatus{Path: nodePath, Error: fmt.Sprintf("dapDebugServer.js not found at %s", j.ServerPath)}
	}
	out, err := exec.CommandContext(ctx, nodePath, "--version").Output()
	if err != nil {
		return InstallStatus{Path: nodePath, Error: fmt.Sprintf("node --version failed: %v", err)}
	}
	return InstallStatus{Installed: true, Version: strings.TrimSpace(string(out)), Path: j.ServerPath}
}

func (j *JavaScript) Install(ctx context.Context) error {
	status := j.CheckInstallation(ctx)
	if status.Installed {
		return nil
	}
	// js-debug is distributed as a release tarball, not an npm
	// package with a server entry point; fetching it is host policy.
	return fmt.Errorf("adapter: vscode-js-debug not installed: %s (download a js-debug-dap release and set JS_DEBUG_SERVER_PATH)", status.Error)
}

func (j *JavaScript) AdapterCommand() (Command, error) {
	nodePath, err := exec.LookPath("node")
	if err != nil {
		return Command{}, fmt.Errorf("adapter: node not found in PATH")
	}
	if j.ServerPath == "" {
		return Command{}, fmt.Errorf("adapter: js-debug server path is not configured")
	}
	return Command{
		Command: nodePath,
		// Port 0: the server prints "Debug server listening at
		// 127.0.0.1:<port>".
		Args: []string{j.ServerPath, "0", "127.0.0.1"},
		Mode: TransportTCP,
	}, nil
}

func (j *JavaScript) ResolveExecutablePath(preferred string) (string, error) {
	return resolveScript(preferred)
}

func (j *JavaScript) BuildLaunchConfig(params LaunchParams, executablePath string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "pwa-node",
		"request":     "launch",
		"program":     executablePath,
		"args":        params.Args,
		"cwd":         launchCwd(params, executablePath),
		"env":         params.Env,
		"stopOnEntry": params.StopOnEntry,
		"console":     "internalConsole",
	}
}

// TypeScript reuses the js-debug adapter with ts-node registration so
// .ts entry points run without a separate build step.
type TypeScript struct {
	js *JavaScript
}

func NewTypeScript(js *JavaScript) *TypeScript {
	return &TypeScript{js: js}
}

func (t *TypeScript) Language() string { return "typescript" }
func (t *TypeScript) Name() string     { return t.js.Name() }
func (t *TypeScript) Runtime() string  { return t.js.Runtime() }

func (t *TypeScript) CheckInstallation(ctx context.Context) InstallStatus {
	return t.js.CheckInstallation(ctx)
}

func (t *TypeScript) Install(ctx context.Context) error {
	return t.js.Install(ctx)
}

func (t *TypeScript) AdapterCommand() (Command, error) {
	return t.js.AdapterCommand()
}

func (t *TypeScript) ResolveExecutablePath(preferred string) (string, error) {
	return t.js.ResolveExecutablePath(preferred)
}

func (t *TypeScript) BuildLaunchConfig(params LaunchParams, executablePath string) map[string]interface{} {
	cfg := t.js.BuildLaunchConfig(params, executablePath)
	cfg["runtimeExecutable"] = "node"
	cfg["runtimeArgs"] = []string{"--require", "ts-node/register"}
	cfg["sourceMaps"] = true
	return cfg
}
