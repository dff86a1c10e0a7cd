package dapclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/creack/pty"
)

// DefaultPortRegexp matches the port announcement most TCP-mode
// adapters print on startup ("Debug server listening at
// 127.0.0.1:5678", "Debug server listening at: ..."). The first
// capture group is the port; a host in front of it is matched but not
// captured, and the socket transport always dials 127.0.0.1.
var DefaultPortRegexp = regexp.MustCompile(`(?i)listening (?:at|on)[:\s]+(?:[\w.\[\]]*:)?(\d+)`)

// portScrapeTimeout bounds how long a TCP-mode adapter gets to
// announce its port before startup fails.
const portScrapeTimeout = 10 * time.Second

// ProcessConfig describes how to spawn an adapter process.
type ProcessConfig struct {
	Command     string
	Args        []string
	WorkingDir  string
	Environment map[string]string
	// UsePTY wraps the adapter's stdio in a pseudo-terminal. Some
	// adapters only flush output, or behave differently, when
	// attached to a tty.
	UsePTY bool
	// PortRegexp, if set, is matched line-by-line against the
	// adapter's stdout and stderr to discover the TCP port it is
	// listening on. The first capture group is the port. Defaults to
	// DefaultPortRegexp for socket transports.
	PortRegexp *regexp.Regexp
	// OnOutputLine receives adapter diagnostic lines (stderr always;
	// stdout too for socket transports, before and after the port
	// announcement) so they can be surfaced as synthetic output events.
	OnOutputLine func(line string)
}

// adapterProcess manages the lifecycle of one spawned adapter
// process: start, graceful-then-forced shutdown, and stdio plumbing.
type adapterProcess struct {
	cfg ProcessConfig
	cmd *exec.Cmd
	pty *os.File

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu       sync.Mutex
	exited   chan struct{}
	exitErr  error
	exitOnce sync.Once

}

func newAdapterProcess(cfg ProcessConfig) *adapterProcess {
	return &adapterProcess{
		cfg:    cfg,
		exited: make(chan struct{}),
	}
}

// start launches the process. If cfg.UsePTY is set, stdin/stdout are
// the PTY master; otherwise plain os/exec pipes are used.
func (p *adapterProcess) start(ctx context.Context) error {
	p.cmd = exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)
	p.cmd.Dir = p.cfg.WorkingDir
	p.cmd.Env = os.Environ()
	for k, v := range p.cfg.Environment {
		p.cmd.Env = append(p.cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	if p.cfg.UsePTY {
		ptmx, err := pty.Start(p.cmd)
		if err != nil {
			return fmt.Errorf("dapclient: start adapter with pty: %w", err)
		}
		p.pty = ptmx
		p.stdin = ptmx
		p.stdout = ptmx
	} else {
		stdin, err := p.cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("dapclient: stdin pipe: %w", err)
		}
		stdout, err := p.cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("dapclient: stdout pipe: %w", err)
		}
		stderr, err := p.cmd.StderrPipe()
		if err != nil {
			return fmt.Errorf("dapclient: stderr pipe: %w", err)
		}
		if err := p.cmd.Start(); err != nil {
			return fmt.Errorf("dapclient: start adapter: %w", err)
		}
		p.stdin = stdin
		p.stdout = stdout
		p.stderr = stderr
	}

	go p.monitor()
	return nil
}

func (p *adapterProcess) monitor() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	p.exitOnce.Do(func() { close(p.exited) })
}

// forwardLines streams r line by line into onOutputLine until EOF.
func (p *adapterProcess) forwardLines(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if p.cfg.OnOutputLine != nil {
			p.cfg.OnOutputLine(scanner.Text())
		}
	}
}

// scanForPort reads lines from the adapter's stdout and stderr until
// the port regexp matches or the scrape timeout elapses, returning
// the captured port. Lines read along the way are forwarded to
// onOutputLine so they aren't lost to diagnostics.
func (p *adapterProcess) scanForPort(ctx context.Context) (string, error) {
	re := p.cfg.PortRegexp
	if re == nil {
		re = DefaultPortRegexp
	}

	ctx, cancel := context.WithTimeout(ctx, portScrapeTimeout)
	defer cancel()

	type result struct {
		port string
	}
	resCh := make(chan result, 2)
	done := make(chan struct{}, 2)

	scan := func(r io.Reader) {
		defer func() { done <- struct{}{} }()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			if p.cfg.OnOutputLine != nil {
				p.cfg.OnOutputLine(line)
			}
			if m := re.FindStringSubmatch(line); m != nil && len(m) > 1 {
				resCh <- result{port: m[1]}
				// Keep forwarding diagnostics after the match.
				p.forwardLines(r)
				return
			}
		}
	}

	streams := 0
	if p.stdout != nil {
		streams++
		go scan(p.stdout)
	}
	if p.stderr != nil {
		streams++
		go scan(p.stderr)
	}
	if streams == 0 {
		return "", fmt.Errorf("dapclient: adapter has no output streams to scan")
	}

	finished := 0
	for {
		select {
		case res := <-resCh:
			return res.port, nil
		case <-done:
			finished++
			if finished == streams {
				return "", fmt.Errorf("dapclient: adapter exited before announcing a port")
			}
		case <-ctx.Done():
			return "", fmt.Errorf("dapclient: waiting for adapter port announcement: %w", ctx.Err())
		}
	}
}

// stop attempts a graceful SIGINT-based shutdown, escalating to
// SIGKILL if the process doesn't exit within the grace period.
func (p *adapterProcess) stop(grace time.Duration) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Signal(os.Interrupt)

	select {
	case <-p.exited:
		return nil
	case <-time.After(grace):
		_ = p.cmd.Process.Kill()
		<-p.exited
		return nil
	}
}

func (p *adapterProcess) wait() error {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}
