package privexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/containai/containai/pkg/domain"
	"github.com/containai/containai/pkg/hermes"
)

var (
	ErrToolMissing = errors.New("firewall tool not installed")
	ErrPermission  = errors.New("insufficient privilege for firewall tool")
	ErrFailed      = errors.New("firewall command failed")
)

// Kind classifies the outcome of a command so callers can tell a missing
// tool from a privilege problem from a genuine command failure.
type Kind int

const (
	KindOK Kind = iota
	KindNotInstalled
	KindPermissionDenied
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindNotInstalled:
		return "not-installed"
	case KindPermissionDenied:
		return "permission-denied"
	default:
		return "failed"
	}
}

// Result of one executor invocation. Output may be empty on success.
type Result struct {
	Output   string
	ExitCode int
	Kind     Kind
	Strategy string
}

// Err converts a non-OK result into one of the sentinel errors, wrapping the
// command output for context.
func (r Result) Err() error {
	out := strings.TrimSpace(r.Output)
	switch r.Kind {
	case KindOK:
		return nil
	case KindNotInstalled:
		return fmt.Errorf("%w (%s): %s", ErrToolMissing, r.Strategy, out)
	case KindPermissionDenied:
		return fmt.Errorf("%w (%s): %s", ErrPermission, r.Strategy, out)
	default:
		return fmt.Errorf("%w (%s, exit %d): %s", ErrFailed, r.Strategy, r.ExitCode, out)
	}
}

// Strategy is one way of invoking the firewall tool: an optional command
// prefix (sudo, remote shell) followed by the tool name.
type Strategy struct {
	Name   string
	Prefix []string
	Tool   string
}

func (s Strategy) command(args []string) (string, []string) {
	full := append(append(append([]string{}, s.Prefix...), s.Tool), args...)
	return full[0], full[1:]
}

// Executor tries its strategies in order. A missing tool or a permission
// failure moves on to the next strategy; success or a real command failure
// stops the search.
type Executor struct {
	runner     Runner
	strategies []Strategy
	shell      []string
	logger     hermes.Logger
}

func NewExecutor(runner Runner, strategies []Strategy, logger hermes.Logger) *Executor {
	return &Executor{
		runner:     runner,
		strategies: strategies,
		logger:     logger,
	}
}

// WithShell sets the prefix used by Shell for non-firewall commands.
func (e *Executor) WithShell(prefix []string) *Executor {
	e.shell = prefix
	return e
}

// Run invokes the firewall tool with args.
func (e *Executor) Run(ctx context.Context, args ...string) Result {
	if len(e.strategies) == 0 {
		return Result{Kind: KindNotInstalled, ExitCode: -1, Output: "no execution strategy configured"}
	}

	var best Result
	for i, s := range e.strategies {
		name, cmdArgs := s.command(args)
		out, err := e.runner.Run(ctx, name, cmdArgs...)
		res := classify(out, err)
		res.Strategy = s.Name

		if res.Kind == KindOK || res.Kind == KindFailed {
			return res
		}

		e.logger.Debug(ctx, "firewall strategy unavailable", map[string]any{
			"strategy": s.Name,
			"outcome":  res.Kind.String(),
		})
		if i == 0 || rank(res.Kind) > rank(best.Kind) {
			best = res
		}
	}
	return best
}

// Shell runs an arbitrary command through the executor's shell prefix
// without elevation. On the host the prefix is empty.
func (e *Executor) Shell(ctx context.Context, name string, args ...string) Result {
	full := append(append(append([]string{}, e.shell...), name), args...)
	out, err := e.runner.Run(ctx, full[0], full[1:]...)
	res := classify(out, err)
	res.Strategy = "shell"
	return res
}

// A permission failure says more about the environment than a tool
// variant that simply isn't there.
func rank(k Kind) int {
	switch k {
	case KindPermissionDenied:
		return 2
	case KindNotInstalled:
		return 1
	default:
		return 0
	}
}

var permissionMarkers = []string{
	"permission denied",
	"you must be root",
	"operation not permitted",
	"a password is required",
	"a terminal is required",
	"not in the sudoers",
}

var notFoundMarkers = []string{
	"command not found",
	"executable file not found",
	"no such file or directory",
}

func classify(out []byte, err error) Result {
	res := Result{Output: string(out)}
	if err == nil {
		res.Kind = KindOK
		return res
	}

	if errors.Is(err, exec.ErrNotFound) {
		res.Kind = KindNotInstalled
		res.ExitCode = 127
		if res.Output == "" {
			res.Output = err.Error()
		}
		return res
	}

	res.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	if res.Output == "" {
		res.Output = err.Error()
	}

	lower := strings.ToLower(res.Output)
	switch {
	case containsAny(lower, permissionMarkers):
		res.Kind = KindPermissionDenied
	case res.ExitCode == 127 || containsAny(lower, notFoundMarkers):
		res.Kind = KindNotInstalled
	default:
		res.Kind = KindFailed
	}
	return res
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Tool variants tried inside the proxy VM, which may run either backend.
var vmToolVariants = []string{"iptables", "iptables-nft", "iptables-legacy"}

// ForEnvironment returns the default strategy list for env. privileged is
// whether the current process already runs as root.
func ForEnvironment(env domain.Environment, privileged bool, remoteShell []string) []Strategy {
	if env == domain.EnvVMProxy {
		var out []Strategy
		for _, tool := range vmToolVariants {
			out = append(out, Strategy{
				Name:   "vm-sudo-" + tool,
				Prefix: append(append([]string{}, remoteShell...), "sudo", "-n"),
				Tool:   tool,
			})
		}
		for _, tool := range vmToolVariants {
			out = append(out, Strategy{
				Name:   "vm-" + tool,
				Prefix: append([]string{}, remoteShell...),
				Tool:   tool,
			})
		}
		return out
	}

	direct := Strategy{Name: "direct", Tool: "iptables"}
	if privileged {
		return []Strategy{direct}
	}
	return []Strategy{direct, {Name: "sudo", Prefix: []string{"sudo", "-n"}, Tool: "iptables"}}
}
