// Package claude runs the Claude Code CLI as a blocking subprocess and maps
// its JSON output (or lack of it) to a Result or a typed error.
//
// Requirements:
//   - Claude Code CLI installed: npm install -g @anthropic-ai/claude-code
//   - Authenticated: claude setup-token or claude login
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultMaxTurns is the turn budget used when none is configured.
const DefaultMaxTurns = 40

// Config holds the per-bot invocation settings.
type Config struct {
	// Binary is the CLI executable. Defaults to "claude".
	Binary string

	// WorkDir is the repository the CLI runs in.
	WorkDir string

	// Timeout bounds a single invocation. Zero means no timeout.
	Timeout time.Duration

	// MaxTurns is the agentic turn budget. Defaults to DefaultMaxTurns.
	MaxTurns int

	// AllowedTools restricts the CLI's tools. Empty means no restriction.
	AllowedTools []string

	// Model selects a model alias ("sonnet", "opus"). Empty uses the CLI default.
	Model string

	// Env adds variables to the inherited environment.
	Env map[string]string
}

// Result is a successful invocation.
type Result struct {
	// Answer is the assistant's reply text.
	Answer string

	// SessionToken continues this conversation on the next call.
	SessionToken string

	NumTurns int
	CostUSD  float64
	Duration time.Duration
}

// ResponseLength returns the answer length in characters.
func (r *Result) ResponseLength() int {
	return utf8.RuneCountInString(r.Answer)
}

// cliOutput is the document printed by `claude -p --output-format json`.
type cliOutput struct {
	Type       string  `json:"type"`
	Subtype    string  `json:"subtype"`
	Result     *string `json:"result"`
	IsError    bool    `json:"is_error"`
	SessionID  *string `json:"session_id"`
	NumTurns   int     `json:"num_turns"`
	TotalCost  float64 `json:"total_cost_usd"`
	DurationMs int     `json:"duration_ms"`
}

// Invoker calls the Claude Code CLI.
type Invoker struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

// Option customises an Invoker.
type Option func(*Invoker)

// WithRunner replaces the process runner (used by tests).
func WithRunner(r Runner) Option {
	return func(i *Invoker) { i.runner = r }
}

// New creates an Invoker, applying defaults to cfg.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	inv := &Invoker{
		cfg:    cfg,
		runner: ExecRunner{},
		logger: logger.With("component", "claude"),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Config returns the effective configuration.
func (i *Invoker) Config() Config { return i.cfg }

// Args builds the CLI arguments. A non-empty sessionToken resumes that
// session; an empty one starts a fresh session.
func (i *Invoker) Args(prompt, sessionToken string) []string {
	args := []string{"-p", prompt, "--output-format", "json"}
	args = append(args, "--max-turns", strconv.Itoa(i.cfg.MaxTurns))

	if len(i.cfg.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(i.cfg.AllowedTools, ","))
	}
	if i.cfg.Model != "" {
		args = append(args, "--model", i.cfg.Model)
	}
	if sessionToken != "" {
		args = append(args, "--resume", sessionToken)
	}
	return args
}

// Invoke runs the CLI once and blocks until it exits or the timeout fires.
//
// Errors: *TimeoutError when the timeout fires, *InvocationError when the
// output cannot be parsed into a Result. On success both Answer and
// SessionToken come from the CLI's document, and SessionToken is non-empty.
func (i *Invoker) Invoke(ctx context.Context, prompt, sessionToken string) (*Result, error) {
	execCtx := ctx
	if i.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, i.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := i.runner.Run(execCtx, Command{
		Name: i.cfg.Binary,
		Args: i.Args(prompt, sessionToken),
		Dir:  i.cfg.WorkDir,
		Env:  i.cfg.Env,
	})

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &TimeoutError{Timeout: i.cfg.Timeout}
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("claude: invocation cancelled: %w", ctx.Err())
	}
	if err != nil {
		ierr := &InvocationError{Reason: err.Error(), Err: err}
		if out != nil {
			ierr.Stdout, ierr.Stderr, ierr.ExitCode = string(out.Stdout), string(out.Stderr), out.ExitCode
		}
		i.logFailure(ierr)
		return nil, ierr
	}

	res, ierr := parseOutput(out)
	if ierr != nil {
		i.logFailure(ierr)
		return nil, ierr
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res, nil
}

// parseOutput decodes the CLI document. Malformed, truncated or incomplete
// output is an InvocationError carrying the raw streams.
func parseOutput(out *Output) (*Result, *InvocationError) {
	fail := func(reason string, err error) *InvocationError {
		return &InvocationError{
			Reason:   reason,
			Stdout:   string(out.Stdout),
			Stderr:   string(out.Stderr),
			ExitCode: out.ExitCode,
			Err:      err,
		}
	}

	raw := bytes.TrimSpace(out.Stdout)
	if len(raw) == 0 {
		return nil, fail(fmt.Sprintf("empty output (exit code %d)", out.ExitCode), nil)
	}

	var doc cliOutput
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fail(err.Error(), err)
	}

	if doc.IsError {
		reason := fmt.Sprintf("claude reported an error (subtype: %s)", doc.Subtype)
		if doc.Result != nil && *doc.Result != "" {
			reason = *doc.Result
		}
		return nil, fail(reason, nil)
	}
	if doc.Result == nil {
		return nil, fail("missing result field", nil)
	}
	if doc.SessionID == nil || *doc.SessionID == "" {
		return nil, fail("missing session_id field", nil)
	}

	return &Result{
		Answer:       *doc.Result,
		SessionToken: *doc.SessionID,
		NumTurns:     doc.NumTurns,
		CostUSD:      doc.TotalCost,
		Duration:     time.Duration(doc.DurationMs) * time.Millisecond,
	}, nil
}

func (i *Invoker) logFailure(e *InvocationError) {
	i.logger.Error("failed to parse Claude CLI response",
		"reason", e.Reason,
		"stdout", e.Stdout,
		"stderr", e.Stderr,
		"exit_code", e.ExitCode,
	)
}
