package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// allowedEnv is the only set of variables an agent process inherits from the
// orchestrator. Everything else, including process-global secrets, is
// withheld.
var allowedEnv = []string{
	"HOME",
	"PATH",
	"SSH_AUTH_SOCK",
	"ANTHROPIC_API_KEY",
	"ANTHROPIC_AUTH_TOKEN",
	"ANTHROPIC_BASE_URL",
}

// StartOptions configures one agent subprocess.
type StartOptions struct {
	Prompt     string
	WorkDir    string
	Model      string
	MCPServers []string
	Plugins    []string
	Agents     []string
	Stderr     io.Writer
}

// StartFn launches an agent session and feeds each decoded streamed message
// to msgCh, closing it when the stream ends. Raw lines go to logW when
// non-nil.
type StartFn func(ctx context.Context, opts StartOptions, msgCh chan<- Message, logW io.Writer) (*Session, error)

// Session is a handle on a running agent subprocess.
type Session struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Done is closed when the stream has drained and the process has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends and returns the process error, if any.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// Start launches the agent CLI in streaming JSON mode. It is the default
// StartFn; tests and the runner substitute fakes.
func Start(ctx context.Context, opts StartOptions, msgCh chan<- Message, logW io.Writer) (*Session, error) {
	args := []string{
		"-p", opts.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", "bypassPermissions",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	for _, s := range opts.MCPServers {
		args = append(args, "--mcp-config", s)
	}
	for _, p := range opts.Plugins {
		args = append(args, "--plugin", p)
	}
	for _, a := range opts.Agents {
		args = append(args, "--agents", a)
	}

	cmd := exec.CommandContext(ctx, "claude", args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = buildEnv()
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	sess := &Session{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(sess.done)
		defer close(msgCh)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if logW != nil {
				_, _ = logW.Write(append(append([]byte{}, line...), '\n'))
			}
			var msg Message
			if err := json.Unmarshal(line, &msg); err != nil {
				continue
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				_ = cmd.Wait()
				sess.err = ctx.Err()
				return
			}
		}
		sess.err = cmd.Wait()
	}()
	return sess, nil
}

// buildEnv assembles the allowlisted environment plus the fixed agent flags.
func buildEnv() []string {
	env := make([]string, 0, len(allowedEnv)+3)
	for _, key := range allowedEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env,
		"AGENT_TEAMS=1",
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_CONFIG_GLOBAL=/dev/null",
	)
	return env
}

// EnvAllowlist returns the inherited variable names, for preflight reporting.
func EnvAllowlist() []string {
	return append([]string(nil), allowedEnv...)
}

// describeEnv is used in startup logging so no values leak, only names.
func describeEnv(env []string) string {
	names := make([]string, 0, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			names = append(names, kv[:i])
		}
	}
	return strings.Join(names, ",")
}
