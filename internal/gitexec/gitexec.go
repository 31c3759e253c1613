// Package gitexec runs `git` subprocesses directly (no shell), normalizes
// exit codes, and classifies expected vs. unexpected failures. Stdout and
// stderr are captured into one merged buffer, and the trailing newline is
// stripped unless Raw is requested.
package gitexec

import (
    "bytes"
    "fmt"
    "os"
    "os/exec"
    "strings"
    "syscall"

    "go.uber.org/zap"
    "lab.nexedi.com/kirr/go123/exc"
    "lab.nexedi.com/kirr/go123/mem"
)

var raise = exc.Raise

// Executor runs git subprocesses rooted at Dir (empty = current directory).
type Executor struct {
    Dir     string
    Verbose bool
    Log     *zap.Logger
}

// Opts tweaks a single invocation.
type Opts struct {
    Stdin string
    Raw   bool              // if false (default), strip the trailing newline
    Env   map[string]string // additional environment, merged over os.Environ()
}

// Run executes `git <argv...>` and returns the merged stdout+stderr and the
// process exit code. A failure to spawn, or death by signal, raises
// ExecFailure instead of returning — those are not "the command ran and
// told us no", they are "we could not even ask the question".
func (e *Executor) Run(argv []string, opts Opts) (output string, exitCode int) {
    if e.Log != nil && e.Verbose {
        e.Log.Debug("git", zap.Strings("argv", argv))
    }

    cmd := exec.Command("git", argv...)
    cmd.Dir = e.Dir

    var buf bytes.Buffer
    cmd.Stdout = &buf
    cmd.Stderr = &buf

    if opts.Stdin != "" {
        cmd.Stdin = strings.NewReader(opts.Stdin)
    }

    if opts.Env != nil {
        env := os.Environ()
        for k, v := range opts.Env {
            env = append(env, k+"="+v)
        }
        cmd.Env = env
    }

    err := cmd.Run()
    output = mem.String(buf.Bytes())
    if !opts.Raw {
        output = strings.TrimSuffix(output, "\n")
    }

    exitErr, isExit := err.(*exec.ExitError)
    switch {
    case err == nil:
        return output, 0
    case isExit:
        if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
            raise(&ExecFailure{Argv: argv, Signal: int(ws.Signal()), Coredump: ws.CoreDump()})
        }
        return output, exitErr.ExitCode()
    default:
        raise(&ExecFailure{Argv: argv, SpawnErr: err})
        panic("unreachable")
    }
}

// Result runs argv and returns stdout, raising UnexpectedExit if the exit
// code is not one of accepted.
func (e *Executor) Result(argv []string, accepted []int, opts Opts) string {
    out, code := e.Run(argv, opts)
    for _, a := range accepted {
        if code == a {
            return out
        }
    }
    raise(&UnexpectedExit{Argv: argv, Code: code, Output: out})
    panic("unreachable")
}

// ErrCode runs argv for its exit code alone, discarding stdout.
func (e *Executor) ErrCode(argv []string, opts Opts) int {
    _, code := e.Run(argv, opts)
    return code
}

// ExecFailure is raised when the git subprocess could not be spawned, or
// died to a signal instead of exiting normally.
type ExecFailure struct {
    Argv     []string
    SpawnErr error
    Signal   int
    Coredump bool
}

func (e *ExecFailure) Error() string {
    if e.SpawnErr != nil {
        return fmt.Sprintf("git %s: could not start: %s", strings.Join(e.Argv, " "), e.SpawnErr)
    }
    msg := fmt.Sprintf("git %s: killed by signal %d", strings.Join(e.Argv, " "), e.Signal)
    if e.Coredump {
        msg += " (core dumped)"
    }
    return msg
}

// UnexpectedExit is raised when git exits with a code the caller did not
// declare acceptable.
type UnexpectedExit struct {
    Argv   []string
    Code   int
    Output string
}

func (e *UnexpectedExit) Error() string {
    msg := fmt.Sprintf("git %s: exit status %d", strings.Join(e.Argv, " "), e.Code)
    if e.Output != "" {
        msg += "\n" + e.Output
    }
    return msg
}
