// Package hooks discovers and dispatches user-authored lifecycle scripts
// under a configured root, in two passes (common, then app-prefixed), in
// ascending lexicographic order within each pass.
package hooks

import (
    "fmt"
    "os"
    "os/exec"
    "path/filepath"
    "sort"
    "strings"

    "go.uber.org/zap"
    "lab.nexedi.com/kirr/go123/exc"
)

var raise = exc.Raise

// Engine dispatches hooks rooted at Dir. A zero Dir (empty string) means
// hooks are disabled entirely — Dispatch becomes a no-op.
type Engine struct {
    Dir     string
    Log     *zap.Logger
    Warn    func(format string, args ...interface{})
}

func New(dir string, log *zap.Logger, warn func(string, ...interface{})) *Engine {
    return &Engine{Dir: dir, Log: log, Warn: warn}
}

func (e *Engine) warn(format string, args ...interface{}) {
    if e.Warn != nil {
        e.Warn(format, args...)
    }
}

// candidates lists the executable files directly inside dir whose name
// starts with "<phase>.", in ascending lexicographic order. Non-executable
// matches are warned about and skipped, not returned.
func (e *Engine) candidates(dir, phase string) []string {
    entries, err := os.ReadDir(dir)
    if err != nil {
        return nil
    }
    prefix := phase + "."
    var names []string
    for _, ent := range entries {
        if ent.IsDir() || !strings.HasPrefix(ent.Name(), prefix) {
            continue
        }
        names = append(names, ent.Name())
    }
    sort.Strings(names)

    var out []string
    for _, name := range names {
        path := filepath.Join(dir, name)
        info, err := os.Stat(path)
        if err != nil {
            continue
        }
        if info.Mode()&0111 == 0 {
            e.warn("hook %s is not executable, skipping", path)
            continue
        }
        out = append(out, path)
    }
    return out
}

// Dispatch runs the common pass then the app pass for phase, in that
// order. ignoreExit turns a failing hook into a warning instead of a
// raised HookFailed; used for post-tree-update and post-rollback during
// rollback/revert.
func (e *Engine) Dispatch(phase, prefix string, ignoreExit bool) {
    if e.Dir == "" {
        return
    }

    type pass struct {
        dir      string
        prefix   string // value exported as GIT_DEPLOY(TOOL)_HOOK_PREFIX
    }
    passes := []pass{
        {filepath.Join(e.Dir, "apps", "common"), "common"},
        {filepath.Join(e.Dir, "apps", prefix), prefix},
    }

    for _, p := range passes {
        for _, path := range e.candidates(p.dir, phase) {
            e.run(path, phase, p.prefix, ignoreExit)
        }
    }
}

func (e *Engine) run(path, phase, hookPrefix string, ignoreExit bool) {
    if e.Log != nil {
        e.Log.Debug("hook", zap.String("path", path), zap.String("phase", phase))
    }

    cmd := exec.Command(path)
    cmd.Env = append(os.Environ(),
        "GIT_DEPLOYTOOL_PHASE="+phase,
        "GIT_DEPLOY_PHASE="+phase,
        "GIT_DEPLOYTOOL_HOOK_PREFIX="+hookPrefix,
        "GIT_DEPLOY_HOOK_PREFIX="+hookPrefix,
    )
    out, err := cmd.CombinedOutput()

    exitErr, isExit := err.(*exec.ExitError)
    var code int
    switch {
    case err == nil:
        code = 0
    case isExit:
        code = exitErr.ExitCode()
    default:
        if ignoreExit {
            e.warn("hook %s: could not run: %s", path, err)
            return
        }
        raise(&HookFailed{Path: path, Err: err, Output: string(out)})
        return
    }

    if code != 0 {
        if ignoreExit {
            e.warn("hook %s exited %d (ignored):\n%s", path, code, out)
            return
        }
        raise(&HookFailed{Path: path, Code: code, Output: string(out)})
    }
}

// SyncHook returns the single-file sync-style hook for prefix, or "" if
// there is none (or it exists but isn't executable, in which case a
// warning is emitted).
func (e *Engine) SyncHook(prefix string) string {
    if e.Dir == "" {
        return ""
    }
    path := filepath.Join(e.Dir, "sync", prefix+".sync")
    info, err := os.Stat(path)
    if err != nil {
        return ""
    }
    if info.Mode()&0111 == 0 {
        e.warn("sync hook %s is not executable, skipping", path)
        return ""
    }
    return path
}

// RunSync invokes the sync-style hook directly, exporting the same four
// environment variables as Dispatch with the phase set to "sync" and the
// hook prefix set to prefix. A failing sync hook raises HookFailed.
func (e *Engine) RunSync(path, prefix string) {
    e.run(path, "sync", prefix, false)
}

type HookFailed struct {
    Path   string
    Code   int
    Err    error
    Output string
}

func (e *HookFailed) Error() string {
    if e.Err != nil {
        return fmt.Sprintf("hook %s: could not run: %s", e.Path, e.Err)
    }
    msg := fmt.Sprintf("hook %s exited %d", e.Path, e.Code)
    if e.Output != "" {
        msg += "\n" + e.Output
    }
    return msg
}
