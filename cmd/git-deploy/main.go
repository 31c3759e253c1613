// Command git-deploy sequences the controlled promotion of a git revision
// from a developer's working tree into production, using tags and refs
// as the system of record.
package main

import (
    "fmt"
    "os"
    "os/user"
    "runtime"
    "runtime/debug"
    "strings"
    "time"

    "github.com/spf13/cobra"
    "go.uber.org/zap"

    "github.com/avar/git-deploy/internal/config"
    "github.com/avar/git-deploy/internal/gitexec"
    "github.com/avar/git-deploy/internal/hooks"
    "github.com/avar/git-deploy/internal/mailer"
    "github.com/avar/git-deploy/internal/orchestrator"
    "github.com/avar/git-deploy/internal/refs"
    "github.com/avar/git-deploy/internal/reporter"
    "github.com/avar/git-deploy/internal/session"
    "github.com/avar/git-deploy/internal/tagsvc"
    "github.com/avar/git-deploy/internal/timing"
)

// Error is a failure caught at the command boundary, annotated with the
// function that observed it.
type Error struct {
    Err error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// errcatch recovers a panic whose value is an error, normalizes it to
// *Error, and hands it to f. A panic value that does not implement error
// is re-panicked.
func errcatch(f func(e *Error)) {
    r := recover()
    if r == nil {
        return
    }
    if e, ok := r.(*Error); ok {
        f(e)
        return
    }
    if err, ok := r.(error); ok {
        f(&Error{Err: err})
        return
    }
    panic(r)
}

// myfuncname returns the name of the function that called it.
func myfuncname() string {
    pc, _, _, ok := runtime.Caller(1)
    if !ok {
        return "?"
    }
    fn := runtime.FuncForPC(pc)
    if fn == nil {
        return "?"
    }
    name := fn.Name()
    if i := strings.LastIndex(name, "."); i >= 0 {
        name = name[i+1:]
    }
    return name
}

// erraddcallingcontext prefixes e with the name of the function that
// observed it.
func erraddcallingcontext(funcname string, e *Error) *Error {
    return &Error{Err: fmt.Errorf("%s: %w", funcname, e.Err)}
}

var opts orchestrator.Options

func main() {
    root := newRootCmd()
    if err := root.Execute(); err != nil {
        os.Exit(1)
    }
}

func newRootCmd() *cobra.Command {
    root := &cobra.Command{
        Use:   "git-deploy",
        Short: "git-based deployment orchestrator",
    }

    flags := root.PersistentFlags()
    flags.BoolVar(&opts.Force, "force", false, "bypass ownership and validation checks")
    flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "trace every git invocation")
    flags.BoolVar(&opts.NoCheckClean, "no-check-clean", false, "skip the working-tree cleanliness check")
    flags.BoolVar(&opts.NoRemote, "no-remote", false, "skip fetch/push against the remote")
    flags.StringVar(&opts.RemoteSite, "remote-site", "", "remote name to use instead of deploy.remote-site")
    flags.StringVar(&opts.RemoteBranch, "remote-branch", "", "remote branch name, if not the current branch")
    flags.StringVar(&opts.Message, "message", "", "tag message template (%TAG substituted with the final name)")
    flags.StringVar(&opts.DateFmt, "date-fmt", "", "strftime-style format for generated tag names")
    flags.BoolVar(&opts.LongDigest, "long-digest", false, "print full 40-hex object ids instead of a short prefix")
    flags.BoolVar(&opts.ShowDeployFile, "show-deploy-file", false, "print the full deploy file instead of just the commit")
    flags.BoolVar(&opts.ShowStep, "show-step", false, "include the raw session log in status output")
    flags.BoolVar(&opts.ShowPrefix, "show-prefix", false, "include the resolved app prefix in status output")
    flags.StringVar(&opts.DeployFileName, "deploy-file-name", "", "deploy file path, overriding deploy.deploy-file")
    flags.BoolVar(&opts.List, "list", false, "with status, print the most recent tag reaching HEAD instead of the session state")
    flags.BoolVar(&opts.ListAll, "list-all", false, "with status, print every tag reaching HEAD instead of the session state")
    flags.BoolVar(&opts.IncludeBranches, "include-branches", false, "with --list/--list-all, also list branches containing HEAD")
    flags.IntVar(&opts.Count, "count", 0, "with --list/--list-all, cap the number of names printed")
    flags.StringVar(&opts.IgnoreOlderThan, "ignore-older-than", "", "with --list/--list-all, ignore tags dated before this YYYYMMDD cutoff")

    root.AddCommand(
        newActionCmd("start", "begin a rollout", runStart),
        newActionCmd("sync", "mark the rollout synced to the target", runSync),
        newActionCmd("release", "sync without a manual sync step", runRelease),
        newActionCmd("finish", "finish a synced rollout", runFinish),
        newActionCmd("abort", "abandon the active rollout", runAbort),
        newActionCmd("revert", "roll the working tree back and close the session", runRevert),
        newActionCmd("tag", "create an ad-hoc marker tag", runTag),
        newActionCmd("hotfix", "start a rollout skipping the pull steps", runHotfix),
        newActionCmd("show", "print the deploy file", runShow),
        newActionCmd("show-tag", "print the rollout or rollback marker tag", runShowTag),
        newActionCmd("status", "print the session state", runStatus),
        newActionCmd("log", "git log between the rollback and rollout markers", runLog),
        newActionCmd("diff", "git diff between the rollback and rollout markers", runDiff),
    )
    return root
}

func newActionCmd(use, short string, run func(o *orchestrator.Orchestrator, args []string) (string, error)) *cobra.Command {
    return &cobra.Command{
        Use:   use,
        Short: short,
        RunE: func(cmd *cobra.Command, args []string) (runErr error) {
            here := myfuncname()
            defer errcatch(func(e *Error) {
                e = erraddcallingcontext(here, e)
                fmt.Fprintln(os.Stderr, e)
                if opts.Verbose {
                    fmt.Fprintln(os.Stderr)
                    debug.PrintStack()
                }
                runErr = e
            })

            o := build()
            if flushTimingEnabled() {
                defer flushTiming(o)
            }
            out, err := run(o, args)
            if err != nil {
                return err
            }
            if out != "" {
                fmt.Println(out)
            }
            return nil
        },
    }
}

// build resolves the repository, constructs every component, and wires
// them into one Orchestrator for this invocation.
func build() *orchestrator.Orchestrator {
    log, _ := zap.NewProduction()
    if opts.Verbose {
        log, _ = zap.NewDevelopment()
    }

    exec := &gitexec.Executor{Verbose: opts.Verbose, Log: log}
    gitdir := exec.Result([]string{"rev-parse", "--git-dir"}, []int{0}, gitexec.Opts{})
    worktree := exec.Result([]string{"rev-parse", "--show-toplevel"}, []int{0}, gitexec.Opts{})
    exec.Dir = worktree

    cfg := config.New(exec)
    inv := refs.New(exec)
    tags := tagsvc.New(exec, inv)
    sess := session.New(gitdir)

    hookDir := cfg.Path("hook-dir", "")
    rep := reporter.NewTerminal(os.Stderr)
    hookEngine := hooks.New(hookDir, log, func(format string, args ...interface{}) {
        rep.Warn(format, args...)
    })

    var mail *mailer.Mailer
    if tool := cfg.String("mail-tool", ""); tool != "" {
        mail = mailer.New(tool, "git-deploy@"+hostname())
    }

    username := os.Getenv("USER")
    if username == "" {
        if u, err := user.Current(); err == nil {
            username = u.Username
        }
    }
    uid := os.Getuid()

    o := &orchestrator.Orchestrator{
        Opts:     opts,
        Exec:     exec,
        Config:   cfg,
        Inv:      inv,
        Tags:     tags,
        Session:  sess,
        Hooks:    hookEngine,
        Mail:     mail,
        Timing:   timing.New(os.Args),
        Report:   rep,
        Username: username,
        UID:      uid,
        Gitdir:   gitdir,
        Worktree: worktree,
    }
    return o
}

// flushTimingEnabled decides whether the deterministic top-level
// finalizer writes the timing ledger; GIT_DEPLOY_DEBUG and --verbose both
// enable it.
func flushTimingEnabled() bool {
    return opts.Verbose || os.Getenv("GIT_DEPLOY_DEBUG") != ""
}

func flushTiming(o *orchestrator.Orchestrator) {
    path := timing.Path(o.Timing.StartUnix())
    if err := o.Timing.Flush(path); err != nil {
        o.Report.Warn("could not write timing log %s: %s", path, err)
    }
}

func hostname() string {
    h, err := os.Hostname()
    if err != nil {
        return "localhost"
    }
    return h
}

func runStart(o *orchestrator.Orchestrator, args []string) (string, error) {
    started := time.Now()
    tag := o.Start()
    o.Notify("start", tag, started)
    return tag, nil
}

func runSync(o *orchestrator.Orchestrator, args []string) (string, error) {
    started := time.Now()
    o.Sync()
    o.Notify("sync", "", started)
    return "", nil
}

func runRelease(o *orchestrator.Orchestrator, args []string) (string, error) {
    started := time.Now()
    o.Release()
    o.Notify("release", "", started)
    return "", nil
}

func runFinish(o *orchestrator.Orchestrator, args []string) (string, error) {
    started := time.Now()
    tag := o.Finish()
    o.Notify("finish", tag, started)
    return tag, nil
}

func runAbort(o *orchestrator.Orchestrator, args []string) (string, error) {
    started := time.Now()
    o.Abort()
    o.Notify("abort", "", started)
    return "", nil
}

func runRevert(o *orchestrator.Orchestrator, args []string) (string, error) {
    started := time.Now()
    o.Revert()
    o.Notify("revert", "", started)
    return "", nil
}

func runTag(o *orchestrator.Orchestrator, args []string) (string, error) {
    return o.Tag(), nil
}

func runHotfix(o *orchestrator.Orchestrator, args []string) (string, error) {
    started := time.Now()
    tag := o.Hotfix()
    o.Notify("hotfix", tag, started)
    return tag, nil
}

func runShow(o *orchestrator.Orchestrator, args []string) (string, error) {
    return o.Show(), nil
}

func runShowTag(o *orchestrator.Orchestrator, args []string) (string, error) {
    kind := "rollout"
    if len(args) > 0 {
        kind = args[0]
    }
    return o.ShowTag(kind), nil
}

func runStatus(o *orchestrator.Orchestrator, args []string) (string, error) {
    return o.Status(), nil
}

func runLog(o *orchestrator.Orchestrator, args []string) (string, error) {
    return o.Log(), nil
}

func runDiff(o *orchestrator.Orchestrator, args []string) (string, error) {
    return o.Diff(), nil
}
