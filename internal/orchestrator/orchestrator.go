// Package orchestrator composes the Git Executor, Config Store, Ref
// Inventory, Tag Service, Rollout Session, Hook Engine, Deploy File, and
// Timing Ledger into the top-level actions a rollout operator invokes:
// start, sync, release, finish, abort, revert, tag, hotfix, and the
// read-only show/show-tag/status/log/diff views.
package orchestrator

import (
    "fmt"
    "os"
    "strings"
    "time"

    "github.com/avar/git-deploy/internal/config"
    "github.com/avar/git-deploy/internal/deployfile"
    "github.com/avar/git-deploy/internal/gitexec"
    "github.com/avar/git-deploy/internal/hooks"
    "github.com/avar/git-deploy/internal/mailer"
    "github.com/avar/git-deploy/internal/refs"
    "github.com/avar/git-deploy/internal/reporter"
    "github.com/avar/git-deploy/internal/session"
    "github.com/avar/git-deploy/internal/tagsvc"
    "github.com/avar/git-deploy/internal/timing"

    "lab.nexedi.com/kirr/go123/exc"
)

var (
    raise  = exc.Raise
    raisef = exc.Raisef
)

// Options carries the CLI flags that shape every action.
type Options struct {
    Force            bool
    Verbose          bool
    NoCheckClean     bool
    NoRemote         bool
    RemoteSite       string
    RemoteBranch     string
    Message          string
    DateFmt          string
    Prefix           string // app prefix, e.g. "sheep"
    LongDigest       bool
    ShowDeployFile   bool
    ShowStep         bool
    ShowPrefix       bool
    DeployFileName   string
    List             bool
    ListAll          bool
    IncludeBranches  bool
    Count            int
    IgnoreOlderThan  string // YYYYMMDD
}

// Orchestrator wires every component together for a single invocation.
type Orchestrator struct {
    Opts     Options
    Exec     *gitexec.Executor
    Config   *config.Store
    Inv      *refs.Inventory
    Tags     *tagsvc.Service
    Session  *session.Session
    Hooks    *hooks.Engine
    Mail     *mailer.Mailer
    Timing   *timing.Ledger
    Report   reporter.Reporter
    Username string
    UID      int
    Gitdir   string
    Worktree string
}

func dateFmt(fallback string) string {
    if fallback == "" {
        return "%Y%m%d-%H%M"
    }
    return fallback
}

func (o *Orchestrator) tagPrefix() string {
    if o.Opts.Prefix != "" {
        return o.Opts.Prefix
    }
    return o.Config.MandatoryString("tag-prefix")
}

func (o *Orchestrator) messageLines(template string) []string {
    if template == "" {
        template = "%TAG"
    }
    return strings.Split(template, "\n")
}

// currentBranch returns the checked-out branch name, or "(no branch)" if
// HEAD is detached.
func (o *Orchestrator) currentBranch() string {
    out, code := o.Exec.Run([]string{"symbolic-ref", "--short", "-q", "HEAD"}, gitexec.Opts{})
    if code != 0 {
        return "(no branch)"
    }
    return out
}

func (o *Orchestrator) remote() string {
    if o.Opts.RemoteSite != "" {
        return o.Opts.RemoteSite
    }
    return o.Config.String("remote-site", "origin")
}

func (o *Orchestrator) remoteDisabled() bool {
    return o.Opts.NoRemote || o.remote() == "none"
}

// checkClean fails unless `git status` reports a clean working directory.
func (o *Orchestrator) checkClean() {
    if o.Opts.NoCheckClean {
        return
    }
    out, _ := o.Exec.Run([]string{"status"}, gitexec.Opts{})
    if !strings.Contains(out, "(working directory clean)") {
        raise(&DirtyWorkingTree{Status: out})
    }
}

// checkPushed warns (or fails, without --force) about commits not yet on
// the remote branch.
func (o *Orchestrator) checkPushed(branch string) {
    if o.remoteDisabled() {
        return
    }
    remoteBranch := o.Opts.RemoteBranch
    if remoteBranch == "" {
        remoteBranch = branch
    }
    out, code := o.Exec.Run([]string{"cherry", o.remote() + "/" + remoteBranch}, gitexec.Opts{})
    if code != 0 || out == "" {
        return
    }
    if o.Opts.Force {
        o.Report.Warn("unpushed commits present:\n%s", out)
        return
    }
    raise(&UnpushedCommits{Cherry: out})
}

func (o *Orchestrator) fetch(branch string) {
    if o.remoteDisabled() {
        return
    }
    argv := []string{"fetch", "--tags", o.remote()}
    if branch != "(no branch)" {
        argv = append(argv, branch)
    }
    out, code := o.Exec.Run(argv, gitexec.Opts{})
    if code != 0 && code != 1 {
        raise(&gitexec.UnexpectedExit{Argv: argv, Code: code, Output: out})
    }
}

func (o *Orchestrator) startOpts(action string) session.StartOpts {
    return session.StartOpts{
        BlockFile: o.Config.Path("block-file", ""),
        Username:  o.Username,
        UID:       o.UID,
        Branch:    o.currentBranch(),
        Head:      o.Inv.NameToCommit("HEAD").String(),
    }
}

func (o *Orchestrator) transitionOpts(action string, check func([]session.Line) error) session.TransitionOpts {
    return session.TransitionOpts{
        Action:   action,
        Force:    o.Opts.Force,
        Username: o.Username,
        Branch:   o.currentBranch(),
        Head:     o.Inv.NameToCommit("HEAD").String(),
        UID:      o.UID,
        Check:    check,
    }
}

// Start runs the "start" action: pre-start/pre-pull/post-pull hooks,
// a cleanliness and unpushed-commit check, a pull, and the creation of
// the start/rollback marker tag before opening the session.
func (o *Orchestrator) Start() string {
    o.Timing.Push("action_start_start")
    defer o.Timing.Push("action_start_end")

    prefix := o.tagPrefix()
    o.Hooks.Dispatch("pre-start", prefix, false)
    o.checkClean()

    branch := o.currentBranch()
    o.fetch(branch)
    o.checkPushed(branch)

    o.Hooks.Dispatch("pre-pull", prefix, false)
    if !o.remoteDisabled() && branch != "(no branch)" {
        o.Exec.Result([]string{"pull", o.remote(), branch}, []int{0}, gitexec.Opts{})
    }
    o.Hooks.Dispatch("post-pull", prefix, false)
    o.Hooks.Dispatch("post-tree-update", prefix, false)

    startTag := fmt.Sprintf("%s-start-%s", prefix, strftimeNow(dateFmt(o.Opts.DateFmt)))
    final := o.Tags.MakeTag(startTag, o.messageLines(o.Opts.Message))
    o.Session.StoreTagInfo("rollback", o.Inv.NameToCommit(final).String(), final)

    o.Session.Start(o.startOpts("start"))
    o.Report.Status("started rollout %s", final)
    return final
}

// Sync runs the "sync" action: requires STARTED, writes the deploy file,
// runs the sync-style hook (or post-sync), transitions to SYNCED.
func (o *Orchestrator) Sync() {
    o.Timing.Push("action_sync_start")
    defer o.Timing.Push("action_sync_end")

    prefix := o.tagPrefix()
    o.Hooks.Dispatch("pre-sync", prefix, false)

    tag, _ := o.Session.FetchTagInfo("rollback", func(name string) string {
        return o.Inv.NameToCommit(name).String()
    })
    o.writeDeployFile(tag)

    if path := o.Hooks.SyncHook(prefix); path != "" {
        o.Hooks.RunSync(path, prefix)
    } else {
        o.Hooks.Dispatch("post-sync", prefix, false)
    }

    o.Session.Transition(o.transitionOpts("sync", session.CheckSync))
    o.Report.Status("synced rollout")
}

// Release is Sync's equivalent for boxes without a manual sync step:
// STARTED -> SYNCED directly, driven by post-tree-update instead of the
// sync-style hook.
func (o *Orchestrator) Release() {
    o.Timing.Push("action_release_start")
    defer o.Timing.Push("action_release_end")

    prefix := o.tagPrefix()
    o.Hooks.Dispatch("post-tree-update", prefix, false)
    o.Session.Transition(o.transitionOpts("release", session.CheckSync))
    o.Report.Status("released rollout")
}

// Finish runs the "finish" action: requires SYNCED, tags the finish
// marker, stores it as the rollout sidecar, and returns the session to
// ABSENT.
func (o *Orchestrator) Finish() string {
    o.Timing.Push("action_finish_start")
    defer o.Timing.Push("action_finish_end")

    prefix := o.tagPrefix()
    o.Session.Transition(o.transitionOpts("finish", session.CheckFinish))

    finishTag := fmt.Sprintf("%s-finish-%s", prefix, strftimeNow(dateFmt(o.Opts.DateFmt)))
    final := o.Tags.MakeTag(finishTag, o.messageLines(o.Opts.Message))
    o.Session.StoreTagInfo("rollout", o.Inv.NameToCommit(final).String(), final)

    o.Session.UnlinkRolloutStatus()
    o.Report.Status("finished rollout %s", final)
    return final
}

// Abort returns a STARTED or SYNCED session to ABSENT without tagging.
func (o *Orchestrator) Abort() {
    o.Timing.Push("action_abort_start")
    defer o.Timing.Push("action_abort_end")

    state := o.Session.State()
    if state != session.Started && state != session.Synced && !o.Opts.Force {
        raise(&session.BadState{Reason: "nothing to abort"})
    }
    o.Session.UnlinkRolloutStatus()
    o.Report.Status("aborted rollout")
}

// Revert rolls the working tree back to the rollback sidecar commit and
// returns a SYNCED session to ABSENT.
func (o *Orchestrator) Revert() {
    o.Timing.Push("action_revert_start")
    defer o.Timing.Push("action_revert_end")

    prefix := o.tagPrefix()
    o.Session.Transition(o.transitionOpts("rollback", session.CheckFinish))

    tag, ok := o.Session.FetchTagInfo("rollback", func(name string) string {
        return o.Inv.NameToCommit(name).String()
    })
    if !ok {
        raisef("revert: no valid rollback marker for this session")
    }

    o.Exec.Result([]string{"reset", "--hard", tag}, []int{0}, gitexec.Opts{})
    o.Exec.Result([]string{"checkout", "-f"}, []int{0}, gitexec.Opts{})

    o.Hooks.Dispatch("post-tree-update", prefix, true)
    o.Hooks.Dispatch("post-rollback", prefix, true)

    o.Session.UnlinkRolloutStatus()
    o.Report.Status("reverted to %s", tag)
}

// Tag creates an ad-hoc marker tag outside of any rollout session.
func (o *Orchestrator) Tag() string {
    prefix := o.tagPrefix()
    return o.Tags.MakeDatedTag(prefix, dateFmt(o.Opts.DateFmt), o.messageLines(o.Opts.Message))
}

// Hotfix is Start without the pull steps: the working tree is assumed to
// already be at the commit to ship.
func (o *Orchestrator) Hotfix() string {
    o.Timing.Push("action_hotfix_start")
    defer o.Timing.Push("action_hotfix_end")

    prefix := o.tagPrefix()
    o.Hooks.Dispatch("pre-start", prefix, false)
    o.checkClean()
    o.checkPushed(o.currentBranch())
    o.Hooks.Dispatch("post-tree-update", prefix, false)

    hotfixTag := fmt.Sprintf("%s-hotfix-%s", prefix, strftimeNow(dateFmt(o.Opts.DateFmt)))
    final := o.Tags.MakeTag(hotfixTag, o.messageLines(o.Opts.Message))
    o.Session.StoreTagInfo("rollback", o.Inv.NameToCommit(final).String(), final)

    o.Session.Start(o.startOpts("start"))
    o.Report.Status("started hotfix rollout %s", final)
    return final
}

// Status prints the session's coarse state and, if requested, the raw
// step log. If --list or --list-all was given, it instead prints the
// tag (and, with --include-branches, branch) names currently pointing at
// HEAD.
func (o *Orchestrator) Status() string {
    if o.Opts.List || o.Opts.ListAll {
        return o.List()
    }

    state := o.Session.State()
    var b strings.Builder
    fmt.Fprintf(&b, "state: %s\n", stateName(state))
    if o.Opts.ShowPrefix {
        fmt.Fprintf(&b, "prefix: %s\n", o.tagPrefix())
    }
    if o.Opts.ShowStep {
        for _, line := range o.Session.ReadLog() {
            fmt.Fprintln(&b, line.String())
        }
    }
    return b.String()
}

// List returns the names reaching HEAD among all tags in the repository
// (whatever their prefix), newest first: --list returns at most one (the most recent), --list-all every
// match. --ignore-older-than drops tags dated before a YYYYMMDD cutoff
// before the HEAD match is computed, and --include-branches appends the
// branches containing HEAD (in the fixed trunk/master priority order).
// --count caps the number of lines returned, after branches are appended.
func (o *Orchestrator) List() string {
    tags := o.Inv.SortedTags()
    if o.Opts.IgnoreOlderThan != "" {
        tags = refs.FilterByDate(o.Opts.IgnoreOlderThan, tags)
    }

    mode := refs.First
    if o.Opts.ListAll {
        mode = refs.All
    }
    names := o.Inv.NamesMatchingHead(mode, tags)

    if o.Opts.IncludeBranches {
        names = append(names, o.Inv.BranchesReachingHead()...)
    }

    if o.Opts.Count > 0 && len(names) > o.Opts.Count {
        names = names[:o.Opts.Count]
    }
    return strings.Join(names, "\n")
}

// Show prints the deploy file contents with --show-deploy-file, or else
// just its recorded commit (abbreviated to 12 hex digits unless
// --long-digest is given). Nothing is printed if the file's recorded
// commit no longer matches HEAD, unless --force is given.
func (o *Orchestrator) Show() string {
    path := o.deployFilePath()
    info, ok := deployfile.Read(path)
    if !ok {
        return ""
    }
    head := o.Inv.NameToCommit("HEAD").String()
    if !deployfile.MatchesHead(info, head, o.Opts.Force) {
        return ""
    }
    if o.Opts.ShowDeployFile {
        var b strings.Builder
        fmt.Fprintf(&b, "commit: %s\ntag: %s\ndeploy-date: %s\ndeployed-from: %s\ndeployed-by: %s\n\n",
            info.Commit, info.Tag, info.DeployDate, info.DeployedFrom, info.DeployedBy)
        fmt.Fprintln(&b, strings.Join(info.Message, "\n"))
        return b.String()
    }
    return o.digest(info.Commit)
}

// ShowTag resolves and prints the rollout/rollback sidecar tag for kind.
func (o *Orchestrator) ShowTag(kind string) string {
    tag, ok := o.Session.FetchTagInfo(kind, func(name string) string {
        return o.Inv.NameToCommit(name).String()
    })
    if !ok {
        return ""
    }
    return tag
}

func (o *Orchestrator) digest(sha1 string) string {
    if o.Opts.LongDigest || sha1 == "" {
        return sha1
    }
    if len(sha1) > 12 {
        return sha1[:12]
    }
    return sha1
}

func (o *Orchestrator) deployFilePath() string {
    if o.Opts.DeployFileName != "" {
        return o.Opts.DeployFileName
    }
    return o.Config.Path("deploy-file", o.Worktree+"/.deploy")
}

func (o *Orchestrator) writeDeployFile(tag string) {
    commit := o.Inv.NameToCommit("HEAD").String()
    if tag != "" {
        commit = o.Inv.NameToCommit(tag).String()
    }
    lines := o.messageLines(o.Opts.Message)
    for i, line := range lines {
        lines[i] = strings.ReplaceAll(line, "%TAG", tag)
    }
    info := deployfile.New(commit, tag, lines)
    if err := deployfile.Write(o.deployFilePath(), info); err != nil {
        o.Report.Warn("could not write deploy file: %s", err)
    }
}

// Log shells directly to `git log` between the rollback and rollout
// sidecar commits.
func (o *Orchestrator) Log() string {
    return o.diffRange("log")
}

// Diff shells directly to `git diff` between the rollback and rollout
// sidecar commits.
func (o *Orchestrator) Diff() string {
    return o.diffRange("diff")
}

func (o *Orchestrator) diffRange(sub string) string {
    from, _ := o.Session.FetchTagInfo("rollback", func(name string) string {
        return o.Inv.NameToCommit(name).String()
    })
    to, _ := o.Session.FetchTagInfo("rollout", func(name string) string {
        return o.Inv.NameToCommit(name).String()
    })
    if from == "" || to == "" {
        return ""
    }
    return o.Exec.Result([]string{sub, from + ".." + to}, []int{0}, gitexec.Opts{Raw: true})
}

// Notify sends the best-effort rollout notification for action, if
// deploy.send-mail-on-<action> names any recipients.
func (o *Orchestrator) Notify(action, tag string, started time.Time) {
    if o.Mail == nil {
        return
    }
    to := o.Config.String("send-mail-on-"+action, "")
    if to == "" {
        return
    }
    host, _ := os.Hostname()
    n := mailer.Notification{
        Action:   action,
        Tag:      tag,
        Deployer: o.Username,
        Host:     host,
        Started:  started,
        Duration: time.Since(started),
    }
    if err := o.Mail.Notify(strings.Fields(to), n); err != nil {
        o.Report.Warn("could not send %s notification: %s", action, err)
    }
}

func stateName(s session.State) string {
    switch s {
    case session.Absent:
        return "absent"
    case session.Started:
        return "started"
    case session.Synced:
        return "synced"
    case session.Finishing:
        return "finishing"
    default:
        return "unknown"
    }
}

func strftimeNow(format string) string {
    r := strings.NewReplacer("%Y", "2006", "%y", "06", "%m", "01", "%d", "02", "%H", "15", "%M", "04", "%S", "05")
    return time.Now().Format(r.Replace(format))
}

// DirtyWorkingTree is raised when `git status` does not report a clean
// working directory and --no-check-clean was not given.
type DirtyWorkingTree struct {
    Status string
}

func (e *DirtyWorkingTree) Error() string {
    return "working directory is not clean:\n" + e.Status
}

// UnpushedCommits is raised when `git cherry` reports commits the remote
// branch doesn't have, and --force was not given.
type UnpushedCommits struct {
    Cherry string
}

func (e *UnpushedCommits) Error() string {
    return "unpushed commits present (use --force to override):\n" + e.Cherry
}
