package orchestrator

import (
    "os"
    "os/exec"
    "path/filepath"
    "testing"

    "github.com/stretchr/testify/require"

    "github.com/avar/git-deploy/internal/config"
    "github.com/avar/git-deploy/internal/gitexec"
    "github.com/avar/git-deploy/internal/hooks"
    "github.com/avar/git-deploy/internal/refs"
    "github.com/avar/git-deploy/internal/session"
    "github.com/avar/git-deploy/internal/tagsvc"
    "github.com/avar/git-deploy/internal/timing"
)

type fakeReporter struct {
    warnings []string
}

func (f *fakeReporter) Status(format string, args ...interface{}) {}
func (f *fakeReporter) Info(format string, args ...interface{})   {}
func (f *fakeReporter) Warn(format string, args ...interface{}) {
    f.warnings = append(f.warnings, format)
}
func (f *fakeReporter) Error(format string, args ...interface{}) {}

func xtempRepo(t *testing.T) string {
    dir := t.TempDir()
    run := func(argv ...string) {
        cmd := exec.Command("git", argv...)
        cmd.Dir = dir
        cmd.Env = append(os.Environ(),
            "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
            "GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
        if out, err := cmd.CombinedOutput(); err != nil {
            t.Fatalf("git %v: %s: %s", argv, err, out)
        }
    }
    run("init", "-q", "-b", "master")
    run("config", "deploy.tag-prefix", "sheep")
    if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello\n"), 0666); err != nil {
        t.Fatal(err)
    }
    run("add", "a.txt")
    run("commit", "-q", "-m", "initial")
    return dir
}

func xorchestrator(t *testing.T, dir string) *Orchestrator {
    gitexecutor := &gitexec.Executor{Dir: dir}
    cfg := config.New(gitexecutor)
    inv := refs.New(gitexecutor)
    tags := tagsvc.New(gitexecutor, inv)
    sess := session.New(filepath.Join(dir, ".git"))
    hookEngine := hooks.New("", nil, nil)

    return &Orchestrator{
        Opts: Options{
            NoRemote:     true,
            NoCheckClean: true,
        },
        Exec:     gitexecutor,
        Config:   cfg,
        Inv:      inv,
        Tags:     tags,
        Session:  sess,
        Hooks:    hookEngine,
        Timing:   timing.New(nil),
        Report:   &fakeReporter{},
        Username: "alice",
        UID:      501,
        Gitdir:   filepath.Join(dir, ".git"),
        Worktree: dir,
    }
}

func TestStartSyncFinishLifecycle(t *testing.T) {
    dir := xtempRepo(t)
    o := xorchestrator(t, dir)

    startTag := o.Start()
    require.True(t, len(startTag) >= len("sheep-start") && startTag[:len("sheep-start")] == "sheep-start",
        "Start() = %q, want a sheep-start-* tag", startTag)
    require.Equal(t, session.Started, o.Session.State())

    o.Sync()
    require.Equal(t, session.Synced, o.Session.State())

    finishTag := o.Finish()
    require.True(t, len(finishTag) >= len("sheep-finish") && finishTag[:len("sheep-finish")] == "sheep-finish",
        "Finish() = %q, want a sheep-finish-* tag", finishTag)
    require.Equal(t, session.Absent, o.Session.State())
}

func TestAbortAfterStart(t *testing.T) {
    dir := xtempRepo(t)
    o := xorchestrator(t, dir)

    o.Start()
    o.Abort()

    if got := o.Session.State(); got != session.Absent {
        t.Fatalf("State() after Abort = %v, want Absent", got)
    }
}

func TestAbortWithoutSessionRaisesWithoutForce(t *testing.T) {
    dir := xtempRepo(t)
    o := xorchestrator(t, dir)

    defer func() {
        if r := recover(); r == nil {
            t.Fatal("expected Abort to raise when there is no active session")
        }
    }()
    o.Abort()
}

func TestTagAdHoc(t *testing.T) {
    dir := xtempRepo(t)
    o := xorchestrator(t, dir)

    tag := o.Tag()
    if len(tag) == 0 || tag[:5] != "sheep" {
        t.Fatalf("Tag() = %q, want a sheep-* tag", tag)
    }
    if got := o.Session.State(); got != session.Absent {
        t.Errorf("Tag() should not open a session, State() = %v", got)
    }
}

func TestListMatchesHead(t *testing.T) {
    dir := xtempRepo(t)
    o := xorchestrator(t, dir)

    tag := o.Tag()

    o.Opts.List = true
    if got := o.Status(); got != tag {
        t.Errorf("Status() with --list = %q, want %q", got, tag)
    }

    o.Opts.List = false
    o.Opts.ListAll = true
    if got := o.List(); got != tag {
        t.Errorf("List() with --list-all = %q, want %q", got, tag)
    }
}

func TestListIgnoreOlderThanExcludesStaleTags(t *testing.T) {
    dir := xtempRepo(t)
    o := xorchestrator(t, dir)

    // a tag name with no embedded date is always kept by FilterByDate,
    // so give it a clearly-past date to exercise the cutoff.
    o.Tags.MakeTag("sheep-20200101-0000", []string{"old"})

    o.Opts.ListAll = true
    o.Opts.IgnoreOlderThan = "20990101"
    if got := o.List(); got != "" {
        t.Errorf("List() with a future cutoff = %q, want empty", got)
    }
}

func TestStatusReportsState(t *testing.T) {
    dir := xtempRepo(t)
    o := xorchestrator(t, dir)

    if got := o.Status(); got != "state: absent\n" {
        t.Errorf("Status() before Start = %q, want state: absent", got)
    }
    o.Start()
    if got := o.Status(); got != "state: started\n" {
        t.Errorf("Status() after Start = %q, want state: started", got)
    }
}
