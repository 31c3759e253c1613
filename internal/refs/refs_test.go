package refs

import (
    "os"
    "os/exec"
    "path/filepath"
    "testing"

    "github.com/avar/git-deploy/internal/gitexec"
)

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
    if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello\n"), 0666); err != nil {
        t.Fatal(err)
    }
    run("add", "a.txt")
    run("commit", "-q", "-m", "initial")
    run("tag", "lightweight-tag")
    run("tag", "-m", "annotated", "annotated-tag")
    return dir
}

func TestNameToCommitHead(t *testing.T) {
    dir := xtempRepo(t)
    inv := New(&gitexec.Executor{Dir: dir})

    head := inv.NameToCommit("HEAD")
    if head.IsNull() {
        t.Fatal("NameToCommit(HEAD) returned null sha1")
    }
    if got := inv.NameToCommit("master"); got != head {
        t.Errorf("NameToCommit(master) = %s, want %s", got, head)
    }
}

func TestIsAnnotatedTag(t *testing.T) {
    dir := xtempRepo(t)
    inv := New(&gitexec.Executor{Dir: dir})

    if _, _, ok := inv.IsAnnotatedTag("lightweight-tag"); ok {
        t.Error("lightweight-tag reported as annotated")
    }
    commit, sha1, ok := inv.IsAnnotatedTag("annotated-tag")
    if !ok {
        t.Fatal("annotated-tag not reported as annotated")
    }
    if commit.IsNull() || sha1.IsNull() {
        t.Error("annotated tag's commit/sha1 should not be null")
    }
    if commit == sha1 {
        t.Error("annotated tag's own object id should differ from the commit it points to")
    }
}

func TestClearInvalidatesCache(t *testing.T) {
    dir := xtempRepo(t)
    inv := New(&gitexec.Executor{Dir: dir})

    inv.ensure()
    if !inv.loaded {
        t.Fatal("ensure() did not mark the inventory loaded")
    }
    inv.Clear()
    if inv.loaded {
        t.Error("Clear() did not reset the loaded flag")
    }
}

func TestDateKey(t *testing.T) {
    var tests = []struct{ name, key string; has bool }{
        {"sheep-start-20240102-1530", "202401021530", true},
        {"sheep-start-20240102_3", "202401023", true},
        {"no-date-here", "", false},
    }
    for _, tt := range tests {
        key, has := dateKey(tt.name)
        if has != tt.has {
            t.Errorf("dateKey(%q) has=%v, want %v", tt.name, has, tt.has)
            continue
        }
        if has && key != tt.key {
            t.Errorf("dateKey(%q) = %q, want %q", tt.name, key, tt.key)
        }
    }
}
