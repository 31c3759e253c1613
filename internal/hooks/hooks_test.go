package hooks

import (
    "os"
    "path/filepath"
    "testing"
)

func xscript(t *testing.T, dir, name, body string) string {
    path := filepath.Join(dir, name)
    if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0777); err != nil {
        t.Fatal(err)
    }
    return path
}

func TestDispatchRunsCommonThenPrefixedInOrder(t *testing.T) {
    root := t.TempDir()
    common := filepath.Join(root, "apps", "common")
    app := filepath.Join(root, "apps", "web")
    if err := os.MkdirAll(common, 0777); err != nil {
        t.Fatal(err)
    }
    if err := os.MkdirAll(app, 0777); err != nil {
        t.Fatal(err)
    }

    out := filepath.Join(root, "order.log")
    xscript(t, common, "pre-sync.10", "echo common >> "+out)
    xscript(t, app, "pre-sync.05", "echo web >> "+out)

    e := New(root, nil, nil)
    e.Dispatch("pre-sync", "web", false)

    data, err := os.ReadFile(out)
    if err != nil {
        t.Fatal(err)
    }
    if got, want := string(data), "common\nweb\n"; got != want {
        t.Errorf("hook run order = %q, want %q", got, want)
    }
}

func TestDispatchSkipsNonExecutable(t *testing.T) {
    root := t.TempDir()
    common := filepath.Join(root, "apps", "common")
    if err := os.MkdirAll(common, 0777); err != nil {
        t.Fatal(err)
    }
    path := filepath.Join(common, "pre-sync.01")
    if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0666); err != nil {
        t.Fatal(err)
    }

    var warned bool
    e := New(root, nil, func(format string, args ...interface{}) { warned = true })
    e.Dispatch("pre-sync", "web", false)

    if !warned {
        t.Error("expected a warning for the non-executable hook")
    }
}

func TestDispatchNoOpWhenDirEmpty(t *testing.T) {
    e := New("", nil, func(format string, args ...interface{}) {
        t.Error("warn should not be called when hooks are disabled")
    })
    e.Dispatch("pre-sync", "web", false)
}

func TestDispatchRaisesOnFailureByDefault(t *testing.T) {
    root := t.TempDir()
    common := filepath.Join(root, "apps", "common")
    if err := os.MkdirAll(common, 0777); err != nil {
        t.Fatal(err)
    }
    xscript(t, common, "pre-sync.01", "exit 3")

    e := New(root, nil, nil)
    defer func() {
        r := recover()
        if r == nil {
            t.Fatal("expected Dispatch to raise for a failing hook")
        }
        hf, ok := r.(*HookFailed)
        if !ok {
            t.Fatalf("panic value %v is not *HookFailed", r)
        }
        if hf.Code != 3 {
            t.Errorf("HookFailed.Code = %d, want 3", hf.Code)
        }
    }()
    e.Dispatch("pre-sync", "web", false)
}

func TestDispatchIgnoreExitWarnsInsteadOfRaising(t *testing.T) {
    root := t.TempDir()
    common := filepath.Join(root, "apps", "common")
    if err := os.MkdirAll(common, 0777); err != nil {
        t.Fatal(err)
    }
    xscript(t, common, "post-rollback.01", "exit 1")

    var warned bool
    e := New(root, nil, func(format string, args ...interface{}) { warned = true })
    e.Dispatch("post-rollback", "web", true)

    if !warned {
        t.Error("expected a warning instead of a raise when ignoreExit is set")
    }
}

func TestSyncHook(t *testing.T) {
    root := t.TempDir()
    syncDir := filepath.Join(root, "sync")
    if err := os.MkdirAll(syncDir, 0777); err != nil {
        t.Fatal(err)
    }
    path := xscript(t, syncDir, "web.sync", "exit 0")

    e := New(root, nil, nil)
    if got := e.SyncHook("web"); got != path {
        t.Errorf("SyncHook(web) = %q, want %q", got, path)
    }
    if got := e.SyncHook("missing"); got != "" {
        t.Errorf("SyncHook(missing) = %q, want empty", got)
    }
}
