package main

import (
    "os"
    "testing"
)

func TestNewRootCmdRegistersEveryAction(t *testing.T) {
    root := newRootCmd()
    want := []string{
        "start", "sync", "release", "finish", "abort", "revert",
        "tag", "hotfix", "show", "show-tag", "status", "log", "diff",
    }
    for _, name := range want {
        if cmd, _, err := root.Find([]string{name}); err != nil || cmd == nil {
            t.Errorf("root command is missing the %q action", name)
        }
    }
}

func TestFlushTimingEnabledEnvVar(t *testing.T) {
    opts.Verbose = false
    os.Unsetenv("GIT_DEPLOY_DEBUG")
    if flushTimingEnabled() {
        t.Error("flushTimingEnabled() = true with no --verbose and no env var set")
    }

    os.Setenv("GIT_DEPLOY_DEBUG", "1")
    defer os.Unsetenv("GIT_DEPLOY_DEBUG")
    if !flushTimingEnabled() {
        t.Error("flushTimingEnabled() = false with GIT_DEPLOY_DEBUG set")
    }
}

func TestHostnameFallback(t *testing.T) {
    if got := hostname(); got == "" {
        t.Error("hostname() returned an empty string")
    }
}
