package session

import (
    "os"
    "path/filepath"
    "testing"

    "github.com/stretchr/testify/require"
)

func xstartOpts() StartOpts {
    return StartOpts{
        Username: "alice",
        UID:      501,
        Branch:   "master",
        Head:     "0000000000000000000000000000000000000001",
    }
}

func TestStartThenState(t *testing.T) {
    gitdir := t.TempDir()
    s := New(gitdir)

    if got := s.State(); got != Absent {
        t.Fatalf("State() before Start = %v, want Absent", got)
    }

    s.Start(xstartOpts())

    if got := s.State(); got != Started {
        t.Fatalf("State() after Start = %v, want Started", got)
    }
    lines := s.ReadLog()
    if len(lines) != 1 || lines[0].Action != "start" || lines[0].Username != "alice" {
        t.Fatalf("ReadLog() = %+v, want a single start line owned by alice", lines)
    }
}

func TestStartTwiceRaisesSessionExists(t *testing.T) {
    gitdir := t.TempDir()
    s := New(gitdir)
    s.Start(xstartOpts())

    defer func() {
        r := recover()
        if r == nil {
            t.Fatal("expected second Start to raise")
        }
        if _, ok := r.(*SessionExists); !ok {
            t.Fatalf("panic value %v is not *SessionExists", r)
        }
    }()
    s.Start(xstartOpts())
}

func TestStartBlockedBySysadmin(t *testing.T) {
    gitdir := t.TempDir()
    block := filepath.Join(gitdir, "block.txt")
    if err := os.WriteFile(block, []byte("no deploys today"), 0666); err != nil {
        t.Fatal(err)
    }
    s := New(gitdir)

    defer func() {
        r := recover()
        if r == nil {
            t.Fatal("expected Start to raise for a block file")
        }
        if _, ok := r.(*SysadminBlocked); !ok {
            t.Fatalf("panic value %v is not *SysadminBlocked", r)
        }
    }()
    opts := xstartOpts()
    opts.BlockFile = block
    s.Start(opts)
}

func TestTransitionSyncThenFinish(t *testing.T) {
    gitdir := t.TempDir()
    s := New(gitdir)
    s.Start(xstartOpts())

    s.Transition(TransitionOpts{
        Action: "sync", Username: "alice", UID: 501,
        Branch: "master", Head: "0000000000000000000000000000000000000001",
        Check: CheckSync,
    })
    require.Equal(t, Synced, s.State(), "state after sync")
    require.Len(t, s.ReadLog(), 2)

    s.Transition(TransitionOpts{
        Action: "finish", Username: "alice", UID: 501,
        Branch: "master", Head: "0000000000000000000000000000000000000001",
        Check: CheckFinish,
    })
    require.Equal(t, Finishing, s.State(), "state after finish")
    require.Len(t, s.ReadLog(), 3)
}

func TestTransitionNotOwnerWithoutForce(t *testing.T) {
    gitdir := t.TempDir()
    s := New(gitdir)
    s.Start(xstartOpts())

    defer func() {
        r := recover()
        if r == nil {
            t.Fatal("expected Transition to raise for a non-owner")
        }
        if _, ok := r.(*NotOwner); !ok {
            t.Fatalf("panic value %v is not *NotOwner", r)
        }
    }()
    s.Transition(TransitionOpts{
        Action: "sync", Username: "bob", UID: 502,
        Branch: "master", Head: "0000000000000000000000000000000000000001",
        Check: CheckSync,
    })
}

func TestTransitionForceBypassesOwnership(t *testing.T) {
    gitdir := t.TempDir()
    s := New(gitdir)
    s.Start(xstartOpts())

    s.Transition(TransitionOpts{
        Action: "sync", Username: "bob", UID: 502, Force: true,
        Branch: "master", Head: "0000000000000000000000000000000000000001",
        Check: CheckSync,
    })
    if got := s.State(); got != Synced {
        t.Fatalf("State() after forced sync = %v, want Synced", got)
    }
}

func TestTransitionFinnishTypo(t *testing.T) {
    gitdir := t.TempDir()
    s := New(gitdir)
    s.Start(xstartOpts())

    defer func() {
        r := recover()
        if r == nil {
            t.Fatal("expected Transition to raise for the finnish typo")
        }
        if _, ok := r.(*FinnishTypo); !ok {
            t.Fatalf("panic value %v is not *FinnishTypo", r)
        }
    }()
    s.Transition(TransitionOpts{Action: "finnish", Username: "alice"})
}

func TestCheckSyncAlreadySynced(t *testing.T) {
    lines := []Line{{Action: "start"}, {Action: "sync"}}
    if err := CheckSync(lines); err == nil {
        t.Fatal("expected CheckSync to reject an already-synced session")
    }
}

func TestCheckFinishNotSyncedYet(t *testing.T) {
    lines := []Line{{Action: "start"}}
    if err := CheckFinish(lines); err == nil {
        t.Fatal("expected CheckFinish to reject a session with only a start line")
    }
}

func TestCheckFinishInProgress(t *testing.T) {
    lines := []Line{{Action: "start"}, {Action: "sync"}, {Action: "finish"}}
    if err := CheckFinish(lines); err == nil {
        t.Fatal("expected CheckFinish to reject a session already finishing")
    }
}

func TestStoreAndFetchTagInfo(t *testing.T) {
    gitdir := t.TempDir()
    s := New(gitdir)
    s.Start(xstartOpts())

    sha1 := "0000000000000000000000000000000000000001"
    s.StoreTagInfo("rollback", sha1, "deploy-start-20240102")

    resolve := func(name string) string { return sha1 }
    tag, ok := s.FetchTagInfo("rollback", resolve)
    if !ok || tag != "deploy-start-20240102" {
        t.Fatalf("FetchTagInfo() = (%q, %v), want (deploy-start-20240102, true)", tag, ok)
    }

    stale := func(name string) string { return "0000000000000000000000000000000000000002" }
    if _, ok := s.FetchTagInfo("rollback", stale); ok {
        t.Fatal("FetchTagInfo() should reject a sidecar whose sha1 no longer matches")
    }
}

func TestUnlinkRolloutStatusRemovesEverything(t *testing.T) {
    gitdir := t.TempDir()
    s := New(gitdir)
    s.Start(xstartOpts())
    s.StoreTagInfo("rollout", "0000000000000000000000000000000000000001", "deploy-finish-1")

    s.UnlinkRolloutStatus()

    if got := s.State(); got != Absent {
        t.Fatalf("State() after UnlinkRolloutStatus = %v, want Absent", got)
    }
}
