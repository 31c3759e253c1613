// Package session is the cross-invocation state machine and advisory lock
// that enforce at-most-one active rollout per repository and a single
// owning user per session.
//
// Two mechanisms stack: exclusive creation of the lock file (O_EXCL)
// guards against two invocations racing to start, and an advisory flock
// held only across each append guards concurrent step updates within one
// session. Both are OS-released on process exit, so a crashed invocation
// leaves a stale file but no held lock — recovery is the state-machine
// validator's job, not lock contention's.
package session

import (
    "bufio"
    "fmt"
    "os"
    "path/filepath"
    "strconv"
    "strings"
    "time"

    "golang.org/x/sys/unix"
    "lab.nexedi.com/kirr/go123/exc"
)

var (
    raise  = exc.Raise
    raisef = exc.Raisef
)

// State is the session's coarse lifecycle stage, derived from the lock
// file's line count and first-field prefixes.
type State int

const (
    Absent State = iota
    Started
    Synced
    Finishing
    Unknown
)

// Line is one record of the step log.
type Line struct {
    Action    string // without the trailing colon
    Timestamp string
    Branch    string
    Head      string
    UID       string
    Username  string
}

func (l Line) String() string {
    return fmt.Sprintf("%s:\t%s\t%s\t%s\t%s\t%s", l.Action, l.Timestamp, l.Branch, l.Head, l.UID, l.Username)
}

func parseLine(raw string) (Line, bool) {
    fields := strings.Split(raw, "\t")
    if len(fields) != 6 {
        return Line{}, false
    }
    action := strings.TrimSuffix(fields[0], ":")
    return Line{action, fields[1], fields[2], fields[3], fields[4], fields[5]}, true
}

// Session wraps the on-disk state at <gitdir>/deploy/.
type Session struct {
    gitdir string
}

func New(gitdir string) *Session {
    return &Session{gitdir: gitdir}
}

func (s *Session) dir() string        { return filepath.Join(s.gitdir, "deploy") }
func (s *Session) lockPath() string   { return filepath.Join(s.dir(), "lock") }
func (s *Session) stalePath() string  { return filepath.Join(s.dir(), "lock~") }
func (s *Session) sidecar(kind string) string {
    return filepath.Join(s.dir(), kind) // kind is "rollout" or "rollback"
}

// ReadLog returns the parsed lock-file lines, or nil if there is no
// session at all.
func (s *Session) ReadLog() []Line {
    f, err := os.Open(s.lockPath())
    if err != nil {
        return nil
    }
    defer f.Close()

    var lines []Line
    sc := bufio.NewScanner(f)
    for sc.Scan() {
        if l, ok := parseLine(sc.Text()); ok {
            lines = append(lines, l)
        }
    }
    return lines
}

// State reports the session's coarse lifecycle stage.
func (s *Session) State() State {
    lines := s.ReadLog()
    switch len(lines) {
    case 0:
        return Absent
    case 1:
        if lines[0].Action == "start" {
            return Started
        }
        return Unknown
    case 2:
        switch lines[1].Action {
        case "sync", "release", "manual-sync":
            return Synced
        }
        return Unknown
    case 3:
        return Finishing
    default:
        return Unknown
    }
}

// rawLog renders the log lines back to text, for embedding in error
// messages so a caller can see exactly what state the session is in.
func rawLog(lines []Line) string {
    out := make([]string, len(lines))
    for i, l := range lines {
        out[i] = l.String()
    }
    return strings.Join(out, "\n")
}

// StartOpts configures Start.
type StartOpts struct {
    BlockFile      string // path from deploy.block-file; "" disables the check
    Username       string
    UID            int
    Branch         string // "(no branch)" if detached
    Head           string // HEAD sha1
    Preconditions  func() error
}

// Start creates a brand-new session.
func (s *Session) Start(opts StartOpts) {
    if opts.BlockFile != "" {
        if data, err := os.ReadFile(opts.BlockFile); err == nil {
            raise(&SysadminBlocked{Text: string(data)})
        }
    }

    if err := os.Mkdir(s.dir(), 0777); err != nil {
        if !os.IsExist(err) {
            raisef("session: creating %s: %s", s.dir(), err)
        }
        // deploy/ already existed: proceed only if lock is absent or empty.
        if lines := s.ReadLog(); len(lines) > 0 {
            raise(&SessionExists{Log: rawLog(lines)})
        }
    }

    fd, err := os.OpenFile(s.lockPath(), os.O_WRONLY|os.O_EXCL|os.O_CREATE, 0666)
    if err != nil {
        raise(&SessionExists{Log: rawLog(s.ReadLog())})
    }
    defer fd.Close()

    if err := unix.Flock(int(fd.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
        raise(&LockContended{})
    }

    if opts.Preconditions != nil {
        if err := opts.Preconditions(); err != nil {
            raise(err)
        }
    }

    line := Line{
        Action:    "start",
        Timestamp: isoNow(),
        Branch:    opts.Branch,
        Head:      opts.Head,
        UID:       strconv.Itoa(opts.UID),
        Username:  opts.Username,
    }
    if _, err := fmt.Fprintln(fd, line.String()); err != nil {
        raisef("session: writing %s: %s", s.lockPath(), err)
    }
}

// TransitionOpts configures a post-start transition (sync/finish/abort/...).
type TransitionOpts struct {
    Action   string
    Force    bool
    Username string
    Branch   string
    Head     string
    UID      int

    // Check runs against the log as read before the append, and may raise
    // an action-specific error (AlreadySynced, NotSyncedYet, BadState,
    // FinishInProgress). Skipped when Force is set.
    Check func(lines []Line) error
}

// Transition appends a new step to an existing session, after validating
// ownership and the action-specific precondition.
func (s *Session) Transition(opts TransitionOpts) {
    if opts.Action == "finnish" {
        raise(&FinnishTypo{})
    }

    fd, err := os.OpenFile(s.lockPath(), os.O_RDWR, 0666)
    if err != nil {
        raise(&BadState{Reason: "haven't started yet", Log: ""})
    }
    defer fd.Close()

    lines := s.ReadLog()
    if len(lines) == 0 || lines[0].Action != "start" {
        raise(&BadState{Reason: "haven't started yet", Log: rawLog(lines)})
    }

    if !opts.Force && lines[0].Username != opts.Username {
        raise(&NotOwner{Owner: lines[0].Username, Current: opts.Username})
    }

    if !opts.Force && opts.Check != nil {
        if err := opts.Check(lines); err != nil {
            raise(err)
        }
    }

    if err := unix.Flock(int(fd.Fd()), unix.LOCK_EX); err != nil {
        raise(&LockContended{})
    }
    defer unix.Flock(int(fd.Fd()), unix.LOCK_UN)

    if _, err := fd.Seek(0, os.SEEK_END); err != nil {
        raisef("session: seeking %s: %s", s.lockPath(), err)
    }

    line := Line{
        Action:    opts.Action,
        Timestamp: isoNow(),
        Branch:    opts.Branch,
        Head:      opts.Head,
        UID:       strconv.Itoa(opts.UID),
        Username:  opts.Username,
    }
    if _, err := fmt.Fprintln(fd, line.String()); err != nil {
        raisef("session: writing %s: %s", s.lockPath(), err)
    }
}

// CheckSync is the Check callback for the "sync" action.
func CheckSync(lines []Line) error {
    if len(lines) != 1 {
        return &AlreadySynced{Log: rawLog(lines)}
    }
    return nil
}

// CheckFinish is the Check callback for "finish" and "rollback".
func CheckFinish(lines []Line) error {
    if len(lines) >= 3 {
        return &FinishInProgress{Log: rawLog(lines)}
    }
    if len(lines) != 2 {
        return &NotSyncedYet{Log: rawLog(lines)}
    }
    switch lines[1].Action {
    case "sync", "release", "manual-sync":
        return nil
    default:
        return &BadState{Reason: "second step is not a sync", Log: rawLog(lines)}
    }
}

// StoreTagInfo writes the sidecar file for a rollout/rollback marker tag,
// creating the session directory first if it does not exist yet.
func (s *Session) StoreTagInfo(kind, sha1, tag string) {
    if err := os.Mkdir(s.dir(), 0777); err != nil && !os.IsExist(err) {
        raisef("session: creating %s: %s", s.dir(), err)
    }
    content := fmt.Sprintf("%s %s\n", sha1, tag)
    if err := os.WriteFile(s.sidecar(kind), []byte(content), 0666); err != nil {
        raisef("session: writing %s sidecar: %s", kind, err)
    }
}

// FetchTagInfo reads the sidecar, re-validating that the stored sha1 still
// matches resolveCommit(tag) (HEAD may have moved since it was written).
func (s *Session) FetchTagInfo(kind string, resolveCommit func(name string) string) (tag string, ok bool) {
    data, err := os.ReadFile(s.sidecar(kind))
    if err != nil {
        return "", false
    }
    fields := strings.Fields(string(data))
    if len(fields) != 2 {
        return "", false
    }
    sha1, tag := fields[0], fields[1]
    if resolveCommit(tag) != sha1 {
        return "", false
    }
    return tag, true
}

// UnlinkRolloutStatus removes the whole session directory: the rollout and
// rollback sidecars (if present), the lock and a stale lock~, then the
// directory itself.
func (s *Session) UnlinkRolloutStatus() {
    for _, kind := range []string{"rollout", "rollback"} {
        _ = os.Remove(s.sidecar(kind))
    }
    _ = os.Remove(s.lockPath())
    _ = os.Remove(s.stalePath())
    if err := os.Remove(s.dir()); err != nil && !os.IsNotExist(err) {
        raise(&CleanupFailed{Err: err})
    }
}

func isoNow() string {
    return time.Now().Format("2006-01-02 15:04:05")
}

// --- error taxonomy ---

type SessionExists struct{ Log string }

func (e *SessionExists) Error() string {
    return "It looks like someone is just starting a rollout:\n" + e.Log
}

type LockContended struct{}

func (e *LockContended) Error() string { return "another git-deploy process holds the session lock" }

type NotOwner struct {
    Owner, Current string
}

func (e *NotOwner) Error() string {
    return fmt.Sprintf("this rollout was started by %q, not %q (use --force to override)", e.Owner, e.Current)
}

type NotSyncedYet struct{ Log string }

func (e *NotSyncedYet) Error() string {
    return "It looks like the rollout hasn't been synced yet:\n" + e.Log
}

type AlreadySynced struct{ Log string }

func (e *AlreadySynced) Error() string {
    return "It looks like this rollout is already synced:\n" + e.Log
}

type FinishInProgress struct{ Log string }

func (e *FinishInProgress) Error() string {
    return "It looks like someone is just finishing a rollout:\n" + e.Log
}

type BadState struct {
    Reason, Log string
}

func (e *BadState) Error() string {
    msg := e.Reason
    if e.Log != "" {
        msg += ":\n" + e.Log
    }
    return msg
}

type SysadminBlocked struct{ Text string }

func (e *SysadminBlocked) Error() string {
    return "rollouts are blocked by the sysadmin:\n" + e.Text
}

type FinnishTypo struct{}

func (e *FinnishTypo) Error() string { return `did you mean "finish"?` }

type CleanupFailed struct{ Err error }

func (e *CleanupFailed) Error() string { return fmt.Sprintf("cleanup failed: %s", e.Err) }
