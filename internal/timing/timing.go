// Package timing is an in-process, ordered ledger of named timing marks,
// flushed to a fixed path on process exit when enabled. It is purely
// diagnostic: I/O failures are reported as warnings, never as errors that
// abort a rollout.
package timing

import (
    "fmt"
    "os"
    "regexp"
    "strings"
    "time"
)

var sanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// Record is one ledger entry.
type Record struct {
    Tag             string
    At              time.Time
    DeltaSincePrev  float64 // seconds, -1 if this is the first record
    DeltaSinceStart float64 // seconds, -1 if no matching "_start" tag exists
}

// Ledger accumulates Records in push order.
type Ledger struct {
    records []Record
    args    []string
}

// New creates a ledger and immediately pushes the synthetic "gdt_start"
// record marking process start.
func New(args []string) *Ledger {
    l := &Ledger{args: args}
    l.Push("gdt_start")
    return l
}

func sanitize(tag string) string {
    return sanitizeRe.ReplaceAllString(tag, "_")
}

// Push records tag at the current time, resolving both deltas.
func (l *Ledger) Push(tag string) {
    tag = sanitize(tag)
    now := time.Now()

    rec := Record{Tag: tag, At: now, DeltaSincePrev: -1, DeltaSinceStart: -1}
    if n := len(l.records); n > 0 {
        rec.DeltaSincePrev = now.Sub(l.records[n-1].At).Seconds()
    }
    if strings.HasSuffix(tag, "_end") {
        startTag := strings.TrimSuffix(tag, "_end") + "_start"
        for i := len(l.records) - 1; i >= 0; i-- {
            if l.records[i].Tag == startTag {
                rec.DeltaSinceStart = now.Sub(l.records[i].At).Seconds()
                break
            }
        }
    }
    l.records = append(l.records, rec)
}

// Records returns the ledger contents in push order.
func (l *Ledger) Records() []Record {
    return l.records
}

// Flush writes the ledger to path (the fixed
// /var/log/deploy/timing_gdt-<start-ts>.txt location is the caller's
// responsibility to compute, so tests can redirect it). Any error is
// returned, not raised, matching the non-fatal warning policy.
func (l *Ledger) Flush(path string) error {
    var b strings.Builder
    fmt.Fprintf(&b, "# %s\n", strings.Join(l.args, " "))
    for _, r := range l.records {
        fmt.Fprintf(&b, "%s\t%d\t%.6f\t%.6f\n", r.Tag, r.At.Unix(), r.DeltaSincePrev, r.DeltaSinceStart)
    }
    return os.WriteFile(path, []byte(b.String()), 0666)
}

// Path computes the fixed dump location for a ledger whose first record
// (gdt_start) has the given unix timestamp.
func Path(startUnix int64) string {
    return fmt.Sprintf("/var/log/deploy/timing_gdt-%d.txt", startUnix)
}

// StartUnix returns the unix timestamp of the first ("gdt_start") record,
// for use with Path.
func (l *Ledger) StartUnix() int64 {
    if len(l.records) == 0 {
        return 0
    }
    return l.records[0].At.Unix()
}
