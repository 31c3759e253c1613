// Package deployfile reads and writes the small header+message artifact
// left in the repository root (or wherever deploy.deploy-file points) to
// record what was deployed, when, from where, and by whom.
package deployfile

import (
    "fmt"
    "os"
    "strings"
    "time"
)

// Info is the parsed content of a deploy file.
type Info struct {
    Commit       string
    Tag          string
    DeployDate   string
    DeployedFrom string
    DeployedBy   string
    Message      []string
}

// Write renders info to path. Any I/O error is returned to the caller
// rather than raised — a deploy file is advisory, not load-bearing.
func Write(path string, info Info) error {
    var b strings.Builder
    fmt.Fprintf(&b, "commit: %s\n", info.Commit)
    fmt.Fprintf(&b, "tag: %s\n", info.Tag)
    fmt.Fprintf(&b, "deploy-date: %s\n", info.DeployDate)
    fmt.Fprintf(&b, "deployed-from: %s\n", info.DeployedFrom)
    fmt.Fprintf(&b, "deployed-by: %s\n", info.DeployedBy)
    b.WriteByte('\n')
    for _, line := range info.Message {
        b.WriteString(line)
        b.WriteByte('\n')
    }
    b.WriteByte('\n')
    return os.WriteFile(path, []byte(b.String()), 0666)
}

// New builds an Info with DeployDate set to now (local time, the format
// the writer expects) and DeployedBy/DeployedFrom filled from the
// environment and hostname.
func New(commit, tag string, message []string) Info {
    host, _ := os.Hostname()
    user := os.Getenv("USER")
    return Info{
        Commit:       commit,
        Tag:          tag,
        DeployDate:   time.Now().Format("2006-01-02 15:04:05"),
        DeployedFrom: host,
        DeployedBy:   user,
        Message:      message,
    }
}

// Read parses path. Like Write, any I/O or format error yields a zero
// Info and ok=false rather than a raised exception.
func Read(path string) (Info, bool) {
    data, err := os.ReadFile(path)
    if err != nil {
        return Info{}, false
    }

    header, message, found := strings.Cut(string(data), "\n\n")
    if !found {
        return Info{}, false
    }

    info := Info{}
    for _, line := range strings.Split(header, "\n") {
        if line == "" {
            continue
        }
        key, val, ok := strings.Cut(line, ": ")
        if !ok {
            continue
        }
        switch key {
        case "commit":
            info.Commit = val
        case "tag":
            info.Tag = val
        case "deploy-date":
            info.DeployDate = val
        case "deployed-from":
            info.DeployedFrom = val
        case "deployed-by":
            info.DeployedBy = val
        }
    }

    msg := strings.TrimRight(message, "\n")
    if msg != "" {
        info.Message = strings.Split(msg, "\n")
    }
    return info, true
}

// MatchesHead reports whether the deploy file's recorded commit still
// matches head, unless skipCheck is set.
func MatchesHead(info Info, head string, skipCheck bool) bool {
    if skipCheck {
        return true
    }
    return info.Commit == head
}
