// Package tagsvc creates rollout/rollback marker tags with message-template
// substitution and collision-free naming, using an explicit suffix
// generator rather than any language's native string-increment.
package tagsvc

import (
    "fmt"
    "strings"
    "time"

    "github.com/avar/git-deploy/internal/gitexec"
    "github.com/avar/git-deploy/internal/refs"

    "lab.nexedi.com/kirr/go123/exc"
)

var raise = exc.Raise

// Service creates tags and keeps the Ref Inventory consistent with them.
type Service struct {
    exec *gitexec.Executor
    inv  *refs.Inventory
}

func New(exec *gitexec.Executor, inv *refs.Inventory) *Service {
    return &Service{exec: exec, inv: inv}
}

// nextSuffix implements the explicit A -> B -> ... -> Z -> AA generator:
// increment the last alphabetic character with carry; past Z, prepend A.
func nextSuffix(s string) string {
    if s == "" {
        return "A"
    }
    b := []byte(s)
    i := len(b) - 1
    for i >= 0 {
        if b[i] == 'Z' {
            b[i] = 'A'
            i--
            continue
        }
        b[i]++
        return string(b)
    }
    return "A" + string(b)
}

// uniqueName returns name, or name_A / name_B / ... / name_AA if name
// already resolves to a commit.
func (s *Service) uniqueName(name string) string {
    candidate := name
    suffix := ""
    for s.resolves(candidate) {
        suffix = nextSuffix(suffix)
        candidate = name + "_" + suffix
    }
    return candidate
}

func (s *Service) resolves(name string) bool {
    code := s.exec.ErrCode([]string{"rev-parse", "--verify", "--quiet", name}, gitexec.Opts{})
    return code == 0
}

// MakeTag creates a tag, returning the final (possibly suffixed) name.
// %TAG is substituted with that final name in every message line.
func (s *Service) MakeTag(name string, messageLines []string) string {
    final := s.uniqueName(name)

    argv := []string{"tag"}
    for _, line := range messageLines {
        line = strings.ReplaceAll(line, "%TAG", final)
        argv = append(argv, "-m", line)
    }
    argv = append(argv, final)

    out, code := s.exec.Run(argv, gitexec.Opts{})
    if code != 0 || out != "" {
        raise(&TagCreationFailed{Name: final, Output: out, Code: code})
    }

    s.inv.Clear()
    return final
}

// MakeDatedTag composes "<prefix>-<now formatted per format>" and delegates
// to MakeTag. format uses strftime-style directives (%Y, %m, %d, %H, %M, %S),
// matching the CLI's --date-fmt flag.
func (s *Service) MakeDatedTag(prefix, format string, messageLines []string) string {
    return s.MakeDatedTagAt(prefix, format, time.Now(), messageLines)
}

// MakeDatedTagAt is MakeDatedTag with an explicit timestamp; MakeDatedTag
// calls it with time.Now(), and tests call it with a fixed time.
func (s *Service) MakeDatedTagAt(prefix, format string, now time.Time, messageLines []string) string {
    name := fmt.Sprintf("%s-%s", prefix, strftime(format, now))
    return s.MakeTag(name, messageLines)
}

// strftime maps the small set of directives this tool's date-fmt flag and
// default formats use onto Go's reference-time layout.
func strftime(format string, t time.Time) string {
    r := strings.NewReplacer(
        "%Y", "2006",
        "%y", "06",
        "%m", "01",
        "%d", "02",
        "%H", "15",
        "%M", "04",
        "%S", "05",
    )
    return t.Format(r.Replace(format))
}

// TagCreationFailed is raised when `git tag` produces any output — success
// is silent, so any stdout/stderr (merged) means failure.
type TagCreationFailed struct {
    Name   string
    Output string
    Code   int
}

func (e *TagCreationFailed) Error() string {
    return fmt.Sprintf("could not create tag %q (exit %d): %s", e.Name, e.Code, e.Output)
}
