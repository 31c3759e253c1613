// Package refs is a single batched `git for-each-ref` scan producing a
// denormalized, immutable-until-invalidated index of every ref and the
// commits they resolve to. Refs reference commits by id and commits
// reference refs by name — never by pointer, so the index stays a plain
// value graph.
package refs

import (
    "regexp"
    "sort"
    "strings"

    "github.com/avar/git-deploy/internal/gitexec"
    "github.com/avar/git-deploy/internal/objectid"

    "lab.nexedi.com/kirr/go123/exc"
)

var raisef = exc.Raisef

type Category string
type Type string

const (
    CategoryBranch Category = "branch"
    CategoryTag    Category = "tag"
    CategoryStash  Category = "stash"
    CategoryBisect Category = "bisect"

    TypeLocal    Type = "local"
    TypeRemote   Type = "remote"
    TypeObject   Type = "object"   // annotated tag
    TypeSymbolic Type = "symbolic" // lightweight tag
    TypeStash    Type = "stash"
    TypeBisect   Type = "bisect"
)

// Message is the subject/body/contents record attached to annotated tags
// and to the commits the inventory indexes.
type Message struct {
    Subject  string
    Body     string
    Contents string
}

// Identity is a name+email+date triple, as git reports for author/committer.
type Identity struct {
    Name  string
    Email string
    Date  string
}

// Entry is a single ref in the inventory.
type Entry struct {
    Refname  string
    Category Category
    Type     Type
    Refsdir  string
    Barename string
    Commit   objectid.Sha1 // resolved commit id (for annotated tags: the target)
    Sha1     objectid.Sha1 // the ref's own object id (differs from Commit only for annotated tags)
    Message  *Message      // set for annotated tags only
}

// Commit is a deduplicated commit record, keyed by its object id. The
// back-link to refs pointing at it is a list of names, never a pointer,
// so the ref<->commit cycle can be rebuilt cheaply on Clear.
type Commit struct {
    ID        objectid.Sha1
    Author    Identity
    Committer Identity
    Parents   []objectid.Sha1
    Tree      objectid.Sha1
    Message   Message
    Refnames  []string
}

// Inventory is lazily materialized on first query and invalidated
// wholesale by any tag-creating operation (Clear).
type Inventory struct {
    exec *gitexec.Executor

    loaded  bool
    entries []*Entry
    commits map[objectid.Sha1]*Commit

    name2commit map[string]objectid.Sha1
    name2sha1   map[string]objectid.Sha1
}

func New(exec *gitexec.Executor) *Inventory {
    inv := &Inventory{exec: exec}
    inv.resetCaches()
    return inv
}

func (inv *Inventory) resetCaches() {
    inv.name2commit = map[string]objectid.Sha1{}
    inv.name2sha1 = map[string]objectid.Sha1{}
}

// Clear drops all cached state (loaded entries and name lookups). Called
// after any tag-creating mutation.
func (inv *Inventory) Clear() {
    inv.loaded = false
    inv.entries = nil
    inv.commits = nil
    inv.resetCaches()
}

const fieldSep = "\x01\x01\x01"
const recordSep = "\x00\x00\x00"

var formatFields = []string{
    "%(refname)",
    "%(objectname)",
    "%(authorname)", "%(authoremail)", "%(authordate:iso-strict)",
    "%(committername)", "%(committeremail)", "%(committerdate:iso-strict)",
    "%(subject)", "%(body)", "%(contents)",
    "%(parent)",
    "%(tree)",
    "%(tag)",
    "%(*objectname)",
    "%(*authorname)", "%(*authoremail)", "%(*authordate:iso-strict)",
    "%(*committername)", "%(*committeremail)", "%(*committerdate:iso-strict)",
    "%(*subject)", "%(*body)", "%(*contents)",
    "%(*parent)",
    "%(*tree)",
}

const (
    fRefname = iota
    fObjectname
    fAuthorName
    fAuthorEmail
    fAuthorDate
    fCommitterName
    fCommitterEmail
    fCommitterDate
    fSubject
    fBody
    fContents
    fParent
    fTree
    fTag
    fPeeledObjectname
    fPeeledAuthorName
    fPeeledAuthorEmail
    fPeeledAuthorDate
    fPeeledCommitterName
    fPeeledCommitterEmail
    fPeeledCommitterDate
    fPeeledSubject
    fPeeledBody
    fPeeledContents
    fPeeledParent
    fPeeledTree
    fieldCount
)

// ensure materializes the inventory with one `git for-each-ref` call.
func (inv *Inventory) ensure() {
    if inv.loaded {
        return
    }

    format := strings.Join(formatFields, fieldSep) + recordSep
    dump := inv.exec.Result([]string{"for-each-ref", "--format=" + format}, []int{0}, gitexec.Opts{Raw: true})

    inv.entries = nil
    inv.commits = map[objectid.Sha1]*Commit{}

    for _, rec := range strings.Split(dump, recordSep) {
        rec = strings.TrimPrefix(rec, "\n")
        if strings.TrimSpace(rec) == "" {
            continue
        }
        fields := strings.Split(rec, fieldSep)
        if len(fields) != fieldCount {
            raisef("for-each-ref: malformed record (got %d fields, want %d): %q", len(fields), fieldCount, rec)
        }
        inv.addRecord(fields)
    }

    inv.loaded = true
}

func (inv *Inventory) addRecord(f []string) {
    refname := f[fRefname]

    entry := &Entry{Refname: refname}

    switch {
    case strings.HasPrefix(refname, "refs/heads/"):
        entry.Category = CategoryBranch
        entry.Type = TypeLocal
        entry.Refsdir = "heads"
        entry.Barename = strings.TrimPrefix(refname, "refs/heads/")

    case strings.HasPrefix(refname, "refs/remotes/"):
        entry.Category = CategoryBranch
        entry.Type = TypeRemote
        entry.Refsdir = "remotes"
        entry.Barename = strings.TrimPrefix(refname, "refs/remotes/")

    case strings.HasPrefix(refname, "refs/tags/"):
        entry.Category = CategoryTag
        entry.Refsdir = "tags"
        barename := strings.TrimPrefix(refname, "refs/tags/")
        if f[fTag] != "" {
            entry.Type = TypeObject
            entry.Barename = f[fTag]
            entry.Message = &Message{Subject: f[fPeeledSubject], Body: f[fPeeledBody], Contents: f[fPeeledContents]}
        } else {
            entry.Type = TypeSymbolic
            entry.Barename = barename
        }

    case refname == "refs/stash":
        entry.Category = CategoryStash
        entry.Type = TypeStash
        entry.Refsdir = "stash"
        entry.Barename = "stash"

    case strings.HasPrefix(refname, "refs/bisect/"):
        entry.Category = CategoryBisect
        entry.Type = TypeBisect
        entry.Refsdir = "bisect"
        entry.Barename = strings.TrimPrefix(refname, "refs/bisect/")

    default:
        raisef("for-each-ref: %q does not match any known ref category", refname)
    }

    objID, err := objectid.Parse(f[fObjectname])
    if err != nil {
        raisef("for-each-ref: %s: invalid objectname %q", refname, f[fObjectname])
    }

    annotated := entry.Category == CategoryTag && entry.Type == TypeObject
    if annotated {
        entry.Sha1 = objID
        commitID, err := objectid.Parse(f[fPeeledObjectname])
        if err != nil {
            raisef("for-each-ref: %s: annotated tag missing peeled objectname", refname)
        }
        entry.Commit = commitID
        inv.recordCommit(commitID, refname, f, true)
    } else {
        entry.Sha1 = objID
        entry.Commit = objID
        inv.recordCommit(objID, refname, f, false)
    }

    inv.entries = append(inv.entries, entry)
}

func (inv *Inventory) recordCommit(id objectid.Sha1, refname string, f []string, peeled bool) {
    c, ok := inv.commits[id]
    if !ok {
        c = &Commit{ID: id}
        if peeled {
            c.Author = Identity{f[fPeeledAuthorName], f[fPeeledAuthorEmail], f[fPeeledAuthorDate]}
            c.Committer = Identity{f[fPeeledCommitterName], f[fPeeledCommitterEmail], f[fPeeledCommitterDate]}
            c.Message = Message{f[fPeeledSubject], f[fPeeledBody], f[fPeeledContents]}
            c.Parents = parseParents(f[fPeeledParent])
            if t, err := objectid.Parse(f[fPeeledTree]); err == nil {
                c.Tree = t
            }
        } else {
            c.Author = Identity{f[fAuthorName], f[fAuthorEmail], f[fAuthorDate]}
            c.Committer = Identity{f[fCommitterName], f[fCommitterEmail], f[fCommitterDate]}
            c.Message = Message{f[fSubject], f[fBody], f[fContents]}
            c.Parents = parseParents(f[fParent])
            if t, err := objectid.Parse(f[fTree]); err == nil {
                c.Tree = t
            }
        }
        inv.commits[id] = c
    }
    c.Refnames = append(c.Refnames, refname)
}

func parseParents(s string) []objectid.Sha1 {
    if s == "" {
        return nil
    }
    var parents []objectid.Sha1
    for _, p := range strings.Fields(s) {
        id, err := objectid.Parse(p)
        if err == nil {
            parents = append(parents, id)
        }
    }
    return parents
}

// findByDirOrBarename looks up name against "tags/NAME", "heads/NAME",
// "remotes/NAME" in turn, then falls back to a bare barename match.
func (inv *Inventory) findByDirOrBarename(name string) *Entry {
    for _, dir := range []string{"tags", "heads", "remotes"} {
        qualified := strings.TrimPrefix(name, dir+"/")
        for _, e := range inv.entries {
            if e.Refsdir == dir && e.Barename == qualified {
                return e
            }
        }
    }
    for _, e := range inv.entries {
        if e.Barename == name {
            return e
        }
    }
    return nil
}

// NameToCommit resolves name to the commit it points at.
func (inv *Inventory) NameToCommit(name string) objectid.Sha1 {
    if name == "HEAD" {
        out := inv.exec.Result([]string{"log", "-1", "--pretty=%H", "HEAD"}, []int{0}, gitexec.Opts{})
        id, err := objectid.Parse(out)
        if err != nil {
            raisef("HEAD does not resolve to a commit: %q", out)
        }
        return id
    }

    if id, ok := inv.name2commit[name]; ok {
        return id
    }

    inv.ensure()
    if e := inv.findByDirOrBarename(name); e != nil {
        inv.name2commit[name] = e.Commit
        return e.Commit
    }

    out := inv.exec.Result([]string{"log", "-1", "--pretty=%H", name}, []int{0}, gitexec.Opts{})
    id, err := objectid.Parse(out)
    if err != nil {
        raisef("%s: does not resolve to a commit", name)
    }
    inv.name2commit[name] = id
    return id
}

// NameToSha1 resolves name to its own object id (the ref's sha1, which for
// an annotated tag differs from the commit it points at).
func (inv *Inventory) NameToSha1(name string) objectid.Sha1 {
    if id, ok := inv.name2sha1[name]; ok {
        return id
    }

    inv.ensure()
    if e := inv.findByDirOrBarename(name); e != nil {
        inv.name2sha1[name] = e.Sha1
        return e.Sha1
    }

    out := inv.exec.Result([]string{"rev-parse", name}, []int{0}, gitexec.Opts{})
    id, err := objectid.Parse(out)
    if err != nil {
        raisef("%s: does not resolve to an object", name)
    }
    // Cache under the raw sha1 key, not the commit key: a tag name can
    // resolve to a non-commit object and must not collide with commit
    // lookups for the same name.
    inv.name2sha1[name] = id
    return id
}

// IsAnnotatedTag reports whether name is an annotated tag, returning its
// (commit, sha1) pair when it is.
func (inv *Inventory) IsAnnotatedTag(name string) (commit, sha1 objectid.Sha1, ok bool) {
    inv.ensure()
    for _, e := range inv.entries {
        if e.Category == CategoryTag && e.Barename == name {
            if e.Type != TypeObject {
                return objectid.Sha1{}, objectid.Sha1{}, false
            }
            return e.Commit, e.Sha1, true
        }
    }
    return objectid.Sha1{}, objectid.Sha1{}, false
}

var tagDateRe = regexp.MustCompile(`\D(20\d{6})[_-]?(\d+)?`)

// dateKey extracts the date+sequence digits found in the tag name,
// concatenated, or "" if absent.
func dateKey(name string) (key string, hasDate bool) {
    m := tagDateRe.FindStringSubmatch(name)
    if m == nil {
        return "", false
    }
    return m[1] + m[2], true
}

// SortedTags returns tag barenames sorted descending by the date extracted
// from their name, so scans that stop at the first HEAD match are likely
// to find it early; undated tags sort last, alphabetically.
func (inv *Inventory) SortedTags() []string {
    inv.ensure()
    var names []string
    for _, e := range inv.entries {
        if e.Category == CategoryTag {
            names = append(names, e.Barename)
        }
    }

    sort.SliceStable(names, func(i, j int) bool {
        ki, di := dateKey(names[i])
        kj, dj := dateKey(names[j])
        switch {
        case di && dj:
            if ki != kj {
                return ki > kj // descending
            }
            return names[i] < names[j]
        case di && !dj:
            return true // dated before undated
        case !di && dj:
            return false
        default:
            return names[i] < names[j]
        }
    })
    return names
}

// FilterByDate retains names whose extracted date is >= cutoff (an
// 8-digit YYYYMMDD string); names without a parseable date are kept.
func FilterByDate(cutoff string, names []string) []string {
    var out []string
    for _, n := range names {
        k, has := dateKey(n)
        if !has || k[:8] >= cutoff {
            out = append(out, n)
        }
    }
    return out
}

// MatchMode selects how many matches NamesMatchingHead returns.
type MatchMode int

const (
    First MatchMode = iota
    All
)

// NamesMatchingHead returns the subset of names whose NameToCommit equals
// HEAD's commit. First returns at most one name; All returns every match.
func (inv *Inventory) NamesMatchingHead(mode MatchMode, names []string) []string {
    head := inv.NameToCommit("HEAD")
    var out []string
    for _, n := range names {
        if inv.NameToCommit(n) == head {
            out = append(out, n)
            if mode == First {
                return out
            }
        }
    }
    return out
}

var branchPriority = []string{"trunk", "master", "origin/trunk", "origin/master"}

// BranchesReachingHead lists branches containing HEAD, with the fixed
// priority table first and the remainder alphabetical.
func (inv *Inventory) BranchesReachingHead() []string {
    out := inv.exec.Result([]string{"branch", "-a", "--contains", "HEAD"}, []int{0}, gitexec.Opts{})
    var names []string
    for _, line := range strings.Split(out, "\n") {
        line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "*"))
        line = strings.TrimPrefix(strings.TrimSpace(line), "remotes/")
        if line == "" {
            continue
        }
        names = append(names, line)
    }

    priority := map[string]int{}
    for i, p := range branchPriority {
        priority[p] = i
    }

    sort.SliceStable(names, func(i, j int) bool {
        pi, oki := priority[names[i]]
        pj, okj := priority[names[j]]
        switch {
        case oki && okj:
            return pi < pj
        case oki && !okj:
            return true
        case !oki && okj:
            return false
        default:
            return names[i] < names[j]
        }
    })
    return names
}
