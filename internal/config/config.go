// Package config provides typed, memoized access to git configuration,
// honoring an override-file precedence ahead of the normal config chain.
//
// `git config` exits 1 for "missing" and 2 for "ambiguous" (multiple
// values); that exit-code classification, not string matching, drives
// this package's error handling.
package config

import (
    "fmt"
    "strconv"
    "strings"

    "github.com/avar/git-deploy/internal/gitexec"

    "lab.nexedi.com/kirr/go123/exc"
)

var (
    raise  = exc.Raise
    raisef = exc.Raisef
)

const prefix = "deploy."

// accessor selects the `--path`/`--int`/`--bool` flavor of `git config --get`.
type accessor int

const (
    AsString accessor = iota
    AsPath
    AsInt
    AsBool
)

func (a accessor) flag() string {
    switch a {
    case AsPath:
        return "--path"
    case AsInt:
        return "--int"
    case AsBool:
        return "--bool"
    default:
        return ""
    }
}

// Store resolves config keys through a precedence chain and memoizes
// every (key, accessor) result for the life of the process.
type Store struct {
    exec *gitexec.Executor

    cache map[cacheKey]cacheEntry
}

type cacheKey struct {
    key string
    acc accessor
}

type cacheEntry struct {
    value string
    ok    bool
}

func New(exec *gitexec.Executor) *Store {
    return &Store{exec: exec, cache: map[cacheKey]cacheEntry{}}
}

// normalize turns a bare or dot-leading name into its canonical
// `deploy.`-prefixed key: "block-file" and ".block-file" both resolve to
// "deploy.block-file"; a name already containing a dot (e.g. "user.name")
// is left untouched.
func normalize(name string) string {
    name = strings.TrimPrefix(name, ".")
    if !strings.Contains(name, ".") {
        return prefix + name
    }
    return name
}

// configFile returns the override file from `deploy.config-file`, if any
// key under the `deploy.` prefix should consult it first.
func (s *Store) configFile() (string, bool) {
    ck := cacheKey{"deploy.config-file", AsPath}
    if e, ok := s.cache[ck]; ok {
        return e.value, e.ok
    }
    out, code := s.exec.Run([]string{"config", "--path", "--get", "deploy.config-file"}, gitexec.Opts{})
    ok := code == 0
    s.cache[ck] = cacheEntry{out, ok}
    return out, ok
}

// get runs the precedence chain for key and returns (value, found).
// A multiple-value result (exit 2) raises AmbiguousConfig.
func (s *Store) get(key string, acc accessor) (string, bool) {
    key = normalize(key)
    ck := cacheKey{key, acc}
    if e, ok := s.cache[ck]; ok {
        return e.value, e.ok
    }

    argv := []string{"config"}
    if strings.HasPrefix(key, "user.") {
        argv = append(argv, "--global")
    } else if cf, has := s.configFile(); has && strings.HasPrefix(key, prefix) {
        argv = append(argv, "--file", cf)
    }
    argv = append(argv, "--get")
    if f := acc.flag(); f != "" {
        argv = append(argv, f)
    }
    argv = append(argv, key)

    out, code := s.exec.Run(argv, gitexec.Opts{})
    switch code {
    case 0:
        s.cache[ck] = cacheEntry{out, true}
        return out, true
    case 1:
        s.cache[ck] = cacheEntry{"", false}
        return "", false
    case 2:
        raise(&AmbiguousConfig{Key: key})
        panic("unreachable")
    default:
        raise(&gitexec.UnexpectedExit{Argv: argv, Code: code, Output: out})
        panic("unreachable")
    }
}

// String returns the raw string value for key, or def if unset.
func (s *Store) String(key, def string) string {
    if v, ok := s.get(key, AsString); ok {
        return v
    }
    return def
}

// MandatoryString is like String but raises MissingConfig when unset.
func (s *Store) MandatoryString(key string) string {
    v, ok := s.get(key, AsString)
    if !ok {
        raise(&MissingConfig{Key: normalize(key)})
    }
    return v
}

// Path returns a tilde-expanded path value, or def if unset.
func (s *Store) Path(key, def string) string {
    if v, ok := s.get(key, AsPath); ok {
        return v
    }
    return def
}

// Int returns an integer value, or def if unset.
func (s *Store) Int(key string, def int) int {
    v, ok := s.get(key, AsInt)
    if !ok {
        return def
    }
    n, err := strconv.Atoi(v)
    if err != nil {
        raisef("config: %s: not an int: %q", key, v)
    }
    return n
}

// Bool returns a boolean value, or def if unset.
func (s *Store) Bool(key string, def bool) bool {
    v, ok := s.get(key, AsBool)
    if !ok {
        return def
    }
    return v == "true"
}

// List returns the bulk `git config --list -z` dump, fanned out into a
// nested map by dot-separated key components. Used for diagnostic dumps
// only — ordinary lookups go through get().
func (s *Store) List() map[string]interface{} {
    argv := []string{"config", "--list", "-z"}
    if cf, has := s.configFile(); has {
        argv = []string{"config", "--file", cf, "--list", "-z"}
    }
    out := s.exec.Result(argv, []int{0, 1}, gitexec.Opts{Raw: true})

    root := map[string]interface{}{}
    for _, entry := range strings.Split(out, "\x00") {
        if entry == "" {
            continue
        }
        k, v, _ := strings.Cut(entry, "\n")
        parts := strings.Split(k, ".")
        node := root
        for i, p := range parts {
            if i == len(parts)-1 {
                node[p] = v
                break
            }
            next, ok := node[p].(map[string]interface{})
            if !ok {
                next = map[string]interface{}{}
                node[p] = next
            }
            node = next
        }
    }
    return root
}

// MissingConfig is raised when a mandatory key has no value anywhere in
// the precedence chain.
type MissingConfig struct {
    Key string
}

func (e *MissingConfig) Error() string {
    return fmt.Sprintf("missing mandatory config %q", e.Key)
}

// AmbiguousConfig is raised when `git config --get` reports more than one
// value for the key (exit code 2).
type AmbiguousConfig struct {
    Key string
}

func (e *AmbiguousConfig) Error() string {
    return fmt.Sprintf("config %q has more than one value", e.Key)
}
