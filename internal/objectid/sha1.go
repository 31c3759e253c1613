// Package objectid provides the Sha1 value type used throughout the
// rollout core to identify git objects (commits, tags, blobs, trees).
package objectid

import (
    "bytes"
    "encoding/hex"
    "fmt"
)

const RawSize = 20

// Sha1 holds a git object id in raw binary form.
//
// NOTE the zero value Sha1{} is the NULL sha1.
type Sha1 struct {
    raw [RawSize]byte
}

var _ fmt.Stringer = Sha1{}

func (id Sha1) String() string {
    return hex.EncodeToString(id.raw[:])
}

// Parse decodes a 40-hex string into a Sha1.
func Parse(s string) (Sha1, error) {
    id := Sha1{}
    if hex.DecodedLen(len(s)) != RawSize {
        return Sha1{}, fmt.Errorf("objectid: %q is not a valid sha1", s)
    }
    _, err := hex.Decode(id.raw[:], []byte(s))
    if err != nil {
        return Sha1{}, fmt.Errorf("objectid: %q is not a valid sha1: %s", s, err)
    }
    return id, nil
}

var _ fmt.Scanner = (*Sha1)(nil)

func (id *Sha1) Scan(s fmt.ScanState, ch rune) error {
    switch ch {
    case 's', 'v':
    default:
        return fmt.Errorf("objectid.Sha1.Scan: invalid verb %q", ch)
    }
    tok, err := s.Token(true, nil)
    if err != nil {
        return err
    }
    *id, err = Parse(string(tok))
    return err
}

// IsNull reports whether id is the zero/NULL sha1.
func (id Sha1) IsNull() bool {
    return id == Sha1{}
}

// Looks40Hex reports whether s has the shape of a sha1, by trying to Parse it.
func Looks40Hex(s string) bool {
    _, err := Parse(s)
    return err == nil
}

// BySha1 sorts a []Sha1 in raw-byte order, giving a stable, content-based
// ordering.
type BySha1 []Sha1

func (p BySha1) Len() int           { return len(p) }
func (p BySha1) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p BySha1) Less(i, j int) bool { return bytes.Compare(p[i].raw[:], p[j].raw[:]) < 0 }
