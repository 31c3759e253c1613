package objectid

import "testing"

func TestParseAndString(t *testing.T) {
    var tests = []struct{ in string; ok bool }{
        {"0000000000000000000000000000000000000000", true},
        {"da39a3ee5e6b4b0d3255bfef95601890afd80709", true},
        {"", false},
        {"abc", false},
        {"zz39a3ee5e6b4b0d3255bfef95601890afd80709", false},
    }

    for _, tt := range tests {
        id, err := Parse(tt.in)
        ok := err == nil
        if ok != tt.ok {
            t.Errorf("Parse(%q) ok=%v, want %v (err=%v)", tt.in, ok, tt.ok, err)
            continue
        }
        if ok && id.String() != tt.in {
            t.Errorf("Parse(%q).String() = %q", tt.in, id.String())
        }
    }
}

func TestIsNull(t *testing.T) {
    var zero Sha1
    if !zero.IsNull() {
        t.Error("zero value is not reported as null")
    }
    id, err := Parse("da39a3ee5e6b4b0d3255bfef95601890afd80709")
    if err != nil {
        t.Fatal(err)
    }
    if id.IsNull() {
        t.Error("non-zero id reported as null")
    }
}

func TestLooks40Hex(t *testing.T) {
    if !Looks40Hex("da39a3ee5e6b4b0d3255bfef95601890afd80709") {
        t.Error("valid sha1 not recognized")
    }
    if Looks40Hex("not-a-sha1") {
        t.Error("garbage string recognized as sha1")
    }
}

func TestBySha1Sort(t *testing.T) {
    a, _ := Parse("0000000000000000000000000000000000000001")
    b, _ := Parse("0000000000000000000000000000000000000002")
    ids := BySha1{b, a}
    if !(ids.Less(1, 0)) {
        t.Error("BySha1.Less does not order by raw bytes")
    }
}
