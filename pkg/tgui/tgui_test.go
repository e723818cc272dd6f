package tgui

import (
	"strings"
	"testing"
)

func TestData(t *testing.T) {
	t.Parallel()
	if got := Data("relay", "ok", "abc"); got != "relay:ok:abc" {
		t.Fatalf("Data = %q", got)
	}
	if got := Data("relay", "no", ""); got != "relay:no" {
		t.Fatalf("Data = %q", got)
	}
	long := strings.Repeat("x", MaxCallbackDataLen)
	if got := Data("relay", "ok", long); got != "relay:ok" {
		t.Fatalf("oversized payload kept: %q", got)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "hello…"},
		{"héllo", 2, "hé…"},
		{"x", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestEscaping(t *testing.T) {
	t.Parallel()
	got := JoinH(" ", B("a<b"), Code("x&y"), Link("t", `https://e.x/?q="1"`))
	want := `<b>a&lt;b</b> <code>x&amp;y</code> <a href="https://e.x/?q=&#34;1&#34;">t</a>`
	if got.String() != want {
		t.Fatalf("got %s\nwant %s", got, want)
	}
}
