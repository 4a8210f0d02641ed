package pathutil

import (
	"path/filepath"
	"testing"
)

func TestExpand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	t.Setenv("CONSULKIT_TEST_DIR", "/srv/consul")

	cases := map[string]string{
		"":                           "",
		"  ":                         "",
		"~":                          home,
		"~/token":                    filepath.Join(home, "token"),
		"$CONSULKIT_TEST_DIR/ca.pem": "/srv/consul/ca.pem",
		"${CONSULKIT_TEST_DIR}/a/b":  "/srv/consul/a/b",
		"relative/file":              "relative/file",
		"~other/file":                "~other/file",
	}
	for in, want := range cases {
		got, err := Expand(in)
		if err != nil {
			t.Fatalf("Expand(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Expand(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExpandAbs(t *testing.T) {
	got, err := ExpandAbs("relative/file")
	if err != nil {
		t.Fatalf("ExpandAbs: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Fatalf("ExpandAbs returned relative path %q", got)
	}
	if got, _ := ExpandAbs(""); got != "" {
		t.Fatalf("ExpandAbs(\"\") = %q", got)
	}
}

func TestExpandEach(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	a, b := "~/a", ""
	if err := ExpandEach(&a, &b, nil); err != nil {
		t.Fatalf("ExpandEach: %v", err)
	}
	if a != filepath.Join(home, "a") || b != "" {
		t.Fatalf("ExpandEach = %q, %q", a, b)
	}
}
