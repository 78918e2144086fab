package server

import "testing"

func TestPathPrefixName(t *testing.T) {
	cases := []struct {
		path, name, rest string
	}{
		{"/abc123/foo", "abc123", "/foo"},
		{"/abc123/", "abc123", "/"},
		{"/", "", "/"},
		{"/justone", "", "/justone"},
		{"/a/b/c", "a", "/b/c"},
	}
	for _, c := range cases {
		name, rest := pathPrefixName(c.path)
		if name != c.name || rest != c.rest {
			t.Errorf("pathPrefixName(%q) = %q,%q want %q,%q", c.path, name, rest, c.name, c.rest)
		}
	}
}
