package server

import (
	"net/http"
	"strings"

	"github.com/matst80/burrow/internal/registry"
)

// pathPrefixName splits "/name/rest" into its candidate tunnel name and the
// remaining path. Returns "" when the path has no usable prefix.
func pathPrefixName(path string) (name, rest string) {
	trimmed := strings.TrimPrefix(path, "/")
	name, rest, found := strings.Cut(trimmed, "/")
	if !found || name == "" {
		return "", path
	}
	return name, "/" + rest
}

// resolveTunnel picks the tunnel for a public request: Host label first, then
// the /name/ path prefix (stripping it from the forwarded URL on a match),
// then the optional oldest-tunnel fallback.
func (s *Server) resolveTunnel(r *http.Request) *registry.Tunnel {
	if t := s.reg.Lookup(registry.FirstLabel(r.Host)); t != nil {
		return t
	}
	if name, rest := pathPrefixName(r.URL.Path); name != "" {
		if t := s.reg.Lookup(name); t != nil {
			r.URL.Path = rest
			return t
		}
	}
	if s.opts.FallbackFirst {
		return s.reg.LookupByHost(r.Host, true)
	}
	return nil
}
