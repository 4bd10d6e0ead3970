package artifact

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Scheme is the artifact URI scheme.
const Scheme = "artifact"

const uriPrefix = Scheme + "://"

// URI addresses one artifact, optionally pinned to a version. Absent
// version means latest. The scope may itself contain slashes (a
// namespace like "myorg/prod"), so the last three path segments are
// user, session, and filename and everything before them is the scope.
type URI struct {
	Scope    string
	User     string
	Session  string
	Filename string
	Version  *int
}

// String renders the canonical artifact://{scope}/{user}/{session}/{filename}?version=N form.
func (u URI) String() string {
	out := uriPrefix + u.Scope + "/" + u.User + "/" + u.Session + "/" + u.Filename
	if u.Version != nil {
		out += "?version=" + strconv.Itoa(*u.Version)
	}
	return out
}

// ParseURI parses an artifact URI. Every structural defect is an error;
// callers that resolve URIs inside messages leave the original part
// untouched on error.
func ParseURI(raw string) (*URI, error) {
	if !strings.HasPrefix(raw, uriPrefix) {
		return nil, fmt.Errorf("artifact uri %q does not start with %s", raw, uriPrefix)
	}
	path, query, _ := strings.Cut(raw[len(uriPrefix):], "?")
	segments := strings.Split(path, "/")
	if len(segments) < 4 {
		return nil, fmt.Errorf("artifact uri %q needs scope/user/session/filename", raw)
	}
	n := len(segments)
	out := &URI{
		Scope:    strings.Join(segments[:n-3], "/"),
		User:     segments[n-3],
		Session:  segments[n-2],
		Filename: segments[n-1],
	}
	if out.Scope == "" || out.User == "" || out.Session == "" || out.Filename == "" {
		return nil, fmt.Errorf("artifact uri %q has an empty segment", raw)
	}
	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return nil, fmt.Errorf("artifact uri %q has a malformed query: %w", raw, err)
		}
		if vs := values.Get("version"); vs != "" {
			v, err := strconv.Atoi(vs)
			if err != nil || v < 0 {
				return nil, fmt.Errorf("artifact uri %q has invalid version %q", raw, vs)
			}
			out.Version = &v
		}
	}
	return out, nil
}
