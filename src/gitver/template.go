package gitver

import (
	"os"
	"strings"
	"time"
)

// ResolveTemplate expands template variables in an image tag against
// version info. Literals pass through untouched.
//
//	{version}   → "1.2.3" or "1.2.3-dev+abc1234"
//	{base}      → "1.2.3"
//	{major}     → "1"
//	{minor}     → "2"
//	{patch}     → "3"
//	{sha}       → "abc1234" (short hash)
//	{branch}    → "main"
//	{date}      → "2026-08-28" (UTC)
//	{env:NAME}  → value of environment variable NAME
//
// Templates compose freely: "{major}.{minor}", "dev-{branch}-{sha}".
func ResolveTemplate(tmpl string, v *Info) string {
	if v == nil {
		return tmpl
	}

	r := strings.NewReplacer(
		"{version}", sanitizeTag(v.Version),
		"{base}", v.Base,
		"{major}", v.Major,
		"{minor}", v.Minor,
		"{patch}", v.Patch,
		"{sha}", v.SHA,
		"{branch}", sanitizeTag(v.Branch),
		"{date}", time.Now().UTC().Format("2006-01-02"),
	)
	s := r.Replace(tmpl)
	return resolveEnv(s)
}

// ResolveTags expands a list of tag templates, dropping entries that
// resolve empty (e.g. {branch} in detached state).
func ResolveTags(templates []string, v *Info) []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range templates {
		tag := ResolveTemplate(t, v)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func resolveEnv(s string) string {
	for {
		start := strings.Index(s, "{env:")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "}")
		if end == -1 {
			return s
		}
		end += start
		s = s[:start] + os.Getenv(s[start+5:end]) + s[end+1:]
	}
}

// sanitizeTag replaces characters image tags cannot carry ("+", "/").
func sanitizeTag(s string) string {
	r := strings.NewReplacer("+", ".", "/", "-")
	return r.Replace(s)
}
