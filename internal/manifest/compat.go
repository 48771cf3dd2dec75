package manifest

import (
	"fmt"
	"strings"
)

// Env describes the local game installation.
type Env struct {
	MCVersion     string
	Loader        string
	LoaderVersion string
}

// Compatibility lists the ways env differs from what the manifest targets.
// An empty result means compatible. Versions compare loosely: case and a
// leading "v" are ignored, and "1.21" matches "1.21.1".
func (m *Manifest) Compatibility(env Env) []string {
	var problems []string

	if want := strings.TrimSpace(m.MCVersion); want != "" && !looseMatch(want, env.MCVersion) {
		problems = append(problems, fmt.Sprintf("Minecraft version mismatch: expected %s, got %s", want, env.MCVersion))
	}

	if m.Loader == nil {
		return problems
	}
	name := strings.TrimSpace(m.Loader.Name)
	ver := strings.TrimSpace(m.Loader.Version)
	switch {
	case name != "" && !looseMatch(name, env.Loader):
		problems = append(problems, fmt.Sprintf("loader mismatch: expected %s, got %s", name, env.Loader))
	case ver != "" && !looseMatch(ver, env.LoaderVersion):
		problems = append(problems, fmt.Sprintf("loader version mismatch: expected %s, got %s", ver, env.LoaderVersion))
	}
	return problems
}

func looseMatch(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if strings.EqualFold(a, b) {
		return true
	}
	if a == "" || b == "" {
		return false
	}
	as, bs := strings.ToLower(trimV(a)), strings.ToLower(trimV(b))
	return as == bs || strings.HasPrefix(as, bs+".") || strings.HasPrefix(bs, as+".")
}

func trimV(s string) string {
	if strings.HasPrefix(s, "v") || strings.HasPrefix(s, "V") {
		return s[1:]
	}
	return s
}
