package shellscript

import "strings"

// Command is an executable path plus the argv tokens that follow it.
type Command struct {
	Path string
	Args []string
}

// Structured passes args through unchanged. Tokens may contain whitespace.
func Structured(path string, args []string) Command {
	out := make([]string, len(args))
	copy(out, args)
	return Command{Path: path, Args: out}
}

// ParseLegacy splits a single-string command line of the form
// "/path/to/script param1 param2".
//
// Everything before the first space is the path. If the remaining parameter
// blob contains a double quote it is split on quotes, otherwise on spaces;
// tokens are trimmed and empty ones dropped. An empty blob still yields one
// empty argument. Callers relying on that should move to Structured; the
// single blank argument is kept only for compatibility.
func ParseLegacy(line string) Command {
	path, params, found := strings.Cut(line, " ")
	if !found || params == "" {
		return Command{Path: path, Args: []string{params}}
	}
	sep := " "
	if strings.Contains(params, `"`) {
		sep = `"`
	}
	args := []string{}
	for _, p := range strings.Split(params, sep) {
		if p = strings.TrimSpace(p); p != "" {
			args = append(args, p)
		}
	}
	return Command{Path: path, Args: args}
}

// Placeholders are substituted in script command lines before parsing.
const (
	PlaceholderWorkItemID = "{workitemid}"
	PlaceholderStepTitle  = "{steptitle}"
	PlaceholderScriptName = "{scriptname}"
)

// Expand replaces every key of vars found in s with its value.
func Expand(s string, vars map[string]string) string {
	if !strings.Contains(s, "{") {
		return s
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, k, v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
