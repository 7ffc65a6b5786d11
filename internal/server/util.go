package server

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"

	"github.com/loykin/scriptbatch/internal/shellscript"
	"github.com/loykin/scriptbatch/internal/store"
)

// normalizeBase turns " api/ " into "/api"; the root maps to "".
func normalizeBase(bp string) string {
	bp = strings.TrimFunc(bp, func(r rune) bool { return r == '/' || unicode.IsSpace(r) })
	if bp == "" {
		return ""
	}
	return "/" + bp
}

const maxCommandName = 128

// validCommandName accepts [A-Za-z0-9._-] without "..". Command names end up
// in URLs and metric labels.
func validCommandName(s string) bool {
	if s == "" || len(s) > maxCommandName || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// executablePath is the program a stored script launches: Path itself for
// structured scripts, the first token of a legacy command line otherwise.
func executablePath(sc store.Script) string {
	if sc.Args != nil {
		return sc.Path
	}
	return shellscript.ParseLegacy(sc.Path).Path
}

// validScriptPath requires an absolute path that filepath.Clean leaves
// unchanged apart from trailing separators.
func validScriptPath(p string) bool {
	if p == "" || !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	if clean == p {
		return true
	}
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	return trimmed != "" && clean == trimmed
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
