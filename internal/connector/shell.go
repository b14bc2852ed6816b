package connector

import (
	"fmt"
	"strings"
)

// Quote wraps s in single quotes so sh reads it as one literal word.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Unquote reverses Quote. It returns false if s is not a Quote result.
func Unquote(s string) (string, bool) {
	if len(s) < 2 || s[0] != '\'' || s[len(s)-1] != '\'' {
		return "", false
	}
	return strings.ReplaceAll(s[1:len(s)-1], `'\''`, "'"), true
}

// Compose builds the command string run on a target shell. It wraps cmd in
// a subshell, prefixes environment variables and finally applies sudo.
func Compose(cmd string, env map[string]string, sudo Sudo) string {
	composed := "sh -c " + Quote(cmd)

	if len(env) > 0 {
		keys, merged := MergeEnv(env, nil)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%s", k, Quote(merged[k])))
		}
		composed = "env " + strings.Join(pairs, " ") + " " + composed
	}

	if prefix := sudo.Prefix(); prefix != "" {
		composed = prefix + " " + composed
	}

	return composed
}
