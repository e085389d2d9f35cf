// Command classification: a best-effort static check of a shell command
// before it is ever run, grounded directly in the teacher's
// claudetool/bashkit package (mvdan.cc/sh/v3/syntax walk over CallExpr
// nodes). It is NOT a security barrier — see bashkit's own caveat — it
// exists to catch obviously-disallowed patterns (network access when
// networkAllowed=false) before spending a subprocess on them.
package executor

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// networkCommands names argv[0]s that reach outside the sandbox.
var networkCommands = map[string]bool{
	"curl": true, "wget": true, "git": true, "npm": true, "pnpm": true,
	"yarn": true, "bun": true, "pip": true, "pip3": true, "go": true,
	"ssh": true, "scp": true, "rsync": true, "nc": true, "ping": true,
}

// RequiresNetwork statically inspects cmd for well-known networked
// commands. False negatives are expected and acceptable: this is a hint
// used to validate the caller's networkAllowed flag, not an enforcement
// boundary.
func RequiresNetwork(cmd string) bool {
	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil {
		// Let the shell itself produce the syntax error; assume the
		// worst so the command isn't silently run without network when
		// it might need it.
		return true
	}

	needsNet := false
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok {
			return true
		}
		if len(call.Args) == 0 {
			return true
		}
		name := wordString(call.Args[0])
		if networkCommands[name] {
			needsNet = true
		}
		return true
	})
	return needsNet
}

func wordString(w *syntax.Word) string {
	var sb strings.Builder
	for _, part := range w.Parts {
		if lit, ok := part.(*syntax.Lit); ok {
			sb.WriteString(lit.Value)
		}
	}
	return sb.String()
}
