// Package onstart analyzes a task's codebase to produce the shadowWiki
// summary that spec §4.4's blocking background service waits on. Adapted
// from the teacher's claudetool/onstart/analyze.go: the original shells
// out to git directly against a local repoPath; this version goes through
// executor.Executor so the same analysis runs against a local workspace
// or a remote sandbox identically.
package onstart

import (
	"cmp"
	"context"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/shadowrealm/orchestrator/internal/executor"
)

// Codebase is the repo-summary shape shadowWiki produces.
type Codebase struct {
	ExtensionCounts    map[string]int
	TotalFiles         int
	BuildFiles         []string
	DocumentationFiles []string
	GuidanceFiles      []string
	InjectFiles        []string
	InjectFileContents map[string]string
}

// AnalyzeCodebase walks every file the executor's recursive listing returns
// (tracked or not; .git is skipped by the listing) and classifies it.
func AnalyzeCodebase(ctx context.Context, exec executor.Executor) (*Codebase, error) {
	entries, err := exec.ListDirectoryRecursive(ctx, ".")
	if err != nil {
		return nil, fmt.Errorf("list workspace: %w", err)
	}

	extCounts := make(map[string]int)
	var buildFiles, documentationFiles, guidanceFiles, injectFiles []string
	var totalFiles int

	for _, e := range entries {
		if e.Type != executor.EntryFile {
			continue
		}
		file := e.RelativePath
		totalFiles++
		ext := strings.ToLower(path.Ext(file))
		if ext == "" {
			ext = "<no-extension>"
		}
		extCounts[ext]++

		switch categorizeFile(file) {
		case "build":
			buildFiles = append(buildFiles, file)
		case "documentation":
			documentationFiles = append(documentationFiles, file)
		case "guidance":
			guidanceFiles = append(guidanceFiles, file)
		case "inject":
			injectFiles = append(injectFiles, file)
		}
	}

	injectFileContents := make(map[string]string)
	for _, filePath := range injectFiles {
		res, err := exec.ReadFile(ctx, filePath, executor.ReadRange{Entire: true})
		if err != nil {
			continue
		}
		injectFileContents[filePath] = res.Content
	}

	return &Codebase{
		ExtensionCounts:    extCounts,
		TotalFiles:         totalFiles,
		BuildFiles:         buildFiles,
		DocumentationFiles: documentationFiles,
		GuidanceFiles:      guidanceFiles,
		InjectFiles:        injectFiles,
		InjectFileContents: injectFileContents,
	}, nil
}

// categorizeFile classifies path relative to the repo root, unchanged from
// the teacher's own categorization rules.
func categorizeFile(p string) string {
	filename := path.Base(p)
	lowerPath := strings.ToLower(p)
	lowerFilename := strings.ToLower(filename)

	isRepoRootFile := !strings.Contains(p, "/")
	if isRepoRootFile {
		if (strings.HasPrefix(lowerFilename, "claude.") && strings.HasSuffix(lowerFilename, ".md")) ||
			strings.HasPrefix(lowerFilename, "dear_llm") ||
			(strings.HasPrefix(lowerFilename, "agents.") && strings.HasSuffix(lowerFilename, ".md")) ||
			strings.Contains(lowerFilename, "cursorrules") {
			return "inject"
		}
	}

	if p == ".github/copilot-instructions.md" {
		return "inject"
	}

	if strings.HasPrefix(lowerFilename, "makefile") || strings.HasSuffix(lowerPath, ".vscode/tasks.json") {
		return "build"
	}

	if strings.HasPrefix(lowerFilename, "readme") || strings.HasPrefix(lowerFilename, "contributing") {
		return "documentation"
	}

	if (strings.HasPrefix(lowerFilename, "claude.") && strings.HasSuffix(lowerFilename, ".md")) ||
		(strings.HasPrefix(lowerFilename, "agent.") && strings.HasSuffix(lowerFilename, ".md")) {
		return "guidance"
	}

	return ""
}

// TopExtensions returns the top 5 extensions by file count, descending,
// ties broken alphabetically.
func (c *Codebase) TopExtensions() []string {
	type extCount struct {
		ext   string
		count int
	}
	pairs := make([]extCount, 0, len(c.ExtensionCounts))
	for ext, count := range c.ExtensionCounts {
		pairs = append(pairs, extCount{ext, count})
	}
	slices.SortFunc(pairs, func(a, b extCount) int {
		return cmp.Or(-cmp.Compare(a.count, b.count), cmp.Compare(a.ext, b.ext))
	})
	n := min(5, len(pairs))
	result := make([]string, n)
	for i := range n {
		result[i] = fmt.Sprintf("%v: %v (%0.0f%%)", pairs[i].ext, pairs[i].count, 100*float64(pairs[i].count)/float64(c.TotalFiles))
	}
	return result
}
