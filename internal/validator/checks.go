package validator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/crewd/internal/sandbox"
	"github.com/fyrsmithlabs/crewd/internal/task"
	"github.com/fyrsmithlabs/crewd/internal/worker"
)

// sourceChecker verifies that written files exist, are non-empty, actually
// changed during the attempt, and that source files have balanced
// delimiters. It catches truncated generations cheaply without running a
// build.
type sourceChecker struct{}

func (c *sourceChecker) Check(ctx context.Context, t *task.Task, result *worker.Result, sb *sandbox.Sandbox, changed []string) ([]Finding, error) {
	var findings []Finding
	wrote := false
	for _, a := range result.Artifacts {
		if a.Type != worker.ArtifactFileWritten {
			continue
		}
		wrote = true
		f, err := c.checkFile(sb, a.Path)
		if err != nil {
			return nil, err
		}
		if len(f) == 0 && changed != nil && !containsPath(changed, a.Path) {
			f = []Finding{{Path: a.Path, Detail: "reported as written but unchanged in the workspace"}}
		}
		findings = append(findings, f...)
	}
	if !wrote && len(result.Artifacts) == 0 {
		findings = append(findings, Finding{Detail: "no artifacts produced"})
	}
	return findings, nil
}

func containsPath(paths []string, rel string) bool {
	for _, p := range paths {
		if p == rel {
			return true
		}
	}
	return false
}

func (c *sourceChecker) checkFile(sb *sandbox.Sandbox, rel string) ([]Finding, error) {
	p, err := sb.Resolve(rel)
	if err != nil {
		return []Finding{{Path: rel, Detail: err.Error()}}, nil
	}
	data, err := sb.ReadFile(p)
	if err != nil {
		return []Finding{{Path: rel, Detail: "written file is missing"}}, nil
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return []Finding{{Path: rel, Detail: "file is empty"}}, nil
	}

	switch strings.ToLower(filepath.Ext(rel)) {
	case ".js", ".jsx", ".ts", ".tsx", ".json", ".go":
		if f := checkBalance(string(data), "{}", "()", "[]"); f != "" {
			return []Finding{{Path: rel, Detail: f}}, nil
		}
	case ".sql":
		if f := checkBalance(string(data), "()"); f != "" {
			return []Finding{{Path: rel, Detail: f}}, nil
		}
	}
	return nil, nil
}

// checkBalance counts delimiter pairs, skipping string literals and line
// comments. A heuristic, not a parser.
func checkBalance(src string, pairs ...string) string {
	counts := make(map[byte]int, len(pairs))
	var inString byte
	inComment := false

	for i := 0; i < len(src); i++ {
		ch := src[i]
		if inComment {
			if ch == '\n' {
				inComment = false
			}
			continue
		}
		if inString != 0 {
			if ch == '\\' {
				i++
			} else if ch == inString {
				inString = 0
			}
			continue
		}
		switch ch {
		case '"', '\'', '`':
			inString = ch
			continue
		case '/':
			if i+1 < len(src) && src[i+1] == '/' {
				inComment = true
				continue
			}
		case '-':
			if i+1 < len(src) && src[i+1] == '-' {
				inComment = true
				continue
			}
		}
		for _, pair := range pairs {
			if ch == pair[0] {
				counts[pair[0]]++
			} else if ch == pair[1] {
				counts[pair[0]]--
			}
		}
	}

	for _, pair := range pairs {
		if counts[pair[0]] != 0 {
			return fmt.Sprintf("unbalanced %q delimiters", pair)
		}
	}
	return ""
}

// deployChecker requires a deployment URL artifact from deploy tasks.
type deployChecker struct{}

func (c *deployChecker) Check(ctx context.Context, t *task.Task, result *worker.Result, sb *sandbox.Sandbox, changed []string) ([]Finding, error) {
	for _, a := range result.Artifacts {
		if a.Type == worker.ArtifactDeploymentURL {
			return nil, nil
		}
	}
	return []Finding{{Detail: "no deployment URL found in command output"}}, nil
}
