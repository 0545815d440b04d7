// Package projectcontext extracts lightweight project/git metadata attached
// to a newly-created trace: path, name, git remote, git branch.
package projectcontext

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const gitTimeout = 2 * time.Second

// Context is the project-context metadata attached to a newly-created trace.
type Context struct {
	Path   string
	Name   string
	Remote string
	Branch string
}

// Discover inspects dir (normally the session's working directory) for a
// project name and, if dir is inside a git worktree, its remote and branch.
// Any git failure (not a repo, git missing, timeout) leaves Remote/Branch
// empty rather than erroring: project context is best-effort observability,
// never a blocking dependency.
func Discover(dir string) Context {
	ctx := Context{
		Path: dir,
		Name: filepath.Base(dir),
	}
	ctx.Remote = gitOutput(dir, "remote", "get-url", "origin")
	ctx.Branch = gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if ctx.Branch == "HEAD" {
		// Detached HEAD carries no useful branch name.
		ctx.Branch = ""
	}
	return ctx
}

func gitOutput(dir string, args ...string) string {
	c, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(c, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Metadata renders ctx as trace metadata fields.
func (c Context) Metadata() map[string]interface{} {
	m := map[string]interface{}{}
	if c.Path != "" {
		m["project_path"] = c.Path
	}
	if c.Name != "" {
		m["project_name"] = c.Name
	}
	if c.Remote != "" {
		m["git_remote"] = c.Remote
	}
	if c.Branch != "" {
		m["git_branch"] = c.Branch
	}
	return m
}
