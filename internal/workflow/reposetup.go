package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/zjrosen/mend/internal/contextdoc"
	"github.com/zjrosen/mend/internal/shellquote"
	"github.com/zjrosen/mend/internal/slug"
	"github.com/zjrosen/mend/internal/store"
)

// RepoSetup prepares the branch the agents work on: the fix branch itself,
// a TCL regression test skeleton synthesized from the reported SQL, and
// the context document the later phases accumulate state in.
func RepoSetup(ctx context.Context, hc *HandlerContext) HandlerResult {
	loc := hc.Panic.PanicLocation
	logEvent(hc, store.LevelInfo, "repo_setup", "creating branch "+hc.BranchName, nil)

	res, fail := runStep(ctx, hc, "git checkout -b "+shellquote.Single(hc.BranchName))
	if fail != nil {
		return *fail
	}
	if !res.Ok() {
		return review(fmt.Sprintf("branch creation failed: exit %d: %s", res.ExitCode, excerpt(res.Stderr)))
	}

	testFile := slug.TestFileName(loc)
	res, fail = runStep(ctx, hc,
		shellquote.Heredoc(testFile, tclTest(loc, hc.Panic.SQLStatements)))
	if fail != nil {
		return *fail
	}
	if !res.Ok() {
		return review(fmt.Sprintf("writing %s failed: exit %d: %s", testFile, res.ExitCode, excerpt(res.Stderr)))
	}

	doc, err := contextdoc.Generate(loc, hc.Panic.PanicMessage, testFile, hc.Panic.SQLStatements)
	if err != nil {
		return review("generating context document: " + err.Error())
	}
	res, fail = runStep(ctx, hc, shellquote.Heredoc(contextdoc.FileName, doc))
	if fail != nil {
		return *fail
	}
	if !res.Ok() {
		return review(fmt.Sprintf("writing %s failed: exit %d: %s", contextdoc.FileName, res.ExitCode, excerpt(res.Stderr)))
	}

	res, fail = runStep(ctx, hc, "git add -A")
	if fail != nil {
		return *fail
	}
	if !res.Ok() {
		return review(fmt.Sprintf("staging failed: exit %d: %s", res.ExitCode, excerpt(res.Stderr)))
	}

	res, fail = runStep(ctx, hc, "git commit -m "+shellquote.Single("setup: "+loc))
	if fail != nil {
		return *fail
	}
	if !res.Ok() {
		return review(fmt.Sprintf("setup commit failed: exit %d: %s", res.ExitCode, excerpt(res.Stderr)))
	}

	return HandlerResult{Next: store.StatusReproducing, BranchName: hc.BranchName}
}

// tclTest synthesizes the regression test skeleton: one execsql block per
// non-empty statement, each expecting empty output until the reproducer
// tightens it.
func tclTest(panicLocation string, sqlStatements []string) string {
	s := slug.Make(panicLocation)

	var b strings.Builder
	fmt.Fprintf(&b, "# Regression test for panic at %s\n\n", panicLocation)
	n := 0
	for _, stmt := range sqlStatements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		n++
		fmt.Fprintf(&b, "do_execsql_test panic-%s-%d {\n  %s\n} {}\n\n", s, n, stmt)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
