package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/zjrosen/mend/internal/contextdoc"
	"github.com/zjrosen/mend/internal/shellquote"
	"github.com/zjrosen/mend/internal/store"
)

// Shipping finalizes the branch: validates the accumulated context,
// removes the context document, squashes the working commits into one
// well-formed fix commit, pushes, and opens a draft pull request.
func Shipping(ctx context.Context, hc *HandlerContext) HandlerResult {
	res, fail := runStep(ctx, hc, "cat "+shellquote.Single(contextdoc.FileName))
	if fail != nil {
		return *fail
	}
	if !res.Ok() {
		return review(fmt.Sprintf("reading %s failed: exit %d: %s",
			contextdoc.FileName, res.ExitCode, excerpt(res.Stderr)))
	}

	data, err := contextdoc.ParseAndValidate(res.Stdout, contextdoc.PhaseShip)
	if err != nil {
		return review(err.Error())
	}

	// The context document is working state, not part of the fix.
	res, fail = runStep(ctx, hc, "rm "+shellquote.Single(contextdoc.FileName))
	if fail != nil {
		return *fail
	}
	if !res.Ok() {
		logEvent(hc, store.LevelWarn, "shipping", "removing context document failed",
			map[string]string{"stderr": excerpt(res.Stderr)})
	}
	res, fail = runStep(ctx, hc, "git add -A")
	if fail != nil {
		return *fail
	}
	if !res.Ok() {
		return review(fmt.Sprintf("staging cleanup failed: exit %d: %s",
			res.ExitCode, excerpt(res.Stderr)))
	}

	// Squash everything since the branch point into one commit.
	res, fail = runStep(ctx, hc,
		fmt.Sprintf("git reset --soft $(git merge-base HEAD %s)", shellquote.Single(hc.Config.PRBase)))
	if fail != nil {
		return *fail
	}
	if !res.Ok() {
		return review(fmt.Sprintf("squash reset failed: exit %d: %s",
			res.ExitCode, excerpt(res.Stderr)))
	}

	res, fail = runStep(ctx, hc, "git commit -m "+shellquote.Single(commitMessage(data)))
	if fail != nil {
		return *fail
	}
	if !res.Ok() {
		return review(fmt.Sprintf("squash commit failed: exit %d: %s",
			res.ExitCode, excerpt(res.Stderr)))
	}

	res, fail = runStep(ctx, hc,
		fmt.Sprintf("git push -u %s %s",
			shellquote.Single(hc.Config.PRRemote), shellquote.Single(hc.BranchName)))
	if fail != nil {
		return *fail
	}
	if !res.Ok() {
		return review(fmt.Sprintf("push failed: exit %d: %s", res.ExitCode, excerpt(res.Stderr)))
	}

	prURL, prResult := createPullRequest(ctx, hc, data)
	if prResult != nil {
		return *prResult
	}

	logEvent(hc, store.LevelInfo, "shipping", "pull request opened",
		map[string]string{"url": prURL})
	return HandlerResult{Next: store.StatusPROpen, PRURL: prURL}
}

// createPullRequest opens a draft PR via the host CLI inside the session
// and returns the PR URL from its output.
func createPullRequest(ctx context.Context, hc *HandlerContext, data *contextdoc.Data) (string, *HandlerResult) {
	title := "fix: " + data.PanicMessage
	body := fmt.Sprintf("Automated fix for a panic at `%s`.\n\n**Bug:** %s\n\n**Fix:** %s\n\nFailing seed: `%s`\n",
		data.PanicLocation, data.BugDescription, data.FixDescription, data.FailingSeed)

	cmd := fmt.Sprintf("gh pr create --draft --base %s --title %s --body %s",
		shellquote.Single(hc.Config.PRBase), shellquote.Single(title), shellquote.Single(body))

	res, fail := runStep(ctx, hc, cmd)
	if fail != nil {
		return "", fail
	}
	if !res.Ok() {
		r := review(fmt.Sprintf("PR creation failed: exit %d: %s", res.ExitCode, excerpt(res.Stderr)))
		return "", &r
	}

	url := prURLFromOutput(res.Stdout)
	if url == "" {
		r := review("PR creation returned no URL: " + excerpt(res.Stdout))
		return "", &r
	}
	return url, nil
}

// prURLFromOutput pulls the PR URL out of `gh pr create` output: the last
// line starting with "http", or "" when there is none.
func prURLFromOutput(stdout string) string {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "http") {
			return line
		}
	}
	return ""
}

// commitMessage formats the squashed fix commit: a conventional title and
// keyed lines from the context document.
func commitMessage(data *contextdoc.Data) string {
	var b strings.Builder
	fmt.Fprintf(&b, "fix: %s\n\n", data.PanicMessage)
	fmt.Fprintf(&b, "Location: %s\n", data.PanicLocation)
	fmt.Fprintf(&b, "Bug: %s\n", data.BugDescription)
	fmt.Fprintf(&b, "Fix: %s\n", data.FixDescription)
	fmt.Fprintf(&b, "Failing seed: %s\n", data.FailingSeed)
	fmt.Fprintf(&b, "Simulator: %s", data.SimulatorChanges)
	return b.String()
}
