package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os/exec"
	"strings"
	"time"
)

// WorkBranchPrefix is the prefix of branches created for fresh conversations.
const WorkBranchPrefix = "cam/vibe-"

// newWorkBranch derives a work-branch name with an 8-hex suffix.
func newWorkBranch() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return WorkBranchPrefix + hex.EncodeToString(b[:])
}

const gitTimeout = 10 * time.Second

// checkoutWorkBranch creates and switches to the branch. Best effort: the
// repo may not be a git checkout at all.
func checkoutWorkBranch(repoPath, branch string) error {
	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()
	return exec.CommandContext(ctx, "git", "-C", repoPath, "checkout", "-b", branch).Run()
}

// collectGitInfo reads the current branch and last commit hash.
func collectGitInfo(repoPath string) (branch, lastCommit string) {
	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()

	if out, err := exec.CommandContext(ctx, "git", "-C", repoPath, "rev-parse", "--abbrev-ref", "HEAD").Output(); err == nil {
		branch = strings.TrimSpace(string(out))
	}
	if out, err := exec.CommandContext(ctx, "git", "-C", repoPath, "rev-parse", "HEAD").Output(); err == nil {
		lastCommit = strings.TrimSpace(string(out))
	}
	return branch, lastCommit
}
