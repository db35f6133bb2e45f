package builder

import (
	"errors"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
)

// describeRevision returns the abbreviated HEAD commit of the repository that
// contains dir, with a "-dirty" suffix when the worktree has changes.
// It returns "" when dir is not inside a git repository or HEAD is unborn.
func describeRevision(dir string) (string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil // unborn branch, nothing committed yet
	}
	if err != nil {
		return "", err
	}
	rev := head.Hash().String()[:7]

	w, err := repo.Worktree()
	if err != nil {
		return rev, nil // bare repository
	}
	status, err := w.Status()
	if err != nil {
		return "", err
	}
	if !status.IsClean() {
		rev += "-dirty"
	}
	return rev, nil
}
