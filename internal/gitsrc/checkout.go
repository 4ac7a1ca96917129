// Package gitsrc performs the optional Git checkout that seeds a build's
// workspace, and extracts the commit metadata published to steps as GIT_*
// variables.
package gitsrc

import (
	"context"
	"log/slog"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"

	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/pipeline"
)

// Checkout clones the source into dir and returns the checked-out commit's
// metadata. Failures are git-classified so the executor can fail the build
// before any stage runs.
func Checkout(ctx context.Context, src *pipeline.Source, dir string) (*pipeline.GitInfo, error) {
	opts := &git.CloneOptions{URL: src.URL}
	if src.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(src.Branch)
		opts.SingleBranch = true
	}
	if src.Depth > 0 {
		opts.Depth = src.Depth
	}
	if src.Credentials != nil {
		auth, err := authMethod(src.Credentials)
		if err != nil {
			return nil, checkoutFailed(src.URL, "failed to prepare git credentials", err)
		}
		opts.Auth = auth
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return nil, checkoutFailed(src.URL, "clone failed", err)
	}

	info, err := headInfo(repo, src.Branch)
	if err != nil {
		return nil, checkoutFailed(src.URL, "failed to read checked-out commit", err)
	}

	slog.Info("Checked out source",
		slog.String("url", src.URL),
		slog.String("branch", info.Branch),
		slog.String("commit", info.CommitShort),
	)
	return info, nil
}

func headInfo(repo *git.Repository, requestedBranch string) (*pipeline.GitInfo, error) {
	head, err := repo.Head()
	if err != nil {
		return nil, err
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, err
	}

	branch := requestedBranch
	if branch == "" && head.Name().IsBranch() {
		branch = head.Name().Short()
	}

	sha := commit.Hash.String()
	return &pipeline.GitInfo{
		Commit:      sha,
		CommitShort: sha[:7],
		Branch:      branch,
		Author:      commit.Author.Name,
		AuthorEmail: commit.Author.Email,
		Message:     strings.TrimRight(commit.Message, "\n"),
	}, nil
}

func authMethod(creds *pipeline.Credentials) (transport.AuthMethod, error) {
	if creds.SSHKey != "" {
		return gitssh.NewPublicKeys("git", []byte(creds.SSHKey), "")
	}
	if creds.Token != "" {
		// Token auth works as HTTP basic auth with any username.
		return &githttp.BasicAuth{Username: "chengis", Password: creds.Token}, nil
	}
	return nil, nil
}

func checkoutFailed(url, message string, cause error) error {
	return derrors.GitError(message).
		WithContext("url", url).
		WithCause(cause).
		Build()
}
