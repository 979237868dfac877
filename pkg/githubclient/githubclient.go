// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package githubclient wraps the GitHub Actions API surface RunnerHub
// needs: ephemeral runner registration tokens and runner inventory.
package githubclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v56/github"
	"golang.org/x/oauth2"

	"github.com/abcxyz/github-runnerhub/pkg/runnerhub"
)

// GitHub is a token-authenticated client scoped to one installation. It
// implements the registrar surface the lifecycle manager depends on.
type GitHub struct {
	client *github.Client
}

// New creates a GitHub client from a personal access or installation
// token. A non-empty baseURL points the client at a GitHub Enterprise
// Server instance.
func New(ctx context.Context, token, baseURL string) (*GitHub, error) {
	if token == "" {
		return nil, fmt.Errorf("github token is required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)

	client := github.NewClient(httpClient)
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure enterprise base url: %w", err)
		}
	}
	return &GitHub{client: client}, nil
}

// NewWithHTTPClient wraps a pre-built HTTP client. Used by tests.
func NewWithHTTPClient(httpClient *http.Client, baseURL string) (*GitHub, error) {
	client := github.NewClient(httpClient)
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure enterprise base url: %w", err)
		}
	}
	return &GitHub{client: client}, nil
}

func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", runnerhub.Errorf(runnerhub.KindValidation, "invalid repository %q, want owner/name", repo)
	}
	return owner, name, nil
}

// CreateRegistrationToken mints a short-lived runner registration token
// for the repository.
func (g *GitHub) CreateRegistrationToken(ctx context.Context, repo string) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}
	tok, _, err := g.client.Actions.CreateRegistrationToken(ctx, owner, name)
	if err != nil {
		return "", fmt.Errorf("failed to create registration token for %s: %w", repo, classify(err))
	}
	return tok.GetToken(), nil
}

// RunnerRegistered reports whether a runner with the given name has
// completed registration against the repository.
func (g *GitHub) RunnerRegistered(ctx context.Context, repo, runnerName string) (bool, error) {
	r, err := g.findRunner(ctx, repo, runnerName)
	if err != nil {
		return false, err
	}
	return r != nil, nil
}

// RemoveRunnerByName deregisters a runner from the repository. Removing a
// runner GitHub no longer knows about is not an error.
func (g *GitHub) RemoveRunnerByName(ctx context.Context, repo, runnerName string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	r, err := g.findRunner(ctx, repo, runnerName)
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}
	if _, err := g.client.Actions.RemoveRunner(ctx, owner, name, r.GetID()); err != nil {
		return fmt.Errorf("failed to remove runner %s from %s: %w", runnerName, repo, classify(err))
	}
	return nil
}

func (g *GitHub) findRunner(ctx context.Context, repo, runnerName string) (*github.Runner, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &github.ListOptions{PerPage: 100}
	for {
		runners, resp, err := g.client.Actions.ListRunners(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list runners for %s: %w", repo, classify(err))
		}
		for _, r := range runners.Runners {
			if r.GetName() == runnerName {
				return r, nil
			}
		}
		if resp.NextPage == 0 {
			return nil, nil
		}
		opts.Page = resp.NextPage
	}
}

// classify maps GitHub API failures onto the shared error taxonomy so
// retry decisions upstream stay uniform.
func classify(err error) error {
	var rlerr *github.RateLimitError
	if errors.As(err, &rlerr) {
		return runnerhub.NewError(runnerhub.KindQuota, err)
	}
	var gherr *github.ErrorResponse
	if errors.As(err, &gherr) && gherr.Response != nil {
		switch code := gherr.Response.StatusCode; {
		case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusNotFound:
			return runnerhub.NewError(runnerhub.KindPermanent, err)
		case code == http.StatusTooManyRequests:
			return runnerhub.NewError(runnerhub.KindQuota, err)
		}
	}
	return runnerhub.NewError(runnerhub.KindTransient, err)
}
