package poller

import (
	"context"

	"runrelay/internal/github"
	"runrelay/internal/render"
	"runrelay/pkg/logx"
)

// commitContext holds facts about a commit that never change once resolved.
type commitContext struct {
	headline  string
	author    string
	commitURL string
	pull      *render.PullRequest
}

// contextCache is keyed by commit sha and owned by one poller. Its size is
// bounded by the commits one run can point at, so it never evicts.
type contextCache map[string]commitContext

// poll queries the run and its jobs and builds the next snapshot from prev.
// settled reports every job done while the run itself is not.
func (p *Poller) poll(ctx context.Context, prev render.Snapshot) (render.Snapshot, bool, error) {
	cctx, cancel := p.callCtx(ctx)
	defer cancel()

	item := p.Item()
	run, err := p.deps.Source.GetRun(cctx, item.Owner, item.Repo, item.RunID)
	if err != nil {
		return prev, false, err
	}
	jobs, err := p.deps.Source.ListJobs(cctx, item.Owner, item.Repo, item.RunID)
	if err != nil {
		return prev, false, err
	}
	p.mu.Lock()
	p.state.Polls++
	p.mu.Unlock()

	snap := render.Snapshot{
		Owner:      item.Owner,
		Repo:       item.Repo,
		RunID:      run.ID,
		RunNumber:  run.RunNumber,
		Workflow:   run.Name,
		Title:      run.DisplayTitle,
		URL:        run.HTMLURL,
		Event:      run.Event,
		Status:     run.Status,
		Conclusion: run.Conclusion,
		Branch:     run.HeadBranch,
		SHA:        run.HeadSHA,
	}
	if snap.RunID == 0 {
		snap.RunID = item.RunID
	}
	if run.Actor != nil {
		snap.Author = run.Actor.Login
	}

	cc := p.commitContext(cctx, item.Owner, item.Repo, run)
	snap.Headline = cc.headline
	snap.CommitURL = cc.commitURL
	snap.Pull = cc.pull
	if cc.author != "" {
		snap.Author = cc.author
	}

	settled := len(jobs) > 0 && !run.Completed()
	for _, j := range jobs {
		rj := render.Job{Name: j.Name, Status: j.Status, Conclusion: j.Conclusion, URL: j.HTMLURL}
		if !j.StartedAt.IsZero() && !j.CompletedAt.IsZero() {
			rj.Duration = j.CompletedAt.Sub(j.StartedAt)
		}
		snap.Jobs = append(snap.Jobs, rj)
		if j.Status != github.StatusCompleted {
			settled = false
		}
	}
	return snap, settled, nil
}

// commitContext resolves the commit headline, author and pull request for
// the run's head commit. A fully resolved context is cached by sha; a partial
// one is returned but fetched again next time.
func (p *Poller) commitContext(ctx context.Context, owner, repo string, run github.Run) commitContext {
	sha := run.HeadSHA
	if sha == "" {
		return commitContext{}
	}
	p.mu.Lock()
	cc, ok := p.cache[sha]
	p.mu.Unlock()
	if ok {
		return cc
	}

	complete := true
	commit, err := p.deps.Source.GetCommit(ctx, owner, repo, sha)
	if err != nil {
		complete = false
		p.log.Debug("commit lookup failed", logx.String("sha", sha), logx.Err(err))
	} else {
		cc.headline = commit.Commit.Message
		cc.commitURL = commit.HTMLURL
		if commit.Author != nil && commit.Author.Login != "" {
			cc.author = commit.Author.Login
		} else {
			cc.author = commit.Commit.Author.Name
		}
	}

	pulls, err := p.deps.Source.ListPullsForCommit(ctx, owner, repo, sha)
	if err != nil {
		complete = false
		p.log.Debug("pull request lookup failed", logx.String("sha", sha), logx.Err(err))
	} else if pr := pickPull(pulls, run); pr != nil {
		cc.pull = &render.PullRequest{Number: pr.Number, Title: pr.Title, URL: pr.HTMLURL}
	}

	if complete {
		p.mu.Lock()
		p.cache[sha] = cc
		p.mu.Unlock()
	}
	return cc
}

// pickPull prefers the pull request whose head is the run's branch.
func pickPull(pulls []github.PullRequest, run github.Run) *github.PullRequest {
	for i := range pulls {
		if pulls[i].Head.Ref == run.HeadBranch {
			return &pulls[i]
		}
	}
	if len(pulls) > 0 {
		return &pulls[0]
	}
	return nil
}
