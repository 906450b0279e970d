package github

import "time"

// Run statuses and conclusions as reported by the Actions API.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusWaiting    = "waiting"
	StatusPending    = "pending"
	StatusRequested  = "requested"

	ConclusionSuccess        = "success"
	ConclusionFailure        = "failure"
	ConclusionNeutral        = "neutral"
	ConclusionCancelled      = "cancelled"
	ConclusionTimedOut       = "timed_out"
	ConclusionActionRequired = "action_required"
	ConclusionSkipped        = "skipped"
)

type User struct {
	Login string `json:"login"`
}

type RunPullRequest struct {
	Number int `json:"number"`
}

// Run is a workflow run.
type Run struct {
	ID           int64            `json:"id"`
	Name         string           `json:"name"`
	DisplayTitle string           `json:"display_title"`
	RunNumber    int              `json:"run_number"`
	RunAttempt   int              `json:"run_attempt"`
	Event        string           `json:"event"`
	Status       string           `json:"status"`
	Conclusion   string           `json:"conclusion"`
	HeadBranch   string           `json:"head_branch"`
	HeadSHA      string           `json:"head_sha"`
	HTMLURL      string           `json:"html_url"`
	CreatedAt    time.Time        `json:"created_at"`
	RunStartedAt time.Time        `json:"run_started_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Actor        *User            `json:"actor"`
	PullRequests []RunPullRequest `json:"pull_requests"`
}

// Completed reports whether the run reached its terminal status.
func (r Run) Completed() bool { return r.Status == StatusCompleted }

// Job is one job of a workflow run.
type Job struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	Conclusion  string    `json:"conclusion"`
	HTMLURL     string    `json:"html_url"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

type jobList struct {
	TotalCount int   `json:"total_count"`
	Jobs       []Job `json:"jobs"`
}

// Commit is the subset of a commit used for notifications.
type Commit struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Author  *User  `json:"author"`
	Commit  struct {
		Message string `json:"message"`
		Author  struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

// PullRequest is a pull request associated with a commit.
type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
}
