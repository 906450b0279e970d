// Package render turns a run snapshot into a chat message.
package render

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"runrelay/internal/transport"
)

// maxJobs bounds the job list so a message stays under the chat limit.
const maxJobs = 40

type Job struct {
	Name       string
	Status     string
	Conclusion string
	URL        string
	Duration   time.Duration
}

type PullRequest struct {
	Number int
	Title  string
	URL    string
}

// Snapshot is everything a notification shows about one run.
type Snapshot struct {
	Owner      string
	Repo       string
	RunID      int64
	RunNumber  int
	Workflow   string
	Title      string
	URL        string
	Event      string
	Status     string
	Conclusion string
	Branch     string
	SHA        string
	CommitURL  string
	Headline   string
	Author     string
	Pull       *PullRequest
	Jobs       []Job
	Elapsed    time.Duration
}

// Render builds the notification for a snapshot.
func Render(s Snapshot) transport.Content {
	return transport.Content{Text: body(s, "").String(), ParseMode: "HTML", DisablePreview: true}
}

// RenderTimeout is Render plus the notice that tracking stopped after ceiling.
func RenderTimeout(s Snapshot, ceiling time.Duration) transport.Content {
	notice := JoinH(" ", "⏰", B("Stopped tracking:"),
		Esc("exceeded maximum polling time of "+shortDuration(ceiling)+"."),
		Esc("Last status: "+statusWord(s.Status, s.Conclusion)+"."))
	return transport.Content{Text: body(s, notice).String(), ParseMode: "HTML", DisablePreview: true}
}

func body(s Snapshot, footer H) H {
	repo := s.Owner + "/" + s.Repo
	name := s.Workflow
	if name == "" {
		name = "Workflow"
	}
	number := "run"
	if s.RunNumber > 0 {
		number = "#" + strconv.Itoa(s.RunNumber)
	}

	lines := []H{
		JoinH(" ", H(Icon(s.Status, s.Conclusion)), B(name), Link(number, s.URL), Esc("·"), Code(repo)),
	}
	if t := strings.TrimSpace(s.Title); t != "" && t != s.Headline {
		lines = append(lines, I(TruncRunes(t, 120)))
	}

	var ref []H
	if s.Branch != "" {
		ref = append(ref, JoinH(" ", "🌿", Code(s.Branch)))
	}
	if s.Pull != nil && s.Pull.Number > 0 {
		label := "PR #" + strconv.Itoa(s.Pull.Number)
		if s.Pull.Title != "" {
			label += " " + TruncRunes(s.Pull.Title, 80)
		}
		ref = append(ref, Link(label, s.Pull.URL))
	}
	if s.Event != "" {
		ref = append(ref, Esc(s.Event))
	}
	if len(ref) > 0 {
		lines = append(lines, JoinH(" · ", ref...))
	}

	if s.SHA != "" {
		short := s.SHA
		if len(short) > 7 {
			short = short[:7]
		}
		commit := JoinH(" ", "🔖", Link(short, s.CommitURL), Esc(TruncRunes(firstLine(s.Headline), 100)))
		if s.Author != "" {
			commit = JoinH(" ", commit, Esc("by "+s.Author))
		}
		lines = append(lines, commit)
	}

	if len(s.Jobs) > 0 {
		lines = append(lines, "")
		for i, j := range s.Jobs {
			if i == maxJobs {
				lines = append(lines, Esc(fmt.Sprintf("… and %d more", len(s.Jobs)-maxJobs)))
				break
			}
			line := JoinH(" ", H(Icon(j.Status, j.Conclusion)), Link(TruncRunes(j.Name, 60), j.URL))
			if j.Duration > 0 {
				line = JoinH(" ", line, Esc("("+shortDuration(j.Duration)+")"))
			}
			lines = append(lines, line)
		}
	}

	lines = append(lines, "", JoinH(" · ", Esc("⏱ "+shortDuration(s.Elapsed)), B(statusWord(s.Status, s.Conclusion))))
	if footer != "" {
		lines = append(lines, footer)
	}

	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.String()
	}
	return H(strings.Join(out, "\n"))
}

// Icon picks the status glyph for a run or job.
func Icon(status, conclusion string) string {
	if status != "completed" {
		switch status {
		case "in_progress":
			return "🔄"
		default:
			return "⏳"
		}
	}
	switch conclusion {
	case "success":
		return "✅"
	case "failure":
		return "❌"
	case "cancelled":
		return "🚫"
	case "timed_out":
		return "⌛"
	case "action_required":
		return "⚠️"
	default:
		return "➖"
	}
}

func statusWord(status, conclusion string) string {
	if status == "completed" && conclusion != "" {
		return strings.ReplaceAll(conclusion, "_", " ")
	}
	if status == "" {
		return "unknown"
	}
	return strings.ReplaceAll(status, "_", " ")
}

// shortDuration formats d rounded to the second, e.g. "3m12s".
func shortDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	return d.Round(time.Second).String()
}
