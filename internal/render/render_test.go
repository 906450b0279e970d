package render

import (
	"strings"
	"testing"
	"time"
)

func sample() Snapshot {
	return Snapshot{
		Owner:     "acme",
		Repo:      "web",
		RunID:     42,
		RunNumber: 7,
		Workflow:  "CI",
		URL:       "https://github.com/acme/web/actions/runs/42",
		Status:    "in_progress",
		Branch:    "feat/<x>",
		SHA:       "abcdef0123456789",
		Headline:  "Fix the thing\n\nlong body",
		Author:    "alice",
		Pull:      &PullRequest{Number: 12, Title: "Fix", URL: "https://github.com/acme/web/pull/12"},
		Jobs: []Job{
			{Name: "build", Status: "completed", Conclusion: "success", Duration: 62 * time.Second},
			{Name: "test", Status: "in_progress"},
		},
		Elapsed: 3*time.Minute + 12*time.Second,
	}
}

func TestRenderContainsRunFacts(t *testing.T) {
	t.Parallel()

	c := Render(sample())
	if c.ParseMode != "HTML" {
		t.Fatalf("ParseMode = %q, want HTML", c.ParseMode)
	}
	for _, want := range []string{
		"🔄 <b>CI</b>",
		`<a href="https://github.com/acme/web/actions/runs/42">#7</a>`,
		"<code>feat/&lt;x&gt;</code>",
		"PR #12 Fix",
		"abcdef0",
		"Fix the thing by alice",
		"✅ build (1m2s)",
		"🔄 test",
		"⏱ 3m12s",
		"<b>in progress</b>",
	} {
		if !strings.Contains(c.Text, want) {
			t.Fatalf("rendered text missing %q:\n%s", want, c.Text)
		}
	}
	if strings.Contains(c.Text, "long body") {
		t.Fatal("commit body should not be rendered")
	}
}

func TestRenderCompletedUsesConclusion(t *testing.T) {
	t.Parallel()

	s := sample()
	s.Status, s.Conclusion = "completed", "timed_out"
	c := Render(s)
	if !strings.HasPrefix(c.Text, "⌛") || !strings.Contains(c.Text, "<b>timed out</b>") {
		t.Fatalf("text = %s", c.Text)
	}
}

func TestRenderTimeoutAddsNotice(t *testing.T) {
	t.Parallel()

	c := RenderTimeout(sample(), time.Hour)
	if !strings.Contains(c.Text, "exceeded maximum polling time of 1h0m0s") {
		t.Fatalf("text = %s", c.Text)
	}
}

func TestRenderBoundsJobList(t *testing.T) {
	t.Parallel()

	s := sample()
	s.Jobs = nil
	for i := 0; i < maxJobs+5; i++ {
		s.Jobs = append(s.Jobs, Job{Name: "job", Status: "queued"})
	}
	if c := Render(s); !strings.Contains(c.Text, "… and 5 more") {
		t.Fatalf("text missing overflow marker")
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"abcdef", 3, "ab…"},
		{"abc", 3, "abc"},
		{"héllo", 2, "h…"},
		{"x", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
