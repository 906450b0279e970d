// Package workitem defines the admitted unit of work: one CI run whose status
// is relayed into one chat message.
package workitem

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"runrelay/internal/transport"
)

// WorkItem is the queue payload. It is created by the admission path and,
// after the first publish, carries the message id so a resumed poller keeps
// updating the same message.
type WorkItem struct {
	RunID         int64     `json:"run_id"`
	Owner         string    `json:"owner"`
	Repo          string    `json:"repo"`
	Channel       string    `json:"channel"`
	ThreadID      int       `json:"thread_id,omitempty"`
	CredentialRef string    `json:"credential_ref,omitempty"`
	MessageID     string    `json:"message_id,omitempty"`
	AdmittedAt    time.Time `json:"admitted_at,omitzero"`
}

// wire accepts run_id as a number or a string of digits.
type wire struct {
	RunID         json.RawMessage `json:"run_id"`
	Owner         string          `json:"owner"`
	Repo          string          `json:"repo"`
	Channel       string          `json:"channel"`
	ThreadID      int             `json:"thread_id"`
	CredentialRef string          `json:"credential_ref"`
	MessageID     json.RawMessage `json:"message_id"`
	AdmittedAt    *time.Time      `json:"admitted_at"`
}

// ValidationError lists every problem found in a payload. It is terminal:
// the same bytes will never become valid.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid work item: " + strings.Join(e.Problems, "; ")
}

var (
	namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,100}$`)
	chatPattern = regexp.MustCompile(`^(-?\d{1,20}|@[A-Za-z][A-Za-z0-9_]{3,31})$`)
)

// Parse strictly decodes and validates a payload.
func Parse(b []byte) (WorkItem, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var w wire
	if err := dec.Decode(&w); err != nil {
		return WorkItem{}, &ValidationError{Problems: []string{"malformed json: " + err.Error()}}
	}
	if dec.More() {
		return WorkItem{}, &ValidationError{Problems: []string{"trailing data after object"}}
	}

	var problems []string
	item := WorkItem{
		Owner:         strings.TrimSpace(w.Owner),
		Repo:          strings.TrimSpace(w.Repo),
		Channel:       strings.TrimSpace(w.Channel),
		ThreadID:      w.ThreadID,
		CredentialRef: strings.TrimSpace(w.CredentialRef),
	}
	id, err := parseRunID(w.RunID)
	if err != nil {
		problems = append(problems, err.Error())
	}
	item.RunID = id
	mid, err := parseMessageID(w.MessageID)
	if err != nil {
		problems = append(problems, err.Error())
	}
	item.MessageID = mid
	if w.AdmittedAt != nil {
		item.AdmittedAt = *w.AdmittedAt
	}

	if err := item.Validate(); err != nil {
		if ve, ok := err.(*ValidationError); ok {
			problems = append(problems, ve.Problems...)
		}
	}
	if len(problems) > 0 {
		return WorkItem{}, &ValidationError{Problems: dedupe(problems)}
	}
	return item, nil
}

// Validate checks field constraints on an already decoded item.
func (w WorkItem) Validate() error {
	var problems []string
	if w.RunID <= 0 {
		problems = append(problems, "run_id must be a positive integer")
	}
	if !namePattern.MatchString(w.Owner) {
		problems = append(problems, "owner is missing or malformed")
	}
	if !namePattern.MatchString(w.Repo) {
		problems = append(problems, "repo is missing or malformed")
	}
	if !chatPattern.MatchString(w.Channel) {
		problems = append(problems, "channel must be a numeric chat id or @username")
	}
	if w.ThreadID < 0 {
		problems = append(problems, "thread_id must not be negative")
	}
	if w.MessageID != "" {
		if _, err := strconv.Atoi(w.MessageID); err != nil {
			problems = append(problems, "message_id must be numeric")
		}
		// Edits address the chat by id; a username only works for the create.
		if strings.HasPrefix(w.Channel, "@") {
			problems = append(problems, "channel must be a numeric chat id when message_id is set")
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func parseRunID(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("run_id is required")
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("run_id: %v", err)
		}
	} else {
		s = string(raw)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("run_id must be a positive integer")
	}
	return n, nil
}

// parseMessageID accepts Telegram's numeric ids either as numbers or strings.
func parseMessageID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("message_id: %v", err)
		}
		return strings.TrimSpace(s), nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return "", fmt.Errorf("message_id must be numeric")
	}
	return strconv.FormatInt(n, 10), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, p := range in {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Encode marshals the item for the queue.
func (w WorkItem) Encode() ([]byte, error) {
	return json.Marshal(w)
}

// Key identifies the notification thread: one run in one repository.
func (w WorkItem) Key() string {
	return w.Owner + "/" + w.Repo + "#" + strconv.FormatInt(w.RunID, 10)
}

// Handle returns the notification handle this item publishes to.
func (w WorkItem) Handle() transport.Handle {
	return transport.Handle{Channel: w.Channel, ThreadID: w.ThreadID, MessageID: w.MessageID}
}

// WithHandle records the identifiers the sink assigned on create.
func (w WorkItem) WithHandle(h transport.Handle) WorkItem {
	if h.Channel != "" {
		w.Channel = h.Channel
	}
	w.MessageID = h.MessageID
	return w
}
