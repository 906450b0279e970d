package workitem

import (
	"errors"
	"strings"
	"testing"

	"runrelay/internal/transport"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      string
		wantErr string
		want    WorkItem
	}{
		{
			name: "numeric run id",
			in:   `{"run_id":42,"owner":"acme","repo":"web","channel":"@builds"}`,
			want: WorkItem{RunID: 42, Owner: "acme", Repo: "web", Channel: "@builds"},
		},
		{
			name: "string run id and message id",
			in:   `{"run_id":"42","owner":"acme","repo":"web","channel":"-1001","message_id":"169","credential_ref":"acme-gh"}`,
			want: WorkItem{RunID: 42, Owner: "acme", Repo: "web", Channel: "-1001", MessageID: "169", CredentialRef: "acme-gh"},
		},
		{
			name: "numeric message id",
			in:   `{"run_id":7,"owner":"acme","repo":"web","channel":"-1001","message_id":169,"thread_id":3}`,
			want: WorkItem{RunID: 7, Owner: "acme", Repo: "web", Channel: "-1001", MessageID: "169", ThreadID: 3},
		},
		{name: "missing run id", in: `{"owner":"acme","repo":"web","channel":"@builds"}`, wantErr: "run_id is required"},
		{name: "bad run id", in: `{"run_id":"4x2","owner":"acme","repo":"web","channel":"@builds"}`, wantErr: "run_id must be a positive integer"},
		{name: "bad channel", in: `{"run_id":1,"owner":"acme","repo":"web","channel":"#builds"}`, wantErr: "channel"},
		{name: "unknown field", in: `{"run_id":1,"owner":"acme","repo":"web","channel":"@builds","extra":1}`, wantErr: "malformed json"},
		{name: "not json", in: `nope`, wantErr: "malformed json"},
		{name: "username with message id", in: `{"run_id":1,"owner":"acme","repo":"web","channel":"@builds","message_id":"169"}`, wantErr: "numeric chat id when message_id is set"},
		{name: "bad owner", in: `{"run_id":1,"owner":"a/b","repo":"web","channel":"@builds"}`, wantErr: "owner"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse([]byte(tc.in))
			if tc.wantErr != "" {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("Parse error = %v, want *ValidationError", err)
				}
				if !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("Parse error = %q, want it to contain %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Parse = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestParseReportsEveryProblem(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"run_id":0,"owner":"","repo":"","channel":""}`))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Parse error = %v, want *ValidationError", err)
	}
	if len(ve.Problems) != 4 {
		t.Fatalf("problems = %v, want 4 entries", ve.Problems)
	}
}

func TestEncodeKeepsMessageIDForResume(t *testing.T) {
	t.Parallel()

	item := WorkItem{RunID: 42, Owner: "acme", Repo: "web", Channel: "@builds"}
	item = item.WithHandle(transport.Handle{Channel: "-1001", MessageID: "169"})

	b, err := item.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse(Encode): %v", err)
	}
	if back.MessageID != "169" || back.Channel != "-1001" {
		t.Fatalf("resumed item = %+v, want channel -1001 message 169", back)
	}
	if !back.Handle().Created() {
		t.Fatal("resumed handle should be created")
	}
}

func TestKey(t *testing.T) {
	t.Parallel()

	item := WorkItem{RunID: 42, Owner: "acme", Repo: "web"}
	if got, want := item.Key(), "acme/web#42"; got != want {
		t.Fatalf("Key = %q, want %q", got, want)
	}
}
