package fleetcoord

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/vimeo/fleetcoord/entry"
)

func TestPromptConfirmer(t *testing.T) {
	t.Parallel()
	ch := Challenge{A: 4, B: 7, Override: entry.ReplicaSet{"peer-1", "peer-2"}}
	for _, tbl := range []struct {
		name        string
		input       string
		allowNonTTY bool
		want        int
		wantErr     error
	}{
		{name: "not_a_terminal", input: "11\n", wantErr: ErrNotInteractive},
		{name: "correct", input: "11\n", allowNonTTY: true, want: 11},
		{name: "correct_no_newline", input: " 11 ", allowNonTTY: true, want: 11},
		{name: "incorrect", input: "12\n", allowNonTTY: true, want: 12},
		{name: "garbage", input: "eleven\n", allowNonTTY: true, wantErr: ErrConfirmationFailed},
		{name: "empty", input: "", allowNonTTY: true, wantErr: ErrConfirmationFailed},
	} {
		tbl := tbl
		t.Run(tbl.name, func(t *testing.T) {
			t.Parallel()
			out := bytes.Buffer{}
			p := PromptConfirmer{In: strings.NewReader(tbl.input), Out: &out, AllowNonTerminal: tbl.allowNonTTY}
			got, err := p.Confirm(context.Background(), ch)
			if !errors.Is(err, tbl.wantErr) {
				t.Fatalf("unexpected error: got %v; want %v", err, tbl.wantErr)
			}
			if tbl.wantErr != nil {
				return
			}
			if got != tbl.want {
				t.Errorf("unexpected answer: got %d; want %d", got, tbl.want)
			}
			if !strings.Contains(out.String(), "What is 4 + 7?") || !strings.Contains(out.String(), "peer-1,peer-2") {
				t.Errorf("unexpected prompt: %q", out.String())
			}
			if aborted := strings.Contains(out.String(), "Aborting"); aborted != (got != 11) {
				t.Errorf("unexpected abort message for answer %s: %q", strconv.Itoa(got), out.String())
			}
		})
	}
}

func TestPromptConfirmerCancelClosesInput(t *testing.T) {
	t.Parallel()
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := PromptConfirmer{In: pr, Out: io.Discard, AllowNonTerminal: true, CloseOnCancel: true}
	if _, err := p.Confirm(ctx, Challenge{A: 3, B: 3}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error: got %v; want %v", err, context.DeadlineExceeded)
	}
	// the pending read was released, so nothing consumes the write
	if _, err := pw.Write([]byte("6\n")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("unexpected write error after cancellation: %v", err)
	}
}
