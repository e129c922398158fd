package fleetcoord

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/vimeo/fleetcoord/entry"
)

// Bounds of the addends in a confirmation challenge.
const (
	challengeMin = 3
	challengeMax = 8
)

var (
	// ErrNotInteractive is returned by PromptConfirmer when its input isn't
	// a terminal.
	ErrNotInteractive = errors.New("confirmation requires an interactive terminal")
	// ErrConfirmationFailed is returned when no usable answer was given.
	ErrConfirmationFailed = errors.New("no valid confirmation answer")
)

// Challenge is a small arithmetic question the operator must answer before
// the replica set is forced to Override.
type Challenge struct {
	A, B     int
	Override entry.ReplicaSet
}

// NewChallenge picks two random addends.
func NewChallenge(override entry.ReplicaSet) Challenge {
	return Challenge{
		A:        challengeMin + rand.IntN(challengeMax-challengeMin+1),
		B:        challengeMin + rand.IntN(challengeMax-challengeMin+1),
		Override: override,
	}
}

// Question is the prompt shown to the operator.
func (c Challenge) Question() string {
	return fmt.Sprintf("You have chosen to break the world with %s. What is %d + %d?", c.Override, c.A, c.B)
}

// Check reports whether answer is correct.
func (c Challenge) Check(answer int) bool {
	return answer == c.A+c.B
}

// Confirmer obtains an operator's answer to a Challenge. Implementations
// may block until the answer arrives or ctx ends.
type Confirmer interface {
	Confirm(ctx context.Context, c Challenge) (int, error)
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, c Challenge) (int, error)

// Confirm implements Confirmer
func (f ConfirmerFunc) Confirm(ctx context.Context, c Challenge) (int, error) {
	return f(ctx, c)
}

// PromptConfirmer asks on a terminal. A Confirm cancelled through its
// context leaves a goroutine blocked reading In until In yields a line or
// is closed.
type PromptConfirmer struct {
	In  io.Reader
	Out io.Writer
	// AllowNonTerminal accepts answers from pipes and files.
	AllowNonTerminal bool
	// CloseOnCancel closes In, if it's an io.Closer, when ctx ends before
	// an answer arrives, so the pending read returns.
	CloseOnCancel bool
}

// NewPromptConfirmer prompts on stdin/stdout.
func NewPromptConfirmer() *PromptConfirmer {
	return &PromptConfirmer{In: os.Stdin, Out: os.Stdout}
}

// Confirm implements Confirmer
func (p *PromptConfirmer) Confirm(ctx context.Context, c Challenge) (int, error) {
	if !p.AllowNonTerminal {
		f, ok := p.In.(*os.File)
		if !ok || !term.IsTerminal(int(f.Fd())) {
			return 0, ErrNotInteractive
		}
	}
	if _, err := fmt.Fprint(p.Out, c.Question()+" "); err != nil {
		return 0, fmt.Errorf("failed to write prompt: %w", err)
	}

	type line struct {
		s   string
		err error
	}
	lineCh := make(chan line, 1)
	go func() {
		s, err := bufio.NewReader(p.In).ReadString('\n')
		lineCh <- line{s: s, err: err}
	}()
	select {
	case <-ctx.Done():
		if closer, ok := p.In.(io.Closer); ok && p.CloseOnCancel {
			closer.Close()
		}
		return 0, ctx.Err()
	case l := <-lineCh:
		if l.err != nil && (l.err != io.EOF || l.s == "") {
			return 0, fmt.Errorf("%w: %w", ErrConfirmationFailed, l.err)
		}
		answer, convErr := strconv.Atoi(strings.TrimSpace(l.s))
		if convErr != nil {
			fmt.Fprintln(p.Out, "Incorrect answer. Aborting.")
			return 0, fmt.Errorf("%w: %w", ErrConfirmationFailed, convErr)
		}
		if !c.Check(answer) {
			fmt.Fprintln(p.Out, "Incorrect answer. Aborting.")
		}
		return answer, nil
	}
}
