package instance

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/joescharf/amux/internal/process"
)

// snippetBytes bounds how much trailing output is quoted in a spawn failure.
const snippetBytes = 512

// readyReason describes why a process was considered ready.
type readyReason string

const (
	readyOutput readyReason = "output"
	readyBanner readyReason = "banner"
	readyQuiet  readyReason = "quiet period"
)

// awaitReady blocks until h shows a readiness signal: any output, or quiet
// seconds with the process still alive. There is no handshake with the agent,
// so this is a heuristic bounded by timeout.
func awaitReady(ctx context.Context, h process.Handle, quiet, timeout time.Duration, banners []*regexp.Regexp) (readyReason, error) {
	sub := h.Subscribe()
	defer sub.Cancel()

	if len(sub.Backlog) > 0 {
		return classify(sub.Backlog, banners), aliveOrExited(h)
	}

	var quietC <-chan time.Time
	if quiet > 0 {
		qt := time.NewTimer(quiet)
		defer qt.Stop()
		quietC = qt.C
	}
	hard := time.NewTimer(timeout)
	defer hard.Stop()

	for {
		select {
		case chunk, ok := <-sub.C:
			if !ok {
				// Closed either on exit or because we fell behind; Done tells which.
				<-waitBriefly(h)
				return "", aliveOrExited(h)
			}
			return classify(chunk, banners), aliveOrExited(h)
		case <-h.Done():
			return "", exitedBeforeReady(h)
		case <-quietC:
			return readyQuiet, aliveOrExited(h)
		case <-hard.C:
			return "", fmt.Errorf("no readiness signal within %s", timeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func classify(out []byte, banners []*regexp.Regexp) readyReason {
	for _, re := range banners {
		if re.Match(out) {
			return readyBanner
		}
	}
	return readyOutput
}

func aliveOrExited(h process.Handle) error {
	select {
	case <-h.Done():
		return exitedBeforeReady(h)
	default:
		return nil
	}
}

func exitedBeforeReady(h process.Handle) error {
	st, _ := h.ExitStatus()
	msg := fmt.Sprintf("process exited before ready (%s)", st)
	if snippet := tail(h.Scrollback(), snippetBytes); snippet != "" {
		msg += ": " + snippet
	}
	return errors.New(msg)
}

// waitBriefly gives an exiting process a moment to publish its status.
func waitBriefly(h process.Handle) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		select {
		case <-h.Done():
		case <-time.After(100 * time.Millisecond):
		}
	}()
	return ch
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.ToValidUTF8(string(b), "")
}
