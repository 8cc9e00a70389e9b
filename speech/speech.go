// Package speech reads captions aloud.
package speech

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Announcer converts text to audible speech.
type Announcer interface {
	// Announce blocks until playback has finished. Failures are returned as
	// *AnnounceError.
	Announce(ctx context.Context, text string) error
}

// AnnounceError reports a speech synthesis or playback failure.
type AnnounceError struct {
	Err error
}

func (e *AnnounceError) Error() string { return "announce: " + e.Err.Error() }

func (e *AnnounceError) Unwrap() error { return e.Err }

// Command speaks by running an external text-to-speech program with the
// text as its final argument, e.g. espeak or say.
type Command struct {
	Path string
	Args []string
}

var _ Announcer = &Command{}

// NewCommand returns a Command for the program at path. The program is
// resolved against $PATH at construction so a missing synthesizer is
// reported on the first announcement rather than silently ignored.
func NewCommand(path string, args ...string) *Command {
	if resolved, err := exec.LookPath(path); err == nil {
		path = resolved
	}
	return &Command{Path: path, Args: args}
}

func (c *Command) Announce(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	args := append(append([]string{}, c.Args...), text)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return &AnnounceError{Err: err}
	}
	return nil
}

// Silent logs the text instead of speaking it.
type Silent struct {
	Logger *zap.SugaredLogger
}

var _ Announcer = Silent{}

func (s Silent) Announce(ctx context.Context, text string) error {
	if s.Logger != nil {
		s.Logger.Debugw("announce muted", "text", text)
	}
	return nil
}
