package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/franksops/dmove/engine"
	"github.com/franksops/dmove/job"
	"github.com/franksops/dmove/provider"
)

// newPrompt asks on out whether an existing destination may be replaced and
// reads the answer from in. Anything but y or yes keeps the destination.
func newPrompt(in io.Reader, out io.Writer) engine.PromptFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, j *job.Job, src, dst provider.FileInfo) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		fmt.Fprintf(out, "%s exists (%d bytes, modified %s).\nReplace it with %s (%d bytes, modified %s)? [y/N] ",
			j.Destination(), dst.Size(), dst.ModTime().Format(time.DateTime),
			j.Source(), src.Size(), src.ModTime().Format(time.DateTime))

		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return false, fmt.Errorf("failed to read answer: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}
