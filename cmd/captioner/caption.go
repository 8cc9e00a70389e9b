package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chriskillpack/captioner/imagebuf"
	"github.com/chriskillpack/captioner/imagesource"
	"github.com/chriskillpack/captioner/pipeline"
)

func newCaptionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caption <file>",
		Short: "Caption one image file, read it aloud and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			p := a.newPipeline()
			c := newConsole(p, nil, cfg.CaptureFile, cmd.OutOrStdout(), a.logger)
			return captionOnce(c, args[0])
		},
	}
	addDesktopFlags(cmd)
	return cmd
}

// captionOnce runs a single open request and presents its events.
func captionOnce(c *console, path string) error {
	_, err := c.p.Trigger(func(ctx context.Context) (*imagebuf.Buffer, error) {
		return imagesource.LoadFile(path)
	})
	if err != nil {
		return err
	}

	for ev := range c.p.Events() {
		c.handle(ev)
		if ev.Kind == pipeline.EventFinished {
			c.p.Wait()
			if ev.Outcome != pipeline.Success {
				return fmt.Errorf("captioning %s failed", path)
			}
			return nil
		}
	}
	return nil
}
