package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sadewadee/katexd/internal/client"
)

func newRenderCmd(flags *cliFlags) *cobra.Command {
	var (
		display bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "render [latex]",
		Short: "Render LaTeX through a running server",
		Long: `Render LaTeX through a running server and print the HTML.

The expression is read from stdin when the argument is "-" or missing.`,
		Example: `  katexd render 'x^2 + y^2 = z^2'
  echo '\frac{a}{b}' | katexd render --display --socket /run/katexd.sock`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			latex, err := readLatex(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			ctx := context.Background()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			c, err := client.Dial(ctx, cfg.Listen)
			if err != nil {
				return err
			}
			defer c.Close()

			html, err := c.Render(ctx, latex, map[string]any{"displayMode": display})
			if err != nil {
				var serr *client.ServerError
				if errors.As(err, &serr) {
					return fmt.Errorf("render failed: %s", serr.Message)
				}
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), html)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&display, "display", "d", false, "render in display mode")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long (0 waits forever)")

	return cmd
}

func readLatex(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}
