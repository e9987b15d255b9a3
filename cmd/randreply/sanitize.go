package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"randreply/internal/reply"
)

func sanitizeCmd() *cobra.Command {
	var maxLength int
	cmd := &cobra.Command{
		Use:   "sanitize [text]",
		Short: "Run the reply sanitizer on text (reads stdin when no text is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if len(args) == 0 {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				text = strings.TrimRight(string(data), "\n")
			}
			if maxLength <= 0 {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				maxLength = cfg.Trigger.MaxLength
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), reply.NewSanitizer(maxLength).Sanitize(text))
			return err
		},
	}
	cmd.Flags().IntVar(&maxLength, "max-length", 0, "maximum reply length in characters (default: trigger.maxLength)")
	return cmd
}
