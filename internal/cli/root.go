// Package cli implements the risctl commands, a thin client of the RIS
// HTTP API.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

type options struct {
	server string
	user   string
	format string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "risctl",
		Short:         "Record interactions and inspect personas, memories and mood reports",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", envOr("RIS_SERVER", "http://localhost:8080"), "RIS server URL")
	root.PersistentFlags().StringVarP(&opts.user, "user", "u", envOr("RIS_USER", "cli-user"), "User scope")
	root.PersistentFlags().StringVarP(&opts.format, "format", "f", "text", "Output format: json or text")

	root.AddCommand(
		newHealthCmd(opts),
		newRecordCmd(opts),
		newChatCmd(opts),
		newPersonasCmd(opts),
		newInsightsCmd(opts),
		newMemoriesCmd(opts),
		newAnnotateCmd(opts),
		newSearchCmd(opts),
		newReportCmd(opts),
		newStatsCmd(opts),
		newMigrateCmd(),
	)
	return root
}

func (o *options) client() *client {
	return newClient(o.server)
}

// emit writes v as indented JSON, or calls text for the text format.
func (o *options) emit(w io.Writer, v interface{}, text func(io.Writer)) error {
	if o.format == "json" || text == nil {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(b))
		return nil
	}
	text(w)
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
