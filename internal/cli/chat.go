package cli

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nidhogg/ris/internal/trend"
)

func newChatCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Record interactions line by line from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runChat(cmd *cobra.Command, opts *options, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "RIS journal")
	fmt.Fprintf(out, "Server: %s | User: %s\n", opts.server, opts.user)
	fmt.Fprintln(out, "Type 'exit' or 'quit' to leave. Commands: /report [window], /personas")
	fmt.Fprintln(out, "---")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(out, "Bye!")
			return nil
		}
		if strings.HasPrefix(input, "/") {
			chatCommand(cmd, opts, out, input)
			continue
		}

		res, err := record(cmd, opts, input, "topic", "")
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		printResult(out, res)
	}
	return scanner.Err()
}

func chatCommand(cmd *cobra.Command, opts *options, out io.Writer, input string) {
	fields := strings.Fields(input)
	c := opts.client()
	switch fields[0] {
	case "/report":
		window := "week"
		if len(fields) > 1 {
			window = fields[1]
		}
		var r trend.Report
		if err := c.do(cmd.Context(), http.MethodGet, "/api/reports/"+url.PathEscape(opts.user)+"/"+url.PathEscape(window), nil, &r); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return
		}
		printReport(out, &r)
	case "/personas":
		var ps []struct {
			CanonicalName    string `json:"canonical_name"`
			RelationshipType string `json:"relationship_type"`
			InteractionCount int    `json:"interaction_count"`
		}
		if err := c.do(cmd.Context(), http.MethodGet, "/api/personas/"+url.PathEscape(opts.user), nil, &ps); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return
		}
		for _, p := range ps {
			fmt.Fprintf(out, "  %s [%s] x%d\n", p.CanonicalName, p.RelationshipType, p.InteractionCount)
		}
	default:
		fmt.Fprintf(out, "unknown command %s\n", fields[0])
	}
}
