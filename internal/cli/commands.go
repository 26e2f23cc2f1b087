package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/ris/internal/config"
	"github.com/nidhogg/ris/internal/emotion"
	"github.com/nidhogg/ris/internal/memory"
	"github.com/nidhogg/ris/internal/persona"
	"github.com/nidhogg/ris/internal/pipeline"
	"github.com/nidhogg/ris/internal/store"
	"github.com/nidhogg/ris/internal/trend"
)

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server and backend status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var h struct {
				Status   string            `json:"status"`
				Backends map[string]string `json:"backends"`
			}
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/health", nil, &h); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), h, func(w io.Writer) {
				fmt.Fprintf(w, "status: %s\n", h.Status)
				for name, state := range h.Backends {
					fmt.Fprintf(w, "  %-8s %s\n", name, state)
				}
			})
		},
	}
}

func newRecordCmd(opts *options) *cobra.Command {
	var inputType, style string
	cmd := &cobra.Command{
		Use:   "record <text>",
		Short: "Record one interaction",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := record(cmd, opts, strings.Join(args, " "), inputType, style)
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), res, func(w io.Writer) { printResult(w, res) })
		},
	}
	cmd.Flags().StringVarP(&inputType, "type", "t", "topic", "Input type: topic, photo or voice")
	cmd.Flags().StringVar(&style, "style", "", "Communication style for newly created personas")
	return cmd
}

func record(cmd *cobra.Command, opts *options, text, inputType, style string) (*pipeline.Result, error) {
	req := pipeline.Request{UserScope: opts.user, Text: text, InputType: inputType}
	if style != "" {
		req.Context = map[string]string{pipeline.ContextStyle: style}
	}
	var res pipeline.Result
	if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/interactions", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func printResult(w io.Writer, res *pipeline.Result) {
	a := res.EmotionAnalysis
	fmt.Fprintf(w, "%s (P %.2f A %.2f D %.2f) via %s\n", a.Label, a.Pleasure, a.Arousal, a.Dominance, a.Strategy)
	for _, warn := range a.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	for _, p := range res.PersonasTouched {
		mark := ""
		if p.Created {
			mark = " (new)"
		}
		fmt.Fprintf(w, "  %s [%s]%s\n", p.CanonicalName, p.RelationshipType, mark)
	}
	fmt.Fprintf(w, "memory %s importance %.2f\n", res.MemoryCreated.ID, res.MemoryCreated.ImportanceScore)
}

func newPersonasCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "personas [id]",
		Short: "List personas, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := "/api/personas/" + url.PathEscape(opts.user)
			if len(args) == 1 {
				var p persona.Persona
				if err := opts.client().do(cmd.Context(), http.MethodGet, base+"/"+url.PathEscape(args[0]), nil, &p); err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), p, nil)
			}
			var ps []persona.Persona
			if err := opts.client().do(cmd.Context(), http.MethodGet, base, nil, &ps); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), ps, func(w io.Writer) {
				for _, p := range ps {
					fmt.Fprintf(w, "%s  %-12s %-12s x%d\n", p.ID, p.CanonicalName, p.RelationshipType, p.InteractionCount)
				}
			})
		},
	}
}

func newInsightsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "insights <persona-id>",
		Short: "Summarize the memories that mention a persona",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in pipeline.Insights
			path := "/api/personas/" + url.PathEscape(opts.user) + "/" + url.PathEscape(args[0]) + "/insights"
			if err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &in); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), in, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %d memories\n", in.Persona.CanonicalName, in.MemoryCount)
				for _, l := range emotion.Labels {
					fmt.Fprintf(w, "  %-8s %d\n", l, in.LabelBreakdown[l])
				}
				for _, c := range in.CoMentions {
					fmt.Fprintf(w, "  with %s x%d\n", c.CanonicalName, c.Count)
				}
			})
		},
	}
}

func newMemoriesCmd(opts *options) *cobra.Command {
	var (
		label, personaID, start, end string
		limit                        int
	)
	cmd := &cobra.Command{
		Use:   "memories",
		Short: "List memories, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for k, v := range map[string]string{"label": label, "persona_id": personaID, "start": start, "end": end} {
				if v != "" {
					q.Set(k, v)
				}
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/memories/" + url.PathEscape(opts.user)
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var ms []memory.Memory
			if err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &ms); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), ms, func(w io.Writer) {
				for _, m := range ms {
					printMemory(w, &m, 0)
				}
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "Filter by label")
	cmd.Flags().StringVar(&personaID, "persona", "", "Filter by persona id")
	cmd.Flags().StringVar(&start, "start", "", "Earliest timestamp (RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "Latest timestamp, exclusive (RFC 3339)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Max results")
	return cmd
}

func printMemory(w io.Writer, m *memory.Memory, score float32) {
	prefix := ""
	if score > 0 {
		prefix = fmt.Sprintf("%.3f ", score)
	}
	fmt.Fprintf(w, "%s%s %s [%s] %s\n", prefix, m.ID, m.Timestamp.Format(time.RFC3339), m.Emotion.Label, m.Content)
}

func newAnnotateCmd(opts *options) *cobra.Command {
	var (
		label string
		tags  []string
	)
	cmd := &cobra.Command{
		Use:   "annotate <memory-id>",
		Short: "Correct a memory's label or tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p memory.Patch
			if label != "" {
				l := emotion.Label(label)
				p.Label = &l
			}
			if cmd.Flags().Changed("tags") {
				p.Tags = &tags
			}
			if p.Label == nil && p.Tags == nil {
				return fmt.Errorf("nothing to change: pass --label or --tags")
			}
			var m memory.Memory
			path := "/api/memories/" + url.PathEscape(opts.user) + "/" + url.PathEscape(args[0])
			if err := opts.client().do(cmd.Context(), http.MethodPatch, path, p, &m); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), m, func(w io.Writer) { printMemory(w, &m, 0) })
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "New label: positive, negative or neutral")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Replacement tags (comma-separated)")
	return cmd
}

func newSearchCmd(opts *options) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Semantic search over memory content",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"q": {strings.Join(args, " ")}, "k": {strconv.Itoa(k)}}
			var hits []pipeline.SearchHit
			path := "/api/memories/" + url.PathEscape(opts.user) + "/search?" + q.Encode()
			if err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &hits); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), hits, func(w io.Writer) {
				for _, h := range hits {
					printMemory(w, h.Memory, h.Score)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 10, "Number of results")
	return cmd
}

func newReportCmd(opts *options) *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "report [day|week|month]",
		Short: "Show the mood report for a window or an explicit range",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/reports/" + url.PathEscape(opts.user)
			switch {
			case start != "":
				q := url.Values{"start": {start}}
				if end != "" {
					q.Set("end", end)
				}
				path += "?" + q.Encode()
			case len(args) == 1:
				path += "/" + url.PathEscape(args[0])
			default:
				path += "/week"
			}
			var r trend.Report
			if err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &r); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), r, func(w io.Writer) { printReport(w, &r) })
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "Range start (RFC 3339); overrides the window")
	cmd.Flags().StringVar(&end, "end", "", "Range end (RFC 3339), default now")
	return cmd
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count stored memories and personas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st pipeline.Statistics
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/statistics/"+url.PathEscape(opts.user), nil, &st); err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), st, func(w io.Writer) {
				fmt.Fprintf(w, "%d memories, %d personas, %d in the last 7 days\n", st.MemoryCount, st.PersonaCount, st.RecentMemories)
				for _, typ := range []memory.Type{memory.TypeTopic, memory.TypePhoto, memory.TypeVoice} {
					fmt.Fprintf(w, "  %-6s %d\n", typ, st.Distribution[typ])
				}
			})
		},
	}
}

func printReport(w io.Writer, r *trend.Report) {
	fmt.Fprintf(w, "%s .. %s: %d memories\n", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339), r.Total)
	if r.NoData {
		fmt.Fprintln(w, "no data")
		return
	}
	for _, l := range emotion.Labels {
		fmt.Fprintf(w, "  %-8s %3d%%\n", l, r.EmotionDistribution[l])
	}
	fmt.Fprintf(w, "dominant: %s, pattern: %s\n", r.DominantEmotion, r.EmotionPattern)
	for _, p := range r.PersonaInteractions {
		fmt.Fprintf(w, "  %s x%d\n", p.CanonicalName, p.Count)
	}
	for _, s := range r.Insights {
		fmt.Fprintf(w, "- %s\n", s)
	}
}

func newMigrateCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations directly, without a server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Database.Postgres.DSN == "" {
				return fmt.Errorf("database.postgres.dsn is not set in %s", cfgPath)
			}
			pg, err := store.New(cmd.Context(), cfg.Database.Postgres.DSN, zap.NewNop())
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Migrate(cmd.Context(), store.Migrations()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", envOr("CONFIG_PATH", "configs/ris.json"), "Config file")
	return cmd
}
