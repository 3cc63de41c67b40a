package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/seclens/seclens/app/pubtime"
)

var (
	resolveSource    string
	resolveFetchedAt string
	resolveDisplayTZ string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve label=value [label=value...]",
	Short: "Resolve a publication time from candidate values",
	Long: `Resolve runs the publication time resolver for a source over the given
candidates, most trusted first, and prints the result with its metadata.
Numeric values are read as epoch timestamps.

Example:
  seclens resolve --source msrc item.pubDate="2025-10-09 09:30:00"
  seclens resolve --source cisa-kev --fetched-at 2025-10-09T02:00:00Z item.date=1759914000`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResolve,
}

type resolveOutput struct {
	Source           string           `json:"source"`
	PublishedAt      *time.Time       `json:"published_at"`
	PublishedDisplay string           `json:"published_display,omitempty"`
	TimeMeta         pubtime.Metadata `json:"time_meta"`
}

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().StringVarP(&resolveSource, "source", "s", "", "source slug whose time policy applies (required)")
	resolveCmd.Flags().StringVar(&resolveFetchedAt, "fetched-at", "", "fetch time used for drift checks and fallback (RFC 3339, default now)")
	resolveCmd.Flags().StringVar(&resolveDisplayTZ, "display-timezone", "Asia/Shanghai", "timezone of published_display")
	_ = resolveCmd.MarkFlagRequired("source")
}

func runResolve(cmd *cobra.Command, args []string) error {
	candidates, err := parseCandidates(args)
	if err != nil {
		return err
	}

	fetchedAt := time.Now().UTC()
	if resolveFetchedAt != "" {
		fetchedAt, err = time.Parse(time.RFC3339, resolveFetchedAt)
		if err != nil {
			return fmt.Errorf("invalid --fetched-at: %w", err)
		}
	}

	resolver, err := loadResolver()
	if err != nil {
		return err
	}

	result := resolver.Resolve(resolveSource, candidates, &fetchedAt)
	return writeResolution(cmd.OutOrStdout(), resolveSource, result, pubtime.LoadDisplayLocation(resolveDisplayTZ))
}

// parseCandidates turns label=value arguments into resolver input, keeping
// their order.
func parseCandidates(args []string) ([]pubtime.Raw, error) {
	candidates := make([]pubtime.Raw, 0, len(args))
	for _, arg := range args {
		label, value, ok := strings.Cut(arg, "=")
		if !ok || label == "" {
			return nil, fmt.Errorf("candidate %q must look like label=value", arg)
		}
		candidates = append(candidates, pubtime.R(candidateValue(value), label))
	}
	return candidates, nil
}

func candidateValue(value string) any {
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return json.Number(value)
	}
	return value
}

func writeResolution(w io.Writer, source string, result pubtime.Result, loc *time.Location) error {
	out := resolveOutput{
		Source:      source,
		PublishedAt: result.ResolvedAt,
		TimeMeta:    result.Metadata,
	}
	if result.ResolvedAt != nil {
		out.PublishedDisplay = pubtime.FormatDisplay(*result.ResolvedAt, loc)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
