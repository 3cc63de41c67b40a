package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seclens/seclens/app/bulletin"
	"github.com/seclens/seclens/app/connector"
	"github.com/seclens/seclens/app/cursor"
	"github.com/seclens/seclens/app/ingest"
)

var (
	collectSource string
	collectForce  bool
	collectLimit  int
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect new bulletins from one source",
	Long: `Collect fetches a source, resolves publication times and keeps only items
the source cursor has not seen. New bulletins are posted to the ingest
endpoint when --ingest-url is set and printed as JSON otherwise.

The cursor is stored under --state-dir, one file per source.

Example:
  seclens collect --source cisa-kev
  seclens collect --source msrc --force --limit 10
  seclens collect --source msrc --ingest-url http://localhost:8080/v1/ingest/bulletins --token $KEY`,
	Args: cobra.NoArgs,
	RunE: runCollect,
}

func init() {
	rootCmd.AddCommand(collectCmd)

	collectCmd.Flags().StringVarP(&collectSource, "source", "s", "", "source slug to collect (required)")
	collectCmd.Flags().BoolVar(&collectForce, "force", false, "ignore the stored cursor")
	collectCmd.Flags().IntVar(&collectLimit, "limit", 0, "maximum bulletins to emit, 0 uses the source max_items")
	collectCmd.Flags().String("ingest-url", "", "ingest endpoint to POST new bulletins to")
	collectCmd.Flags().String("token", "", "API key sent with ingest requests")
	collectCmd.Flags().String("state-dir", defaultStateDir(), "directory holding per-source cursor files")
	_ = collectCmd.MarkFlagRequired("source")

	for _, name := range []string{"ingest-url", "token", "state-dir"} {
		_ = viper.BindPFlag(configKey(name), collectCmd.Flags().Lookup(name))
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".seclens-state"
	}
	return filepath.Join(home, ".seclens", "state")
}

func runCollect(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	sources, err := loadSources()
	if err != nil {
		return err
	}
	config, err := sources.GetConfig(collectSource)
	if err != nil {
		return err
	}

	resolver, err := loadResolver()
	if err != nil {
		return err
	}

	fetcher := newFetcher()
	conn, err := connector.New(config, fetcher)
	if err != nil {
		return err
	}

	storage := cursor.NewStateDirStorage(viper.GetString("state_dir"), config.Slug)
	collector := connector.NewCollector(config, conn, fetcher, resolver, storage)

	result, err := collector.Collect(ctx, connector.CollectOptions{Force: collectForce, Limit: collectLimit})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "%s: fetched=%d emitted=%d suppressed=%d filtered=%d skipped=%d\n",
		config.Slug, result.Fetched, len(result.Bulletins), result.Suppressed, result.Filtered, result.Skipped)

	ingestURL := viper.GetString("ingest_url")
	if ingestURL == "" {
		if err := writeBulletins(cmd.OutOrStdout(), result.Bulletins); err != nil {
			return err
		}
		return result.Commit()
	}
	if len(result.Bulletins) == 0 {
		return result.Commit()
	}

	client := &http.Client{Timeout: viper.GetDuration("timeout")}
	accepted, err := postBulletins(ctx, client, ingestURL, viper.GetString("token"), result.Bulletins)
	if err != nil {
		return fmt.Errorf("cursor for %s left unchanged: %w", config.Slug, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: accepted=%d duplicates=%d\n", config.Slug, accepted.Accepted, accepted.Duplicates)
	return result.Commit()
}

func writeBulletins(w io.Writer, items []bulletin.Bulletin) error {
	if items == nil {
		items = []bulletin.Bulletin{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

// postBulletins sends one batch to the ingest endpoint and returns how many
// rows were created and how many were already stored.
func postBulletins(ctx context.Context, client *http.Client, url, token string, items []bulletin.Bulletin) (*ingest.Result, error) {
	body, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bulletins: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-API-Key", token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ingest request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ingest returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result ingest.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode ingest response: %w", err)
	}
	return &result, nil
}
