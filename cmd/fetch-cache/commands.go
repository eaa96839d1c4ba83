package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/mcpserver"
	"github.com/wolfeidau/fetch-cache/server"
	"github.com/wolfeidau/fetch-cache/store"
	"github.com/wolfeidau/fetch-cache/telemetry"
)

var stdout io.Writer = os.Stdout

// openStore opens the configured store through the factory so that every
// command sees the same instrumented instance.
func openStore(ctx context.Context, g *Globals, logger *slog.Logger) (*store.Factory, store.Store, error) {
	f := store.NewFactory(g.StoreConfig(logger))
	st, err := f.Store(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s store: %w", g.Storage, err)
	}
	return f, st, nil
}

// ServeCmd runs the admin HTTP API.
type ServeCmd struct {
	Address      string `help:"Address to listen on." default:":8080" env:"FETCH_CACHE_ADDRESS"`
	AuthToken    string `help:"Bearer token required for the admin API." env:"FETCH_CACHE_AUTH_TOKEN"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." name:"otlp-endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:"" env:"FETCH_CACHE_PROMETHEUS"`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "fetch-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	f, st, err := openStore(ctx, g, logger)
	if err != nil {
		return err
	}
	defer f.Reset() //nolint:errcheck

	srv, err := server.New(st, server.Config{
		Address:           c.Address,
		AuthToken:         c.AuthToken,
		BackgroundCleanup: true,
		Logger:            logger.With("component", "server"),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"storage", g.Storage,
		"path", g.Path,
		"default_ttl", g.DefaultTTL,
		"max_size", g.MaxSize.String(),
		"max_items", g.MaxItems,
		"auth", c.AuthToken != "",
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// MCPCmd serves the cache over MCP on stdio.
type MCPCmd struct{}

func (c *MCPCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	f, st, err := openStore(ctx, g, logger)
	if err != nil {
		return err
	}
	defer f.Reset() //nolint:errcheck

	st.StartCleanup(ctx)

	srv, err := mcpserver.New(st, store.Kind(g.Storage),
		mcpserver.WithLogger(logger),
		mcpserver.WithVersion(version),
	)
	if err != nil {
		return err
	}
	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// PutCmd writes one resource.
type PutCmd struct {
	URL         string         `help:"Source URL of the content." required:""`
	Tier        string         `help:"Resource tier (raw, cleaned, extracted)." enum:"raw,cleaned,extracted" default:"raw"`
	Prompt      string         `help:"Extraction prompt, for the extracted tier."`
	Title       string         `help:"Resource title."`
	ContentType string         `help:"MIME type of the content." name:"content-type"`
	TTL         *time.Duration `help:"TTL for this resource (0 never expires); defaults to --default-ttl." name:"ttl"`
	File        string         `arg:"" optional:"" help:"File to read, or - for stdin." default:"-"`
}

func (c *PutCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	content, err := readInput(c.File)
	if err != nil {
		return err
	}

	overrides := fetchcache.Overrides{
		ResourceType:     fetchcache.ResourceType(c.Tier),
		ExtractionPrompt: c.Prompt,
		Title:            c.Title,
		ContentType:      c.ContentType,
		Source:           "cli",
		TTL:              c.TTL,
	}

	f, st, err := openStore(ctx, g, logger)
	if err != nil {
		return err
	}
	defer f.Reset() //nolint:errcheck

	uri, err := st.Write(ctx, c.URL, content, overrides)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, uri)
	return err
}

func readInput(name string) (string, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", name, err)
	}
	return string(data), nil
}

// GetCmd prints a resource.
type GetCmd struct {
	URI      string `arg:"" help:"Resource URI."`
	Metadata bool   `help:"Print the metadata as JSON instead of the content." short:"m"`
}

func (c *GetCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	f, st, err := openStore(ctx, g, logger)
	if err != nil {
		return err
	}
	defer f.Reset() //nolint:errcheck

	res, err := st.Read(ctx, c.URI)
	if err != nil {
		return err
	}
	if c.Metadata {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Metadata)
	}
	_, err = io.WriteString(stdout, res.Text)
	return err
}

// FindCmd lists the resources for a URL.
type FindCmd struct {
	URL    string `arg:"" help:"Source URL."`
	Prompt string `help:"Only extracted resources produced with this prompt."`
}

func (c *FindCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	f, st, err := openStore(ctx, g, logger)
	if err != nil {
		return err
	}
	defer f.Reset() //nolint:errcheck

	var found []*fetchcache.Resource
	if c.Prompt != "" {
		found, err = st.FindByURLAndExtract(ctx, c.URL, c.Prompt)
	} else {
		found, err = st.FindByURL(ctx, c.URL)
	}
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "URI\tTIER\tSIZE\tCREATED\tPROMPT")
	for _, r := range found {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.URI,
			r.Metadata.ResourceType,
			humanize.IBytes(uint64(len(r.Text))),
			humanize.Time(r.Metadata.Timestamp),
			r.Metadata.ExtractionPrompt,
		)
	}
	return tw.Flush()
}

// StatsCmd prints a statistics snapshot.
type StatsCmd struct {
	Resources bool `help:"Also list every resource." short:"r"`
}

func (c *StatsCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	f, st, err := openStore(ctx, g, logger)
	if err != nil {
		return err
	}
	defer f.Reset() //nolint:errcheck

	stats, err := st.GetStats(ctx)
	if err != nil {
		return err
	}
	return printStats(stdout, g.Storage, stats, c.Resources)
}

func printStats(w io.Writer, backend string, stats *fetchcache.Stats, resources bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "backend:\t%s\n", backend)
	fmt.Fprintf(tw, "items:\t%s / %s\n", humanize.Comma(int64(stats.ItemCount)), humanize.Comma(int64(stats.MaxItems)))
	fmt.Fprintf(tw, "size:\t%s / %s\n", humanize.IBytes(uint64(stats.TotalSizeBytes)), humanize.IBytes(uint64(stats.MaxSizeBytes)))
	fmt.Fprintf(tw, "default ttl:\t%s\n", stats.DefaultTTL)
	if resources && len(stats.Resources) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "URI\tTIER\tSIZE\tLAST ACCESS")
		for _, r := range stats.Resources {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				r.URI, r.ResourceType, humanize.IBytes(uint64(r.SizeBytes)), humanize.Time(r.LastAccessTime))
		}
	}
	return tw.Flush()
}

// CleanupCmd runs one reclaim cycle.
type CleanupCmd struct{}

func (c *CleanupCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	f, st, err := openStore(ctx, g, logger)
	if err != nil {
		return err
	}
	defer f.Reset() //nolint:errcheck

	result, err := st.Cleanup(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "expired: %d\nevicted: %d\nfreed: %s\nerrors: %d\n",
		result.TTLExpired, result.LRUEvicted, humanize.IBytes(uint64(result.BytesFreed)), result.Errors)
	return err
}
