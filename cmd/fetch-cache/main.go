// Command fetch-cache manages a cache of fetched web resources: it serves the
// admin API and the MCP surface, and reads and writes resources directly.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/fetch-cache/store"
)

var version = "dev"

// ByteSize is a size flag accepting humanized values such as "100MiB".
type ByteSize int64

// UnmarshalText parses a humanized size.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Globals are the storage and logging flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." enum:"debug,info,warn,error" default:"info" env:"FETCH_CACHE_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." enum:"text,json" default:"text" env:"FETCH_CACHE_LOG_FORMAT"`

	Storage         string        `help:"Storage backend (memory, filesystem, bolt)." enum:"memory,filesystem,bolt" default:"filesystem" env:"FETCH_CACHE_STORAGE"`
	Path            string        `help:"Storage directory for durable backends." default:"${default_path}" env:"FETCH_CACHE_PATH"`
	DefaultTTL      time.Duration `help:"TTL for writes without their own (0 never expires)." default:"24h" env:"FETCH_CACHE_DEFAULT_TTL"`
	MaxSize         ByteSize      `help:"Maximum total cache size (0 disables)." default:"100MiB" env:"FETCH_CACHE_MAX_SIZE"`
	MaxItems        int           `help:"Maximum number of cached resources (0 disables)." default:"1000" env:"FETCH_CACHE_MAX_ITEMS"`
	CleanupInterval time.Duration `help:"How often background cleanup runs." default:"1m" env:"FETCH_CACHE_CLEANUP_INTERVAL"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// StoreConfig builds the store configuration from the flags.
func (g *Globals) StoreConfig(logger *slog.Logger) store.Config {
	return store.Config{
		Backend:         store.Kind(g.Storage),
		Path:            g.Path,
		DefaultTTL:      g.DefaultTTL,
		MaxSize:         int64(g.MaxSize),
		MaxItems:        g.MaxItems,
		CleanupInterval: g.CleanupInterval,
		Logger:          logger,
	}
}

// CLI is the command line grammar.
type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" help:"Serve the admin HTTP API with background cleanup."`
	MCP     MCPCmd     `cmd:"" name:"mcp" help:"Serve the cache over MCP on stdio."`
	Put     PutCmd     `cmd:"" help:"Write a resource from a file or stdin."`
	Get     GetCmd     `cmd:"" help:"Print a resource by URI."`
	Find    FindCmd    `cmd:"" help:"Find resources for a source URL."`
	Stats   StatsCmd   `cmd:"" help:"Print cache statistics."`
	Cleanup CleanupCmd `cmd:"" help:"Remove expired resources and enforce limits."`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		parser.FatalIfErrorf(err)
	}

	// Logs go to stderr so stdout stays clean for command output and MCP.
	logger, err := newLogger(cli.LogLevel, cli.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(logger)
	return kctx.Run(&cli.Globals)
}

func newParser(cli *CLI) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("fetch-cache"),
		kong.Description("A TTL and LRU bounded cache for fetched web resources."),
		kong.UsageOnError(),
		kong.Vars{
			"version":      version,
			"default_path": store.DefaultPath(),
		},
	)
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.DateTime})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
