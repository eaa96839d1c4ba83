package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/fetch-cache/store"
)

func parse(t *testing.T, args ...string) (*CLI, func() error) {
	t.Helper()

	var cli CLI
	parser, err := newParser(&cli)
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kctx.BindTo(context.Background(), (*context.Context)(nil))
	kctx.Bind(logger)
	return &cli, func() error { return kctx.Run(&cli.Globals) }
}

// capture redirects command output for the duration of the test.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

func TestParseDefaults(t *testing.T) {
	cli, _ := parse(t, "stats")

	require.Equal(t, "filesystem", cli.Storage)
	require.Equal(t, store.DefaultPath(), cli.Path)
	require.Equal(t, 24*time.Hour, cli.DefaultTTL)
	require.EqualValues(t, 100*1024*1024, cli.MaxSize)
	require.Equal(t, 1000, cli.MaxItems)
	require.Equal(t, time.Minute, cli.CleanupInterval)

	cfg := cli.StoreConfig(slog.Default())
	require.Equal(t, store.KindFilesystem, cfg.Backend)
	require.NoError(t, cfg.Validate(context.Background()))
}

func TestParseEnvironment(t *testing.T) {
	t.Setenv("FETCH_CACHE_STORAGE", "bolt")
	t.Setenv("FETCH_CACHE_MAX_SIZE", "1GB")
	t.Setenv("FETCH_CACHE_MAX_ITEMS", "50")
	t.Setenv("FETCH_CACHE_DEFAULT_TTL", "1h")
	t.Setenv("FETCH_CACHE_PATH", "/var/cache/fetch")

	cli, _ := parse(t, "stats")
	require.Equal(t, "bolt", cli.Storage)
	require.EqualValues(t, 1000*1000*1000, cli.MaxSize)
	require.Equal(t, 50, cli.MaxItems)
	require.Equal(t, time.Hour, cli.DefaultTTL)
	require.Equal(t, "/var/cache/fetch", cli.Path)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("FETCH_CACHE_MAX_ITEMS", "50")

	cli, _ := parse(t, "--max-items", "7", "stats")
	require.Equal(t, 7, cli.MaxItems)
}

func TestByteSize(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("100MiB")))
	require.EqualValues(t, 100*1024*1024, b)
	require.Equal(t, "100 MiB", b.String())

	require.Error(t, b.UnmarshalText([]byte("lots")))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := newLogger("debug", "json", &buf)
	require.NoError(t, err)
	logger.Debug("hello", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "hello", line["msg"])
	require.Equal(t, "v", line["k"])

	_, err = newLogger("warn", "text", &buf)
	require.NoError(t, err)

	_, err = newLogger("loud", "text", &buf)
	require.Error(t, err)
	_, err = newLogger("info", "xml", &buf)
	require.Error(t, err)
}

func TestPutGetFindStatsCleanup(t *testing.T) {
	for _, backend := range []string{"filesystem", "bolt"} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			input := filepath.Join(t.TempDir(), "page.md")
			require.NoError(t, os.WriteFile(input, []byte("# Page"), 0o644))
			common := []string{"--storage", backend, "--path", dir}

			out := capture(t)
			_, run := parse(t, append(common, "put", "--url", "https://example.com/page", "--tier", "cleaned", "--title", "Page", input)...)
			require.NoError(t, run())
			uri := strings.TrimSpace(out.String())
			require.NotEmpty(t, uri)

			// Each command opens the store afresh, so this also checks durability.
			out.Reset()
			_, run = parse(t, append(common, "get", uri)...)
			require.NoError(t, run())
			require.Equal(t, "# Page", out.String())

			out.Reset()
			_, run = parse(t, append(common, "get", "-m", uri)...)
			require.NoError(t, run())
			require.Contains(t, out.String(), `"title": "Page"`)

			out.Reset()
			_, run = parse(t, append(common, "find", "https://example.com/page")...)
			require.NoError(t, run())
			require.Contains(t, out.String(), uri)

			out.Reset()
			_, run = parse(t, append(common, "stats", "-r")...)
			require.NoError(t, run())
			require.Contains(t, out.String(), "items:")
			require.Contains(t, out.String(), uri)

			out.Reset()
			_, run = parse(t, append(common, "cleanup")...)
			require.NoError(t, run())
			require.Contains(t, out.String(), "expired: 0")
		})
	}
}

func TestPutTTL(t *testing.T) {
	cli, _ := parse(t, "put", "--url", "https://example.com", "page.md")
	require.Nil(t, cli.Put.TTL)

	cli, _ = parse(t, "put", "--url", "https://example.com", "--ttl", "0", "page.md")
	require.NotNil(t, cli.Put.TTL)
	require.Zero(t, *cli.Put.TTL)

	dir := t.TempDir()
	input := filepath.Join(t.TempDir(), "page.md")
	require.NoError(t, os.WriteFile(input, []byte("forever"), 0o644))
	common := []string{"--path", dir, "--default-ttl", "1h"}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"default", nil, `"ttl": 3600000`},
		{"never expires", []string{"--ttl", "0"}, `"ttl": 0`},
		{"explicit", []string{"--ttl", "5m"}, `"ttl": 300000`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := capture(t)
			args := append(append(append([]string{}, common...), "put", "--url", "https://example.com"), tt.args...)
			_, run := parse(t, append(args, input)...)
			require.NoError(t, run())
			uri := strings.TrimSpace(out.String())

			out.Reset()
			_, run = parse(t, append(append([]string{}, common...), "get", "-m", uri)...)
			require.NoError(t, run())
			require.Contains(t, out.String(), tt.want)
		})
	}
}

func TestGetUnknownURI(t *testing.T) {
	capture(t)
	_, run := parse(t, "--path", t.TempDir(), "get", "file:///nowhere/raw/x_1.md")
	require.Error(t, run())
}
