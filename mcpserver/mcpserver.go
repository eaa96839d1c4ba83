// Package mcpserver exposes a cache store over the Model Context Protocol.
// Stored resources are readable through a URI template for the backend's
// scheme, and lookups are offered as tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/store"
)

const (
	serverName = "fetch-cache"

	// StatsURI is the static resource holding a cache statistics snapshot.
	StatsURI = "cache://stats"

	defaultMIMEType = "text/markdown"
)

// templates maps each backend to the URI template of its handles.
var templates = map[store.Kind]string{
	store.KindMemory:     fetchcache.MemoryScheme + "{tier}/{+key}",
	store.KindFilesystem: fetchcache.FileScheme + "{+path}",
	store.KindBolt:       fetchcache.BoltScheme + "{tier}/{+key}",
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported during initialization.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// Server adapts a store.Store to an MCP server.
type Server struct {
	store   store.Store
	kind    store.Kind
	logger  *slog.Logger
	version string
	mcp     *server.MCPServer
}

// New creates an MCP server over st. kind selects the URI template that
// resource reads are routed through.
func New(st store.Store, kind store.Kind, opts ...Option) (*Server, error) {
	tmpl, ok := templates[kind]
	if !ok {
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}

	s := &Server{
		store:   st,
		kind:    kind,
		logger:  slog.Default(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "mcp")

	s.mcp = server.NewMCPServer(
		serverName,
		s.version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithRecovery(),
	)

	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(tmpl, "Cached resource",
			mcp.WithTemplateDescription(fmt.Sprintf("A cached %s resource, read by its handle.", kind)),
			mcp.WithTemplateMIMEType(defaultMIMEType),
		),
		s.handleReadResource,
	)
	s.mcp.AddResource(
		mcp.NewResource(StatsURI, "Cache statistics",
			mcp.WithResourceDescription("Occupancy, limits and per-resource summaries of the cache."),
			mcp.WithMIMEType("application/json"),
		),
		s.handleStatsResource,
	)

	s.mcp.AddTool(toolStats(), s.handleStats)
	s.mcp.AddTool(toolFind(), s.handleFind)
	s.mcp.AddTool(toolList(), s.handleList)
	s.mcp.AddTool(toolRead(), s.handleRead)

	return s, nil
}

// MCPServer returns the underlying server for other transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// Serve runs the server over the given streams until ctx is done or the
// input is closed. Use os.Stdin and os.Stdout for the stdio transport.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("serving mcp", "backend", string(s.kind), "template", templates[s.kind])
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, in, out)
}

func (s *Server) handleReadResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	res, err := s.store.Read(ctx, request.Params.URI)
	if err != nil {
		return nil, err
	}
	mimeType := res.MimeType
	if mimeType == "" {
		mimeType = defaultMIMEType
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      res.URI,
			MIMEType: mimeType,
			Text:     res.Text,
		},
	}, nil
}

func (s *Server) handleStatsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	stats, err := s.store.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(newStatsView(stats))
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(body),
		},
	}, nil
}

type statsView struct {
	ItemCount      int               `json:"item_count"`
	TotalSizeBytes int64             `json:"total_size_bytes"`
	TotalSize      string            `json:"total_size"`
	MaxItems       int               `json:"max_items"`
	MaxSize        string            `json:"max_size"`
	DefaultTTL     string            `json:"default_ttl"`
	Resources      []resourceSummary `json:"resources"`
}

type resourceSummary struct {
	URI              string    `json:"uri"`
	Name             string    `json:"name"`
	URL              string    `json:"url"`
	ResourceType     string    `json:"resource_type"`
	ExtractionPrompt string    `json:"extraction_prompt,omitempty"`
	SizeBytes        int64     `json:"size_bytes"`
	Timestamp        time.Time `json:"timestamp"`
}

func newStatsView(stats *fetchcache.Stats) statsView {
	v := statsView{
		ItemCount:      stats.ItemCount,
		TotalSizeBytes: stats.TotalSizeBytes,
		TotalSize:      humanize.IBytes(uint64(stats.TotalSizeBytes)),
		MaxItems:       stats.MaxItems,
		MaxSize:        humanize.IBytes(uint64(stats.MaxSizeBytes)),
		DefaultTTL:     stats.DefaultTTL.String(),
		Resources:      make([]resourceSummary, 0, len(stats.Resources)),
	}
	for _, r := range stats.Resources {
		v.Resources = append(v.Resources, resourceSummary{
			URI:          r.URI,
			Name:         r.URL,
			URL:          r.URL,
			ResourceType: string(r.ResourceType),
			SizeBytes:    r.SizeBytes,
			Timestamp:    r.Timestamp,
		})
	}
	return v
}

func summarize(resources []*fetchcache.Resource) []resourceSummary {
	out := make([]resourceSummary, 0, len(resources))
	for _, r := range resources {
		out = append(out, resourceSummary{
			URI:              r.URI,
			Name:             r.Name,
			URL:              r.Metadata.URL,
			ResourceType:     string(r.Metadata.ResourceType),
			ExtractionPrompt: r.Metadata.ExtractionPrompt,
			SizeBytes:        int64(len(r.Text)),
			Timestamp:        r.Metadata.Timestamp,
		})
	}
	return out
}

type resourceList struct {
	Resources []resourceSummary `json:"resources"`
}

func toolStats() mcp.Tool {
	return mcp.NewTool(
		"cache_stats",
		mcp.WithDescription("Report how many resources the cache holds, their total size and the configured limits."),
		mcp.WithTitleAnnotation("Cache Statistics"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
	)
}

func (s *Server) handleStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.store.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	fallback := fmt.Sprintf("%d resources, %s of %s",
		stats.ItemCount, humanize.IBytes(uint64(stats.TotalSizeBytes)), humanize.IBytes(uint64(stats.MaxSizeBytes)))
	return mcp.NewToolResultStructured(newStatsView(stats), fallback), nil
}

func toolFind() mcp.Tool {
	return mcp.NewTool(
		"cache_find",
		mcp.WithDescription("Find cached resources for a source URL, newest first. When prompt is given only extracted resources produced with exactly that prompt are returned."),
		mcp.WithTitleAnnotation("Find Cached Resources"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithString("url",
			mcp.Description("The source URL the resources were fetched from."),
			mcp.Required(),
		),
		mcp.WithString("prompt",
			mcp.Description("The extraction prompt to match."),
		),
	)
}

func (s *Server) handleFind(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, err := request.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var found []*fetchcache.Resource
	if _, ok := request.GetArguments()["prompt"]; ok {
		found, err = s.store.FindByURLAndExtract(ctx, url, request.GetString("prompt", ""))
	} else {
		found, err = s.store.FindByURL(ctx, url)
	}
	if err != nil {
		return nil, err
	}

	fallback := fmt.Sprintf("Found %d resources for %s", len(found), url)
	return mcp.NewToolResultStructured(resourceList{Resources: summarize(found)}, fallback), nil
}

func toolList() mcp.Tool {
	return mcp.NewTool(
		"cache_list",
		mcp.WithDescription("List every unexpired cached resource across all tiers."),
		mcp.WithTitleAnnotation("List Cached Resources"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
	)
}

func (s *Server) handleList(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	fallback := fmt.Sprintf("Found %d resources", len(list))
	return mcp.NewToolResultStructured(resourceList{Resources: summarize(list)}, fallback), nil
}

func toolRead() mcp.Tool {
	return mcp.NewTool(
		"cache_read",
		mcp.WithDescription("Return the content of a cached resource by its handle."),
		mcp.WithTitleAnnotation("Read Cached Resource"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithString("uri",
			mcp.Description("The resource handle returned by a write or lookup."),
			mcp.Required(),
		),
	)
}

func (s *Server) handleRead(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uri, err := request.RequireString("uri")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.store.Read(ctx, uri)
	switch {
	case errors.Is(err, fetchcache.ErrNotFound), errors.Is(err, fetchcache.ErrInvalidHandle):
		return mcp.NewToolResultError(err.Error()), nil
	case err != nil:
		return nil, err
	}
	return mcp.NewToolResultText(res.Text), nil
}
