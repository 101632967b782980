package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/usememos/chatsync/internal/chat"
	"github.com/usememos/chatsync/internal/netmon"
	"github.com/usememos/chatsync/internal/profile"
	"github.com/usememos/chatsync/plugin/ai"
	"github.com/usememos/chatsync/plugin/snapshot"
	"github.com/usememos/chatsync/plugin/vectorstore"
	apiv1 "github.com/usememos/chatsync/server/router/api/v1"
	"github.com/usememos/chatsync/server/router/mcp"
	"github.com/usememos/chatsync/store"
)

const shutdownTimeout = 10 * time.Second

// Server owns the chat engine and everything it is served through.
type Server struct {
	Profile     *profile.Profile
	Store       *store.Store
	Chats       *chat.Store
	Dispatcher  *chat.Dispatcher
	Monitor     *netmon.Monitor
	VectorStore *vectorstore.Store

	snapshotter *chat.Snapshotter
	indexer     *vectorstore.Indexer
	closers     []func() error
}

// NewServer builds the engine on top of an opened store.
func NewServer(ctx context.Context, profile *profile.Profile, store *store.Store) (*Server, error) {
	s := &Server{
		Profile: profile,
		Store:   store,
		Monitor: netmon.New(slog.Default()),
	}
	s.Chats = chat.NewStore(store, chat.WithLogger(slog.Default()))

	generator, err := newGenerator(profile)
	if err != nil {
		return nil, err
	}
	busyPolicy, err := chat.ParseBusyPolicy(profile.BusyPolicy)
	if err != nil {
		return nil, err
	}
	assembler := chat.NewAssembler(store, profile.SystemPrompt, chat.ContextPolicy{
		MaxMessages:      profile.ContextMaxMessages,
		MaxChars:         profile.ContextMaxChars,
		ExcludeFallbacks: true,
	})
	s.Dispatcher = chat.NewDispatcher(s.Chats, assembler, generator, s.Monitor, chat.DispatcherConfig{
		Model:          profile.AIModel,
		MaxTokens:      profile.AIMaxTokens,
		Temperature:    profile.AITemperature,
		CoalesceWindow: profile.CoalesceWindow,
		BusyPolicy:     busyPolicy,
		Logger:         slog.Default(),
	})

	backend, err := s.newSnapshotBackend(ctx)
	if err != nil {
		return nil, err
	}
	s.snapshotter = chat.NewSnapshotter(s.Chats, backend, profile.SnapshotKey, slog.Default())

	if profile.VectorEnabled {
		embed := vectorstore.NewOpenAICompatEmbedding(profile.AIBaseURL, profile.AIAPIKey, profile.EmbeddingModel)
		s.VectorStore, err = vectorstore.New(profile.Data, embed)
		if err != nil {
			return nil, err
		}
		s.indexer = vectorstore.NewIndexer(s.VectorStore, s.Chats, slog.Default())
	}
	return s, nil
}

func newGenerator(profile *profile.Profile) (ai.Generator, error) {
	cfg := ai.Config{
		BaseURL: profile.AIBaseURL,
		APIKey:  profile.AIAPIKey,
		Timeout: profile.AITimeout,
	}
	switch profile.AIProvider {
	case "openai":
		return ai.NewCompletionClient(cfg), nil
	case "langchain":
		return ai.NewLangchainClient(cfg, profile.AIModel)
	}
	return nil, errors.Errorf("unknown ai provider %q", profile.AIProvider)
}

func (s *Server) newSnapshotBackend(ctx context.Context) (chat.SnapshotBackend, error) {
	switch s.Profile.SnapshotBackend {
	case "file":
		return snapshot.NewFileBackend(filepath.Join(s.Profile.Data, "snapshots"))
	case "redis":
		backend, err := snapshot.NewRedisBackend(ctx, s.Profile.RedisURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, backend.Close)
		return backend, nil
	case "s3":
		return snapshot.NewS3Backend(ctx, snapshot.S3Config{
			Bucket:    s.Profile.S3Bucket,
			Region:    s.Profile.S3Region,
			Endpoint:  s.Profile.S3Endpoint,
			AccessKey: s.Profile.S3AccessKey,
			SecretKey: s.Profile.S3SecretKey,
		})
	}
	return snapshot.NopBackend{}, nil
}

// Bootstrap rehydrates the local view from the snapshot, resyncs it from
// the store and starts mirroring changes.
func (s *Server) Bootstrap(ctx context.Context) error {
	restored, err := s.snapshotter.Restore(ctx)
	if err != nil {
		slog.Warn("failed to restore snapshot", slog.String("error", err.Error()))
	}
	if s.indexer != nil {
		s.indexer.Attach()
	}
	if err := s.Chats.FetchChats(ctx); err != nil {
		if !restored {
			return err
		}
		slog.Warn("resync failed, serving the restored snapshot", slog.String("error", err.Error()))
	}
	s.snapshotter.Attach()
	if err := s.snapshotter.Save(ctx); err != nil {
		slog.Warn("failed to save snapshot", slog.String("error", err.Error()))
	}
	slog.Info("chats loaded", slog.Int("chats", len(s.Chats.Chats())), slog.Bool("from_snapshot", restored))
	return nil
}

// Handler returns the HTTP handler serving the API and /metrics.
func (s *Server) Handler() http.Handler {
	e := echo.New()
	apiv1.NewAPIV1Service(s.Chats, s.Dispatcher, s.Monitor, s.VectorStore).RegisterGateway(e)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", apiv1.RecordStatus(e))
	return mux
}

// Start serves HTTP and runs the background workers until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              net.JoinHostPort(s.Profile.Addr, strconv.Itoa(s.Profile.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("chatsync started", slog.String("addr", httpServer.Addr), slog.String("mode", s.Profile.Mode))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "failed to serve http")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	s.RunWorkers(gctx, g)
	return g.Wait()
}

// RunWorkers starts the connectivity prober and the vector indexer on g.
func (s *Server) RunWorkers(ctx context.Context, g *errgroup.Group) {
	if s.Profile.ProbeURL != "" {
		prober := &netmon.Prober{
			Monitor:  s.Monitor,
			URL:      s.Profile.ProbeURL,
			Interval: s.Profile.ProbeInterval,
		}
		g.Go(func() error {
			prober.Run(ctx)
			return nil
		})
	}
	if s.indexer != nil {
		g.Go(func() error {
			s.indexer.Run(ctx)
			return nil
		})
	}
}

// MCPService returns the MCP tool server over the same engine.
func (s *Server) MCPService(version string) *mcp.Service {
	return mcp.NewService(s.Chats, s.Dispatcher, s.VectorStore, version)
}

func (s *Server) Close() error {
	for _, closer := range s.closers {
		if err := closer(); err != nil {
			slog.Warn("failed to close resource", slog.String("error", err.Error()))
		}
	}
	return s.Store.Close()
}
