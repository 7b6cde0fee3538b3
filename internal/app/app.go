// Package app provides the unified application lifecycle management for renderkit.
package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/renderkit/renderkit/internal/archive"
	"github.com/renderkit/renderkit/internal/config"
	"github.com/renderkit/renderkit/internal/pcache"
	"github.com/renderkit/renderkit/internal/server"
)

// ParamsRequest is one client request on the cache socket: the cache id to
// open and whether write access is wanted. The reply is a backend params
// message carrying duplicated file descriptors.
type ParamsRequest struct {
	CacheID   string `json:"cache_id"`
	ReadWrite bool   `json:"read_write"`
}

// App manages the renderkit cache service lifecycle: the collection of
// caches, the unix socket handing out backend params, and the optional
// archive for evicted files.
type App struct {
	cfg *config.Config

	// collectionMu confines the collection to one request at a time.
	collectionMu sync.Mutex
	collection   *pcache.Collection

	shutdown *server.ShutdownManager
	listener *net.UnixListener

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg:      cfg,
		shutdown: server.NewShutdownManager(server.DefaultShutdownConfig()),
	}, nil
}

// Start initializes the collection and starts the cache socket service.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.collection = pcache.NewCollection(
		a.cfg.Cache.Dir,
		a.cfg.TargetFootprintBytes(),
		a.cfg.Cache.LRUCapacity,
	)
	log.Printf("cache collection initialized: dir=%s target=%dMB capacity=%d",
		a.cfg.Cache.Dir, a.cfg.Cache.TargetFootprintMB, a.cfg.Cache.LRUCapacity)

	if a.cfg.Archive.Enabled {
		archiver, err := a.buildArchiver(ctx)
		if err != nil {
			a.cleanup()
			return fmt.Errorf("failed to initialize archive: %w", err)
		}
		a.collection.Storage().SetArchiver(archiver)
		log.Printf("archive initialized: type=%s prefix=%s", a.cfg.Archive.Type, a.cfg.Archive.Prefix)
	}

	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.collectionMu.Lock()
		defer a.collectionMu.Unlock()
		a.collection.Clear()
		return nil
	}))

	if err := a.startCacheService(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to start cache service: %w", err)
	}

	log.Printf("renderkit started in %s mode", a.cfg.Mode)
	return nil
}

// buildArchiver constructs the configured archive backend.
func (a *App) buildArchiver(ctx context.Context) (*archive.Archiver, error) {
	var store archive.ObjectStorage
	var err error

	switch a.cfg.Archive.Type {
	case "local":
		store, err = archive.NewLocalStore(a.cfg.Archive.Path)
	case "s3":
		store, err = archive.NewS3Store(ctx, a.cfg.Archive.S3.Bucket, archive.S3Config{
			Region:   a.cfg.Archive.S3.Region,
			Endpoint: a.cfg.Archive.S3.Endpoint,
		})
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", a.cfg.Archive.Type)
	}
	if err != nil {
		return nil, err
	}
	return archive.NewArchiver(store, a.cfg.Archive.Prefix), nil
}

// startCacheService listens on the cache socket and serves params requests.
func (a *App) startCacheService(ctx context.Context) error {
	// A stale socket file from a previous run blocks the bind.
	if err := os.Remove(a.cfg.Cache.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	addr := &net.UnixAddr{Name: a.cfg.Cache.SocketPath, Net: "unix"}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Cache.SocketPath, err)
	}
	a.listener = listener
	a.shutdown.RegisterCloser(listener)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("cache service listening on %s", a.cfg.Cache.SocketPath)
		for {
			conn, err := listener.AcceptUnix()
			if err != nil {
				select {
				case <-a.shutdown.ShutdownCh():
				case <-ctx.Done():
				default:
					log.Printf("cache service accept error: %v", err)
				}
				return
			}
			if !a.shutdown.TrackConnection() {
				conn.Close()
				continue
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				defer a.shutdown.UntrackConnection()
				defer conn.Close()
				a.serveConn(conn)
			}()
		}
	}()

	return nil
}

// serveConn answers params requests on one client connection until it closes.
func (a *App) serveConn(conn *net.UnixConn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req ParamsRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			log.Printf("cache service: malformed request: %v", err)
			return
		}
		if err := a.handleRequest(conn, req); err != nil {
			log.Printf("cache service: request for %q failed: %v", req.CacheID, err)
			return
		}
	}
}

// handleRequest exports params for the requested cache and sends them with
// their file descriptors over the connection.
func (a *App) handleRequest(conn *net.UnixConn, req ParamsRequest) error {
	if !validCacheID(req.CacheID) {
		return fmt.Errorf("invalid cache id")
	}

	a.collectionMu.Lock()
	var params *pcache.BackendParams
	var err error
	if req.ReadWrite {
		params, err = a.collection.ExportReadWriteBackendParams(req.CacheID)
	} else {
		params, err = a.collection.ExportReadOnlyBackendParams(req.CacheID)
	}
	a.collectionMu.Unlock()
	if err != nil {
		return err
	}

	return pcache.SendBackendParams(conn, params)
}

// validCacheID reports whether every byte of id is an allowed cache id
// character. The collection panics on invalid ids; requests from other
// processes must never reach it with one.
func validCacheID(id string) bool {
	if id == "" {
		return false
	}
	allowed := pcache.AllowedCacheIDCharacters()
	for i := 0; i < len(id); i++ {
		if strings.IndexByte(allowed, id[i]) < 0 {
			return false
		}
	}
	return true
}

// Stop gracefully stops the service and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("initiating graceful shutdown...")

	if a.cancel != nil {
		a.cancel()
	}

	err := a.shutdown.Shutdown(ctx, "stop requested")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("shutdown timeout, some goroutines may not have finished")
	}

	a.cleanup()

	log.Printf("renderkit stopped")
	return err
}

// cleanup releases resources not owned by the shutdown manager.
func (a *App) cleanup() {
	if a.listener != nil {
		os.Remove(a.cfg.Cache.SocketPath)
	}
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}
