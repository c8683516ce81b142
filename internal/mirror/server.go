package mirror

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	contentTypeXML = "application/xml; charset=utf-8"
	contentTypeCRX = "application/x-chrome-extension"

	shutdownTimeout = 10 * time.Second
)

// Server ties the cache, the pollers, and the HTTP listeners together.
type Server struct {
	config   *Config
	cache    *Cache
	manifest *ManifestBuilder
}

// NewServer creates the cache, performs the cold scan, and prepares the
// manifest builder. The configuration must have passed Check.
func NewServer(config *Config) (*Server, error) {
	cache, err := NewCache(config.CacheDir)
	if err != nil {
		return nil, err
	}
	if err := cache.Scan(); err != nil {
		return nil, err
	}
	return &Server{
		config:   config,
		cache:    cache,
		manifest: NewManifestBuilder(cache, config.BaseURL(), config.PrefixPath()),
	}, nil
}

// Cache returns the server's package cache.
func (s *Server) Cache() *Cache {
	return s.cache
}

// Run starts the cache watcher, one poller per tracked extension, and
// the configured HTTP listeners. It blocks until ctx is canceled and
// the listeners have drained.
func (s *Server) Run(ctx context.Context) error {
	unlock, err := s.cache.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	pollers := make([]*Poller, 0, len(s.config.Extensions))
	for _, ext := range s.config.Extensions {
		poller, err := s.newPoller(ext)
		if err != nil {
			return err
		}
		pollers = append(pollers, poller)
	}

	listeners, err := s.listeners()
	if err != nil {
		return err
	}

	apps := make([]*fiber.App, len(listeners))
	for i := range listeners {
		apps[i] = s.newApp()
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.cache.Watch(ctx)
	})

	for _, poller := range pollers {
		group.Go(func() error {
			return poller.Run(ctx)
		})
	}

	for i, ln := range listeners {
		app := apps[i]
		slog.Info("listening", "addr", ln.Addr().String())
		group.Go(func() error {
			return app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, app := range apps {
			if err := app.ShutdownWithContext(shutdownCtx); err != nil {
				slog.Warn("http shutdown failed", "error", err)
			}
		}
		return nil
	})

	return group.Wait()
}

func (s *Server) newPoller(ext ExtensionConfig) (*Poller, error) {
	proxy, err := s.config.ExtensionProxy(ext)
	if err != nil {
		return nil, err
	}
	client := NewHTTPClient(proxy)
	provider, err := NewProvider(s.config, ext, client)
	if err != nil {
		return nil, err
	}
	fetcher := NewFetcher(s.cache, client)
	return NewPoller(ext.ID, provider, fetcher, s.cache, s.config.ExtensionInterval(ext)), nil
}

func (s *Server) listeners() ([]net.Listener, error) {
	var listeners []net.Listener

	if tcp := s.config.Listen.TCP; tcp != nil {
		ln, err := tcpListener(tcp)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, ln)
	}
	if unix := s.config.Listen.Unix; unix != nil {
		ln, err := unixListener(unix)
		if err != nil {
			closeListeners(listeners)
			return nil, err
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

func tcpListener(config *TCPListenConfig) (net.Listener, error) {
	ln, err := net.Listen("tcp", config.Addr())
	if err != nil {
		return nil, errors.Wrap(err, "listen tcp")
	}
	return wrapTLS(ln, config.TLS)
}

func unixListener(config *UnixListenConfig) (net.Listener, error) {
	mode, err := config.FileMode()
	if err != nil {
		return nil, err
	}

	// Remove a stale socket left by a previous run.
	if info, err := os.Stat(config.Path); err == nil && info.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(config.Path); err != nil {
			return nil, errors.Wrap(err, "remove stale socket")
		}
	}

	ln, err := net.Listen("unix", config.Path)
	if err != nil {
		return nil, errors.Wrap(err, "listen unix")
	}
	if err := os.Chmod(config.Path, mode); err != nil {
		closeListeners([]net.Listener{ln})
		return nil, errors.Wrap(err, "chmod socket")
	}
	return wrapTLS(ln, config.TLS)
}

func wrapTLS(ln net.Listener, config *TLSConfig) (net.Listener, error) {
	if config == nil {
		return ln, nil
	}
	tlsConfig, err := config.BuildTLSConfig()
	if err != nil {
		closeListeners([]net.Listener{ln})
		return nil, err
	}
	return tls.NewListener(ln, tlsConfig), nil
}

func closeListeners(listeners []net.Listener) {
	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			slog.Warn("failed to close listener", "error", err)
		}
	}
}

// newApp builds a fiber application serving the manifest and package
// routes. Each listener gets its own app over the shared server state.
func (s *Server) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Set("X-Request-ID", reqID)
		return c.Next()
	})

	app.Get(s.config.ManifestRoute(), s.handleManifest)
	app.Get(s.config.PrefixPath()+"/:id/:file", s.handlePackage)

	return app
}

func (s *Server) handleManifest(c fiber.Ctx) error {
	filters := parseManifestQuery(c.Request().URI().QueryArgs().PeekMulti("x"))

	doc, err := s.manifest.Build(c.Context(), filters)
	if err != nil {
		return err
	}
	data, err := doc.Marshal()
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, contentTypeXML)
	return c.Send(data)
}

// parseManifestQuery decodes repeated x parameters of the form
// "id=<extension>&v=<version>". Values missing either key are skipped.
func parseManifestQuery(raw [][]byte) []Filter {
	var filters []Filter
	for _, value := range raw {
		sub, err := url.ParseQuery(string(value))
		if err != nil {
			slog.Debug("malformed x parameter", "value", string(value), "error", err)
			continue
		}
		id, version := sub.Get("id"), sub.Get("v")
		if id == "" || version == "" {
			slog.Debug("incomplete x parameter", "value", string(value))
			continue
		}
		filters = append(filters, Filter{ID: id, Version: version})
	}
	return filters
}

func (s *Server) handlePackage(c fiber.Ctx) error {
	id := c.Params("id")
	file := c.Params("file")

	version, ok := strings.CutSuffix(file, crxSuffix)
	if !ok || !IsValidExtensionID(id) || !IsValidVersion(version) {
		return c.Status(fiber.StatusBadRequest).SendString("bad request")
	}

	f, err := s.cache.Open(id, version)
	if err != nil {
		if os.IsNotExist(err) {
			return c.Status(fiber.StatusNotFound).SendString("not found")
		}
		return err
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close package file", "error", err)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, contentTypeCRX)
	c.Response().Header.SetContentLength(int(info.Size()))
	_, err = io.Copy(c.Response().BodyWriter(), f)
	return err
}
