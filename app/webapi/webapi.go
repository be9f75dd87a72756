// Package webapi provides a small read-only status server exposing the
// moderation counters over http.
package webapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"
)

// Stats is the source of moderation counters
type Stats interface {
	Daily() map[string]map[string]int
	PatternHits() map[string]int
}

// Server is a web API server.
type Server struct {
	Config
}

// Config defines server parameters
type Config struct {
	Version    string // version to show in /ping
	ListenAddr string // listen address
	Stats      Stats  // moderation counters
	AuthPasswd string // basic auth password for user "tg-guard"
	Dbg        bool   // debug mode
}

// NewServer creates a new web API server.
func NewServer(config Config) *Server {
	return &Server{Config: config}
}

// Run starts the server and blocks until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	router := routegroup.New(http.NewServeMux())
	router.Use(rest.Recoverer(lgr.Default()))
	router.Use(rest.AppInfo("tg-guard", "mkrasnov", s.Version), rest.Ping)
	router.Use(tollbooth.HTTPMiddleware(tollbooth.NewLimiter(50, nil)))
	router.Use(rest.SizeLimit(1024 * 64))

	if s.AuthPasswd != "" {
		log.Printf("[INFO] basic auth enabled for webapi server")
		router.Use(rest.BasicAuthWithPrompt("tg-guard", s.AuthPasswd))
	} else {
		log.Printf("[WARN] basic auth disabled, access to webapi is not protected")
	}

	router.HandleFunc("GET /stats/daily", s.dailyHandler)
	router.HandleFunc("GET /stats/patterns", s.patternsHandler)

	srv := &http.Server{Addr: s.ListenAddr, Handler: router, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Printf("[WARN] failed to shutdown webapi server: %v", err)
		} else {
			log.Printf("[INFO] webapi server stopped")
		}
	}()

	log.Printf("[INFO] start webapi server on %s", s.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to run server: %w", err)
	}
	return nil
}

// dailyHandler returns per-chat daily violation counts
func (s *Server) dailyHandler(w http.ResponseWriter, _ *http.Request) {
	rest.RenderJSON(w, rest.JSON{"daily": s.Stats.Daily()})
}

// patternsHandler returns per-pattern hit counts
func (s *Server) patternsHandler(w http.ResponseWriter, _ *http.Request) {
	rest.RenderJSON(w, rest.JSON{"patterns": s.Stats.PatternHits()})
}
