package app

import (
	"context"
	"errors"
	"strings"

	"microlab/internal/analyzer"
	"microlab/internal/storage"
	"microlab/pkg/domain"
	"microlab/pkg/store"
)

// AnalyzerGateway runs external analysis scripts. It is an interface so
// tests can substitute a fake without spawning processes.
type AnalyzerGateway interface {
	Run(ctx context.Context, script string, args analyzer.Args) (analyzer.Result, error)
	Start(ctx context.Context, script string, args analyzer.Args) (int, error)
}

// Config wires the application services.
type Config struct {
	Store    store.Store
	Sessions store.SessionStore
	Files    *storage.FileStore
	Analyzer AnalyzerGateway

	// AnalyzerScript processes one uploaded image; MicroscopeScript is
	// the interactive capture application started detached.
	AnalyzerScript   string
	MicroscopeScript string

	MaxUploadBytes    int64
	AllowedExtensions []string
}

// App implements the use cases behind the HTTP surface.
type App struct {
	store            store.Store
	sessions         store.SessionStore
	files            *storage.FileStore
	analyzer         AnalyzerGateway
	analyzerScript   string
	microscopeScript string
	maxUploadBytes   int64
	allowedExts      map[string]bool
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Files == nil {
		return nil, errors.New("file store is required")
	}
	if cfg.Analyzer == nil {
		return nil, errors.New("analyzer gateway is required")
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = []string{".png", ".jpg", ".jpeg"}
	}
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		allowed[e] = true
	}
	return &App{
		store:            cfg.Store,
		sessions:         cfg.Sessions,
		files:            cfg.Files,
		analyzer:         cfg.Analyzer,
		analyzerScript:   cfg.AnalyzerScript,
		microscopeScript: cfg.MicroscopeScript,
		maxUploadBytes:   maxUpload,
		allowedExts:      allowed,
	}, nil
}

// MaxUploadBytes is exported so the HTTP layer can cap request bodies
// before buffering the upload.
func (a *App) MaxUploadBytes() int64 { return a.maxUploadBytes }

type userContextKey struct{}

// ContextWithUser attaches the authenticated user for downstream services.
func ContextWithUser(ctx context.Context, u domain.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (domain.User, bool) {
	u, ok := ctx.Value(userContextKey{}).(domain.User)
	return u, ok
}
