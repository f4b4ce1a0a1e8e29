package core

import (
	"errors"
	"log/slog"

	"github.com/eteran/blobsilo/internal/auth"
)

// Server exposes a Facade over HTTP.
type Server struct {
	cfg           Config
	facade        *Facade
	authenticator auth.AuthEngine
	logger        *slog.Logger
}

// NewServer creates a Server, and the Facade it serves, from cfg.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("blob store must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	facade, err := NewFacade(cfg)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:           cfg,
		facade:        facade,
		authenticator: cfg.Authenticator,
		logger:        cfg.Logger,
	}, nil
}

// Facade returns the facade the server dispatches to.
func (s *Server) Facade() *Facade {
	return s.facade
}
