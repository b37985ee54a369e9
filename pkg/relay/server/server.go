// Package server wires the relay's endpoints, collaborator clients and
// middleware chain into a single http.Handler.
package server

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/torisedigital/td-relay/pkg/relay/backend"
	"github.com/torisedigital/td-relay/pkg/relay/chat"
	"github.com/torisedigital/td-relay/pkg/relay/config"
	"github.com/torisedigital/td-relay/pkg/relay/handlers"
	"github.com/torisedigital/td-relay/pkg/relay/lifecycle"
	"github.com/torisedigital/td-relay/pkg/relay/mw"
	"github.com/torisedigital/td-relay/pkg/relay/record"
	"github.com/torisedigital/td-relay/pkg/relay/session"
	"github.com/torisedigital/td-relay/pkg/relay/summary"
	"github.com/torisedigital/td-relay/pkg/relay/voice"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	lifecycle  *lifecycle.Lifecycle
	sessions   *session.Registry
	backend    *backend.Client
	recorder   *record.Recorder
	httpClient *http.Client
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	backendClient := backend.NewClient(cfg.BackendBaseURL, backend.WithHTTPClient(httpClient))

	var summarizer record.Summarizer
	if cfg.OpenAIAPIKey != "" {
		opts := []summary.Option{summary.WithModel(cfg.SummaryModel)}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, summary.WithBaseURL(cfg.OpenAIBaseURL))
		}
		summarizer = summary.New(cfg.OpenAIAPIKey, opts...)
	} else {
		logger.Info("summarization disabled: no OpenAI API key configured")
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		lifecycle: &lifecycle.Lifecycle{},
		sessions:  session.NewRegistry(),
		backend:   backendClient,
		recorder: &record.Recorder{
			Logger:         logger,
			Storage:        backendClient,
			Summarizer:     summarizer,
			SaveTimeout:    cfg.StorageTimeout,
			SummaryTimeout: cfg.SummaryTimeout,
		},
		httpClient: httpClient,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Lifecycle: s.lifecycle,
		Registry:  s.sessions,
	})

	s.mux.Handle("/chat", chat.Handler{
		Logger:            s.logger,
		Lifecycle:         s.lifecycle,
		Registry:          s.sessions,
		Bots:              s.backend,
		Recorder:          s.recorder,
		HTTPClient:        s.httpClient,
		AdmissionTimeout:  s.cfg.AdmissionTimeout,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		WebhookTimeout:    s.cfg.ChatWebhookTimeout,
		MaxMessageBytes:   s.cfg.MaxJSONMessageBytes,
	})

	s.mux.Handle("/voice", voice.Handler{
		Logger:           s.logger,
		Lifecycle:        s.lifecycle,
		Registry:         s.sessions,
		Recorder:         s.recorder,
		HTTPClient:       s.httpClient,
		WebhookURL:       s.cfg.VoiceWebhookURL,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		WebhookTimeout:   s.cfg.VoiceWebhookTimeout,
		ChunkWords:       s.cfg.ReplyChunkWords,
		ChunkPacing:      s.cfg.ReplyChunkPacing,
		MinBargeInWords:  s.cfg.MinBargeInWords,
		MaxMessageBytes:  s.cfg.MaxJSONMessageBytes,
	})

	s.mux.Handle("POST /report/entry", handlers.ReportHandler{
		Logger:  s.logger,
		Storage: s.backend,
		Timeout: s.cfg.StorageTimeout,
	})

	s.mux.Handle("GET /api/admin/bots/lookup/{dnis}", handlers.BotProxyHandler{
		Logger:  s.logger,
		Backend: s.backend,
		Timeout: s.cfg.StorageTimeout,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Lifecycle exposes the drain flag for shutdown coordination.
func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.lifecycle }

// Sessions exposes the live session registry for drain support.
func (s *Server) Sessions() *session.Registry { return s.sessions }
