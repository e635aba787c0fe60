package whep

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/terava/loupe/certs"
)

const (
	sdpContentType  = "application/sdp"
	maxOfferSize    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// MediaInfo is the /mediainfo payload clients use to configure their
// decoders before sending an offer.
type MediaInfo struct {
	VideoCodec string   `json:"video_codec"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	FPS        int      `json:"fps"`
	AudioCodec string   `json:"audio_codec,omitempty"`
	SampleRate int      `json:"sample_rate,omitempty"`
	Channels   int      `json:"channels,omitempty"`
	ICEServers []string `json:"ice_servers,omitempty"`
}

// ServerConfig selects the listen address and TLS mode. With TLS enabled
// and no key pair given, a self-signed certificate is generated.
type ServerConfig struct {
	Addr     string
	TLS      bool
	CertFile string
	KeyFile  string
}

// Server exposes the WHEP negotiation endpoints over chi. Extra handlers
// (metrics) can be mounted before Start.
type Server struct {
	cfg    ServerConfig
	log    *slog.Logger
	bc     *Broadcaster
	info   MediaInfo
	router chi.Router
	srv    *http.Server
}

// NewServer wires the routes. The server does not listen until Start.
func NewServer(cfg ServerConfig, bc *Broadcaster, info MediaInfo, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		log:    logger.With("component", "whep-server"),
		bc:     bc,
		info:   info,
		router: chi.NewRouter(),
	}

	s.router.Post("/whep", s.handleOffer)
	s.router.Delete("/whep/{peer_id}", s.handleDelete)
	s.router.Get("/mediainfo", s.handleMediaInfo)

	return s
}

// Mount attaches an extra handler under the given pattern.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.router.Mount(pattern, h)
}

// Handler returns the route tree, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens in a background goroutine and reports startup errors on
// the returned channel.
func (s *Server) Start() (<-chan error, error) {
	s.srv = &http.Server{Addr: s.cfg.Addr, Handler: s.router}

	if s.cfg.TLS && s.cfg.CertFile == "" {
		info, err := certs.Generate(0)
		if err != nil {
			return nil, err
		}
		s.srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{info.TLSCert}}
		s.log.Info("using self-signed certificate",
			"fingerprint", info.FingerprintBase64(),
			"not_after", info.NotAfter)
	}

	errc := make(chan error, 1)
	go func() {
		var err error
		switch {
		case s.cfg.TLS:
			err = s.srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		default:
			err = s.srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	s.log.Info("whep server listening", "addr", s.cfg.Addr, "tls", s.cfg.TLS)
	return errc, nil
}

// Shutdown drains connections and closes every peer.
func (s *Server) Shutdown(ctx context.Context) error {
	s.bc.Close()
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// handleOffer negotiates a new viewer: SDP offer in, SDP answer out with
// a Location header naming the peer resource.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != sdpContentType {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}

	offer, err := io.ReadAll(io.LimitReader(r.Body, maxOfferSize))
	if err != nil || len(offer) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	answer, id, err := s.bc.AddPeer(string(offer))
	if err != nil {
		s.log.Error("offer rejected", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", sdpContentType)
	w.Header().Set("Location", "/whep/"+id)
	w.WriteHeader(http.StatusCreated)
	w.Write([]byte(answer))
}

// handleDelete closes one peer.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "peer_id")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !s.bc.RemovePeer(id) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleMediaInfo reports the published stream shape.
func (s *Server) handleMediaInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.info); err != nil {
		s.log.Error("mediainfo encode failed", "error", err)
	}
}
