package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// Server holds the signaling/control server and room state (spec §4.2: one
// WebTransport session per client carries both the reliable control stream
// and, indirectly, the datagram path address-learned by server.go's sibling
// datagram.go).
type Server struct {
	addr        string
	tlsConfig   *tls.Config
	room        *Room
	idleTimeout time.Duration

	wt *webtransport.Server
}

func NewServer(addr string, tlsConfig *tls.Config, room *Room, idleTimeout time.Duration) *Server {
	return &Server{addr: addr, tlsConfig: tlsConfig, room: room, idleTimeout: idleTimeout}
}

// Run starts the WebTransport (HTTP/3 + QUIC) server and blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	wt := &webtransport.Server{
		H3: http3.Server{
			Addr:            s.addr,
			TLSConfig:       s.tlsConfig,
			Handler:         mux,
			IdleTimeout:     s.idleTimeout,
			EnableDatagrams: true,
		},
		CheckOrigin: func(_ *http.Request) bool { return true },
	}
	s.wt = wt

	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		sess, err := wt.Upgrade(w, r)
		if err != nil {
			log.Printf("[server] webtransport upgrade failed: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		go handleSession(ctx, sess, s.room)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("vmesh signaling server"))
	})

	go func() {
		<-ctx.Done()
		if err := wt.Close(); err != nil {
			log.Printf("[server] shutdown: %v", err)
		}
	}()

	log.Printf("[server] listening on %s (WebTransport/HTTP3)", s.addr)

	err := wt.ListenAndServe()
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("webtransport listen: %w", err)
}
