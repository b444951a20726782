package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-sam/internal/embedstore"
	"github.com/23skdu/longbow-sam/internal/logger"
	"github.com/23skdu/longbow-sam/internal/model"
	"github.com/23skdu/longbow-sam/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve encode and mask requests over HTTP",
		Args:  cobra.NoArgs,
		RunE:  ServeHandler,
	}
	addRuntimeFlags(cmd)
	f := cmd.Flags()
	f.String("addr", "127.0.0.1:8080", "HTTP listen address")
	f.Int("sessions", 2, "requests computing at once")
	f.Int("cache-size", 64, "embeddings kept in memory when --embed-cache is unset")
	f.String("flight-addr", "", "also expose the embedding store over Arrow Flight on this address")
	return cmd
}

func ServeHandler(cmd *cobra.Command, _ []string) error {
	p, err := loadParams(cmd)
	if err != nil {
		return err
	}
	f := cmd.Flags()
	addr, _ := f.GetString("addr")
	sessions, _ := f.GetInt("sessions")
	cacheSize, _ := f.GetInt("cache-size")
	flightAddr, _ := f.GetString("flight-addr")

	store, err := openCache(cmd)
	if err != nil {
		return err
	}
	if store == nil {
		store = embedstore.NewMemoryStore(cacheSize)
	}
	defer func() {
		_ = store.Close()
	}()

	m, err := model.Load(p.Model)
	if err != nil {
		return err
	}
	srv, err := server.New(m, store, server.Config{Version: version, Sessions: sessions, Params: p})
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx := cmd.Context()
	if flightAddr != "" {
		fs := embedstore.NewFlightServer(store)
		if err := fs.Listen(flightAddr); err != nil {
			return err
		}
		go func() {
			logger.Log.Info("flight serving", "addr", fs.Addr().String())
			if err := fs.Serve(); err != nil {
				logger.Log.Error("flight server", "error", err)
			}
		}()
		defer fs.Shutdown()
	}

	gin.SetMode(gin.ReleaseMode)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	hs := &http.Server{Handler: srv.Routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()

	logger.Log.Info("listening", "addr", ln.Addr().String(), "model", p.Model, "sessions", sessions, "store", store.Name())
	if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
