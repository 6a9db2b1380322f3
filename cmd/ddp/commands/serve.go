package commands

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	xnet "github.com/mosaicnetworks/ddp/src/net"
	"github.com/mosaicnetworks/ddp/src/server"
	"github.com/mosaicnetworks/ddp/src/service"
	"github.com/mosaicnetworks/ddp/src/store"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// NewServeCmd returns the command that starts a DDP server
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run a server publishing stored collections",
		PreRunE: loadConfig,
		RunE:    runServe,
	}
	AddServeFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runServe(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	st, err := openStore()
	if err != nil {
		logger.Error("Cannot open store: ", err)
		return err
	}

	srv := server.New(logger.WithField("prefix", "ddp-server"))
	for _, name := range _config.Collections {
		srv.AddPublication(name, server.PublishCollection(st, name))
		server.RegisterCollectionMethods(srv, st, name)
	}

	if !_config.NoService {
		serviceServer := service.NewService(_config.ServiceAddr, srv, logger.WithField("prefix", "ddp-service"))
		go serviceServer.Serve()
	}

	if _config.TCPAddr != "" {
		layer, err := xnet.NewTCPStreamLayer(_config.TCPAddr, "")
		if err != nil {
			logger.Error("Cannot listen for TCP sessions: ", err)
			return err
		}
		defer layer.Close()
		go func() {
			if err := srv.ServeTCP(layer); err != nil {
				logger.WithError(err).Error("TCP listener stopped")
			}
		}()
	}

	httpServer := &http.Server{Addr: _config.BindAddr, Handler: srv}
	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("listen", _config.BindAddr).Info("Serving DDP")
		serveErr <- httpServer.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-serveErr:
	case sig := <-signals:
		logger.WithField("signal", sig).Info("Shutting down")
	}

	return multierr.Combine(
		err,
		srv.Close(),
		httpServer.Close(),
		st.Close(),
	)
}

func openStore() (store.Store, error) {
	if !_config.Store {
		return store.NewInmemStore(), nil
	}
	if err := os.MkdirAll(_config.DatabaseDir, 0700); err != nil {
		return nil, fmt.Errorf("creating %s: %w", _config.DatabaseDir, err)
	}
	return store.NewBadgerStore(_config.DatabaseDir)
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

// AddServeFlags adds flags to the Serve command
func AddServeFlags(cmd *cobra.Command) {
	AddCommonFlags(cmd)

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for websocket sessions")
	cmd.Flags().String("tcp-listen", _config.TCPAddr, "Listen IP:Port for newline-framed TCP sessions")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP status service")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable HTTP status service")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
	cmd.Flags().StringSlice("collections", _config.Collections, "Collections to publish")
}
