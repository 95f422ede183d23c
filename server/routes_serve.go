// routes_serve.go - Server-Start und Lifecycle-Management
// Enthaelt: Serve() - Hauptfunktion zum Starten des HTTP-Servers

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/envconfig"
	"github.com/ollama/diffusion/format"
	"github.com/ollama/diffusion/logutil"
	_ "github.com/ollama/diffusion/model/models"
	"github.com/ollama/diffusion/version"
)

// Serve startet den HTTP-Server auf ln und blockiert bis SIGINT/SIGTERM
func Serve(ln net.Listener) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("server config", "env", envconfig.Values())

	s := &Server{addr: ln.Addr(), sched: InitScheduler()}

	ctx, done := context.WithCancel(context.Background())

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}

	// listen for a ctrl+c and unload all pipelines
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
		s.sched.unloadAll()
		done()
	}()

	// Geraete beim Start loggen, damit Probleme frueh sichtbar sind
	for _, info := range device.Devices() {
		slog.Info("device detected", "device", info.Device, "name", info.Name,
			"total", format.HumanBytes2(info.MemoryTotal), "free", format.HumanBytes2(info.MemoryFree),
			"runtime", info.Runtime, "default", info.IsDefault)
	}

	err := srvr.Serve(ln)
	// If server is closed from the signal handler, wait for the ctx to be done
	// otherwise error out quickly
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-ctx.Done()
	return nil
}
