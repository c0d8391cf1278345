// chppd serves CHPP endpoints to remote peers. In socket mode it accepts
// TCP or unix-socket connections and runs an independent CHPP endpoint on
// each; in serial mode it drives a single UART. Every endpoint answers
// the predefined loopback, timesync and discovery services plus the echo
// vendor service.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chpp-org/gochpp/pkg/link"
	"github.com/chpp-org/gochpp/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		panic(fmt.Sprintf("Failed to load .env: %v", err))
	}

	var cfg Config
	if err := envconfig.Process("CHPPD", &cfg); err != nil {
		panic(fmt.Sprintf("Failed to process environment: %v", err))
	}
	if err := ValidateConfig(&cfg); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	if err := logging.Init(&logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		panic(fmt.Sprintf("Failed to initialize logging: %v", err))
	}
	defer logging.Sync()

	// Start metrics server
	go func() {
		logging.Info("Starting metrics server", zap.String("address", cfg.MetricsAddr))
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			logging.Error("Metrics server failed", zap.Error(err))
		}
	}()

	if cfg.SerialDevice != "" {
		if err := serveSerial(cfg); err != nil {
			logging.Fatal("Serial serving failed", zap.Error(err))
		}
		return
	}
	if err := serveSocket(cfg); err != nil {
		logging.Fatal("Socket serving failed", zap.Error(err))
	}
}

// serveSerial drives a single CHPP endpoint over a UART until a shutdown
// signal arrives.
func serveSerial(cfg Config) error {
	l, err := link.NewSerialLink(link.SerialConfig{
		Device:   cfg.SerialDevice,
		BaudRate: cfg.SerialBaud,
		MTU:      cfg.MTU,
	})
	if err != nil {
		return err
	}

	s := newSession("chppd-serial", l)
	if err := s.start(); err != nil {
		l.Close()
		return err
	}
	logging.Info("Serving CHPP over serial",
		zap.String("device", cfg.SerialDevice),
		zap.Int("baud", cfg.SerialBaud),
		zap.Int("mtu", cfg.MTU))

	waitForShutdown()
	s.stop()
	return nil
}

// serveSocket accepts stream connections and serves an independent CHPP
// endpoint on each until a shutdown signal arrives.
func serveSocket(cfg Config) error {
	ln, err := net.Listen(cfg.ListenNetwork, cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s %s: %w", cfg.ListenNetwork, cfg.ListenAddr, err)
	}
	logging.Info("Serving CHPP",
		zap.String("network", cfg.ListenNetwork),
		zap.String("address", cfg.ListenAddr),
		zap.Int("mtu", cfg.MTU))

	var (
		mu       sync.Mutex
		closing  bool
		sessions = make(map[*session]struct{})
		wg       sync.WaitGroup
	)

	go func() {
		waitForShutdown()
		mu.Lock()
		closing = true
		mu.Unlock()
		ln.Close()
	}()

	connSeq := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			mu.Lock()
			done := closing
			mu.Unlock()
			if done {
				break
			}
			logging.Error("Accept failed", zap.Error(err))
			continue
		}

		connSeq++
		name := fmt.Sprintf("chppd-%d", connSeq)
		watched := watchConn(conn)
		s := newSession(name, link.NewStreamLink(watched, cfg.MTU))

		mu.Lock()
		sessions[s] = struct{}{}
		mu.Unlock()

		if err := s.start(); err != nil {
			logging.Error("Session start failed", zap.String("instance", name), zap.Error(err))
			mu.Lock()
			delete(sessions, s)
			mu.Unlock()
			s.stop()
			continue
		}
		logging.Info("Peer connected",
			zap.String("instance", name),
			zap.String("remote", conn.RemoteAddr().String()))

		// Tear the session down when the peer hangs up. Shutdown stops
		// sessions directly; both paths may run, stop is idempotent.
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-watched.done
			logging.Info("Peer disconnected", zap.String("instance", name))
			s.stop()
			mu.Lock()
			delete(sessions, s)
			mu.Unlock()
		}()
	}

	mu.Lock()
	remaining := make([]*session, 0, len(sessions))
	for s := range sessions {
		remaining = append(remaining, s)
	}
	mu.Unlock()
	for _, s := range remaining {
		s.stop()
	}
	wg.Wait()
	return nil
}

// waitForShutdown blocks until SIGINT or SIGTERM.
func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Info("Shutting down...")
}
