// Command pgmsend is a demo PGM source: it loads a configuration, opens a
// Transport bound to a multicast group, reads APDUs from stdin (one per
// line) and sends them, while a second goroutine runs the Transport's
// ReceiveLoop to feed incoming NAK/NNAK/SPMR traffic back in. It exists to
// make the internal/* packages and transport.go actually runnable end to
// end.
package main

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	pgm "github.com/pgmsend/core"
	"github.com/pgmsend/core/internal/config"
	"github.com/pgmsend/core/internal/metrics"
	"github.com/pgmsend/core/internal/netio"
	"github.com/pgmsend/core/internal/pgmlog"
)

const version = "1.0.0"

func main() {
	pgmlog.Banner("PGM Sender", version)

	configPath := pflag.String("config", "", "path to a YAML configuration file (optional)")
	pflag.CommandLine.ParseErrorsWhitelist.UnknownFlags = true

	// A first, partial parse just to learn -config before registering the
	// rest of the flags against whatever it loads.
	pflag.Parse()

	base := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			pgmlog.New(logrus.InfoLevel).Fatal("load config: %v", err)
		}
		base = loaded
	}

	builder := config.NewBuilderFrom(base)
	builder.Set(func(c *config.Config) {
		config.RegisterFlags(pflag.CommandLine, c)
	})
	pflag.Parse()

	cfg, err := builder.Bind()
	log := pgmlog.New(logrus.InfoLevel)
	if err != nil {
		log.Fatal("bind config: %v", err)
	}

	log.Section("PGM Sender starting")
	log.Info("source %s:%d -> group %s:%d", localHost(), cfg.SourcePort, cfg.MulticastGroup, cfg.DestPort)
	log.Info("txw_sqns=%d txw_max_rte=%d ondemand_parity=%v proactive_parity=%v rs(%d,%d)",
		cfg.TxwSqns, cfg.TxwMaxRte, cfg.UseOndemandParity, cfg.UseProactiveParity, cfg.RSN, cfg.RSK)

	transport, err := pgm.Open(cfg, netio.UDPNetwork{}, log)
	if err != nil {
		log.Fatal("open transport: %v", err)
	}
	defer transport.Close()

	if cfg.MetricsAddr != "" {
		startMetricsServer(cfg.MetricsAddr, transport.Counters(), log)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	recvCtx, cancelRecv := context.WithCancel(context.Background())
	defer cancelRecv()
	go func() {
		if err := transport.ReceiveLoop(recvCtx); err != nil && err != context.Canceled {
			log.Warn("receive loop: %v", err)
		}
	}()

	doneCh := make(chan struct{})
	go readStdinLoop(transport, log, doneCh)

	select {
	case <-doneCh:
		log.Info("stdin closed, shutting down")
	case sig := <-sigCh:
		log.Warn("received signal: %v", sig)
	}

	log.Info("closing transport")
	if err := transport.Close(); err != nil {
		log.Warn("close: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	log.Info("stopped")
}

func readStdinLoop(t *pgm.Transport, log *pgmlog.Logger, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		buf := append([]byte(nil), line...)
		if _, err := t.Send(context.Background(), buf, pgm.DontWait); err != nil {
			log.Warn("send: %v", err)
		}
	}
}

func startMetricsServer(addr string, counters *metrics.Counters, log *pgmlog.Logger) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(counters, nil))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server: %v", err)
		}
	}()
	log.Info("metrics listening on %s", addr)
}

func localHost() string {
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return "0.0.0.0"
	}
	for _, addr := range ifaces {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "0.0.0.0"
}
