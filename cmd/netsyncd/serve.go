package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	timer "github.com/xiaonanln/goTimer"
	"github.com/xiaonanln/netsync/engine/binutil"
	"github.com/xiaonanln/netsync/engine/config"
	"github.com/xiaonanln/netsync/engine/consts"
	"github.com/xiaonanln/netsync/engine/nslog"
	"github.com/xiaonanln/netsync/engine/nsvar"
	"github.com/xiaonanln/netsync/engine/opmon"
	"github.com/xiaonanln/netsync/engine/transport"
	"github.com/xiaonanln/netsync/engine/transport/tcptransport"
	"github.com/xiaonanln/netsync/engine/transport/wstransport"
)

type serveOptions struct {
	*rootOptions
	seed          int64
	opmonInterval time.Duration
	httpAddr      string
	daemon        bool
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the peers and run the avatar world until interrupted",
		Long: `Connect to the peers and run the avatar world until interrupted.

Example:
  netsyncd serve -c node1.ini
  netsyncd serve -c node2.ini --log debug --opmon 10s
  netsyncd serve -c node1.ini -d --http 127.0.0.1:18001`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts)
		},
	}
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "random seed of the avatar walks, 0 to use the clock")
	cmd.Flags().DurationVar(&opts.opmonInterval, "opmon", 0, "interval of operation monitor dumps, 0 to disable")
	cmd.Flags().StringVar(&opts.httpAddr, "http", "", "address of the pprof and expvar http server")
	cmd.Flags().BoolVarP(&opts.daemon, "daemon", "d", false, "run in the background")
	return cmd
}

type startedTransport interface {
	transport.Transport
	Start() error
}

func newTransport(cfg *config.Config) (startedTransport, error) {
	switch cfg.Transport.Type {
	case config.TransportTCP:
		return tcptransport.New(cfg.Session.LocalID, cfg.Transport), nil
	case config.TransportWebsocket:
		return wstransport.New(cfg.Session.LocalID, cfg.Transport), nil
	}
	return nil, errors.Errorf("transport %s can not connect processes, use tcp or websocket", cfg.Transport.Type)
}

func serve(opts *serveOptions) error {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}
	level := cfg.Session.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	if opts.daemon {
		ctx := binutil.Daemonize()
		defer ctx.Release()
	}
	binutil.SetupLog(fmt.Sprintf("netsyncd%d", cfg.Session.LocalID), level)
	nslog.Infof("Read config: \n%s\n", config.DumpPretty(cfg))
	binutil.SetupHTTPServer(opts.httpAddr)
	if opts.httpAddr != "" {
		if err := nsvar.PublishProcess(); err != nil {
			nslog.Warnf("process counters disabled: %v", err)
		}
	}

	tr, err := newTransport(cfg)
	if err != nil {
		return err
	}
	if err := tr.Start(); err != nil {
		return err
	}
	defer tr.Close()

	seed := opts.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	n, err := newNode(cfg, tr, seed)
	if err != nil {
		return err
	}

	start := time.Now()
	timer.AddTimer(cfg.Session.TickInterval, func() {
		stats := n.tick(time.Since(start))
		nsvar.RecordTick(stats)
		nsvar.Entities.Set(int64(len(n.s.Entities())))
		nsvar.AllPeersConnected.Set(n.allConnected())
	})
	if opts.opmonInterval > 0 {
		timer.AddTimer(opts.opmonInterval, func() {
			opmon.Dump(os.Stderr)
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(consts.TIMER_TICK_INTERVAL)
	defer ticker.Stop()
	for {
		select {
		case sig := <-sigChan:
			nslog.Infof("received signal %s, shutting down", sig)
			return nil
		case <-ticker.C:
			timer.Tick()
		}
	}
}
