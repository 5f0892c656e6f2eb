package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fleetrpc/config"
	"fleetrpc/logging"
	"fleetrpc/middleware"
	"fleetrpc/registry"
	"fleetrpc/server"
	"fleetrpc/transport"
	"fleetrpc/worker"
)

var serveArgs struct {
	single bool
}

var serveCmd = &subcommand{
	Use:   "serve",
	Short: "serve the built-in services from worker processes",
	SetupFlags: func(f *pflag.FlagSet) {
		f.BoolVar(&serveArgs.single, "single", false, "run in one process, overrides server.single_process")
	},
	Run: runServe,
}

func newServer(conf *config.Config, log *zap.Logger) (*server.Server, error) {
	s := conf.Server
	svr := server.NewServer(
		server.WithLogger(log),
		server.WithOffload(s.Offload),
		server.WithVersion(s.Version),
	)
	svr.Use(middleware.StageEarly, middleware.Logging(log))
	if err := svr.Register(&Echo{}); err != nil {
		return nil, err
	}
	if err := svr.Register(&Arith{}); err != nil {
		return nil, err
	}
	return svr, nil
}

func runServe(s *subcommand, args []string) error {
	conf := s.Config()
	log, err := logging.New(conf.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	svr, err := newServer(conf, log)
	if err != nil {
		return err
	}

	// re-executed worker children stop here
	if worker.IsChild() {
		_, err := worker.RunChild(context.Background(), svr, log)
		return err
	}

	for _, register := range []func(prometheus.Registerer) error{
		transport.PrometheusRegister,
		worker.PrometheusRegister,
		server.PrometheusRegister,
	} {
		if err := register(prometheus.DefaultRegisterer); err != nil {
			return err
		}
	}

	sc := conf.Server
	ln, err := net.Listen("tcp", sc.Listen)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	wcfg := worker.Config{
		WorkerNum:      sc.WorkerNum,
		TaskWorkerNum:  sc.TaskWorkerNum,
		MaxConnections: sc.MaxConnections,
		LoopInterval:   sc.LoopInterval,
		TickInterval:   sc.TickInterval,
		TaskTimeout:    sc.TaskTimeout,
		StopTimeout:    sc.StopTimeout,
		HandleSignals:  true,
	}
	var runManager func(context.Context) error
	if sc.SingleProcess || serveArgs.single {
		m, err := worker.NewSingleManager(ln, svr, wcfg, log)
		if err != nil {
			ln.Close()
			return err
		}
		runManager = m.Run
	} else {
		m, err := worker.NewManager(ln, &worker.ExecSpawner{Log: log}, wcfg, log)
		if err != nil {
			ln.Close()
			return err
		}
		runManager = m.Run
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reg *registry.EtcdRegistry
	if conf.Registry.Enabled() {
		adv, err := sc.AdvertiseEndpoint()
		if err != nil {
			ln.Close()
			return err
		}
		if reg, err = registry.NewEtcdRegistry(conf.Registry.Endpoints, log); err != nil {
			ln.Close()
			return err
		}
		defer reg.Close()
		if err := svr.Announce(ctx, reg, adv, conf.Registry.Weight, conf.Registry.TTL); err != nil {
			ln.Close()
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		err := runManager(ctx)
		if reg != nil {
			wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer wcancel()
			if werr := svr.Withdraw(wctx); werr != nil {
				log.Warn("withdraw", zap.Error(werr))
			}
		}
		return err
	})
	if listen := conf.Monitoring.Listen; listen != "" {
		g.Go(func() error { return serveMetrics(ctx, listen, log) })
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, listen string, log *zap.Logger) error {
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Wrap(err, "monitoring listen")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	log.Info("serving metrics", zap.Stringer("listen", l.Addr()))
	if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
