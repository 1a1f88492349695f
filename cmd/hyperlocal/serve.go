package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/3s-rg-codes/hyperlocal/pkg/builder"
	"github.com/3s-rg-codes/hyperlocal/pkg/config"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/controller"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/dispatcher"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/pool"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/process"
	dockerRuntime "github.com/3s-rg-codes/hyperlocal/pkg/emulator/process/docker"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/runtimeapi"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/stats"
	"github.com/3s-rg-codes/hyperlocal/pkg/utils"
	"github.com/3s-rg-codes/hyperlocal/pkg/watcher"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const (
	updateBufferSize  = 10000
	consoleListenerID = "console"
)

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if cmd.IsSet("listen") {
		cfg.Listen = cmd.String("listen")
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if cmd.Bool("no-watch") {
		cfg.Watch = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := utils.SetupLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		return err
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	spawner := &process.Router{Host: process.NewLocal(cfg.KillGrace, logger)}
	if cfg.NeedsDocker() {
		dr, err := dockerRuntime.NewDockerRuntime(cfg.Docker.AutoRemove, logger)
		if err != nil {
			return err
		}
		spawner.Container = dr
	}

	// listen before creating the dispatcher so workers learn the bound port
	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}

	statsManager := stats.NewStatsManager(logger, updateBufferSize)
	d := dispatcher.New(pool.NewRegistry(0), builder.NewCommandBuilder(logger), spawner, statsManager, logger, dispatcher.Config{
		RuntimeAPIAddress: workerAddress(lis.Addr()),
		MaxQueued:         cfg.MaxQueued,
		Region:            cfg.Region,
	})
	api := runtimeapi.New(runtimeapi.Config{Listen: cfg.Listen}, d, logger)
	ctrl := controller.NewController(controller.Config{Listen: cfg.Control}, d, catalog, statsManager, logger)

	logger.Info("Serving functions", "functions", len(catalog.List()), "runtime API", lis.Addr().String(), "control API", cfg.Control)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		statsManager.StartStreamingToListeners(ctx)
		return nil
	})
	g.Go(func() error {
		return api.Serve(ctx, lis)
	})
	g.Go(func() error {
		return ctrl.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		// releases parked polls so the runtime API can shut down
		d.Close()
		return nil
	})
	if cfg.Watch {
		w, err := watcher.New(catalog.List(), d, watcher.DefaultDebounce, logger)
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	if !cmd.Bool("quiet") {
		names := make(map[string]string)
		for _, fn := range catalog.List() {
			names[fn.Key()] = fn.Name
		}
		g.Go(func() error {
			printFunctionOutput(ctx, statsManager, names, os.Stdout)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("Emulator stopped")
	return err
}

// workerAddress is the host:port workers dial. Wildcard listens are reached
// through loopback.
func workerAddress(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || !tcp.IP.IsUnspecified() {
		return addr.String()
	}
	return net.JoinHostPort("127.0.0.1", fmt.Sprint(tcp.Port))
}

// printFunctionOutput writes worker stdout and stderr lines prefixed with the
// function name.
func printFunctionOutput(ctx context.Context, sm *stats.StatsManager, names map[string]string, out io.Writer) {
	updates := make(chan stats.StatusUpdate, updateBufferSize)
	sm.AddListener(consoleListenerID, "", updates)
	defer sm.RemoveListener(consoleListenerID)

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			if u.Type != stats.TypeLog {
				continue
			}
			name := names[u.FunctionID]
			if name == "" {
				name = u.FunctionID
			}
			if _, err := fmt.Fprintf(out, "[%s] %s\n", name, u.Message); err != nil {
				return
			}
		}
	}
}
