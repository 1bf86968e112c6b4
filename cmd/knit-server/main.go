package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/ctxlog"
	"github.com/atvirokodosprendimai/knitgrid/internal/db"
	"github.com/atvirokodosprendimai/knitgrid/internal/deployer"
	"github.com/atvirokodosprendimai/knitgrid/internal/lock"
	"github.com/atvirokodosprendimai/knitgrid/internal/messaging"
	"github.com/atvirokodosprendimai/knitgrid/internal/rpc"
	"github.com/atvirokodosprendimai/knitgrid/internal/server/api"
	"github.com/atvirokodosprendimai/knitgrid/internal/server/discovery"
	"github.com/atvirokodosprendimai/knitgrid/internal/server/reports"
	"github.com/atvirokodosprendimai/knitgrid/internal/store"
	"github.com/atvirokodosprendimai/knitgrid/internal/wgmesh"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "knit-server",
		Usage: "The central control plane for the Knit container orchestrator.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "Log level (debug, info, warn, error)", Sources: cli.EnvVars("KNIT_LOG_LEVEL")},
			&cli.StringFlag{Name: "log-format", Value: "json", Usage: "Log format (json or text)", Sources: cli.EnvVars("KNIT_LOG_FORMAT")},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			ctxlog.SetLevel(cmd.String("log-level"))
			ctxlog.SetFormat(cmd.String("log-format"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the Knit server and embedded NATS",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "http-addr", Value: "0.0.0.0:8080", Usage: "HTTP server bind address", Sources: cli.EnvVars("KNIT_HTTP_ADDR")},
					&cli.StringFlag{Name: "db-path", Value: "knit.db", Usage: "Path to the SQLite database file", Sources: cli.EnvVars("KNIT_DB_PATH")},
					&cli.StringFlag{Name: "nats-addr", Value: "0.0.0.0:4222", Usage: "NATS server bind address (host:port)", Sources: cli.EnvVars("KNIT_NATS_ADDR")},
					&cli.StringFlag{Name: "wg-mesh-socket", Value: "/var/run/wgmesh.sock", Usage: "Path to the wg-mesh Unix socket, empty to disable discovery", Sources: cli.EnvVars("KNIT_WG_MESH_SOCKET")},
					&cli.DurationFlag{Name: "discovery-interval", Value: 30 * time.Second, Usage: "Interval for syncing nodes from wg-mesh", Sources: cli.EnvVars("KNIT_DISCOVERY_INTERVAL")},
					&cli.StringFlag{Name: "grid", Value: "default", Usage: "Grid that discovered nodes and agents without a grid join", Sources: cli.EnvVars("KNIT_GRID")},
					&cli.DurationFlag{Name: "node-timeout", Value: time.Minute, Usage: "Mark nodes disconnected after this long without a heartbeat", Sources: cli.EnvVars("KNIT_NODE_TIMEOUT")},
					&cli.DurationFlag{Name: "instance-timeout", Value: 60 * time.Second, Usage: "How long a rollout waits for each instance", Sources: cli.EnvVars("KNIT_INSTANCE_TIMEOUT")},
					&cli.DurationFlag{Name: "poll-interval", Value: 500 * time.Millisecond, Usage: "How often a rollout polls for instance reports", Sources: cli.EnvVars("KNIT_POLL_INTERVAL")},
				},
				Action: runServer,
			},
			{
				Name:      "deploy",
				Usage:     "Ask a running server to deploy a service",
				ArgsUsage: "SERVICE_ID",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "server", Value: "http://127.0.0.1:8080", Usage: "Server URL", Sources: cli.EnvVars("KNIT_SERVER")},
					&cli.StringFlag{Name: "strategy", Usage: "Scheduling strategy (ha or random)"},
					&cli.IntFlag{Name: "wait-for-port", Usage: "Container port that must answer before an instance counts as deployed"},
				},
				Action: runDeploy,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		ctxlog.FromContext(context.Background()).WithError(err).Fatal("knit-server failed")
	}
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := ctxlog.FromContext(ctx)
	ctx = ctxlog.Context(ctx, logger)
	logger.Info("starting knit server")

	gormDB, err := db.NewDatabase(db.FileDSN(cmd.String("db-path")))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	st := store.New(gormDB)
	locker := lock.New(gormDB)
	gridName := cmd.String("grid")
	if _, err := st.EnsureGrid(ctx, gridName); err != nil {
		return fmt.Errorf("failed to create grid %q: %w", gridName, err)
	}

	natsAddr := cmd.String("nats-addr")
	natsHost, natsPort, err := net.SplitHostPort(natsAddr)
	if err != nil {
		return fmt.Errorf("invalid nats-addr format: %w", err)
	}
	natsPortInt, err := strconv.Atoi(natsPort)
	if err != nil {
		return fmt.Errorf("invalid nats-addr port: %w", err)
	}
	ns, err := server.NewServer(&server.Options{Host: natsHost, Port: natsPortInt, NoSigs: true})
	if err != nil {
		return fmt.Errorf("could not start embedded NATS server: %w", err)
	}
	go ns.Start()
	defer ns.Shutdown()
	if !ns.ReadyForConnections(4 * time.Second) {
		return errors.New("embedded NATS server did not become ready")
	}
	logger.WithField("Addr", natsAddr).Info("embedded NATS server started")

	nc, err := messaging.Connect(ns.ClientURL())
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	agents := rpc.NewClient(nc)
	handler := reports.NewHandler(st, gridName)
	handler.Orphans = agents
	sub, err := handler.Subscribe(ctx, nc)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	nodeTimeout := cmd.Duration("node-timeout")
	go reports.NewSweeper(st, locker, nodeTimeout).Run(ctx, nodeTimeout/2)

	if socket := cmd.String("wg-mesh-socket"); socket != "" {
		disc := discovery.NewService(st, wgmesh.NewClient(socket), gridName, cmd.Duration("discovery-interval"))
		go disc.Run(ctx)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	dep := deployer.New(deployer.Options{
		Store:           st,
		Agents:          agents,
		Locker:          locker,
		Registry:        reg,
		InstanceTimeout: cmd.Duration("instance-timeout"),
		PollInterval:    cmd.Duration("poll-interval"),
	})

	httpAddr := cmd.String("http-addr")
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           api.NewRouter(st, dep, reg),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.WithField("Addr", httpAddr).Info("HTTP server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// Let running rollouts restore or finish their state.
	dep.Wait()
	return nil
}

func runDeploy(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return errors.New("usage: knit-server deploy [options] SERVICE_ID")
	}
	id, err := strconv.ParseUint(cmd.Args().First(), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid service id: %w", err)
	}
	body, err := json.Marshal(deployer.Request{
		Strategy:    cmd.String("strategy"),
		WaitForPort: cmd.Int("wait-for-port"),
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/services/%d/deploy", cmd.String("server"), id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("deploy rejected (%s): %s", resp.Status, bytes.TrimSpace(out))
	}
	fmt.Fprintf(cmd.Root().Writer, "deploy of service %d accepted\n", id)
	return nil
}
