package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/atvirokodosprendimai/knitgrid/internal/agent"
	"github.com/atvirokodosprendimai/knitgrid/internal/agent/docker"
	"github.com/atvirokodosprendimai/knitgrid/internal/ctxlog"
	"github.com/atvirokodosprendimai/knitgrid/internal/messaging"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "knit-agent",
		Usage: "Runs service instances on this node for the Knit control plane.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "nats-url", Value: "nats://127.0.0.1:4222", Usage: "NATS server of the control plane", Sources: cli.EnvVars("KNIT_NATS_URL")},
			&cli.StringFlag{Name: "node-id", Usage: "Node identity; generated and saved in node-id-file if empty", Sources: cli.EnvVars("KNIT_NODE_ID")},
			&cli.StringFlag{Name: "node-id-file", Value: "/var/lib/knit/node-id", Usage: "Where a generated node id is kept", Sources: cli.EnvVars("KNIT_NODE_ID_FILE")},
			&cli.StringFlag{Name: "name", Usage: "Node name (default: hostname)", Sources: cli.EnvVars("KNIT_NODE_NAME")},
			&cli.StringFlag{Name: "grid", Usage: "Grid to join (default: the server's grid)", Sources: cli.EnvVars("KNIT_GRID")},
			&cli.StringFlag{Name: "address", Usage: "Address other nodes reach this node on", Sources: cli.EnvVars("KNIT_NODE_ADDRESS")},
			&cli.StringSliceFlag{Name: "labels", Usage: "Node labels used by affinity rules", Sources: cli.EnvVars("KNIT_NODE_LABELS")},
			&cli.DurationFlag{Name: "heartbeat-interval", Value: 10 * time.Second, Usage: "Interval between node reports", Sources: cli.EnvVars("KNIT_HEARTBEAT_INTERVAL")},
			&cli.StringFlag{Name: "lb-config-dir", Value: "/var/lib/knit/lb", Usage: "Directory load balancer backends are written to", Sources: cli.EnvVars("KNIT_LB_CONFIG_DIR")},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "Log level (debug, info, warn, error)", Sources: cli.EnvVars("KNIT_LOG_LEVEL")},
			&cli.StringFlag{Name: "log-format", Value: "json", Usage: "Log format (json or text)", Sources: cli.EnvVars("KNIT_LOG_FORMAT")},
		},
		Action: runAgent,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		ctxlog.FromContext(context.Background()).WithError(err).Fatal("knit-agent failed")
	}
}

func runAgent(ctx context.Context, cmd *cli.Command) error {
	ctxlog.SetLevel(cmd.String("log-level"))
	ctxlog.SetFormat(cmd.String("log-format"))
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	nodeID, err := loadNodeID(cmd.String("node-id"), cmd.String("node-id-file"))
	if err != nil {
		return err
	}
	logger := ctxlog.FromContext(ctx).WithField("Node", nodeID)
	ctx = ctxlog.Context(ctx, logger)
	logger.Info("starting knit agent")

	rt, err := docker.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	defer rt.Close()

	nc, err := messaging.Connect(cmd.String("nats-url"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	a := agent.New(ctx, agent.Config{
		NodeID:            nodeID,
		Name:              cmd.String("name"),
		Grid:              cmd.String("grid"),
		Address:           cmd.String("address"),
		Labels:            cmd.StringSlice("labels"),
		HeartbeatInterval: cmd.Duration("heartbeat-interval"),
		LBConfigDir:       cmd.String("lb-config-dir"),
	}, nc, rt)
	return a.Run(ctx)
}

// loadNodeID returns id if set. Otherwise it reads the id saved in
// path, generating and saving a new one on first start.
func loadNodeID(id, path string) (string, error) {
	if id != "" {
		return id, nil
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if saved := strings.TrimSpace(string(data)); saved != "" {
			return saved, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read node id: %w", err)
	}
	id = uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("save node id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("save node id: %w", err)
	}
	return id, nil
}
