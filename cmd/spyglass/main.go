// Command spyglass runs the controller: it harvests containers, stats,
// and logs from the configured Docker hosts, indexes them in
// Elasticsearch, and serves the query and control API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gvinsot/Docker-Spyglass/internal/actions"
	"github.com/gvinsot/Docker-Spyglass/internal/collector"
	"github.com/gvinsot/Docker-Spyglass/internal/config"
	"github.com/gvinsot/Docker-Spyglass/internal/host"
	"github.com/gvinsot/Docker-Spyglass/internal/index"
	"github.com/gvinsot/Docker-Spyglass/internal/logging"
	"github.com/gvinsot/Docker-Spyglass/internal/query"
	"github.com/gvinsot/Docker-Spyglass/internal/swarm"
	"github.com/gvinsot/Docker-Spyglass/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "spyglass:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logging.New(cfg.LogJSON, cfg.LogDebug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Index store first; everything downstream writes into it.
	store, err := index.New(index.Options{
		URL:      cfg.ElasticURL,
		Username: cfg.ElasticUser,
		Password: cfg.ElasticPassword,
		Prefix:   cfg.IndexPrefix,
	}, log.Named("index"))
	if err != nil {
		return err
	}
	log.Info("waiting for elasticsearch", "url", cfg.ElasticURL)
	if err := store.WaitReady(ctx, 30, 2*time.Second); err != nil {
		return err
	}
	if err := store.EnsureIndices(ctx); err != nil {
		return err
	}

	clients, manager, err := buildClients(cfg, log)
	if err != nil {
		return err
	}

	var topo *swarm.Topology
	var swarmOps query.SwarmOps
	if manager != nil {
		names := make([]string, 0, len(cfg.Hosts))
		for _, h := range cfg.Hosts {
			names = append(names, h.Name)
		}
		topo = swarm.New(manager, names, log.Named("swarm"))
		swarmOps = manager
		go topo.Run(ctx, cfg.SwarmRefresh)
	}

	reg := collector.NewRegistry(clients, topo)
	defer reg.CloseAll()

	col := collector.New(reg, store, log.Named("collector"))
	go col.RunLogs(ctx, cfg.LogInterval)
	go col.RunMetrics(ctx, cfg.MetricsInterval)

	queue := actions.NewQueue(cfg.ActionTimeout, log.Named("actions"))

	// Retention sweep hourly, queue cleanup every five minutes.
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	sched := cron.New()
	if _, err := sched.AddFunc("@hourly", func() {
		deleted, err := store.DeleteOlderThan(ctx, retention)
		if err != nil {
			log.Warn("retention sweep failed", "error", err)
			return
		}
		log.Info("retention sweep done", "deleted", deleted)
	}); err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}
	if _, err := sched.AddFunc("@every 5m", func() {
		queue.Sweep(24 * time.Hour)
	}); err != nil {
		return fmt.Errorf("schedule queue sweep: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	svc := query.New(reg, col, store, queue, swarmOps, cfg.AgentFreshness, log.Named("query"))
	server := web.NewServer(web.Dependencies{
		Query: svc,
		Queue: queue,
		Log:   log.Named("web"),
	})

	log.Info("spyglass starting", "hosts", len(cfg.Hosts), "swarm", topo != nil)
	return server.Run(ctx, ":"+cfg.WebPort)
}

// buildClients constructs one host client per configured entry and returns
// the manager API client used for swarm routing, when one is flagged.
func buildClients(cfg *config.Config, log *logging.Logger) ([]host.Client, *host.APIClient, error) {
	var clients []host.Client
	var manager *host.APIClient

	for _, entry := range cfg.Hosts {
		switch entry.Mode {
		case config.ModeAPI, config.ModeLocal:
			c, err := host.NewAPIClient(entry.Name, entry.Endpoint, host.APIOptions{
				Local:        entry.Mode == config.ModeLocal,
				GPUProbe:     cfg.GPUProbe,
				AutoDiscover: entry.AutoDiscoverNodes,
			})
			if err != nil {
				return nil, nil, err
			}
			clients = append(clients, c)
			if entry.IsManager && entry.RouteThroughThis {
				manager = c
			}
		case config.ModeSSH:
			c, err := host.NewSSHClient(entry.Name, entry.Endpoint, host.SSHOptions{
				KeyPath:     entry.SSHKeyPath,
				Password:    entry.SSHPassword,
				DialTimeout: cfg.SSHTimeout,
				GPUProbe:    cfg.GPUProbe,
			})
			if err != nil {
				return nil, nil, err
			}
			clients = append(clients, c)
		}
		log.Info("host configured", "name", entry.Name, "mode", string(entry.Mode))
	}
	return clients, manager, nil
}
