// Command spyglass-agent runs on hosts the controller cannot reach
// directly. It polls the controller for queued actions, executes them
// against the local Docker daemon, and reports results back. All traffic
// is outbound from the agent; the controller never dials in.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gvinsot/Docker-Spyglass/internal/actions"
	"github.com/gvinsot/Docker-Spyglass/internal/host"
	"github.com/gvinsot/Docker-Spyglass/internal/logging"
)

const (
	pollInterval      = 10 * time.Second
	heartbeatInterval = 5 * time.Second
	requestTimeout    = 30 * time.Second
)

type agent struct {
	server   string
	hostName string
	docker   host.Client
	http     *http.Client
	log      *logging.Logger
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "spyglass-agent:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run() error {
	server := strings.TrimRight(envOr("SPYGLASS_SERVER_URL", ""), "/")
	if server == "" {
		return fmt.Errorf("SPYGLASS_SERVER_URL is required")
	}
	hostName := envOr("SPYGLASS_HOST_NAME", "")
	if hostName == "" {
		hn, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("SPYGLASS_HOST_NAME not set and hostname lookup failed: %w", err)
		}
		hostName = hn
	}
	log := logging.New(envOr("SPYGLASS_LOG_JSON", "true") == "true", false)

	docker, err := host.NewAPIClient(hostName, envOr("SPYGLASS_DOCKER_SOCK", "/var/run/docker.sock"), host.APIOptions{Local: true})
	if err != nil {
		return err
	}
	defer docker.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &agent{
		server:   server,
		hostName: hostName,
		docker:   docker,
		http:     &http.Client{Timeout: requestTimeout},
		log:      log,
	}
	log.Info("agent starting", "server", server, "host", hostName)

	go a.heartbeatLoop(ctx)
	a.pollLoop(ctx)
	return nil
}

func (a *agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		if err := a.post(ctx, "/api/agent/heartbeat", map[string]string{"host": a.hostName}); err != nil {
			a.log.Warn("heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *agent) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		a.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *agent) pollOnce(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.server+"/api/agent/actions?host="+a.hostName, nil)
	if err != nil {
		a.log.Warn("build poll request failed", "error", err)
		return
	}
	res, err := a.http.Do(req)
	if err != nil {
		a.log.Warn("poll failed", "error", err)
		return
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		a.log.Warn("poll rejected", "status", res.Status)
		return
	}

	var body struct {
		Actions []actions.Action `json:"actions"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		a.log.Warn("decode poll response failed", "error", err)
		return
	}

	for _, action := range body.Actions {
		result, execErr := a.execute(ctx, &action)
		report := map[string]string{"result": result}
		if execErr != nil {
			report["error"] = execErr.Error()
			a.log.Warn("action failed", "id", action.ID, "kind", action.Kind, "error", execErr)
		} else {
			a.log.Info("action done", "id", action.ID, "kind", action.Kind)
		}
		if err := a.post(ctx, "/api/agent/actions/"+action.ID+"/result", report); err != nil {
			a.log.Warn("report result failed", "id", action.ID, "error", err)
		}
	}
}

func (a *agent) execute(ctx context.Context, action *actions.Action) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch action.Kind {
	case actions.KindGetEnv:
		return a.docker.Exec(ctx, action.ContainerID, []string{"printenv"})
	case actions.KindGetLogs:
		tail := 500
		if action.Logs != nil && action.Logs.Tail > 0 {
			tail = action.Logs.Tail
		}
		entries, err := a.docker.ContainerLogs(ctx, host.LogsRequest{
			ContainerID: action.ContainerID,
			Tail:        tail,
		})
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, e := range entries {
			b.WriteString(e.Message)
			b.WriteByte('\n')
		}
		return b.String(), nil
	default:
		return a.docker.ExecuteAction(ctx, action.ContainerID, action.Kind)
	}
}

func (a *agent) post(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.server+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", path, res.Status)
	}
	return nil
}
