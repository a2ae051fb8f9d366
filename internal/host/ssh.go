package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const defaultSSHDialTimeout = 30 * time.Second

// SSHClient reaches a Docker host over SSH and drives the docker CLI
// remotely. Used for hosts whose daemon socket is not exposed on the
// network. The connection is dialed lazily and redialed after drops.
type SSHClient struct {
	name     string
	addr     string // host:port
	config   *ssh.ClientConfig
	gpuProbe bool

	mu      sync.Mutex
	conn    *ssh.Client
	closing bool
}

// SSHOptions tunes an SSH host client.
type SSHOptions struct {
	KeyPath     string
	Password    string
	DialTimeout time.Duration // zero means defaultSSHDialTimeout
	GPUProbe    bool
}

// NewSSHClient builds a client for endpoint "user@host[:port]". Key-based
// auth is preferred; password auth is the fallback.
func NewSSHClient(name, endpoint string, opts SSHOptions) (*SSHClient, error) {
	user, addr, ok := strings.Cut(endpoint, "@")
	if !ok {
		return nil, fmt.Errorf("ssh endpoint %q: want user@host[:port]", endpoint)
	}
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}

	var auths []ssh.AuthMethod
	if opts.KeyPath != "" {
		key, err := os.ReadFile(opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key %s: %w", opts.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key %s: %w", opts.KeyPath, err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if opts.Password != "" {
		auths = append(auths, ssh.Password(opts.Password))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("ssh host %s: no key path or password configured", name)
	}

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultSSHDialTimeout
	}

	return &SSHClient{
		name: name,
		addr: addr,
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            auths,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         dialTimeout,
		},
		gpuProbe: opts.GPUProbe,
	}, nil
}

func (c *SSHClient) Name() string { return c.name }

// session returns a live session, dialing or redialing as needed.
func (c *SSHClient) session() (*ssh.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return nil, E(KindClosed, "ssh.session", nil)
	}
	if c.conn != nil {
		if sess, err := c.conn.NewSession(); err == nil {
			return sess, nil
		}
		// Stale connection, drop it and redial below.
		c.conn.Close()
		c.conn = nil
	}
	conn, err := ssh.Dial("tcp", c.addr, c.config)
	if err != nil {
		return nil, E(KindUnreachable, "ssh.Dial", err)
	}
	c.conn = conn
	sess, err := conn.NewSession()
	if err != nil {
		return nil, E(KindTransient, "ssh.NewSession", err)
	}
	return sess, nil
}

// run executes one remote command and returns combined output. The context
// deadline is honored by force-closing the session.
func (c *SSHClient) run(ctx context.Context, cmd string) (string, error) {
	sess, err := c.session()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-done:
		}
	}()
	out, err := sess.CombinedOutput(cmd)
	close(done)
	if ctx.Err() != nil {
		return "", E(KindTransient, "ssh.run", ctx.Err())
	}
	if err != nil {
		return string(out), E(KindTransient, "ssh.run", fmt.Errorf("%s: %w (%s)", firstWord(cmd), err, strings.TrimSpace(string(out))))
	}
	return string(out), nil
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}

// ListContainers lists IDs with docker ps and hydrates them with one
// docker inspect call, so the round-trip count stays at two regardless of
// container count.
func (c *SSHClient) ListContainers(ctx context.Context) ([]Container, error) {
	out, err := c.run(ctx, "docker ps -aq --no-trunc")
	if err != nil {
		return nil, err
	}
	ids := strings.Fields(out)
	if len(ids) == 0 {
		return nil, nil
	}

	out, err = c.run(ctx, "docker inspect "+strings.Join(ids, " "))
	if err != nil {
		return nil, err
	}

	var inspected []struct {
		ID      string `json:"Id"`
		Name    string `json:"Name"`
		Created string `json:"Created"`
		State   struct {
			Status string `json:"Status"`
		} `json:"State"`
		Config struct {
			Image  string            `json:"Image"`
			Labels map[string]string `json:"Labels"`
		} `json:"Config"`
		NetworkSettings struct {
			Ports map[string][]struct {
				HostIP   string `json:"HostIp"`
				HostPort string `json:"HostPort"`
			} `json:"Ports"`
		} `json:"NetworkSettings"`
	}
	if err := json.Unmarshal([]byte(out), &inspected); err != nil {
		return nil, E(KindTransient, "ssh.ListContainers", fmt.Errorf("decode inspect: %w", err))
	}

	containers := make([]Container, 0, len(inspected))
	for _, ins := range inspected {
		created, _ := time.Parse(time.RFC3339Nano, ins.Created)
		ports := make(map[string]string)
		for port, binds := range ins.NetworkSettings.Ports {
			if len(binds) > 0 {
				ports[port] = binds[0].HostIP + ":" + binds[0].HostPort
			} else {
				ports[port] = ""
			}
		}
		project := ins.Config.Labels[LabelComposeProject]
		if ns := ins.Config.Labels[LabelStackNamespace]; ns != "" {
			project = ns
		}
		containers = append(containers, Container{
			ID:           ShortID(ins.ID),
			Name:         strings.TrimPrefix(ins.Name, "/"),
			Image:        ins.Config.Image,
			Status:       ins.State.Status,
			CreatedAt:    created.UTC(),
			Host:         c.name,
			StackProject: project,
			StackService: ins.Config.Labels[LabelComposeService],
			Ports:        ports,
			Labels:       ins.Config.Labels,
		})
	}
	return containers, nil
}

// ContainerStats shells out to docker stats in JSON format. CPU deltas are
// already computed daemon-side; memory strings go through ParseSize.
func (c *SSHClient) ContainerStats(ctx context.Context, id, name string) (*Stats, error) {
	const op = "ssh.ContainerStats"
	out, err := c.run(ctx, "docker stats --no-stream --format json "+id)
	if err != nil {
		return nil, err
	}
	line := strings.TrimSpace(out)
	if nl := strings.IndexByte(line, '\n'); nl > 0 {
		line = line[:nl]
	}

	var raw struct {
		CPUPerc  string `json:"CPUPerc"`
		MemUsage string `json:"MemUsage"` // "100MiB / 2GiB"
		MemPerc  string `json:"MemPerc"`
		NetIO    string `json:"NetIO"`   // "1.2kB / 3.4MB"
		BlockIO  string `json:"BlockIO"` // "10MB / 0B"
	}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, E(KindTransient, op, fmt.Errorf("decode stats for %s: %w", name, err))
	}

	st := &Stats{Timestamp: time.Now().UTC()}
	st.CPUPercent, _ = strconv.ParseFloat(strings.TrimSuffix(raw.CPUPerc, "%"), 64)
	st.MemPercent, _ = strconv.ParseFloat(strings.TrimSuffix(raw.MemPerc, "%"), 64)

	if used, limit, ok := splitPair(raw.MemUsage); ok {
		if v, err := ParseSize(used); err == nil {
			st.MemUsageMiB = v
		}
		if v, err := ParseSize(limit); err == nil {
			st.MemLimitMiB = v
		}
	}
	if rx, tx, ok := splitPair(raw.NetIO); ok {
		if v, err := ParseSize(rx); err == nil {
			st.NetRxBytes = uint64(v * mib)
		}
		if v, err := ParseSize(tx); err == nil {
			st.NetTxBytes = uint64(v * mib)
		}
	}
	if rd, wr, ok := splitPair(raw.BlockIO); ok {
		if v, err := ParseSize(rd); err == nil {
			st.BlockReadBytes = uint64(v * mib)
		}
		if v, err := ParseSize(wr); err == nil {
			st.BlockWriteBytes = uint64(v * mib)
		}
	}
	return st, nil
}

func splitPair(s string) (left, right string, ok bool) {
	left, right, ok = strings.Cut(s, "/")
	return strings.TrimSpace(left), strings.TrimSpace(right), ok
}

// HostMetrics samples CPU from two /proc/stat reads one second apart, plus
// free and df, all in a single remote command.
func (c *SSHClient) HostMetrics(ctx context.Context) (*Metrics, error) {
	const op = "ssh.HostMetrics"
	out, err := c.run(ctx, "head -1 /proc/stat; sleep 1; head -1 /proc/stat; free -b | grep -i mem; df -B1 / | tail -1")
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 4 {
		return nil, Ef(KindTransient, op, "unexpected output: %q", out)
	}

	m := &Metrics{Timestamp: time.Now().UTC()}

	idle0, total0, err0 := parseProcStat(lines[0])
	idle1, total1, err1 := parseProcStat(lines[1])
	if err0 == nil && err1 == nil && total1 > total0 {
		dTotal := float64(total1 - total0)
		dIdle := float64(idle1 - idle0)
		m.CPUPercent = (dTotal - dIdle) / dTotal * 100
	}

	// free -b: Mem: total used free shared buff/cache available
	if f := strings.Fields(lines[2]); len(f) >= 3 {
		total, _ := strconv.ParseFloat(f[1], 64)
		used, _ := strconv.ParseFloat(f[2], 64)
		m.MemTotalMiB = total / mib
		m.MemUsedMiB = used / mib
		if total > 0 {
			m.MemPercent = used / total * 100
		}
	}

	// df -B1: filesystem total used avail use% mount
	if f := strings.Fields(lines[3]); len(f) >= 4 {
		total, _ := strconv.ParseFloat(f[1], 64)
		used, _ := strconv.ParseFloat(f[2], 64)
		m.DiskTotalGB = total / gib
		m.DiskUsedGB = used / gib
		if total > 0 {
			m.DiskPercent = used / total * 100
		}
	}

	if c.gpuProbe {
		if gpu, err := c.probeRemoteGPU(ctx); err == nil {
			m.GPU = gpu
		}
	}
	return m, nil
}

func parseProcStat(line string) (idle, total uint64, err error) {
	f := strings.Fields(line)
	if len(f) < 5 || f[0] != "cpu" {
		return 0, 0, fmt.Errorf("not a cpu line: %q", line)
	}
	for i, v := range f[1:] {
		n, perr := strconv.ParseUint(v, 10, 64)
		if perr != nil {
			return 0, 0, perr
		}
		total += n
		if i == 3 { // idle column
			idle = n
		}
	}
	return idle, total, nil
}

// probeRemoteGPU runs nvidia-smi over SSH. AMD support over SSH is not
// wired; rocm-smi's JSON flag set varies too much across driver versions.
func (c *SSHClient) probeRemoteGPU(ctx context.Context) (*GPUMetrics, error) {
	out, err := c.run(ctx, "nvidia-smi --query-gpu=utilization.gpu,memory.used,memory.total --format=csv,noheader,nounits")
	if err != nil {
		return nil, err
	}
	gpu := &GPUMetrics{}
	found := false
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			continue
		}
		util, e1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		used, e2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		total, e3 := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if e1 != nil || e2 != nil || e3 != nil {
			continue
		}
		gpu.UtilPercent += util
		gpu.VRAMUsedMiB += used
		gpu.VRAMTotalMiB += total
		found = true
	}
	if !found {
		return nil, fmt.Errorf("no gpu output")
	}
	return gpu, nil
}

// ContainerLogs shells out to docker logs. CombinedOutput merges the
// streams, so every entry is attributed to stdout.
func (c *SSHClient) ContainerLogs(ctx context.Context, req LogsRequest) ([]LogEntry, error) {
	tail := req.Tail
	if req.Since.IsZero() && tail == 0 {
		tail = 500
	}
	cmd := "docker logs --timestamps"
	if !req.Since.IsZero() {
		cmd += " --since " + req.Since.UTC().Format(time.RFC3339Nano)
	} else {
		cmd += " --tail " + strconv.Itoa(tail)
	}
	cmd += " " + req.ContainerID

	out, err := c.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return ParseLogStream([]byte(out), LogMeta{
		Host:          c.name,
		ContainerID:   ShortID(req.ContainerID),
		ContainerName: req.ContainerName,
		StackProject:  req.StackProject,
		StackService:  req.StackService,
	}), nil
}

// ExecuteAction maps lifecycle actions to docker CLI verbs.
func (c *SSHClient) ExecuteAction(ctx context.Context, id, action string) (string, error) {
	var verb string
	switch action {
	case ActionStart, ActionStop, ActionRestart, ActionPause, ActionUnpause:
		verb = action
	case ActionRemove:
		verb = "rm -f"
	default:
		return "", Ef(KindInput, "ssh.ExecuteAction", "unknown action %q", action)
	}
	out, err := c.run(ctx, fmt.Sprintf("docker %s %s", verb, id))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Exec runs argv inside the container via docker exec. Arguments are
// single-quoted for the remote shell.
func (c *SSHClient) Exec(ctx context.Context, id string, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", Ef(KindInput, "ssh.Exec", "empty command")
	}
	parts := make([]string, 0, len(argv)+3)
	parts = append(parts, "docker", "exec", id)
	for _, a := range argv {
		parts = append(parts, shellQuote(a))
	}
	return c.run(ctx, strings.Join(parts, " "))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Close tears down the SSH connection. Idempotent.
func (c *SSHClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return nil
	}
	c.closing = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

var _ Client = (*SSHClient)(nil)
