package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/mtzanidakis/conclave/internal/config"
)

const labelPrefix = "conclave"

// ContainerRunner runs each agent invocation in a throwaway docker container
// with the cluster working directory mounted at /workspace.
type ContainerRunner struct {
	docker      *client.Client
	cfg         config.RunnerConfig
	mu          sync.RWMutex
	active      map[string]*ContainerInfo // container ID → info
	networkName string
}

type ContainerInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ClusterID string    `json:"cluster_id"`
	AgentID   string    `json:"agent_id"`
	StartedAt time.Time `json:"started_at"`
}

func NewContainerRunner(cfg config.RunnerConfig) (*ContainerRunner, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return &ContainerRunner{
		docker: docker,
		cfg:    cfg,
		active: make(map[string]*ContainerInfo),
	}, nil
}

// Ping checks that the docker daemon answers.
func (r *ContainerRunner) Ping(ctx context.Context) error {
	if _, err := r.docker.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

func (r *ContainerRunner) Close() error {
	return r.docker.Close()
}

func (r *ContainerRunner) ensureNetwork(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.networkName != "" || r.cfg.Network == "" {
		return nil
	}

	_, err := r.docker.NetworkInspect(ctx, r.cfg.Network, network.InspectOptions{})
	if err == nil {
		r.networkName = r.cfg.Network
		return nil
	}

	_, err = r.docker.NetworkCreate(ctx, r.cfg.Network, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", r.cfg.Network, err)
	}
	r.networkName = r.cfg.Network
	slog.Info("created docker network", "network", r.cfg.Network)
	return nil
}

func (r *ContainerRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	res := Result{LogPath: spec.LogPath}

	if r.cfg.MaxRunning > 0 && r.ActiveCount() >= r.cfg.MaxRunning {
		return res, fmt.Errorf("max containers (%d) reached", r.cfg.MaxRunning)
	}
	if err := r.ensureNetwork(ctx); err != nil {
		return res, err
	}

	workdir, err := filepath.Abs(spec.Dir)
	if err != nil {
		return res, fmt.Errorf("resolve workdir: %w", err)
	}

	env := append([]string{}, r.cfg.Env...)
	env = append(env, envList(spec.Env)...)
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, fmt.Sprintf("TZ=%s", tz))
	}

	containerCfg := &dockercontainer.Config{
		Image:      r.cfg.Image,
		Cmd:        append([]string{spec.Command}, spec.Args...),
		Env:        env,
		WorkingDir: containerWorkdir,
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".cluster": spec.ClusterID,
			labelPrefix + ".agent":   spec.AgentID,
		},
	}
	hostCfg := &dockercontainer.HostConfig{
		Binds: buildMounts(workdir, r.cfg.Mounts),
	}
	if r.networkName != "" {
		hostCfg.NetworkMode = dockercontainer.NetworkMode(r.networkName)
	}

	name := containerName(spec)
	resp, err := r.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return res, fmt.Errorf("create container: %w", err)
	}

	// Cleanup must outlive a cancelled run context.
	cleanupCtx, cancelCleanup := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelCleanup()
	defer r.remove(cleanupCtx, resp.ID)

	r.mu.Lock()
	r.active[resp.ID] = &ContainerInfo{
		ID:        resp.ID,
		Name:      name,
		ClusterID: spec.ClusterID,
		AgentID:   spec.AgentID,
		StartedAt: time.Now(),
	}
	r.mu.Unlock()

	waitCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	start := time.Now()
	if err := r.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return res, fmt.Errorf("start container: %w", err)
	}
	slog.Info("agent container started", "cluster", spec.ClusterID, "agent", spec.AgentID, "container", resp.ID[:12])

	var runErr error
	statusCh, errCh := r.docker.ContainerWait(waitCtx, resp.ID, dockercontainer.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		res.ExitCode = int(st.StatusCode)
		if st.Error != nil {
			runErr = fmt.Errorf("wait container: %s", st.Error.Message)
		}
	case err := <-errCh:
		runErr = fmt.Errorf("wait container: %w", err)
	}
	res.Duration = time.Since(start)

	if waitCtx.Err() != nil {
		if err := r.docker.ContainerKill(cleanupCtx, resp.ID, "KILL"); err != nil {
			slog.Warn("failed to kill container", "container", resp.ID[:12], "error", err)
		}
		if ctx.Err() != nil {
			runErr = ctx.Err()
		} else {
			runErr = timeoutError(spec.Timeout)
		}
	}

	if err := r.copyLogs(cleanupCtx, resp.ID, spec.LogPath); err != nil && runErr == nil {
		runErr = err
	}
	return res, runErr
}

func (r *ContainerRunner) copyLogs(ctx context.Context, id, logPath string) error {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}
	defer f.Close()

	rc, err := r.docker.ContainerLogs(ctx, id, dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	if _, err := stdcopy.StdCopy(f, f, rc); err != nil {
		return fmt.Errorf("copy container logs: %w", err)
	}
	return nil
}

func (r *ContainerRunner) remove(ctx context.Context, id string) {
	if err := r.docker.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "container", id[:12], "error", err)
	}
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// StopCluster force-removes every running container of a cluster.
func (r *ContainerRunner) StopCluster(ctx context.Context, clusterID string) {
	for _, info := range r.ListRunning() {
		if info.ClusterID == clusterID {
			r.remove(ctx, info.ID)
		}
	}
}

func (r *ContainerRunner) StopAll(ctx context.Context) {
	for _, info := range r.ListRunning() {
		r.remove(ctx, info.ID)
	}
}

func (r *ContainerRunner) ListRunning() []ContainerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ContainerInfo, 0, len(r.active))
	for _, info := range r.active {
		result = append(result, *info)
	}
	return result
}

func (r *ContainerRunner) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// CleanupStale removes managed containers left behind by a previous process.
func (r *ContainerRunner) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := r.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	r.mu.RLock()
	activeIDs := make(map[string]bool, len(r.active))
	for id := range r.active {
		activeIDs[id] = true
	}
	r.mu.RUnlock()

	for _, c := range containers {
		if !activeIDs[c.ID] {
			slog.Info("cleaning up stale container", "container", c.ID[:12])
			_ = r.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

var nameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func containerName(spec Spec) string {
	cluster := spec.ClusterID
	if len(cluster) > 8 {
		cluster = cluster[:8]
	}
	name := fmt.Sprintf("conclave-%s-%s-%d", cluster, spec.AgentID, time.Now().UnixNano())
	return nameUnsafe.ReplaceAllString(name, "-")
}
