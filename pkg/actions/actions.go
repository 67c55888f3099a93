package actions

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/outpostd/outpost/pkg/config"
	"github.com/outpostd/outpost/pkg/dockers"
	"github.com/outpostd/outpost/pkg/log"
)

// waitTimeout bounds how long an action container may run.
const waitTimeout = 120 * time.Second

// Result is the outcome of one action run: either the container output, or a
// merged tar.gz of the declared artifact paths. The caller owns Close.
type Result struct {
	Logs      []byte
	Artifacts *os.File
}

// Close removes the temporary artifacts file, if any.
func (r *Result) Close() {
	if r.Artifacts != nil {
		name := r.Artifacts.Name()
		r.Artifacts.Close()
		os.Remove(name)
	}
}

// Runner executes one configured maintenance action as a container on a
// named host.
type Runner struct {
	spec config.ActionSpec
	pool *dockers.Pool
}

// NewRunner binds an action to the host pool.
func NewRunner(spec config.ActionSpec, pool *dockers.Pool) *Runner {
	return &Runner{spec: spec, pool: pool}
}

// ID returns the action id.
func (r *Runner) ID() string { return r.spec.ID }

// Name returns the action name.
func (r *Runner) Name() string { return r.spec.Name }

// Run executes the action and collects its output.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	log.Logger.Info().Str("action", r.spec.Name).Str("id", r.spec.ID).Msg("executing action")

	var cli *client.Client
	if r.spec.Docker != "" {
		cli = r.pool.Get(r.spec.Docker)
	} else {
		cli = r.pool.Default()
	}
	if cli == nil {
		return nil, fmt.Errorf("container host not initialised")
	}

	cfg := &container.Config{
		Image:      r.spec.Image,
		Env:        r.spec.Environment,
		User:       r.spec.User,
		WorkingDir: r.spec.WorkingDir,
	}
	if r.spec.Command != "" {
		cfg.Cmd = []string{"/bin/sh", "-c", r.spec.Command}
	}

	host := &container.HostConfig{
		Binds:      r.spec.Volumes,
		Privileged: r.spec.Privileged,
	}
	if r.spec.VolumesFrom != "" {
		host.VolumesFrom = []string{r.spec.VolumesFrom}
	}
	if r.spec.NetworkMode != "" {
		host.NetworkMode = container.NetworkMode(r.spec.NetworkMode)
	} else if r.spec.Network != "" {
		host.NetworkMode = container.NetworkMode(r.spec.Network)
	}
	for _, dev := range r.spec.Devices {
		host.Resources.Devices = append(host.Resources.Devices, container.DeviceMapping{
			PathOnHost:        dev,
			PathInContainer:   dev,
			CgroupPermissions: "rwm",
		})
	}

	created, err := cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create action container: %w", err)
	}
	defer func() {
		_ = cli.ContainerRemove(context.WithoutCancel(ctx), created.ID,
			container.RemoveOptions{Force: true})
	}()

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start action container: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	waitCh, errCh := cli.ContainerWait(waitCtx, created.ID, container.WaitConditionNotRunning)
	select {
	case <-waitCh:
	case err := <-errCh:
		return nil, fmt.Errorf("timeout or error while running action %s: %w", r.spec.Name, err)
	}

	if len(r.spec.Artifacts) > 0 {
		artifacts, err := r.collectArtifacts(ctx, cli, created.ID)
		if err != nil {
			return nil, err
		}
		return &Result{Artifacts: artifacts}, nil
	}

	logs, err := cli.ContainerLogs(ctx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read action output: %w", err)
	}
	defer logs.Close()
	out, err := io.ReadAll(logs)
	if err != nil {
		return nil, err
	}
	return &Result{Logs: out}, nil
}

// collectArtifacts copies each declared path out of the finished container
// and merges the entries into one temporary tar.gz, rewound for reading.
func (r *Runner) collectArtifacts(ctx context.Context, cli *client.Client, id string) (*os.File, error) {
	tmp, err := os.CreateTemp("", "outpost-artifacts-*.tar.gz")
	if err != nil {
		return nil, err
	}

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)

	for _, path := range r.spec.Artifacts {
		rc, _, err := cli.CopyFromContainer(ctx, id, path)
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, fmt.Errorf("failed to copy artifact %s: %w", path, err)
		}
		tr := tar.NewReader(rc)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				rc.Close()
				tmp.Close()
				os.Remove(tmp.Name())
				return nil, fmt.Errorf("failed to read artifact %s: %w", path, err)
			}
			if err := tw.WriteHeader(hdr); err == nil {
				_, _ = io.Copy(tw, tr)
			}
		}
		rc.Close()
	}

	if err := tw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	return tmp, nil
}
