package checker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/outpostd/outpost/pkg/log"
)

// probe describes a throwaway side-channel container (df, nc, curl). It is
// created, run to completion, its output captured and the container removed.
type probe struct {
	Image       string
	Cmd         []string
	NetworkMode string
	Binds       []string
}

// runProbe runs the probe and returns its combined output and exit status.
func runProbe(ctx context.Context, cli *client.Client, p probe) (string, int, error) {
	name := "outpost-probe-" + uuid.NewString()[:8]

	cfg := &container.Config{Image: p.Image, Cmd: p.Cmd}
	host := &container.HostConfig{Binds: p.Binds}
	if p.NetworkMode != "" {
		host.NetworkMode = container.NetworkMode(p.NetworkMode)
	}

	created, err := cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if errdefs.IsNotFound(err) {
		if err = pullImage(ctx, cli, p.Image); err != nil {
			return "", 0, err
		}
		created, err = cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to create probe container: %w", err)
	}
	defer func() {
		_ = cli.ContainerRemove(context.WithoutCancel(ctx), created.ID,
			container.RemoveOptions{Force: true})
	}()

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", 0, fmt.Errorf("failed to start probe container: %w", err)
	}

	waitCh, errCh := cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exit int
	select {
	case res := <-waitCh:
		exit = int(res.StatusCode)
	case err := <-errCh:
		return "", 0, fmt.Errorf("failed to wait for probe container: %w", err)
	}

	out, err := containerOutput(ctx, cli, created.ID)
	if err != nil {
		return "", 0, err
	}
	return out, exit, nil
}

// containerOutput collects the demultiplexed stdout and stderr of a finished
// container into one string.
func containerOutput(ctx context.Context, cli *client.Client, id string) (string, error) {
	logs, err := cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to read probe output: %w", err)
	}
	defer logs.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
		return "", fmt.Errorf("failed to demux probe output: %w", err)
	}
	return buf.String(), nil
}

func pullImage(ctx context.Context, cli *client.Client, ref string) error {
	log.Logger.Debug().Str("image", ref).Msg("pulling probe image")
	rc, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// execInContainer runs a command inside a running container and returns
// demultiplexed stdout/stderr with the exit code.
func execInContainer(ctx context.Context, cli *client.Client, id string, cmd []string) (string, string, int, error) {
	exec, err := cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := cli.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{})
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return "", "", 0, fmt.Errorf("failed to read exec output: %w", err)
	}

	ins, err := cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return stdout.String(), stderr.String(), ins.ExitCode, nil
}

// buildImageFromDir builds an image from the flat file set in dir, used for
// the query-agent image. The tar build context is assembled in memory.
func buildImageFromDir(ctx context.Context, cli *client.Client, tag, dir string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read build context %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		hdr := &tar.Header{
			Name:    e.Name(),
			Mode:    0644,
			Size:    int64(len(data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}

	resp, err := cli.ImageBuild(ctx, &buf, types.ImageBuildOptions{
		Tags:   []string{tag + ":latest"},
		Remove: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build %s: %w", tag, err)
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}
