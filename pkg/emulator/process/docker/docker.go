// Package dockerRuntime runs container-image functions through the Docker Engine API.
package dockerRuntime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/process"
	"github.com/3s-rg-codes/hyperlocal/pkg/utils"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const (
	containerPrefix = "hyperlocal-"
	// hostAlias is how a container reaches the emulator on the host.
	hostAlias = "host.docker.internal"

	pullAttempts = 3
	pullBackoff  = 2 * time.Second
)

// Regex that matches all chars that are not valid in a container name
var forbiddenChars = regexp.MustCompile("[^a-zA-Z0-9_.-]")

type DockerRuntime struct {
	Cli        *client.Client
	autoRemove bool
	logger     *slog.Logger
}

func NewDockerRuntime(autoRemove bool, logger *slog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("could not create Docker client: %w", err)
	}
	return &DockerRuntime{Cli: cli, autoRemove: autoRemove, logger: logger}, nil
}

// Spawn creates and starts one container per worker. Command.Image selects the
// image, Command.Args overrides its default command.
func (d *DockerRuntime) Spawn(ctx context.Context, c process.Command) (process.Handle, error) {
	if c.Image == "" {
		return nil, errors.New("no image given")
	}
	if err := d.ensureImage(ctx, c.Image); err != nil {
		return nil, err
	}

	c.Env = containerEnv(c.Env)
	containerName := forbiddenChars.ReplaceAllString(containerPrefix+c.Image+"-"+uuid.New().String()[:8], "")

	config := &container.Config{
		Image: c.Image,
		Env:   c.Environ(),
	}
	if len(c.Args) > 0 {
		config.Cmd = c.Args
	}
	if c.Dir != "" {
		config.WorkingDir = c.Dir
	}

	d.logger.Debug("Creating container", "image", c.Image, "name", containerName)
	resp, err := d.Cli.ContainerCreate(ctx, config, &container.HostConfig{
		AutoRemove: d.autoRemove,
		ExtraHosts: []string{hostAlias + ":host-gateway"},
	}, &network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("could not create container for %s: %w", c.Image, err)
	}

	// registered before start so an auto-removed container cannot exit unseen
	waitCtx, cancelWait := context.WithCancel(context.Background())
	statusCh, errCh := d.Cli.ContainerWait(waitCtx, resp.ID, container.WaitConditionNextExit)

	if err := d.Cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cancelWait()
		_ = d.Cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("could not start container %s: %w", resp.ID, err)
	}
	d.logger.Debug("Started container", "id", resp.ID, "warnings", resp.Warnings)

	h := &containerHandle{
		id:     resp.ID,
		cli:    d.Cli,
		remove: !d.autoRemove,
		done:   make(chan struct{}),
		logger: d.logger,
	}
	var stdoutW, stderrW *io.PipeWriter
	h.stdout, stdoutW = io.Pipe()
	h.stderr, stderrW = io.Pipe()

	go h.follow(stdoutW, stderrW)
	go h.wait(cancelWait, statusCh, errCh)
	return h, nil
}

func (d *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	imageListArgs := filters.NewArgs()
	imageListArgs.Add("reference", ref)
	images, err := d.Cli.ImageList(ctx, image.ListOptions{Filters: imageListArgs})
	if err != nil {
		return fmt.Errorf("could not list Docker images: %w", err)
	}
	if len(images) > 0 {
		return nil
	}

	d.logger.Info("Pulling image", "image", ref)
	// a failed pull is retried before the spawn fails
	_, err = utils.CallWithRetry(ctx, func() (struct{}, error) {
		reader, err := d.Cli.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return struct{}{}, err
		}
		defer reader.Close()
		_, err = io.Copy(io.Discard, reader)
		return struct{}{}, err
	}, pullAttempts, pullBackoff)
	if err != nil {
		return fmt.Errorf("could not pull image %s: %w", ref, err)
	}
	d.logger.Info("Pulled image", "image", ref)
	return nil
}

// containerEnv points the runtime API address at the host.
func containerEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	if api, ok := out["AWS_LAMBDA_RUNTIME_API"]; ok {
		for _, local := range []string{"127.0.0.1", "localhost", "0.0.0.0"} {
			if strings.HasPrefix(api, local+":") {
				out["AWS_LAMBDA_RUNTIME_API"] = hostAlias + strings.TrimPrefix(api, local)
				break
			}
		}
	}
	return out
}

type containerHandle struct {
	id     string
	cli    *client.Client
	remove bool
	logger *slog.Logger

	stdout *io.PipeReader
	stderr *io.PipeReader

	done chan struct{}
	err  error

	killOnce sync.Once
}

func (h *containerHandle) follow(stdout, stderr *io.PipeWriter) {
	rc, err := h.cli.ContainerLogs(context.Background(), h.id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		stdout.CloseWithError(err)
		stderr.CloseWithError(err)
		return
	}
	defer rc.Close()
	_, err = stdcopy.StdCopy(stdout, stderr, rc)
	stdout.CloseWithError(err)
	stderr.CloseWithError(err)
}

func (h *containerHandle) wait(cancel context.CancelFunc, statusCh <-chan container.WaitResponse, errCh <-chan error) {
	defer cancel()
	select {
	case status := <-statusCh:
		if status.Error != nil {
			h.err = fmt.Errorf("container %s: %s", h.id, status.Error.Message)
		} else if status.StatusCode != 0 {
			h.err = &process.ExitError{ID: h.id, Code: int(status.StatusCode)}
		}
	case err := <-errCh:
		h.err = fmt.Errorf("waiting for container %s: %w", h.id, err)
	}
	if h.remove {
		if err := h.cli.ContainerRemove(context.Background(), h.id, container.RemoveOptions{Force: true}); err != nil {
			h.logger.Warn("Could not remove container", "id", h.id, "error", err)
		}
	}
	close(h.done)
}

func (h *containerHandle) ID() string            { return h.id }
func (h *containerHandle) Pid() int              { return 0 }
func (h *containerHandle) Stdout() io.ReadCloser { return h.stdout }
func (h *containerHandle) Stderr() io.ReadCloser { return h.stderr }
func (h *containerHandle) Done() <-chan struct{} { return h.done }

func (h *containerHandle) Err() error {
	<-h.done
	return h.err
}

func (h *containerHandle) Kill() error {
	var err error
	h.killOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}
		if killErr := h.cli.ContainerKill(context.Background(), h.id, "SIGKILL"); killErr != nil && !isGone(killErr) {
			err = fmt.Errorf("could not kill container %s: %w", h.id, killErr)
		}
	})
	return err
}

func isGone(err error) bool {
	return client.IsErrNotFound(err) || strings.Contains(err.Error(), "is not running")
}
