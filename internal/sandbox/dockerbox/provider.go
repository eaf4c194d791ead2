// Package dockerbox runs sandbox instances as Docker containers. Every
// container it creates carries the leon.managed label so the orphan scan
// can find instances the lease table has lost track of.
package dockerbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getleon/leon/internal/common/apperr"
	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/sandbox"
)

const (
	// LabelManaged marks containers created by this provider.
	LabelManaged = "leon.managed"
	// LabelSession links a container back to its session.
	LabelSession = "leon.session_id"
	// LabelThread links a container back to its thread.
	LabelThread = "leon.thread_id"

	defaultImage       = "ubuntu:24.04"
	defaultStopTimeout = 10 * time.Second
)

// Config holds the Docker provider configuration.
type Config struct {
	Host        string `mapstructure:"host"`
	APIVersion  string `mapstructure:"api_version"`
	Image       string `mapstructure:"image"`
	NetworkMode string `mapstructure:"network_mode"`
	Memory      int64  `mapstructure:"memory"`
	CPUQuota    int64  `mapstructure:"cpu_quota"`

	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// Provider implements sandbox.Provider over the Docker daemon.
type Provider struct {
	cli    *client.Client
	cfg    Config
	logger *logger.Logger
}

// New creates the Docker provider.
func New(cfg Config, log *logger.Logger) (*Provider, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}

	log.Info("docker sandbox provider created",
		zap.String("host", cfg.Host),
		zap.String("image", cfg.Image),
	)

	return &Provider{
		cli:    cli,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "dockerbox")),
	}, nil
}

// Name returns the provider key used in leases and config.
func (p *Provider) Name() string { return "docker" }

// Close closes the underlying Docker client.
func (p *Provider) Close() error {
	return p.cli.Close()
}

// Ping checks that the Docker daemon is reachable.
func (p *Provider) Ping(ctx context.Context) error {
	if _, err := p.cli.Ping(ctx); err != nil {
		return apperr.Wrap(apperr.KindTransientUpstream, "docker.ping", err)
	}
	return nil
}

// Create creates and starts a container for the lease. The container
// idles on sleep; all work happens through Exec.
func (p *Provider) Create(ctx context.Context, cfg sandbox.InstanceConfig) (string, error) {
	img := cfg.Image
	if img == "" {
		img = p.cfg.Image
	}

	labels := map[string]string{LabelManaged: "true"}
	if cfg.SessionID != "" {
		labels[LabelSession] = cfg.SessionID
	}
	if cfg.ThreadID != "" {
		labels[LabelThread] = cfg.ThreadID
	}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	containerCfg := &container.Config{
		Image:      img,
		Cmd:        []string{"sleep", "infinity"},
		Env:        cfg.Env,
		WorkingDir: cfg.WorkDir,
		Labels:     labels,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.cfg.NetworkMode),
		Resources: container.Resources{
			Memory:   p.cfg.Memory,
			CPUQuota: p.cfg.CPUQuota,
		},
	}

	name := containerName(cfg.SessionID)
	p.logger.Info("creating container",
		zap.String("name", name),
		zap.String("image", img),
		zap.String("session_id", cfg.SessionID),
	)

	resp, err := p.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if errdefs.IsNotFound(err) {
		if pullErr := p.pullImage(ctx, img); pullErr != nil {
			return "", pullErr
		}
		resp, err = p.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransientUpstream, "docker.create", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", apperr.Wrap(apperr.KindTransientUpstream, "docker.start", err)
	}

	p.logger.Info("container started", zap.String("instance_id", resp.ID), zap.String("name", name))
	return resp.ID, nil
}

func (p *Provider) pullImage(ctx context.Context, img string) error {
	p.logger.Info("pulling image", zap.String("image", img))
	reader, err := p.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return apperr.Wrap(apperr.KindTransientUpstream, "docker.pull", err)
	}
	defer reader.Close()

	// Drain the progress stream so the pull completes before returning.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return apperr.Wrap(apperr.KindTransientUpstream, "docker.pull", err)
	}
	return nil
}

// Status inspects the container and maps its state. A missing container
// reads as destroyed.
func (p *Provider) Status(ctx context.Context, instanceID string) (sandbox.State, error) {
	inspect, err := p.cli.ContainerInspect(ctx, instanceID)
	if errdefs.IsNotFound(err) {
		return sandbox.StateDestroyed, nil
	}
	if err != nil {
		return sandbox.StateUnknown, apperr.Wrap(apperr.KindTransientUpstream, "docker.status", err)
	}
	return stateFromDocker(inspect.State.Status), nil
}

// Pause freezes the container's processes.
func (p *Provider) Pause(ctx context.Context, instanceID string) error {
	if err := p.cli.ContainerPause(ctx, instanceID); err != nil {
		if errdefs.IsNotFound(err) {
			return apperr.NotFoundf("instance %s not found", instanceID)
		}
		return apperr.Wrap(apperr.KindTransientUpstream, "docker.pause", err)
	}
	p.logger.Info("container paused", zap.String("instance_id", instanceID))
	return nil
}

// Resume unfreezes a paused container.
func (p *Provider) Resume(ctx context.Context, instanceID string) error {
	if err := p.cli.ContainerUnpause(ctx, instanceID); err != nil {
		if errdefs.IsNotFound(err) {
			return apperr.NotFoundf("instance %s not found", instanceID)
		}
		return apperr.Wrap(apperr.KindTransientUpstream, "docker.resume", err)
	}
	p.logger.Info("container resumed", zap.String("instance_id", instanceID))
	return nil
}

// Destroy stops and removes the container. Destroying a container that
// is already gone succeeds.
func (p *Provider) Destroy(ctx context.Context, instanceID string) error {
	timeoutSeconds := int(p.cfg.StopTimeout.Seconds())
	err := p.cli.ContainerStop(ctx, instanceID, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil && !errdefs.IsNotFound(err) {
		p.logger.Warn("container stop failed, removing anyway",
			zap.String("instance_id", instanceID), zap.Error(err))
	}

	err = p.cli.ContainerRemove(ctx, instanceID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.KindTransientUpstream, "docker.destroy", err)
	}

	p.logger.Info("container removed", zap.String("instance_id", instanceID))
	return nil
}

// Exec runs a command inside the container and returns its combined
// output and exit code.
func (p *Provider) Exec(ctx context.Context, instanceID string, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	created, err := p.cli.ContainerExecCreate(ctx, instanceID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-lc", req.Command},
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   req.Dir,
		Env:          req.Env,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, apperr.NotFoundf("instance %s not found", instanceID)
		}
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "docker.exec", err)
	}

	attach, err := p.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "docker.exec", err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- demultiplex(attach.Reader, &buf)
	}()

	select {
	case <-ctx.Done():
		attach.Close()
		<-done
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, apperr.Wrap(apperr.KindTransientUpstream, "docker.exec", err)
		}
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "docker.exec", err)
	}

	return &sandbox.ExecResult{
		Output:   buf.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// ListInstances returns all containers carrying the managed label,
// including stopped ones, for the orphan scan.
func (p *Provider) ListInstances(ctx context.Context) ([]sandbox.Instance, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", LabelManaged+"=true")

	containers, err := p.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUpstream, "docker.list", err)
	}

	instances := make([]sandbox.Instance, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		instances = append(instances, sandbox.Instance{
			Provider:  p.Name(),
			ID:        ctr.ID,
			Name:      name,
			State:     stateFromDocker(ctr.State),
			Labels:    ctr.Labels,
			CreatedAt: time.Unix(ctr.Created, 0).UTC(),
		})
	}
	return instances, nil
}

// stateFromDocker maps a Docker container state onto the lease state
// space. An exited container reads as destroyed so the reconciler
// provisions a replacement; the exited container then surfaces in the
// orphan scan.
func stateFromDocker(s string) sandbox.State {
	switch s {
	case "created", "restarting":
		return sandbox.StateProvisioning
	case "running":
		return sandbox.StateActive
	case "paused":
		return sandbox.StatePaused
	case "exited", "removing":
		return sandbox.StateDestroyed
	case "dead":
		return sandbox.StateError
	default:
		return sandbox.StateUnknown
	}
}

// containerName builds a unique, docker-safe container name. Fresh
// randomness per create avoids name collisions when a session's
// previous container exited but was not yet removed.
func containerName(sessionID string) string {
	suffix := uuid.NewString()[:8]
	if sessionID == "" {
		return "leon-" + suffix
	}
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("leon-%s-%s", short, suffix)
}

// demultiplex reads Docker's multiplexed stream format and writes both
// stdout and stderr frames to w. Frame header: byte 0 is the stream
// type, bytes 4-7 the big-endian frame size.
func demultiplex(r io.Reader, w io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return err
		}
		if streamType == 1 || streamType == 2 {
			if _, err := w.Write(data); err != nil {
				return err
			}
		}
	}
}
