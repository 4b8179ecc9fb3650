// SPDX-License-Identifier: Apache-2.0
// Package compose adapts target modules onto the docker compose CLI for
// lifecycle operations and log streaming, and onto the Docker SDK for
// container status and orphan cleanup.
package compose

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/samurai-wtf/katana/internal/katanaerr"
	"github.com/samurai-wtf/katana/internal/resilience"
)

const projectLabel = "com.docker.compose.project"

// ContainerError wraps a failed docker/compose invocation, preserving the
// runtime's exit status and stderr verbatim.
type ContainerError struct {
	Op       string
	Project  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ContainerError) Error() string {
	return fmt.Sprintf("compose %s (project %s) failed: %s", e.Op, e.Project, e.Stderr)
}

func (e *ContainerError) Unwrap() error { return e.Err }

// ContainerStatus describes one container belonging to a compose project.
type ContainerStatus struct {
	Name   string
	State  string
	Image  string
	Uptime string
}

// Status summarizes the state of every container in a target's project.
type Status struct {
	Containers []ContainerStatus
	AllRunning bool
	AnyRunning bool
}

// EnvRewriter turns a logical name into a fully qualified hostname; keys
// ending in "_HOST" in a module's env block are rewritten through it.
type EnvRewriter func(name string) string

// Adapter is a uniform interface over the external container runtime.
type Adapter struct {
	network string
	docker  *client.Client

	readRetry resilience.RetryConfig
	mutateCB  *resilience.CircuitBreaker

	statusCacheMu sync.Mutex
	statusCache   map[string]*Status
}

// New creates an Adapter. dockerNetwork names the shared network that Up
// creates on first use if absent.
func New(dockerNetwork string) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, katanaerr.New(katanaerr.CodeDocker, "create docker client", err)
	}
	return &Adapter{
		network: dockerNetwork,
		docker:  cli,
		readRetry: resilience.DefaultRetryConfig().
			WithMaxAttempts(3).
			WithInitialDelay(200 * time.Millisecond),
		mutateCB: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "compose-mutate",
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		}),
		statusCache: make(map[string]*Status),
	}, nil
}

// ProjectName returns the compose project name for a module.
func ProjectName(moduleName string) string {
	return "katana-" + moduleName
}

// ensureNetwork creates the shared docker network if it does not exist yet.
func (a *Adapter) ensureNetwork(ctx context.Context) error {
	_, err := a.docker.NetworkInspect(ctx, a.network, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return katanaerr.New(katanaerr.CodeDocker, "inspect docker network "+a.network, err)
	}
	if _, err := a.docker.NetworkCreate(ctx, a.network, network.CreateOptions{}); err != nil {
		return katanaerr.New(katanaerr.CodeDocker, "create docker network "+a.network, err)
	}
	return nil
}

// Up brings up every service in the module's compose file, rewriting any
// env var whose key ends "_HOST" through rewrite, after making sure the
// shared docker network exists. The adapter itself does not connect the
// project's containers to that network.
func (a *Adapter) Up(ctx context.Context, moduleName, composePath string, env map[string]string, rewrite EnvRewriter) error {
	if err := a.ensureNetwork(ctx); err != nil {
		return err
	}

	envArgs := make([]string, 0, len(env))
	for k, v := range env {
		if strings.HasSuffix(k, "_HOST") && rewrite != nil {
			v = rewrite(v)
		}
		envArgs = append(envArgs, fmt.Sprintf("%s=%s", k, v))
	}

	project := ProjectName(moduleName)
	return a.mutateCB.Call(ctx, func() error {
		_, stderr, err := runCompose(ctx, composePath, project, envArgs, "up", "-d", "--wait")
		if err != nil {
			return &ContainerError{Op: "up", Project: project, Stderr: stderr, Err: err}
		}
		return nil
	})
}

// Down tears down the module's compose project, removing its containers
// and networks; volumes are left in place.
func (a *Adapter) Down(ctx context.Context, moduleName, composePath string) error {
	project := ProjectName(moduleName)
	return a.mutateCB.Call(ctx, func() error {
		_, stderr, err := runCompose(ctx, composePath, project, nil, "down")
		if err != nil {
			return &ContainerError{Op: "down", Project: project, Stderr: stderr, Err: err}
		}
		return nil
	})
}

// Start restarts a previously installed, stopped project.
func (a *Adapter) Start(ctx context.Context, moduleName, composePath string) error {
	project := ProjectName(moduleName)
	return a.mutateCB.Call(ctx, func() error {
		_, stderr, err := runCompose(ctx, composePath, project, nil, "start")
		if err != nil {
			return &ContainerError{Op: "start", Project: project, Stderr: stderr, Err: err}
		}
		return nil
	})
}

// Stop stops a project's containers without removing them.
func (a *Adapter) Stop(ctx context.Context, moduleName, composePath string) error {
	project := ProjectName(moduleName)
	return a.mutateCB.Call(ctx, func() error {
		_, stderr, err := runCompose(ctx, composePath, project, nil, "stop")
		if err != nil {
			return &ContainerError{Op: "stop", Project: project, Stderr: stderr, Err: err}
		}
		return nil
	})
}

// runCompose shells out to the docker compose CLI with the given compose
// file and project, returning its stdout and stderr separately for
// diagnostics.
func runCompose(ctx context.Context, composePath, project string, env []string, args ...string) (stdout, stderr string, err error) {
	full := append([]string{"compose", "-p", project, "-f", composePath}, args...)
	cmd := exec.CommandContext(ctx, "docker", full...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}

	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	return outBuf.String(), errBuf.String(), runErr
}

// Status lists the containers belonging to a project via the Docker SDK,
// filtering by the compose project label.
func (a *Adapter) Status(ctx context.Context, moduleName string) (*Status, error) {
	project := ProjectName(moduleName)
	f := filters.NewArgs(filters.Arg("label", projectLabel+"="+project))

	var containers []container.Summary
	err := a.readRetry.Do(ctx, func() error {
		var listErr error
		containers, listErr = a.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
		return listErr
	})
	if err != nil {
		return a.statusFallback(ctx, moduleName, katanaerr.New(katanaerr.CodeDocker, "list containers for project "+project, err))
	}

	st := &Status{AllRunning: len(containers) > 0}
	for _, c := range containers {
		running := c.State == "running"
		st.AnyRunning = st.AnyRunning || running
		st.AllRunning = st.AllRunning && running
		name := strings.TrimPrefix(firstOrEmpty(c.Names), "/")
		st.Containers = append(st.Containers, ContainerStatus{
			Name:   name,
			State:  c.State,
			Image:  c.Image,
			Uptime: c.Status,
		})
	}

	a.statusCacheMu.Lock()
	a.statusCache[moduleName] = st
	a.statusCacheMu.Unlock()
	return st, nil
}

// statusFallback serves the last known good status for moduleName when a
// live docker query fails, so a flapping daemon doesn't blank out the
// dashboard's view of targets it already reported on successfully.
func (a *Adapter) statusFallback(ctx context.Context, moduleName string, liveErr error) (*Status, error) {
	a.statusCacheMu.Lock()
	cached := a.statusCache[moduleName]
	a.statusCacheMu.Unlock()
	if cached == nil {
		return nil, liveErr
	}

	fallback := &resilience.CachedFallback{Cache: cached}
	value, err := fallback.Execute(ctx, liveErr)
	if err != nil {
		return nil, liveErr
	}
	return value.(*Status), nil
}

func firstOrEmpty(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// Logs streams a project's container logs via the compose CLI.
func (a *Adapter) Logs(ctx context.Context, moduleName, composePath string, follow bool, tail int, w io.Writer) error {
	project := ProjectName(moduleName)
	args := []string{"compose", "-p", project, "-f", composePath, "logs"}
	if follow {
		args = append(args, "-f")
	}
	if tail > 0 {
		args = append(args, "--tail", fmt.Sprintf("%d", tail))
	}

	cmd := exec.CommandContext(ctx, "docker", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return katanaerr.New(katanaerr.CodeDocker, "attach log stream for "+project, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return katanaerr.New(katanaerr.CodeDocker, "start log stream for "+project, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintln(w, scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		if !follow {
			return katanaerr.New(katanaerr.CodeDocker, "log stream exited for "+project, err)
		}
	}
	return nil
}

// Ping verifies the Docker daemon is reachable, distinguishing
// "not running" from a generic connectivity failure for doctor/status use.
func (a *Adapter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	err := a.readRetry.Do(ctx, func() error {
		_, pingErr := a.docker.Ping(ctx)
		return pingErr
	})
	if err != nil {
		if client.IsErrConnectionFailed(err) {
			return katanaerr.New(katanaerr.CodeDockerNotRunning, "docker daemon unreachable", err).
				WithHelp("start the Docker daemon and retry")
		}
		return katanaerr.New(katanaerr.CodeDockerPermission, "docker daemon ping failed", err).
			WithHelp("check that the current user has permission to access the docker socket")
	}
	return nil
}

// Close releases the underlying Docker SDK client.
func (a *Adapter) Close() error {
	return a.docker.Close()
}

// Orphan describes a container carrying a katana- compose project label
// that no installed target in state accounts for.
type Orphan struct {
	ContainerID string
	Project     string
	Names       []string
}

// ListOrphans lists every container labeled with a katana- compose
// project not present in knownProjects, for the cleanup command to
// report or remove.
func (a *Adapter) ListOrphans(ctx context.Context, knownProjects []string) ([]Orphan, error) {
	known := make(map[string]bool, len(knownProjects))
	for _, p := range knownProjects {
		known[p] = true
	}

	containers, err := a.docker.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, katanaerr.New(katanaerr.CodeDocker, "list containers", err)
	}

	var orphans []Orphan
	for _, c := range containers {
		project := c.Labels[projectLabel]
		if !strings.HasPrefix(project, "katana-") || known[project] {
			continue
		}
		orphans = append(orphans, Orphan{ContainerID: c.ID, Project: project, Names: c.Names})
	}
	return orphans, nil
}

// RemoveOrphan force-stops and removes a single orphaned container. No
// compose file is assumed to exist for it, so this goes through the SDK
// directly rather than `docker compose down`.
func (a *Adapter) RemoveOrphan(ctx context.Context, containerID string) error {
	timeout := 10
	if err := a.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		return katanaerr.New(katanaerr.CodeDocker, "stop orphaned container "+containerID, err)
	}
	if err := a.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return katanaerr.New(katanaerr.CodeDocker, "remove orphaned container "+containerID, err)
	}
	return nil
}
