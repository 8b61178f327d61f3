// Package imagebuild builds the sandbox container image with BuildKit.
package imagebuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/moby/buildkit/client"

	"pkt.systems/pslog"
)

// Config configures the BuildKit builder.
type Config struct {
	Address string
}

// Spec describes a sandbox image build.
type Spec struct {
	ContextDir        string
	ContainerfileData []byte
	Tags              []string
	BuildArgs         map[string]string
	Timeout           time.Duration
	// OutputPath, when set, exports the image as an OCI tar instead of
	// into the worker's image store.
	OutputPath string
}

// Result captures build output metadata.
type Result struct {
	ImageNames []string
}

// EventKind categorizes build progress updates.
type EventKind string

const (
	// EventVertexStarted marks a build vertex start.
	EventVertexStarted EventKind = "vertex_started"
	// EventVertexCompleted marks a build vertex completion.
	EventVertexCompleted EventKind = "vertex_completed"
	// EventLog carries a build log line.
	EventLog EventKind = "log"
	// EventWarning carries a build warning.
	EventWarning EventKind = "warning"
)

// Event reports a build progress update.
type Event struct {
	Kind      EventKind
	VertexID  string
	Name      string
	Message   string
	Timestamp time.Time
	Error     string
}

// Builder builds images via BuildKit, trying fallback socket addresses.
type Builder struct {
	addresses []string
}

// New constructs a builder.
func New(cfg Config) *Builder {
	return &Builder{addresses: candidateAddresses(cfg.Address)}
}

// Build builds an image, streaming progress to events when non-nil.
func (b *Builder) Build(ctx context.Context, spec Spec, events chan<- Event) (Result, error) {
	log := pslog.Ctx(ctx).With("backend", "buildkit")
	if len(spec.Tags) == 0 {
		return Result{}, errors.New("build tags are required")
	}
	if len(spec.ContainerfileData) == 0 {
		return Result{}, errors.New("containerfile data is required")
	}
	contextDir := spec.ContextDir
	dir, err := os.MkdirTemp("", "pybox-containerfile-*")
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = os.RemoveAll(dir) }()
	containerfilePath := filepath.Join(dir, "Containerfile")
	if err := os.WriteFile(containerfilePath, spec.ContainerfileData, 0o600); err != nil {
		return Result{}, err
	}
	if contextDir == "" {
		contextDir = dir
	}

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = 20 * time.Minute
	}
	log.Info("image build start", "tags", spec.Tags, "timeout_ms", timeout.Milliseconds())
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bkclient, err := b.dial(buildCtx)
	if err != nil {
		log.Warn("image build failed", "err", err)
		return Result{}, err
	}
	defer func() { _ = bkclient.Close() }()

	attrs := map[string]string{
		"filename": filepath.Base(containerfilePath),
	}
	for k, v := range spec.BuildArgs {
		attrs["build-arg:"+k] = v
	}

	var statusCh chan *client.SolveStatus
	var wg sync.WaitGroup
	if events != nil {
		statusCh = make(chan *client.SolveStatus)
		wg.Add(1)
		go func() {
			defer wg.Done()
			emitEvents(buildCtx, statusCh, events)
		}()
	}

	exports, err := buildExports(spec)
	if err != nil {
		return Result{}, err
	}

	_, err = bkclient.Solve(buildCtx, nil, client.SolveOpt{
		Frontend:      "dockerfile.v0",
		FrontendAttrs: attrs,
		LocalDirs: map[string]string{
			"context":    contextDir,
			"dockerfile": filepath.Dir(containerfilePath),
		},
		Exports: exports,
	}, statusCh)
	if statusCh != nil {
		wg.Wait()
	}
	if err != nil {
		log.Warn("image build failed", "err", err)
		return Result{}, err
	}
	log.Info("image build ok", "tags", spec.Tags)
	return Result{ImageNames: spec.Tags}, nil
}

func emitEvents(ctx context.Context, statusCh <-chan *client.SolveStatus, events chan<- Event) {
	type vertexState struct {
		name      string
		started   bool
		completed bool
	}
	vertices := make(map[string]*vertexState)
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-statusCh:
			if !ok {
				return
			}
			for _, v := range status.Vertexes {
				if v == nil {
					continue
				}
				id := v.Digest.String()
				state := vertices[id]
				if state == nil {
					state = &vertexState{name: v.Name}
					vertices[id] = state
				}
				if v.Started != nil && !state.started {
					state.started = true
					send(ctx, events, Event{Kind: EventVertexStarted, VertexID: id, Name: state.name, Timestamp: *v.Started})
				}
				if v.Completed != nil && !state.completed {
					state.completed = true
					send(ctx, events, Event{Kind: EventVertexCompleted, VertexID: id, Name: state.name, Timestamp: *v.Completed, Error: v.Error})
				}
			}
			for _, logEntry := range status.Logs {
				if logEntry == nil {
					continue
				}
				msg := strings.TrimSpace(string(logEntry.Data))
				if msg == "" {
					continue
				}
				name := ""
				if state := vertices[logEntry.Vertex.String()]; state != nil {
					name = state.name
				}
				send(ctx, events, Event{Kind: EventLog, VertexID: logEntry.Vertex.String(), Name: name, Message: msg, Timestamp: logEntry.Timestamp})
			}
			for _, warn := range status.Warnings {
				if warn == nil {
					continue
				}
				short := strings.TrimSpace(string(warn.Short))
				if short == "" {
					continue
				}
				send(ctx, events, Event{Kind: EventWarning, VertexID: warn.Vertex.String(), Message: short})
			}
		}
	}
}

func buildExports(spec Spec) ([]client.ExportEntry, error) {
	if strings.TrimSpace(spec.OutputPath) != "" {
		if err := os.MkdirAll(filepath.Dir(spec.OutputPath), 0o755); err != nil {
			return nil, err
		}
		output := func(_ map[string]string) (io.WriteCloser, error) {
			return os.Create(spec.OutputPath)
		}
		return []client.ExportEntry{
			{
				Type:   client.ExporterOCI,
				Output: output,
				Attrs: map[string]string{
					"name":           strings.Join(spec.Tags, ","),
					"tar":            "true",
					"oci-mediatypes": "true",
				},
			},
		}, nil
	}
	return []client.ExportEntry{
		{
			Type: client.ExporterImage,
			Attrs: map[string]string{
				"name":           strings.Join(spec.Tags, ","),
				"push":           "false",
				"store":          "true",
				"unpack":         "true",
				"oci-mediatypes": "true",
			},
		},
	}, nil
}

func send(ctx context.Context, events chan<- Event, event Event) {
	if events == nil {
		return
	}
	select {
	case <-ctx.Done():
	case events <- event:
	default:
	}
}

func (b *Builder) dial(ctx context.Context) (*client.Client, error) {
	var lastErr error
	for _, addr := range b.addresses {
		c, err := client.New(ctx, addr)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("buildkit address not configured")
	}
	return nil, lastErr
}

func candidateAddresses(primary string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(primary)

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		add(fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "buildkit", "buildkitd.sock")))
	}
	userRunDir := filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	if userRunDir != runtimeDir {
		add(fmt.Sprintf("unix://%s", filepath.Join(userRunDir, "buildkit", "buildkitd.sock")))
	}
	add("unix:///run/buildkit/buildkitd.sock")
	return out
}
