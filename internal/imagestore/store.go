// Package imagestore imports built sandbox images into a containerd image
// store and answers presence queries.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"pkt.systems/pslog"
)

// Config configures the containerd connection.
type Config struct {
	Address   string
	Namespace string
}

// Store wraps a containerd client scoped to one namespace.
type Store struct {
	client    *containerd.Client
	namespace string
}

// New connects to containerd, trying fallback socket paths if needed.
func New(ctx context.Context, cfg Config) (*Store, error) {
	log := pslog.Ctx(ctx).With("store", "containerd")
	var lastErr error
	for _, addr := range candidateAddresses(cfg.Address) {
		log.Debug("containerd connect attempt", "address", addr)
		client, err := containerd.New(addr)
		if err == nil {
			namespace := cfg.Namespace
			if namespace == "" {
				namespace = "pybox"
			}
			log.Info("containerd image store ready", "address", addr, "namespace", namespace)
			return &Store{client: client, namespace: namespace}, nil
		}
		log.Warn("containerd connect failed", "address", addr, "err", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("containerd address not configured")
	}
	return nil, lastErr
}

// Close releases the containerd client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// ImageExists reports whether an image exists locally without pulling.
func (s *Store) ImageExists(ctx context.Context, image string) (bool, error) {
	if strings.TrimSpace(image) == "" {
		return false, errors.New("image is required")
	}
	ctx = namespaces.WithNamespace(ctx, s.namespace)
	if _, err := s.client.GetImage(ctx, image); err == nil {
		return true, nil
	} else if errdefs.IsNotFound(err) {
		return false, nil
	} else {
		return false, err
	}
}

// Import loads an OCI tar into the image store and applies the tags.
func (s *Store) Import(ctx context.Context, tarPath string, tags []string) error {
	if strings.TrimSpace(tarPath) == "" {
		return errors.New("tar path is required")
	}
	log := pslog.Ctx(ctx).With("tar", tarPath)
	log.Info("image import start", "tags", tags)
	file, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	ctx = namespaces.WithNamespace(ctx, s.namespace)
	imported, err := s.client.Import(ctx, file)
	if err != nil {
		log.Warn("image import failed", "err", err)
		return err
	}
	if len(tags) == 0 {
		log.Info("image import ok", "images", len(imported))
		return nil
	}
	if len(imported) == 0 {
		return errors.New("import did not return any images")
	}
	existing := map[string]struct{}{}
	for _, img := range imported {
		if strings.TrimSpace(img.Name) == "" {
			continue
		}
		existing[img.Name] = struct{}{}
	}
	target := imported[0].Target
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := existing[tag]; ok {
			continue
		}
		if _, err := s.client.GetImage(ctx, tag); err == nil {
			continue
		} else if !errdefs.IsNotFound(err) {
			return err
		}
		if err := s.tagImage(ctx, tag, target); err != nil {
			log.Warn("image tag failed", "tag", tag, "err", err)
			return err
		}
	}
	log.Info("image import ok", "images", len(imported))
	return nil
}

func (s *Store) tagImage(ctx context.Context, name string, target ocispec.Descriptor) error {
	if _, err := s.client.GetImage(ctx, name); err == nil {
		_, err = s.client.ImageService().Update(ctx, images.Image{Name: name, Target: target}, "target")
		return err
	} else if !errdefs.IsNotFound(err) {
		return err
	}
	_, err := s.client.ImageService().Create(ctx, images.Image{Name: name, Target: target})
	return err
}

func candidateAddresses(primary string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		addr = normalizeAddress(addr)
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
		add(filepath.Join(runtimeDir, "containerd", "containerd.sock"))
	}
	userRunDir := filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	if userRunDir != runtimeDir {
		add(filepath.Join(userRunDir, "containerd", "containerd.sock"))
	}
	add("/run/containerd/containerd.sock")
	return out
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	addr = strings.TrimPrefix(addr, "unix://")
	addr = strings.TrimPrefix(addr, "unix:")
	return addr
}
