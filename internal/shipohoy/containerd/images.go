package containerd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	containerd "github.com/containerd/containerd/v2/client"
	transferimage "github.com/containerd/containerd/v2/core/transfer/image"
	"github.com/containerd/containerd/v2/core/transfer/registry"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
)

// EnsureImage pulls the image unless it is already in the namespace.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	_, err := r.ensureImage(ctx, image)
	return err
}

func (r *Runtime) ensureImage(ctx context.Context, image string) (containerd.Image, error) {
	if strings.TrimSpace(image) == "" {
		return nil, errors.New("image is required")
	}
	log := r.log(ctx).With("image", image)
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	img, err := r.client.GetImage(ctx, image)
	if err == nil {
		log.Debug("containerd image present")
		return img, nil
	}
	if !errdefs.IsNotFound(err) {
		log.Warn("containerd image lookup failed", "err", err)
		return nil, err
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	// Rootless daemons only accept pulls through the transfer service.
	rootless := os.Geteuid() != 0
	log.Info("containerd image pull start", "rootless", rootless)
	pulled, err := r.pullWithTransfer(pullCtx, image, !rootless)
	if err == nil {
		log.Info("containerd image pull ok", "method", "transfer")
		return pulled, nil
	}
	if rootless {
		log.Warn("containerd image pull failed", "err", err)
		return nil, fmt.Errorf("transfer pull failed: %w", err)
	}
	img, err = r.client.Pull(pullCtx, image, containerd.WithPullUnpack)
	if err != nil {
		log.Warn("containerd image pull failed", "err", err)
		return nil, err
	}
	log.Info("containerd image pull ok", "method", "pull")
	return img, nil
}

func (r *Runtime) pullWithTransfer(ctx context.Context, image string, unpack bool) (containerd.Image, error) {
	var opts []transferimage.StoreOpt
	if unpack {
		opts = append(opts, transferimage.WithUnpack(platforms.DefaultSpec(), ""))
	}
	reg, err := registry.NewOCIRegistry(ctx, image)
	if err != nil {
		return nil, err
	}
	if err := r.client.Transfer(ctx, reg, transferimage.NewStore(image, opts...)); err != nil {
		return nil, err
	}
	return r.client.GetImage(ctx, image)
}
