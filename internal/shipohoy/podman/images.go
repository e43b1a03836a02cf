package podman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ImageExists reports whether the image is present locally.
func (r *Runtime) ImageExists(ctx context.Context, image string) (bool, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return false, errors.New("image is required")
	}
	_, err := r.api.call(ctx, "image exists", http.MethodGet, "/libpod/images/"+image+"/exists", nil, nil, nil)
	switch {
	case err == nil:
		return true, nil
	case IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// EnsureImage pulls the image unless it is already present.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	log := r.log(ctx).With("image", image)
	ok, err := r.ImageExists(ctx, image)
	if err != nil {
		log.Warn("podman image check failed", "err", err)
		return err
	}
	if ok {
		log.Debug("podman image present")
		return nil
	}
	log.Info("podman image pull start")
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	query := url.Values{"reference": {image}, "quiet": {"true"}}
	res, err := r.api.open(pullCtx, "image pull", http.MethodPost, "/libpod/images/pull", query, nil)
	if err != nil {
		log.Warn("podman image pull failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	// The pull only finishes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, res.Body); err != nil {
		return fmt.Errorf("podman image pull: %w", err)
	}
	log.Info("podman image pull ok")
	return nil
}
