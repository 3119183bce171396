package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	goarchive "github.com/moby/go-archive"
)

// EnsureImage builds the agent image from the configured Dockerfile when it is
// not present locally.
func (r *ContainerRunner) EnsureImage(ctx context.Context) error {
	images, err := r.docker.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", r.cfg.Image)),
	})
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	if len(images) > 0 {
		return nil
	}
	if r.cfg.Dockerfile == "" {
		return fmt.Errorf("agent image %s not found and no dockerfile configured", r.cfg.Image)
	}
	return r.BuildImage(ctx)
}

func (r *ContainerRunner) BuildImage(ctx context.Context) error {
	buildContext := r.cfg.BuildContext
	if buildContext == "" {
		buildContext = "."
	}

	tar, err := goarchive.TarWithOptions(buildContext, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer tar.Close()

	resp, err := r.docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{r.cfg.Image},
		Dockerfile: r.cfg.Dockerfile,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Warn("error reading build output", "error", err)
	}

	slog.Info("agent image built", "image", r.cfg.Image)
	return nil
}
