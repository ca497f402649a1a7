package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"
	goarchive "github.com/moby/go-archive"
)

// BuildTemplateImage builds the default sandbox template from the working
// directory's Dockerfile.sandbox.
func BuildTemplateImage(ctx context.Context, docker *client.Client, imageName string) error {
	cwd, _ := os.Getwd()

	tar, err := goarchive.TarWithOptions(cwd, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}

	resp, err := docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{imageName},
		Dockerfile: "Dockerfile.sandbox",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	// Drain the build output
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Warn("error reading build output", "error", err)
	}

	slog.Info("sandbox template image built", "image", imageName)
	return nil
}
