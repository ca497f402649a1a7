package main

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"

	"github.com/hivegate/hivegate/internal/config"
	"github.com/hivegate/hivegate/internal/sandbox"
)

// runBuildImage builds the sandbox template image from the working directory's
// Dockerfile.sandbox, tagged with the configured image name unless -t is given.
func runBuildImage(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	image := cfg.Sandbox.Image
	for i := 0; i < len(args); i++ {
		if args[i] == "-t" {
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -t")
			}
			i++
			image = args[i]
		}
	}

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer docker.Close()

	return sandbox.BuildTemplateImage(context.Background(), docker, image)
}
