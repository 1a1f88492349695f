package process

import (
	"context"
	"errors"
)

var ErrNoContainerSpawner = errors.New("no container spawner configured")

// Router sends commands with an image to Container and all others to Host.
type Router struct {
	Host      Spawner
	Container Spawner
}

func (r *Router) Spawn(ctx context.Context, c Command) (Handle, error) {
	if c.Image == "" {
		return r.Host.Spawn(ctx, c)
	}
	if r.Container == nil {
		return nil, ErrNoContainerSpawner
	}
	return r.Container.Spawn(ctx, c)
}
