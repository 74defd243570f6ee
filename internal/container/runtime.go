// Package container drives the container runtime that hosts execution processes.
package container

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("container not found")
	ErrNameConflict  = errors.New("container name already in use")
	ErrImageNotFound = errors.New("image not found")
)

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec describes a container to create. Env values are handed to the runtime
// out of band and never appear on a command line.
type Spec struct {
	Name          string
	Image         string
	Command       []string
	Env           map[string]string
	Mounts        []Mount
	WorkingDir    string
	ContainerPort int
	HostIP        string
	Network       string
	Labels        map[string]string
}

type Info struct {
	ID       string
	Name     string
	Status   string
	Running  bool
	HostPort int
	Created  time.Time
	Labels   map[string]string
}

type Runtime interface {
	EnsureImage(ctx context.Context, image string) error
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string, containerPort int) (Info, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context, namePrefix string) ([]Info, error)
}
