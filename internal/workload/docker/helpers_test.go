package docker

import "github.com/docker/go-connections/nat"

func natPort(s string) nat.Port { return nat.Port(s) }
