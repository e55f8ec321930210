package methods

import (
	"context"

	"github.com/knightbot/knightbot/internal/config"
	"github.com/knightbot/knightbot/internal/gateway"
	"github.com/knightbot/knightbot/pkg/protocol"
)

// ConfigSource returns the active configuration. It is a func so hot
// reloads are visible without re-registering.
type ConfigSource func() *config.Config

// ConfigMethods handles config.get.
type ConfigMethods struct {
	current ConfigSource
	path    string
}

func NewConfigMethods(current ConfigSource, path string) *ConfigMethods {
	return &ConfigMethods{current: current, path: path}
}

func (m *ConfigMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodConfigGet, m.handleGet)
}

func (m *ConfigMethods) handleGet(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"config": m.current().MaskedCopy(),
		"path":   m.path,
	}))
}
