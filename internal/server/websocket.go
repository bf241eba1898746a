package server

import (
	"fmt"

	"github.com/kataras/iris/v12"

	"sdvault/internal/config"
	"sdvault/internal/transport"
)

// StreamHandler returns the /api/v1/stream handler for the configured
// transport backend. Both feed the same hub.
func StreamHandler(backend string, hub *transport.Hub) (iris.Handler, error) {
	switch backend {
	case config.TransportWebsocket:
		return iris.FromStd(transport.NewWebsocketServer(hub)), nil
	case config.TransportNeffos:
		return transport.NewNeffosServer(hub).Handler(), nil
	}
	return nil, fmt.Errorf("unknown transport backend %q", backend)
}
