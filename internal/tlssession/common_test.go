package tlssession

import (
	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/runtimex"
	"github.com/facboy/openvpn3/internal/session"
	"github.com/facboy/openvpn3/pkg/config"
)

func makeTestingSession() *session.Manager {
	manager, err := session.NewManager(config.NewConfig())
	runtimex.PanicOnError(err, "could not get session manager")
	manager.SetRemoteSessionID(model.SessionID{0x01})
	return manager
}
