package reliabletransport

import (
	"github.com/apex/log"

	"github.com/facboy/openvpn3/internal/bytesx"
	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/session"
	"github.com/facboy/openvpn3/internal/workers"
	"github.com/facboy/openvpn3/pkg/config"
)

//
// Common utilities for tests in this package.
//

// initManagers initializes a workers manager and a session manager.
func initManagers() (*workers.Manager, *session.Manager) {
	w := workers.NewManager(log.Log)
	s, err := session.NewManager(config.NewConfig(config.WithLogger(log.Log)))
	if err != nil {
		panic(err)
	}
	return w, s
}

// newRandomSessionID returns a random session ID to initialize mock sessions.
func newRandomSessionID() model.SessionID {
	b, err := bytesx.GenRandomBytes(8)
	if err != nil {
		panic(err)
	}
	return model.SessionID(b)
}

func ackSetFromInts(s []int) *ackSet {
	acks := make([]model.PacketID, 0)
	for _, i := range s {
		acks = append(acks, model.PacketID(i))
	}
	return newACKSet(acks...)
}
