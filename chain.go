package tunnel

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// gatewayChain opens session S1 to Gateways[0], then for i=2..n opens a
// direct-tcpip channel on S(i-1) to G(i)'s address and wraps that channel
// as the transport for S(i) (4.H). Rules attach to the last session only.
// Any failure mid-chain aborts and unwinds all opened sessions, last-opened
// hop first.
type gatewayChain struct {
	sessions []*Session
}

// openGatewayChain builds every hop in order. credentialsFor resolves the
// credential list for a given hop index, since each gateway may carry its
// own Credentials.
func openGatewayChain(ctx context.Context, gateways []GatewaySpec, credentialsFor func(i int, g GatewaySpec) ([]Credential, error), proxyCommand string, logger *logrus.Logger) (*gatewayChain, error) {
	if len(gateways) == 0 {
		return nil, &ConfigError{Value: "gateways", Msg: "at least one gateway is required"}
	}

	chain := &gatewayChain{}

	for i, gw := range gateways {
		creds, err := credentialsFor(i, gw)
		if err != nil {
			chain.closeAll()
			return nil, err
		}

		var carrier net.Conn
		if i == 0 {
			if proxyCommand != "" {
				carrier, err = dialViaProxyCommand(ctx, proxyCommand, gw.Address)
			} else {
				d := net.Dialer{Timeout: 10 * time.Second}
				carrier, err = d.DialContext(ctx, "tcp", gw.Address.String())
			}
		} else {
			carrier, err = chain.sessions[i-1].dialThroughChannel(gw.Address)
		}
		if err != nil {
			chain.closeAll()
			return nil, &SessionError{Gateway: gw.Address.String(), Cause: err}
		}

		session, err := openSession(ctx, carrier, gw, creds, logger)
		if err != nil {
			chain.closeAll()
			return nil, err
		}
		if gw.Compression {
			logger.Debugf("compression requested for %s; not applied, the transport is opened without compression", gw.Address.String())
		}
		session.setKeepalive(gw.KeepaliveInterval)
		chain.sessions = append(chain.sessions, session)
	}

	return chain, nil
}

// terminal returns the session that forwarding rules attach to: the last
// hop in the chain.
func (c *gatewayChain) terminal() *Session {
	if len(c.sessions) == 0 {
		return nil
	}
	return c.sessions[len(c.sessions)-1]
}

// closeAll closes every opened session from outer (last) to inner (first),
// per §4.H's stop ordering.
func (c *gatewayChain) closeAll() {
	for i := len(c.sessions) - 1; i >= 0; i-- {
		c.sessions[i].close()
	}
	c.sessions = nil
}
