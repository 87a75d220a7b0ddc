package client

import (
	"github.com/juju/errors"
	"github.com/temoto/iec104/iec"
)

// Commander is the part of Connection used by Gateway.
type Commander interface {
	ExecuteCommand(cmd iec.Command) bool
}

// Gateway turns loosely typed producer messages into connection commands.
type Gateway struct {
	conn    Commander
	name    string
	metrics *Metrics
}

func NewGateway(c *Connection) *Gateway {
	return &Gateway{conn: c, name: c.id.ID, metrics: c.opt.Metrics}
}

// NewGatewayCommander is for producers not bound to *Connection, e.g. tests.
func NewGatewayCommander(c Commander) *Gateway { return &Gateway{conn: c} }

// Send accepts iec.Command of known type only, text forms are parsed by producers.
// Errors: cause ErrInvalidCommand for anything else, ErrNotConnected when connection refused to send.
func (g *Gateway) Send(body interface{}) error {
	cmd, ok := body.(iec.Command)
	if !ok || cmd == nil {
		g.metrics.command(g.name, "invalid")
		return errors.Annotatef(ErrInvalidCommand, "body type=%T", body)
	}
	if !cmd.Type().Known() {
		g.metrics.command(g.name, "invalid")
		return errors.Annotatef(ErrInvalidCommand, "body type=%T command type=%d", body, cmd.Type())
	}
	if !g.conn.ExecuteCommand(cmd) {
		return errors.Annotatef(ErrNotConnected, "command %s", cmd)
	}
	return nil
}
