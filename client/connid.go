package client

import (
	"net"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// ConnectionID identifies logical connection. Comparable, usable as map key.
// Two IDs with identical servers descriptor and id are equal.
type ConnectionID struct {
	Servers string
	ID      string
}

func (c ConnectionID) String() string { return c.ID + "@" + c.Servers }

type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

// Endpoints is ordered set of redundant servers, unique by host. Immutable.
type Endpoints struct {
	list []Endpoint
}

// ParseEndpoints reads "host1:port1[,host2:port2...]".
// Repeated host keeps its first position, last port wins.
// All errors satisfy errors.IsNotValid.
func ParseEndpoints(descriptor string) (*Endpoints, error) {
	if descriptor == "" {
		return nil, errors.NewNotValid(nil, "servers descriptor is empty, at least one endpoint is mandatory")
	}
	eps := &Endpoints{}
	index := make(map[string]int)
	for _, token := range strings.Split(descriptor, ",") {
		parts := strings.Split(token, ":")
		if len(parts) != 2 {
			return nil, errors.NotValidf("endpoint=%q expected host:port", token)
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, errors.NotValidf("endpoint=%q port", token)
		}
		if port <= 0 {
			return nil, errors.NotValidf("endpoint=%q port must be positive", token)
		}
		host := parts[0]
		if i, ok := index[host]; ok {
			eps.list[i].Port = port
			continue
		}
		index[host] = len(eps.list)
		eps.list = append(eps.list, Endpoint{Host: host, Port: port})
	}
	return eps, nil
}

// ParseEndpointsPtr distinguishes missing descriptor (errors.IsNotFound)
// from invalid one (errors.IsNotValid).
func ParseEndpointsPtr(descriptor *string) (*Endpoints, error) {
	if descriptor == nil {
		return nil, errors.NotFoundf("servers descriptor")
	}
	return ParseEndpoints(*descriptor)
}

func NewConnectionID(servers, id string) (ConnectionID, *Endpoints, error) {
	eps, err := ParseEndpoints(servers)
	if err != nil {
		return ConnectionID{}, nil, errors.Annotatef(err, "connection=%s", id)
	}
	return ConnectionID{Servers: servers, ID: id}, eps, nil
}

func (e *Endpoints) Len() int { return len(e.list) }

func (e *Endpoints) At(i int) Endpoint { return e.list[i] }

func (e *Endpoints) Port(host string) (int, bool) {
	for _, ep := range e.list {
		if ep.Host == host {
			return ep.Port, true
		}
	}
	return 0, false
}

// Next returns endpoint at cursor and cursor of the following one,
// wrapping after the last endpoint. Negative or overflow cursor restarts from first.
func (e *Endpoints) Next(cursor int) (Endpoint, int) {
	if cursor < 0 || cursor >= len(e.list) {
		cursor = 0
	}
	return e.list[cursor], (cursor + 1) % len(e.list)
}

func (e *Endpoints) String() string {
	ss := make([]string, len(e.list))
	for i, ep := range e.list {
		ss[i] = ep.Host + ":" + strconv.Itoa(ep.Port)
	}
	return strings.Join(ss, ",")
}
