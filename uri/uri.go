//Package uri parses and represents pool connection strings of the form
// scheme://[user[.worker][:password]@]host:port[/path]
package uri

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
)

//ProtocolFamily selects which client state machine serves an endpoint
type ProtocolFamily int

const (
	FamilyStratum ProtocolFamily = iota
	FamilyGetwork
	FamilySimulation
)

func (f ProtocolFamily) String() string {
	switch f {
	case FamilyStratum:
		return "stratum"
	case FamilyGetwork:
		return "getwork"
	case FamilySimulation:
		return "simulation"
	}
	return "unknown"
}

//StratumVariant is the negotiated stratum sub protocol
type StratumVariant int

const (
	StratumAuto StratumVariant = iota // negotiate, newest first
	EthereumStratum2
	EthereumStratum1
	StratumNiceHash // eth_submitLogin style
)

//HostNameType classifies the host part of an endpoint. The manager only
// appends the resolved address to its display name for Dns and Basic hosts.
type HostNameType int

const (
	HostNameIPv4 HostNameType = iota
	HostNameIPv6
	HostNameDns
	HostNameBasic
)

var (
	ErrMalformedURI      = errors.New("malformed connection string")
	ErrUnknownScheme     = errors.New("unknown connection scheme")
	ErrMissingHostOrPort = errors.New("connection string misses host or port")
)

type schemeAttr struct {
	family  ProtocolFamily
	secure  bool
	variant StratumVariant
}

var knownSchemes = map[string]schemeAttr{
	"stratum":      {FamilyStratum, false, StratumAuto},
	"stratum+tcp":  {FamilyStratum, false, StratumAuto},
	"stratum+tls":  {FamilyStratum, true, StratumAuto},
	"stratum+ssl":  {FamilyStratum, true, StratumAuto},
	"stratum2+tcp": {FamilyStratum, false, EthereumStratum2},
	"stratum2+tls": {FamilyStratum, true, EthereumStratum2},
	"http":         {FamilyGetwork, false, StratumAuto},
	"https":        {FamilyGetwork, true, StratumAuto},
	"simulation":   {FamilySimulation, false, StratumAuto},
}

//Endpoint is an immutable parsed pool connection string. Only the
// unrecoverable flag may change after parse: it is set once a pool
// definitively rejected our subscription or credentials.
type Endpoint struct {
	scheme  string
	host    string
	port    uint16
	user    string
	worker  string
	pass    string
	path    string
	family  ProtocolFamily
	secure  bool
	variant StratumVariant

	unrecoverable atomic.Bool
}

//Parse builds an Endpoint from a connection string
func Parse(connstring string) (*Endpoint, error) {
	u, err := url.Parse(connstring)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURI, err)
	}
	attr, ok := knownSchemes[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}
	host := u.Hostname()
	if host == "" || u.Port() == "" {
		return nil, ErrMissingHostOrPort
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil || port == 0 {
		return nil, ErrMissingHostOrPort
	}

	ep := &Endpoint{
		scheme:  strings.ToLower(u.Scheme),
		host:    host,
		port:    uint16(port),
		path:    u.Path,
		family:  attr.family,
		secure:  attr.secure,
		variant: attr.variant,
	}
	if u.User != nil {
		ep.user = u.User.Username()
		ep.pass, _ = u.User.Password()
		// worker rides along as user.worker
		if dot := strings.IndexByte(ep.user, '.'); dot >= 0 {
			ep.user, ep.worker = ep.user[:dot], ep.user[dot+1:]
		}
	}
	return ep, nil
}

func (ep *Endpoint) Family() ProtocolFamily  { return ep.family }
func (ep *Endpoint) Variant() StratumVariant { return ep.variant }
func (ep *Endpoint) Secure() bool            { return ep.secure }
func (ep *Endpoint) Host() string            { return ep.host }
func (ep *Endpoint) Port() uint16            { return ep.port }
func (ep *Endpoint) User() string            { return ep.user }
func (ep *Endpoint) Worker() string          { return ep.worker }
func (ep *Endpoint) Pass() string            { return ep.pass }
func (ep *Endpoint) Path() string            { return ep.path }

//UserDotWorker returns the login the pool expects, user.worker when a
// worker name is present
func (ep *Endpoint) UserDotWorker() string {
	if ep.worker == "" {
		return ep.user
	}
	return ep.user + "." + ep.worker
}

//Address returns host:port suitable for dialling
func (ep *Endpoint) Address() string {
	return net.JoinHostPort(ep.host, strconv.Itoa(int(ep.port)))
}

//HostNameType classifies the host literal
func (ep *Endpoint) HostNameType() HostNameType {
	if ip := net.ParseIP(ep.host); ip != nil {
		if ip.To4() != nil {
			return HostNameIPv4
		}
		return HostNameIPv6
	}
	if strings.Contains(ep.host, ".") {
		return HostNameDns
	}
	return HostNameBasic
}

func (ep *Endpoint) IsUnrecoverable() bool {
	return ep.unrecoverable.Load()
}

//MarkUnrecoverable flags the endpoint so the manager drops it instead of
// retrying. Sticky for the lifetime of the endpoint.
func (ep *Endpoint) MarkUnrecoverable() {
	ep.unrecoverable.Store(true)
}

//String rebuilds the canonical connection string. Parsing the result
// yields an equal endpoint.
func (ep *Endpoint) String() string {
	var sb strings.Builder
	sb.WriteString(ep.scheme)
	sb.WriteString("://")
	if ep.user != "" {
		sb.WriteString(ep.user)
		if ep.worker != "" {
			sb.WriteByte('.')
			sb.WriteString(ep.worker)
		}
		if ep.pass != "" {
			sb.WriteByte(':')
			sb.WriteString(ep.pass)
		}
		sb.WriteByte('@')
	}
	sb.WriteString(ep.Address())
	sb.WriteString(ep.path)
	return sb.String()
}
