// Package endpoint defines the resolved network addresses the client transport connects to.
//
// An Endpoint is one service instance. A ServiceEndpoint is every instance known for one
// named service, with a weight per instance and a cursor for stateful rotation.
//
// Two textual forms are accepted:
//
//	tcp://127.0.0.1:8080?connect_timeout=1.5&recv_timeout=3     (URI form, seconds)
//	tcp -h 127.0.0.1 -p 8080 -t 3000 -w 50 -e                   (tars form, milliseconds)
package endpoint

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultWeight is used when an endpoint is registered without an explicit weight.
const DefaultWeight = 100

// Endpoint is an immutable value describing one service instance.
// Two endpoints are Equal when host and port match; protocol and timeouts are ignored.
type Endpoint struct {
	Protocol       string
	Host           string
	Port           int
	ConnectTimeout time.Duration // 0 means the transporter default
	ReceiveTimeout time.Duration // 0 means the transporter default
	Secure         bool
}

// Address returns "host:port".
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) Equal(o Endpoint) bool {
	return e.Host == o.Host && e.Port == o.Port
}

// IsZero reports whether e was never set.
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// String renders the URI form accepted by Parse.
func (e Endpoint) String() string {
	u := url.URL{Scheme: e.Protocol, Host: e.Address()}
	q := url.Values{}
	if e.ConnectTimeout > 0 {
		q.Set("connect_timeout", formatSeconds(e.ConnectTimeout))
	}
	if e.ReceiveTimeout > 0 {
		q.Set("recv_timeout", formatSeconds(e.ReceiveTimeout))
	}
	if e.Secure {
		q.Set("secure", "1")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// WithTimeouts returns a copy of e with both timeouts replaced.
func (e Endpoint) WithTimeouts(connect, receive time.Duration) Endpoint {
	e.ConnectTimeout = connect
	e.ReceiveTimeout = receive
	return e
}

// Parse parses the URI form scheme://host:port?connect_timeout=<s>&recv_timeout=<s>.
// The generic timeout=<s> option applies to both timeouts unless a specific one is given.
func Parse(s string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "invalid endpoint %q", s)
	}
	if u.Scheme == "" {
		return Endpoint{}, errors.Errorf("invalid endpoint %q: missing scheme", s)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "invalid endpoint %q", s)
	}
	if host == "" {
		return Endpoint{}, errors.Errorf("invalid endpoint %q: missing host", s)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "invalid endpoint %q", s)
	}
	ep := Endpoint{Protocol: u.Scheme, Host: host, Port: port}

	q := u.Query()
	if v := q.Get("timeout"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Endpoint{}, errors.Wrapf(err, "invalid endpoint %q: timeout", s)
		}
		ep.ConnectTimeout, ep.ReceiveTimeout = d, d
	}
	if v := q.Get("connect_timeout"); v != "" {
		if ep.ConnectTimeout, err = parseSeconds(v); err != nil {
			return Endpoint{}, errors.Wrapf(err, "invalid endpoint %q: connect_timeout", s)
		}
	}
	if v := q.Get("recv_timeout"); v != "" {
		if ep.ReceiveTimeout, err = parseSeconds(v); err != nil {
			return Endpoint{}, errors.Wrapf(err, "invalid endpoint %q: recv_timeout", s)
		}
	}
	if v := q.Get("secure"); v != "" {
		if ep.Secure, err = strconv.ParseBool(v); err != nil {
			return Endpoint{}, errors.Wrapf(err, "invalid endpoint %q: secure", s)
		}
	}
	return ep, nil
}

// MustParse is Parse for static configuration; it panics on error.
func MustParse(s string) Endpoint {
	ep, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ep
}

// ParseTars parses "proto [host] -h host -p port [-t ms] [-w weight] [-e]" and returns the
// endpoint together with its weight (DefaultWeight when -w is absent).
func ParseTars(s string) (Endpoint, int, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Endpoint{}, 0, errors.Errorf("invalid endpoint %q: empty", s)
	}
	ep := Endpoint{Protocol: strings.ToLower(fields[0])}
	weight := DefaultWeight
	rest := fields[1:]
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		ep.Host = rest[0]
		rest = rest[1:]
	}
	for i := 0; i < len(rest); i++ {
		flag := rest[i]
		if flag == "-e" {
			ep.Secure = true
			// "-e 0" and "-e 1" are both seen in the wild
			if i+1 < len(rest) && !strings.HasPrefix(rest[i+1], "-") {
				b, err := strconv.ParseBool(rest[i+1])
				if err != nil {
					return Endpoint{}, 0, errors.Wrapf(err, "invalid endpoint %q: -e", s)
				}
				ep.Secure = b
				i++
			}
			continue
		}
		if i+1 >= len(rest) {
			return Endpoint{}, 0, errors.Errorf("invalid endpoint %q: flag %s needs a value", s, flag)
		}
		val := rest[i+1]
		i++
		switch flag {
		case "-h":
			ep.Host = val
		case "-p":
			port, err := parsePort(val)
			if err != nil {
				return Endpoint{}, 0, errors.Wrapf(err, "invalid endpoint %q", s)
			}
			ep.Port = port
		case "-t":
			ms, err := strconv.ParseInt(val, 10, 64)
			if err != nil || ms < 0 {
				return Endpoint{}, 0, errors.Errorf("invalid endpoint %q: bad timeout %q", s, val)
			}
			ep.ReceiveTimeout = time.Duration(ms) * time.Millisecond
		case "-w":
			w, err := strconv.Atoi(val)
			if err != nil || w < 0 {
				return Endpoint{}, 0, errors.Errorf("invalid endpoint %q: bad weight %q", s, val)
			}
			weight = w
		default:
			return Endpoint{}, 0, errors.Errorf("invalid endpoint %q: unknown flag %s", s, flag)
		}
	}
	if ep.Host == "" || ep.Port == 0 {
		return Endpoint{}, 0, errors.Errorf("invalid endpoint %q: host and port are required", s)
	}
	return ep, weight, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, errors.Errorf("bad port %q", s)
	}
	return port, nil
}

func parseSeconds(s string) (time.Duration, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, errors.Errorf("negative duration %q", s)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
