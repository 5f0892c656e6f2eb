package endpoint

import (
	"strings"

	"github.com/pkg/errors"
)

// ServiceEndpoint is the set of endpoints known for one service.
//
// Every key of the weight map has a matching endpoint. Registration order is kept so the
// cursor walks endpoints deterministically.
//
// A ServiceEndpoint is not safe for concurrent use: mutation and cursor movement must be
// confined to one goroutine, and every consumer that rotates needs its own Clone.
type ServiceEndpoint struct {
	name      string
	endpoints map[string]Endpoint
	weights   map[string]int
	order     []string
	cursor    int
}

func NewServiceEndpoint(name string) *ServiceEndpoint {
	return &ServiceEndpoint{
		name:      name,
		endpoints: make(map[string]Endpoint),
		weights:   make(map[string]int),
	}
}

func (s *ServiceEndpoint) Name() string { return s.name }

// Register adds ep or replaces the entry with the same address.
func (s *ServiceEndpoint) Register(ep Endpoint, weight int) {
	addr := ep.Address()
	if _, ok := s.endpoints[addr]; !ok {
		s.order = append(s.order, addr)
	}
	s.endpoints[addr] = ep
	s.weights[addr] = weight
}

// Unregister removes the endpoint at addr. It reports whether anything was removed.
func (s *ServiceEndpoint) Unregister(addr string) bool {
	if _, ok := s.endpoints[addr]; !ok {
		return false
	}
	delete(s.endpoints, addr)
	delete(s.weights, addr)
	for i, a := range s.order {
		if a == addr {
			s.order = append(s.order[:i], s.order[i+1:]...)
			if s.cursor > i {
				s.cursor--
			}
			break
		}
	}
	return true
}

func (s *ServiceEndpoint) Len() int { return len(s.order) }

// Get returns the endpoint registered at addr.
func (s *ServiceEndpoint) Get(addr string) (Endpoint, bool) {
	ep, ok := s.endpoints[addr]
	return ep, ok
}

func (s *ServiceEndpoint) Weight(addr string) int { return s.weights[addr] }

// Endpoints returns the endpoints in registration order.
func (s *ServiceEndpoint) Endpoints() []Endpoint {
	eps := make([]Endpoint, 0, len(s.order))
	for _, addr := range s.order {
		eps = append(eps, s.endpoints[addr])
	}
	return eps
}

// Weights returns the weights parallel to Endpoints.
func (s *ServiceEndpoint) Weights() []int {
	ws := make([]int, 0, len(s.order))
	for _, addr := range s.order {
		ws = append(ws, s.weights[addr])
	}
	return ws
}

// EndpointMap returns a copy of the address to endpoint map.
func (s *ServiceEndpoint) EndpointMap() map[string]Endpoint {
	m := make(map[string]Endpoint, len(s.endpoints))
	for k, v := range s.endpoints {
		m[k] = v
	}
	return m
}

// WeightMap returns a copy of the address to weight map.
func (s *ServiceEndpoint) WeightMap() map[string]int {
	m := make(map[string]int, len(s.weights))
	for k, v := range s.weights {
		m[k] = v
	}
	return m
}

// Clone returns a deep copy with its cursor rewound.
func (s *ServiceEndpoint) Clone() *ServiceEndpoint {
	c := &ServiceEndpoint{
		name:      s.name,
		endpoints: s.EndpointMap(),
		weights:   s.WeightMap(),
		order:     append([]string(nil), s.order...),
	}
	return c
}

// Cursor

func (s *ServiceEndpoint) Current() (Endpoint, bool) {
	if !s.Valid() {
		return Endpoint{}, false
	}
	return s.endpoints[s.order[s.cursor]], true
}

func (s *ServiceEndpoint) Next() { s.cursor++ }

func (s *ServiceEndpoint) Rewind() { s.cursor = 0 }

func (s *ServiceEndpoint) Valid() bool { return s.cursor >= 0 && s.cursor < len(s.order) }

func (s *ServiceEndpoint) String() string {
	parts := make([]string, 0, len(s.order))
	for _, addr := range s.order {
		parts = append(parts, s.endpoints[addr].String())
	}
	return s.name + "@" + strings.Join(parts, ",")
}

// ParseServiceEndpoint parses "name@ep1:ep2:..." where each endpoint uses the tars form,
// e.g. "echo@tcp -h 10.0.0.1 -p 8080 -t 3000:tcp -h 10.0.0.2 -p 8080 -w 50".
func ParseServiceEndpoint(s string) (*ServiceEndpoint, error) {
	at := strings.Index(s, "@")
	if at <= 0 {
		return nil, errors.Errorf("invalid service endpoint %q: expected name@endpoints", s)
	}
	name := strings.TrimSpace(s[:at])
	se := NewServiceEndpoint(name)
	for _, part := range strings.Split(s[at+1:], ":") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		ep, weight, err := ParseTars(part)
		if err != nil {
			return nil, errors.Wrapf(err, "service %s", name)
		}
		se.Register(ep, weight)
	}
	if se.Len() == 0 {
		return nil, errors.Errorf("invalid service endpoint %q: no endpoints", s)
	}
	return se, nil
}
