package message

// Request is one outgoing (client) or incoming (server) call as seen by the middleware
// pipeline. Body holds the encoded arguments once a codec has run.
type Request struct {
	method  Method
	body    []byte
	headers map[string]string
}

func NewRequest(m Method) *Request {
	return &Request{method: m}
}

func (r *Request) Method() Method { return r.method }

func (r *Request) Body() []byte { return r.body }

func (r *Request) Header(key string) string { return r.headers[key] }

// Headers returns a copy of all headers.
func (r *Request) Headers() map[string]string { return cloneHeaders(r.headers) }

func (r *Request) WithMethod(m Method) *Request {
	c := *r
	c.method = m
	return &c
}

func (r *Request) WithBody(body []byte) *Request {
	c := *r
	c.body = body
	return &c
}

func (r *Request) WithHeader(key, value string) *Request {
	c := *r
	c.headers = cloneHeaders(r.headers)
	if c.headers == nil {
		c.headers = make(map[string]string, 1)
	}
	c.headers[key] = value
	return &c
}

// WithHeaders replaces every header.
func (r *Request) WithHeaders(h map[string]string) *Request {
	c := *r
	c.headers = cloneHeaders(h)
	return &c
}

// Response is the result side of a call. Method carries the result tuple.
type Response struct {
	method  Method
	body    []byte
	headers map[string]string
}

func NewResponse() *Response { return &Response{} }

func (r *Response) Method() Method { return r.method }

// Result is shorthand for Method().Result().
func (r *Response) Result() ([]any, bool) { return r.method.Result() }

func (r *Response) Body() []byte { return r.body }

func (r *Response) Header(key string) string { return r.headers[key] }

func (r *Response) Headers() map[string]string { return cloneHeaders(r.headers) }

func (r *Response) WithMethod(m Method) *Response {
	c := *r
	c.method = m
	return &c
}

func (r *Response) WithBody(body []byte) *Response {
	c := *r
	c.body = body
	return &c
}

func (r *Response) WithHeader(key, value string) *Response {
	c := *r
	c.headers = cloneHeaders(r.headers)
	if c.headers == nil {
		c.headers = make(map[string]string, 1)
	}
	c.headers[key] = value
	return &c
}

func (r *Response) WithHeaders(h map[string]string) *Response {
	c := *r
	c.headers = cloneHeaders(h)
	return &c
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	c := make(map[string]string, len(h))
	for k, v := range h {
		c[k] = v
	}
	return c
}
