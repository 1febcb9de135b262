package gateway

import (
	"context"
	"net/http"
)

var forwardedHeaders = []string{"Content-Type", "Accept"}

// ServiceProxy forwards requests to one upstream service.
type ServiceProxy struct {
	name    string
	baseURL string
	client  *http.Client
}

func NewServiceProxy(name, baseURL string, client *http.Client) *ServiceProxy {
	return &ServiceProxy{
		name:    name,
		baseURL: baseURL,
		client:  client,
	}
}

func (p *ServiceProxy) Name() string {
	return p.name
}

// ForwardRequest replays r against path on the upstream, keeping its method,
// body, query string and content negotiation headers.
func (p *ServiceProxy) ForwardRequest(ctx context.Context, r *http.Request, path string) (*http.Response, error) {
	target := p.baseURL + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}

	for _, header := range forwardedHeaders {
		if value := r.Header.Get(header); value != "" {
			req.Header.Set(header, value)
		}
	}

	return p.client.Do(req)
}
