package circuitbreaker

import (
	"context"
	"net/http"
)

// Transport is an http.RoundTripper that routes requests through a Breaker.
// Transport errors and 5xx responses count as failures; 4xx do not.
type Transport struct {
	Base    http.RoundTripper
	Breaker *Breaker
}

// NewHTTPClient returns a copy of base whose requests pass through b.
func NewHTTPClient(base *http.Client, b *Breaker) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	c := *base
	c.Transport = &Transport{Base: rt, Breaker: b}
	return &c
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := t.Breaker.Do(req.Context(), func(context.Context) error {
		var err error
		resp, err = t.Base.RoundTrip(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode}
		}
		return nil
	})
	// the caller still gets the 5xx response body
	if _, ok := err.(*statusError); ok {
		return resp, nil
	}
	return resp, err
}

// statusError marks 5xx responses for breaker accounting
type statusError struct{ code int }

func (e *statusError) Error() string { return http.StatusText(e.code) }
