package internal_test

import "net/http"

type forwardedTransport struct{}

func (forwardedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("X-Forwarded-For", "203.0.113.10")
	return http.DefaultTransport.RoundTrip(r)
}
