package server

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustParseURL(t *testing.T, raw string) *url.URL {
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// requestWithCookies returns a request that carries the client's cookies
func requestWithCookies(t *testing.T, c *testClient, base string) *http.Request {
	req, err := http.NewRequest("GET", base, nil)
	require.NoError(t, err)
	for _, cookie := range c.client.Jar.Cookies(mustParseURL(t, base)) {
		req.AddCookie(cookie)
	}
	return req
}

func waitABit() {
	time.Sleep(time.Millisecond)
}
