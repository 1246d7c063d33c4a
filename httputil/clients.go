package httputil

import (
	"net/http"
	"net/http/cookiejar"
	"time"
)

type Clients struct {
	Source *http.Client // cookie-jarred, for the listing API
	Media  *http.Client // plain, for photo downloads
}

// NewClients builds the two HTTP clients the daemon uses. The source client
// carries a cookie jar because the listing API expects the session cookies
// handed out by the search page.
func NewClients(sourceTimeout time.Duration) *Clients {
	jar, _ := cookiejar.New(nil)

	return &Clients{
		Source: &http.Client{
			Timeout: sourceTimeout,
			Jar:     jar,
		},
		Media: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}
