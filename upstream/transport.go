package upstream

import (
	"net/http"

	"github.com/go-git/go-git/v5/plumbing/transport/client"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// InstallHTTPTransport routes go-git's http and https smart protocol traffic
// through rt. It replaces the process-wide protocol clients, so call it once
// during startup before any remote operation.
func InstallHTTPTransport(rt http.RoundTripper) {
	c := githttp.NewClient(&http.Client{Transport: rt})
	client.InstallProtocol("http", c)
	client.InstallProtocol("https", c)
}
