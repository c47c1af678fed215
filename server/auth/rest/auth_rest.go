// Package rest provides identity resolution by calling a separate process over REST API (technically JSON RPC, not REST).
package rest

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tinode/topicsync/server/auth"
	"github.com/tinode/topicsync/server/store/types"
)

// resolver calls the server to map secrets to identities.
type resolver struct {
	// URL of the server
	serverUrl string
	// Use separate endpoints, i.e. add request name to serverUrl path when making requests.
	useSeparateEndpoints bool
	client               *http.Client
}

// Request to the server.
type request struct {
	Endpoint string `json:"endpoint"`
	Secret   string `json:"secret,omitempty"`
}

// Response from the server.
type response struct {
	// Error message in case of an error.
	Err string `json:"err,omitempty"`
	// Resolved identity.
	Identity types.Identity `json:"identity,omitempty"`
}

// Init initializes the handler.
func (r *resolver) Init(jsonconf json.RawMessage) error {
	type configType struct {
		// ServerUrl is the URL of the server to call.
		ServerUrl string `json:"server_url"`
		// Use separate endpoints, i.e. add request name to serverUrl path when making requests.
		UseSeparateEndpoints bool `json:"use_separate_endpoints"`
		// HTTP request timeout, seconds.
		Timeout int `json:"timeout"`
	}

	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("auth_rest: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
	}

	serverUrl, err := url.Parse(config.ServerUrl)
	if err != nil || !serverUrl.IsAbs() {
		return errors.New("auth_rest: invalid server_url")
	}
	if !strings.HasSuffix(serverUrl.Path, "/") {
		serverUrl.Path += "/"
	}

	timeout := 5 * time.Second
	if config.Timeout > 0 {
		timeout = time.Duration(config.Timeout) * time.Second
	}

	r.serverUrl = serverUrl.String()
	r.useSeparateEndpoints = config.UseSeparateEndpoints
	r.client = &http.Client{Timeout: timeout}

	return nil
}

// Execute HTTP POST to the server at the specified endpoint and with the provided payload.
func (r *resolver) callEndpoint(endpoint, secret string) (*response, error) {
	content, err := json.Marshal(&request{Endpoint: endpoint, Secret: secret})
	if err != nil {
		return nil, auth.ErrMalformed
	}

	urlToCall := r.serverUrl
	if r.useSeparateEndpoints {
		epUrl, _ := url.Parse(r.serverUrl)
		epUrl.Path += endpoint
		urlToCall = epUrl.String()
	}

	// Send payload to server.
	post, err := r.client.Post(urlToCall, "application/json", bytes.NewBuffer(content))
	if err != nil {
		return nil, auth.ErrInternal
	}
	defer post.Body.Close()

	// Read response.
	body, err := io.ReadAll(post.Body)
	if err != nil {
		return nil, auth.ErrInternal
	}

	// Parse response.
	var resp response
	if err = json.Unmarshal(body, &resp); err != nil {
		return nil, auth.ErrInternal
	}

	if resp.Err != "" {
		return nil, auth.AuthErr(resp.Err)
	}

	return &resp, nil
}

// ResolveIdentity asks the server who owns the secret.
func (r *resolver) ResolveIdentity(secret string) (types.Identity, error) {
	if secret == "" {
		return "", auth.ErrMalformed
	}
	resp, err := r.callEndpoint("resolve", secret)
	if err != nil {
		return "", err
	}
	if resp.Identity.IsZero() {
		return "", auth.ErrFailed
	}
	return resp.Identity, nil
}

func init() {
	auth.Register("rest", func() auth.Handler { return &resolver{} })
}
