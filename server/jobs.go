/******************************************************************************
 *
 *  Description :
 *
 *    Control of workspace jobs run by an external scheduler.
 *
 *****************************************************************************/

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"
)

// restJobs asks the scheduler over HTTP to stop workspace jobs.
type restJobs struct {
	stopUrl string
	client  *http.Client
}

type jobsRequest struct {
	Workspace string `json:"workspace"`
}

type jobsResponse struct {
	Err string `json:"err,omitempty"`
}

// newWorkspaceJobs creates the scheduler client. Returns nil if jobs are not configured.
func newWorkspaceJobs(jsonconf json.RawMessage) (WorkspaceJobs, error) {
	if len(jsonconf) == 0 {
		return nil, nil
	}

	type configType struct {
		// URL to POST {"workspace": "..."} to.
		StopUrl string `json:"stop_url"`
		// HTTP request timeout, seconds.
		Timeout int `json:"timeout"`
	}
	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return nil, errors.New("jobs: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
	}
	if config.StopUrl == "" {
		return nil, nil
	}
	stopUrl, err := url.Parse(config.StopUrl)
	if err != nil || !stopUrl.IsAbs() {
		return nil, errors.New("jobs: invalid stop_url")
	}

	timeout := 5 * time.Second
	if config.Timeout > 0 {
		timeout = time.Duration(config.Timeout) * time.Second
	}
	return &restJobs{stopUrl: stopUrl.String(), client: &http.Client{Timeout: timeout}}, nil
}

// StopWorkspace implements WorkspaceJobs.
func (rj *restJobs) StopWorkspace(workspace string) error {
	content, err := json.Marshal(&jobsRequest{Workspace: workspace})
	if err != nil {
		return err
	}

	post, err := rj.client.Post(rj.stopUrl, "application/json", bytes.NewBuffer(content))
	if err != nil {
		return err
	}
	defer post.Body.Close()

	if post.StatusCode >= http.StatusBadRequest {
		return errors.New("jobs: scheduler responded " + post.Status)
	}

	body, err := io.ReadAll(post.Body)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	var resp jobsResponse
	if err = json.Unmarshal(body, &resp); err != nil {
		return err
	}
	if resp.Err != "" {
		return errors.New("jobs: " + resp.Err)
	}
	return nil
}
