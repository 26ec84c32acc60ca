// Copyright 2022-2026 CSC - IT Center for Science Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package catalogue is the HTTP client for the downstream preservation
// catalogue. The core treats the catalogue as a remote file registry with
// bulk post, list and delete plus a file-to-dataset reverse lookup.
package catalogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/dpres/pifs/pkg/config"
	"github.com/dpres/pifs/pkg/errtypes"
)

// postBatchLimit is the maximum number of file records in one POST.
const postBatchLimit = 5000

// File is a catalogue file record.
type File struct {
	Identifier     string `json:"identifier"`
	Pathname       string `json:"pathname"`
	Project        string `json:"project"`
	Checksum       string `json:"checksum"`
	Size           int64  `json:"size"`
	StorageService string `json:"storage_service"`
}

// Directory is a catalogue directory record.
type Directory struct {
	Identifier string `json:"identifier"`
	Pathname   string `json:"pathname"`
}

// Dataset is the preservation view of a catalogue dataset.
type Dataset struct {
	Identifier        string `json:"identifier"`
	PreservationState int    `json:"preservation_state"`
}

// Preservation state boundaries. A dataset at or past the accepted state is
// preserved; a rejected dataset no longer blocks deletion.
const (
	PreservationStateAccepted = 80
	PreservationStateRejected = 40
)

// Preserved reports whether the dataset is in or past the accepted state.
func (d Dataset) Preserved() bool {
	return d.PreservationState >= PreservationStateAccepted
}

// Pending reports whether the dataset blocks deletion: not preserved and
// not rejected.
func (d Dataset) Pending() bool {
	return !d.Preserved() && d.PreservationState != PreservationStateRejected
}

// HTTPError is returned for catalogue 4xx/5xx responses.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("catalogue: http %d: %s", e.StatusCode, e.Body)
}

// Client talks to the catalogue.
type Client struct {
	base     string
	user     string
	password string
	http     *http.Client
	// StorageService is written into every outgoing record.
	StorageService string
}

// New returns a client for the configured catalogue.
func New(c config.Catalogue, storageService string) *Client {
	return &Client{
		base:           c.BaseURL,
		user:           c.User,
		password:       c.Password,
		http:           &http.Client{Timeout: c.Timeout},
		StorageService: storageService,
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "catalogue: error encoding request")
		}
		rdr = bytes.NewReader(buf)
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return errors.Wrap(err, "catalogue: error building request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "catalogue: transport error")
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return errtypes.NotAvailable(method + " " + path)
	case res.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPError{StatusCode: res.StatusCode, Body: string(payload)}
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return errors.Wrap(err, "catalogue: error decoding response")
		}
	}
	return nil
}

// PostFiles creates file records in bulk, chunking very large batches.
func (c *Client) PostFiles(ctx context.Context, files []File) error {
	for start := 0; start < len(files); start += postBatchLimit {
		end := start + postBatchLimit
		if end > len(files) {
			end = len(files)
		}
		if err := c.do(ctx, http.MethodPost, "/files", nil, files[start:end], nil); err != nil {
			return err
		}
	}
	return nil
}

// ListProjectFiles returns every file record of the project keyed by its
// project relative pathname.
func (c *Client) ListProjectFiles(ctx context.Context, projectID string) (map[string]File, error) {
	var listed []File
	q := url.Values{"project": {projectID}, "storage_service": {c.StorageService}}
	if err := c.do(ctx, http.MethodGet, "/files", q, nil, &listed); err != nil {
		var na errtypes.IsNotAvailable
		if errors.As(err, &na) {
			return map[string]File{}, nil
		}
		return nil, err
	}
	out := make(map[string]File, len(listed))
	for _, f := range listed {
		out[f.Pathname] = f
	}
	return out, nil
}

// GetProjectFile returns the record for one project relative pathname.
func (c *Client) GetProjectFile(ctx context.Context, projectID, pathname string) (File, error) {
	var f File
	q := url.Values{
		"project":         {projectID},
		"pathname":        {pathname},
		"storage_service": {c.StorageService},
	}
	if err := c.do(ctx, http.MethodGet, "/files/one", q, nil, &f); err != nil {
		return File{}, err
	}
	return f, nil
}

// GetProjectDirectory returns the directory record for a project relative
// path, or errtypes.NotAvailable when the catalogue has none.
func (c *Client) GetProjectDirectory(ctx context.Context, projectID, pathname string) (Directory, error) {
	var d Directory
	q := url.Values{
		"project":         {projectID},
		"pathname":        {pathname},
		"storage_service": {c.StorageService},
	}
	if err := c.do(ctx, http.MethodGet, "/directories/one", q, nil, &d); err != nil {
		return Directory{}, err
	}
	return d, nil
}

// FilesToDatasets maps catalogue file identifiers to the identifiers of the
// datasets that reference them.
func (c *Client) FilesToDatasets(ctx context.Context, fileIDs []string) (map[string][]string, error) {
	if len(fileIDs) == 0 {
		return map[string][]string{}, nil
	}
	out := map[string][]string{}
	body := map[string][]string{"storage_identifiers": fileIDs}
	if err := c.do(ctx, http.MethodPost, "/files/datasets", nil, body, &out); err != nil {
		var na errtypes.IsNotAvailable
		if errors.As(err, &na) {
			return map[string][]string{}, nil
		}
		return nil, err
	}
	return out, nil
}

// Dataset returns one dataset.
func (c *Client) Dataset(ctx context.Context, id string) (Dataset, error) {
	var d Dataset
	if err := c.do(ctx, http.MethodGet, "/datasets/"+url.PathEscape(id), nil, nil, &d); err != nil {
		return Dataset{}, err
	}
	return d, nil
}

// DeleteFiles removes file records and returns how many were deleted.
func (c *Client) DeleteFiles(ctx context.Context, fileIDs []string) (int, error) {
	if len(fileIDs) == 0 {
		return 0, nil
	}
	var res struct {
		DeletedCount int `json:"deleted_count"`
	}
	body := map[string][]string{"storage_identifiers": fileIDs}
	if err := c.do(ctx, http.MethodPost, "/files/delete-many", nil, body, &res); err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// DeleteProjectMetadata removes every record of the project, paging through
// the listing so huge projects do not need one giant request.
func (c *Client) DeleteProjectMetadata(ctx context.Context, projectID string) (int, error) {
	files, err := c.ListProjectFiles(ctx, projectID)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.Identifier)
	}
	deleted := 0
	for start := 0; start < len(ids); start += postBatchLimit {
		end := start + postBatchLimit
		if end > len(ids) {
			end = len(ids)
		}
		n, err := c.DeleteFiles(ctx, ids[start:end])
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}
