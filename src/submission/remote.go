// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"analysisqueue/src/model"
)

// RemoteHTTPSink submits tasks to another node's API.
type RemoteHTTPSink struct {
	Address string
	Token   string
	Client  *http.Client
}

// NewRemoteHTTPSink returns a sink for addr, which may be a bare host:port.
func NewRemoteHTTPSink(addr, token string) *RemoteHTTPSink {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &RemoteHTTPSink{
		Address: strings.TrimRight(addr, "/"),
		Token:   token,
		Client: &http.Client{
			Timeout:   5 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (s *RemoteHTTPSink) AddURL(ctx context.Context, target string, opts model.TaskOptions) (int64, error) {
	form := EncodeForm(opts)
	form.Set("url", target)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.Address+"/tasks/create/url", strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return s.do(req)
}

// AddFile streams the file as the "file" part of a multipart form.
func (s *RemoteHTTPSink) AddFile(ctx context.Context, path string, opts model.TaskOptions) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeMultipart(mw, f, filepath.Base(path), opts)
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Address+"/tasks/create/file", pr)
	if err != nil {
		pr.Close()
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	id, err := s.do(req)
	// Unblocks the writer if the request ended before the body was consumed.
	pr.Close()
	return id, err
}

func (s *RemoteHTTPSink) AddBaseline(context.Context, model.TaskOptions) (int64, error) {
	return 0, ErrRemoteBaseline
}

func writeMultipart(mw *multipart.Writer, src io.Reader, name string, opts model.TaskOptions) error {
	for key, values := range EncodeForm(opts) {
		for _, v := range values {
			if err := mw.WriteField(key, v); err != nil {
				return err
			}
		}
	}

	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

type createResponse struct {
	TaskID *int64 `json:"task_id"`
	Error  string `json:"error"`
}

func (s *RemoteHTTPSink) do(req *http.Request) (int64, error) {
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	req.Header.Set("Accept", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("posting to %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	var body createResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && body.Error != "" {
			return 0, fmt.Errorf("%w: %s: %s", ErrRemoteResponse, resp.Status, body.Error)
		}
		return 0, fmt.Errorf("%w: %s", ErrRemoteResponse, resp.Status)
	}
	if decodeErr != nil {
		return 0, fmt.Errorf("%w: decoding body: %v", ErrRemoteResponse, decodeErr)
	}
	if body.TaskID == nil {
		return 0, fmt.Errorf("%w: missing task_id", ErrRemoteResponse)
	}
	return *body.TaskID, nil
}
