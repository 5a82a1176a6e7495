package backendsdk

import (
	"bytes"
	"context"
	"net/http"
)

// recorder captures a local handler's response for relaying.
type recorder struct {
	status int
	header http.Header
	body   bytes.Buffer
	wrote  bool
}

func newRecorder() *recorder {
	return &recorder{status: http.StatusOK, header: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.wrote {
		return
	}
	r.wrote = true
	r.status = status
}

func (r *recorder) Write(p []byte) (int, error) {
	r.wrote = true
	return r.body.Write(p)
}

// newLocalRequest rebuilds the bridged HTTP request for the local handler.
func newLocalRequest(ctx context.Context, f frame) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, f.Method, f.Path, bytes.NewReader(f.Body))
	if err != nil {
		return nil, err
	}
	for name, values := range f.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	return req, nil
}
