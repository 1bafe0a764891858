package api

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/pool"
)

var errServiceNotFound = errors.New("service not found")

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// handleProxy forwards every non-internal request to a worker: the main
// worker when one is configured, otherwise the user worker for the service
// named by the first path segment.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	opts, path, err := s.target(r)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	resp, err := s.forward(r.Context(), opts, outbound(r, path))
	if err != nil {
		s.writeWorkerError(w, r, err)
		return
	}
	defer resp.Body.Close()

	h := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	removeHopHeaders(h)
	w.WriteHeader(resp.StatusCode)

	if err := copyResponse(w, resp); err != nil {
		s.logger.Debug("copy worker response", "error", err, "path", r.URL.Path)
	}
}

// target resolves the worker options for r and the path the worker sees.
func (s *Server) target(r *http.Request) (pool.CreateOptions, string, error) {
	if s.opts.Main != nil {
		return *s.opts.Main, r.URL.Path, nil
	}

	name, rest := splitService(r.URL.Path)
	if name == "" || name == "." || name == ".." {
		return pool.CreateOptions{}, "", errServiceNotFound
	}
	dir := filepath.Join(s.opts.ServicesDir, name)
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return pool.CreateOptions{}, "", errServiceNotFound
	}
	return pool.CreateOptions{Kind: model.KindUser, ServicePath: dir}, rest, nil
}

// forward creates or reuses the worker for opts and sends req to it. A
// worker that left the pool between the two steps is recreated once.
func (s *Server) forward(ctx context.Context, opts pool.CreateOptions, req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		key, err := s.pool.CreateWorker(ctx, opts)
		if err != nil {
			return nil, err
		}
		resp, err := s.pool.SendRequest(ctx, key, req)
		if errors.Is(err, pool.ErrWorkerNotFound) && attempt == 0 {
			continue
		}
		return resp, err
	}
}

// splitService splits "/svc/rest" into "svc" and "/rest".
func splitService(p string) (string, string) {
	p = strings.TrimPrefix(p, "/")
	name, rest, _ := strings.Cut(p, "/")
	return name, "/" + rest
}

// outbound builds the request handed to a worker.
func outbound(r *http.Request, path string) *http.Request {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.URL.Path = path
	out.URL.RawPath = ""
	removeHopHeaders(out.Header)

	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := out.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	out.Header.Set("X-Forwarded-Host", r.Host)
	if id := middleware.GetReqID(r.Context()); id != "" {
		out.Header.Set("X-Request-Id", id)
	}
	return out
}

func removeHopHeaders(h http.Header) {
	for _, k := range h.Values("Connection") {
		for f := range strings.SplitSeq(k, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// copyResponse copies the body, flushing after each chunk when the worker
// streams a response of unknown length.
func copyResponse(w http.ResponseWriter, resp *http.Response) error {
	if resp.ContentLength >= 0 {
		_, err := io.Copy(w, resp.Body)
		return err
	}

	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			_ = rc.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
