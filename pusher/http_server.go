package pusher

import (
	"context"
	"net"
	"net/http"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// HTTPServer extends net/http Server with asynchronous graceful shutdown.
type HTTPServer struct {
	*asyncobj.Helper
	*http.Server
	listener net.Listener
}

// NewHTTPServer creates a new HTTPServer.
func NewHTTPServer(lg logger.Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{},
	}
	h.Helper = asyncobj.NewHelper(lg.ForkLogStr("httpserver"), h)
	return h
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually shut
// down, then return the real completion value.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	var err error
	if h.listener != nil {
		err = h.listener.Close()
		if err != nil {
			h.DLogf("close of listener failed, ignoring: %s", err)
		}
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// ListenAndServe runs the HTTP server on the given bind address, invoking
// the provided handler for each request. It returns after the server has
// shut down, either by cancelling the context or by calling Close().
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	err := h.DoOnceActivate(
		func() error {
			if ctx != nil {
				go func() {
					<-ctx.Done()
					h.StartShutdown(ctx.Err())
				}()
			}
			l, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("Listen failed: %s", err)
			}
			h.Handler = handler
			h.listener = l
			go func() {
				h.StartShutdown(h.Serve(l))
			}()
			return nil
		},
		true,
	)
	if err == nil {
		err = h.WaitShutdown()
	}
	return err
}

// Addr returns the listener's address, useful when binding to port 0.
func (h *HTTPServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Close completely shuts down the server, then returns the final completion
// value.
func (h *HTTPServer) Close() error {
	h.StartShutdown(nil)
	return h.WaitShutdown()
}
