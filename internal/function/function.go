// Package function is the cloud-function entry: an opaque trigger in, a
// status code and message out.
package function

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/bobuk/campsync/internal/config"
	"github.com/bobuk/campsync/internal/log"
	"github.com/bobuk/campsync/internal/runner"
)

const SuccessBody = "Sync completed successfully!"

type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

type Syncer interface {
	Run(ctx context.Context) (runner.Summary, error)
}

// BuildFunc wires a Syncer; the returned function releases its resources.
type BuildFunc func(ctx context.Context, cfg *config.Config, l *log.Logger) (Syncer, func() error, error)

type Handler struct {
	getenv func(string) string
	out    io.Writer
	build  BuildFunc
}

// New returns a handler reading its configuration through getenv and logging
// to out. A nil build uses runner.Build.
func New(getenv func(string) string, out io.Writer, build BuildFunc) *Handler {
	if getenv == nil {
		getenv = os.Getenv
	}
	if out == nil {
		out = os.Stderr
	}
	if build == nil {
		build = func(ctx context.Context, cfg *config.Config, l *log.Logger) (Syncer, func() error, error) {
			r, st, err := runner.Build(ctx, cfg, l, runner.Options{})
			if err != nil {
				return nil, nil, err
			}
			return r, st.Close, nil
		}
	}
	return &Handler{getenv: getenv, out: out, build: build}
}

// Handle runs one sync. Configuration failures and run failures become a 500
// response; a panic is logged and returned as an error.
func (h *Handler) Handle(ctx context.Context, trigger json.RawMessage) (resp Response, err error) {
	level, lerr := log.ParseLevel(h.getenv("LOG_LEVEL"))
	l := log.New(h.out, level)
	if lerr != nil {
		l.Warn("invalid LOG_LEVEL, using NORMAL", lerr)
	}

	defer func() {
		if p := recover(); p != nil {
			l.Error("sync panicked", fmt.Errorf("%v", p))
			resp = Response{StatusCode: http.StatusInternalServerError, Body: fmt.Sprintf("Sync failed: %v", p)}
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	l.Debug("function triggered", "trigger", string(trigger))

	cfg, err := config.Load("", h.getenv)
	if err != nil {
		return h.failure(l, "configuration error", err), nil
	}

	s, closeFn, err := h.build(ctx, cfg, l)
	if err != nil {
		return h.failure(l, "setup error", err), nil
	}
	defer closeFn()

	if _, err := s.Run(ctx); err != nil {
		return h.failure(l, "sync error", err), nil
	}
	return Response{StatusCode: http.StatusOK, Body: SuccessBody}, nil
}

func (h *Handler) failure(l *log.Logger, msg string, err error) Response {
	l.Error(msg, err)
	if errors.Is(err, config.ErrConfig) {
		msg = "configuration error"
	}
	return Response{StatusCode: http.StatusInternalServerError, Body: fmt.Sprintf("Sync failed: %s: %v", msg, err)}
}
