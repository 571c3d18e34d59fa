// Package handlers holds the worker's demonstration handler. A real
// deployment replaces Echo with its own handler.BlockingFunc,
// CooperativeFunc, StreamFunc or CooperativeStreamFunc; Echo exists so
// cmd/worker has something concrete to classify, invoke and test
// against end to end.
package handlers

import (
	"context"

	"github.com/arthurcrodrigues/worker-runtime/internal/handler"
	"github.com/arthurcrodrigues/worker-runtime/pkg/models"
)

// Echo returns a job's input back as its output, unchanged.
var Echo handler.BlockingFunc = func(ctx context.Context, job *models.Job) (handler.Result, error) {
	return handler.Result{Output: job.Input}, nil
}
