// Command stageworker executes exactly one pipeline stage in an isolated
// child process, reading a single request frame from stdin and writing
// exactly one response frame to stdout before exiting. It replaces the
// antbox placeholder module with a real worker binary: one OS process
// per stage invocation, so a hung or memory-runaway stage can be killed
// outright by the runner's watchdog without touching the parent.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	log "github.com/sirupsen/logrus"

	"dubproc/internal/stage"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx); err != nil {
		log.WithError(err).Error("stageworker failed")
		writeFailure(err)
		os.Exit(1)
	}
}

func run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panicked: %v\n%s", r, debug.Stack())
		}
	}()

	reader := bufio.NewReader(os.Stdin)
	var req stage.Request
	if frameErr := stage.ReadFrame(reader, &req); frameErr != nil {
		return fmt.Errorf("reading request frame: %w", frameErr)
	}

	runner, ok := stage.Registry[req.Stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", req.Stage)
	}

	value, runErr := runner(ctx, req.Input)
	if runErr != nil {
		writeResponse(stage.Response{OK: false, Error: runErr.Error()})
		return nil
	}

	writeResponse(stage.Response{OK: true, Value: value})
	return nil
}

func writeResponse(resp stage.Response) {
	writer := bufio.NewWriter(os.Stdout)
	if err := stage.WriteFrame(writer, resp); err != nil {
		log.WithError(err).Error("writing response frame")
	}
}

func writeFailure(err error) {
	writeResponse(stage.Response{OK: false, Error: err.Error(), Trace: string(debug.Stack())})
}
