package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/eleven-am/graphflow"
	"github.com/eleven-am/graphflow/internal/xjson"
)

func main() {
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(out io.Writer, args []string) error {
	opts, shouldExit, err := parseArgs(args, out)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	logger := newLogger(opts)
	slog.SetDefault(logger)
	opts.config.Logger = logger

	manager, err := graphflow.New(opts.config)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	defer func() {
		if err := manager.Stop(); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch opts.mode {
	case modeValidate:
		return validateGraph(out, manager, opts.graphPath)
	case modeRun:
		return runGraph(ctx, out, manager, opts)
	default:
		return serve(ctx, out, manager, logger)
	}
}

func loadGraph(path string) (*graphflow.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ExitError{Code: 2, Message: fmt.Sprintf("failed to read graph: %v", err)}
	}
	graph, err := graphflow.ParseGraph(data)
	if err != nil {
		return nil, &ExitError{Code: 1, Message: err.Error()}
	}
	return graph, nil
}

func validateGraph(out io.Writer, manager *graphflow.Manager, path string) error {
	graph, err := loadGraph(path)
	if err != nil {
		return err
	}

	result := manager.Validate(graph)
	if result.Valid {
		color.New(color.FgGreen).Fprintf(out, "%s: valid (%d nodes, %d connections)\n", path, len(graph.Nodes), len(graph.Connections))
		return nil
	}

	red := color.New(color.FgRed)
	red.Fprintf(out, "%s: invalid\n", path)
	for _, msg := range result.Errors {
		fmt.Fprintf(out, "  - %s\n", msg)
	}
	return &ExitError{Code: 1, Message: fmt.Sprintf("%d validation error(s)", len(result.Errors))}
}

func runGraph(ctx context.Context, out io.Writer, manager *graphflow.Manager, opts *options) error {
	graph, err := loadGraph(opts.graphPath)
	if err != nil {
		return err
	}

	var record *graphflow.ExecutionRecord
	if opts.dispatch {
		record, err = dispatchAndWait(ctx, manager, graph, opts)
		if err != nil {
			return err
		}
	} else {
		result, runErr := manager.ExecuteSync(ctx, graph, opts.payload)
		if result == nil {
			return runErr
		}
		record, err = manager.GetExecution(context.WithoutCancel(ctx), result.ExecutionID)
		if err != nil {
			return err
		}
	}

	printStatus(out, record)
	data, err := xjson.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(data))

	if record.Status != graphflow.ExecutionStatusSuccess {
		return &ExitError{Code: 1, Message: fmt.Sprintf("execution %s ended %s", record.ID, record.Status)}
	}
	return nil
}

func dispatchAndWait(ctx context.Context, manager *graphflow.Manager, graph *graphflow.Graph, opts *options) (*graphflow.ExecutionRecord, error) {
	finished := make(chan string, 1)
	notify := func(e *graphflow.ExecutionEvent) {
		select {
		case finished <- e.ExecutionID:
		default:
		}
	}
	manager.OnExecutionCompleted(notify)
	manager.OnExecutionFailed(notify)
	manager.OnExecutionCanceled(notify)

	if err := manager.Start(ctx); err != nil {
		return nil, err
	}

	id, err := manager.Dispatch(ctx, graph, opts.payload, opts.priority)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case done := <-finished:
			if done != id {
				continue
			}
			return manager.GetExecution(context.WithoutCancel(ctx), id)
		case <-ctx.Done():
			_ = manager.Cancel(context.WithoutCancel(ctx), id)
			return nil, &ExitError{Code: 130, Message: "interrupted"}
		}
	}
}

func printStatus(out io.Writer, record *graphflow.ExecutionRecord) {
	c := color.New(color.FgGreen, color.Bold)
	switch record.Status {
	case graphflow.ExecutionStatusError:
		c = color.New(color.FgRed, color.Bold)
	case graphflow.ExecutionStatusCanceled:
		c = color.New(color.FgYellow, color.Bold)
	}
	c.Fprintf(out, "%s %s", record.Status, record.ID)
	fmt.Fprintf(out, " (%dms)\n", record.DurationMs)
}

func serve(ctx context.Context, out io.Writer, manager *graphflow.Manager, logger *slog.Logger) error {
	if err := manager.Start(ctx); err != nil {
		return err
	}

	fmt.Fprintf(out, "graphflow serving with node types %v\n", manager.NodeTypes())
	if addr := manager.GRPCAddress(); addr != "" {
		fmt.Fprintf(out, "  grpc:          %s\n", addr)
	}
	if addr := manager.ObservabilityAddress(); addr != "" {
		fmt.Fprintf(out, "  observability: http://%s\n", addr)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}
