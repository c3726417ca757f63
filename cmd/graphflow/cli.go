package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/eleven-am/graphflow"
	"github.com/eleven-am/graphflow/internal/xjson"
)

// ExitError carries the process exit code for a failed invocation.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

type mode int

const (
	modeServe mode = iota
	modeValidate
	modeRun
)

type options struct {
	mode      mode
	graphPath string
	payload   map[string]interface{}
	priority  graphflow.Priority
	dispatch  bool
	logLevel  slog.Level
	logFormat string
	config    *graphflow.Config
}

func parseArgs(args []string, output io.Writer) (*options, bool, error) {
	flagSet := flag.NewFlagSet("graphflow", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, `
graphflow - workflow graph execution engine.

Usage:
  graphflow [options]                     serve the queue workers and gRPC API
  graphflow -validate workflow.json       validate a graph and exit
  graphflow -run workflow.json [-payload] run a graph once and print the result

Options:
`)
		flagSet.PrintDefaults()
	}

	configPath := flagSet.String("config", "", "Path to a YAML configuration file.")
	dataDir := flagSet.String("data-dir", "", "Storage directory. Overrides the config file.")
	inMemory := flagSet.Bool("in-memory", false, "Keep all state in memory.")
	nodeID := flagSet.String("node-id", "", "Identifier of this instance in logs.")
	grpcAddr := flagSet.String("grpc-addr", "", "Serve the gRPC API on host:port.")
	obsPort := flagSet.Int("observability-port", 0, "Serve health and metrics over HTTP on this port. 0 keeps the config value.")
	workers := flagSet.Int("workers", 0, "Queue worker count. 0 keeps the config value.")
	logLevel := flagSet.String("log-level", "info", "Logging level: 'debug', 'info', 'warn' or 'error'.")
	logFormat := flagSet.String("log-format", "text", "Log output format: 'text' or 'json'.")
	validatePath := flagSet.String("validate", "", "Validate the graph file and exit.")
	runPath := flagSet.String("run", "", "Execute the graph file once and exit.")
	payload := flagSet.String("payload", "", "JSON object passed to trigger nodes with -run.")
	dispatch := flagSet.Bool("dispatch", false, "With -run, go through the queue instead of running inline.")
	priority := flagSet.String("priority", string(graphflow.PriorityNormal), "Queue priority used with -dispatch.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	opts := &options{logFormat: strings.ToLower(*logFormat), dispatch: *dispatch}

	if opts.logFormat != "text" && opts.logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	if err := opts.logLevel.UnmarshalText([]byte(*logLevel)); err != nil {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn' or 'error'"}
	}

	switch {
	case *validatePath != "" && *runPath != "":
		return nil, false, &ExitError{Code: 2, Message: "-validate and -run are mutually exclusive"}
	case *validatePath != "":
		opts.mode, opts.graphPath = modeValidate, *validatePath
	case *runPath != "":
		opts.mode, opts.graphPath = modeRun, *runPath
	}

	if *payload != "" {
		if opts.mode != modeRun {
			return nil, false, &ExitError{Code: 2, Message: "-payload requires -run"}
		}
		if err := xjson.Unmarshal([]byte(*payload), &opts.payload); err != nil {
			return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("invalid payload: %v", err)}
		}
	}

	p, err := graphflow.ParsePriority(*priority)
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	opts.priority = p

	config := graphflow.DefaultConfig()
	if *configPath != "" {
		config, err = graphflow.LoadConfig(*configPath)
		if err != nil {
			return nil, false, &ExitError{Code: 2, Message: err.Error()}
		}
	}
	if *nodeID != "" {
		config.NodeID = *nodeID
	}
	if *dataDir != "" {
		config.WithDataDir(*dataDir)
	}
	if *inMemory || opts.mode == modeValidate {
		config.WithInMemoryStorage()
	}
	if *workers > 0 {
		config.WithWorkers(*workers)
	}
	if *grpcAddr != "" {
		host, port, err := splitHostPort(*grpcAddr)
		if err != nil {
			return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("invalid grpc-addr: %v", err)}
		}
		config.WithGRPC(host, port)
	}
	if *obsPort > 0 {
		config.WithObservability(*obsPort)
	}
	if opts.mode != modeServe {
		config.GRPC.Enabled = false
		config.Observability.Enabled = false
	}
	opts.config = config

	return opts, false, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("port %q is not a number", portStr)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return host, port, nil
}

func newLogger(opts *options) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: opts.logLevel}
	if opts.logFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
}
