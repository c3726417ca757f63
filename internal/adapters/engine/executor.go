package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/eleven-am/graphflow/internal/adapters/retry"
	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

// executeNode runs one node to a final result: every attempt goes through
// the node's breaker and a hard deadline, and failed attempts are retried
// per the retry policy.
func (e *Engine) executeNode(ctx context.Context, exec *execution, nodeID string) *domain.NodeExecutionResult {
	spec := exec.specs[nodeID]
	node := exec.nodes[nodeID]
	input := exec.inputFor(nodeID)
	started := time.Now()

	var result *domain.NodeExecutionResult
	for attempt := 1; ; attempt++ {
		input.Attempt = attempt
		result = e.attempt(ctx, node, spec, input)
		if result.Success {
			break
		}

		retries := attempt - 1
		if !e.retry.ShouldRetry(result, retries, e.retry.MaxRetries()) {
			break
		}

		delay := e.retry.CalculateDelay(attempt, e.retry.Strategy())
		e.logger.Debug("retrying node",
			"execution_id", exec.record.ID,
			"node_id", nodeID,
			"attempt", attempt,
			"error_class", result.ErrorClass,
			"delay", delay)

		if err := retry.Wait(ctx, delay); err != nil {
			break
		}
	}

	return result.WithAttempts(input.Attempt, time.Since(started))
}

func (e *Engine) attempt(ctx context.Context, node ports.NodePort, spec domain.NodeSpec, input *ports.NodeInput) *domain.NodeExecutionResult {
	if e.breakers == nil {
		return e.invoke(ctx, node, spec, input)
	}

	var result *domain.NodeExecutionResult
	breaker := e.breakers.GetCircuitBreaker(circuitKey(node, spec))
	err := breaker.Call(ctx, func(ctx context.Context) error {
		result = e.invoke(ctx, node, spec, input)
		if countsAgainstBreaker(result) {
			return result.Err()
		}
		return nil
	})

	if result == nil {
		return domain.NewFailureResult(domain.NewNodeError(domain.ErrorClassCircuitOpen,
			fmt.Sprintf("node %s rejected", spec.ID), err))
	}
	return result
}

// countsAgainstBreaker reports whether a failure says the dependency behind
// the node is unhealthy. Bad input or credentials leave the breaker alone.
func countsAgainstBreaker(result *domain.NodeExecutionResult) bool {
	return !result.Success && result.ErrorClass.Retryable()
}

func circuitKey(node ports.NodePort, spec domain.NodeSpec) string {
	if keyed, ok := node.(ports.CircuitKeyed); ok {
		if key := keyed.CircuitKey(spec.Properties); key != "" {
			return key
		}
	}
	return node.Type()
}

// invoke calls the node with a deadline and stops waiting once it passes,
// even when the node ignores its context. Panics are converted to failures.
func (e *Engine) invoke(ctx context.Context, node ports.NodePort, spec domain.NodeSpec, input *ports.NodeInput) *domain.NodeExecutionResult {
	timeout := e.nodeTimeout(node)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nodeInput := *input
	done := make(chan *domain.NodeExecutionResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("node execution panicked",
					"execution_id", input.ExecutionID,
					"node_id", spec.ID,
					"node_type", spec.Type,
					"panic_value", r,
					"stack_trace", string(debug.Stack()))
				done <- domain.NewFailureResult(domain.NewNodeError(domain.ErrorClassInternal,
					fmt.Sprintf("panic: %v", r), domain.ErrNodePanic))
			}
		}()

		result, err := node.Execute(callCtx, &nodeInput)
		done <- normalizeResult(result, err)
	}()

	select {
	case result := <-done:
		return result
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return domain.NewFailureResult(fmt.Errorf("node %s: %w", spec.ID, domain.ErrExecutionCanceled))
		}
		e.logger.Warn("node exceeded its deadline",
			"execution_id", input.ExecutionID,
			"node_id", spec.ID,
			"timeout", timeout)
		return domain.NewFailureResult(domain.NewTimeoutError(
			fmt.Sprintf("node %s exceeded %s", spec.ID, timeout), domain.ErrNodeTimeout))
	}
}

func normalizeResult(result *domain.NodeExecutionResult, err error) *domain.NodeExecutionResult {
	if err != nil {
		return domain.NewFailureResult(err)
	}
	if result == nil {
		return domain.NewSuccessResult(nil)
	}

	cp := *result
	if cp.Success {
		if cp.OutputData == nil {
			cp.OutputData = map[string]interface{}{}
		}
		return &cp
	}

	if cp.ErrorClass == "" {
		cp.ErrorClass = retry.Classify(cp.Cause)
	}
	if cp.ErrorMessage == "" && cp.Cause != nil {
		cp.ErrorMessage = cp.Cause.Error()
	}
	return &cp
}
