package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/eleven-am/graphflow/internal/adapters/resolver"
	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

// execution is the coordinator-owned state of one run. Only the goroutine
// inside Run reads or writes it, except for the node inputs handed to
// fan-out goroutines, which are built before they start.
type execution struct {
	record *domain.ExecutionRecord
	graph  *domain.Graph
	specs  map[string]domain.NodeSpec
	nodes  map[string]ports.NodePort

	triggers  map[string]bool
	attempted map[string]bool
	succeeded map[string]bool
	outputs   map[string]map[string]interface{}
	order     []string
	failed    map[string]string
}

func newExecution(record *domain.ExecutionRecord, graph *domain.Graph) *execution {
	return &execution{
		record:    record,
		graph:     graph,
		specs:     make(map[string]domain.NodeSpec, len(graph.Nodes)),
		nodes:     make(map[string]ports.NodePort, len(graph.Nodes)),
		triggers:  make(map[string]bool),
		attempted: make(map[string]bool),
		succeeded: make(map[string]bool),
		outputs:   make(map[string]map[string]interface{}),
		failed:    make(map[string]string),
	}
}

// inputFor builds a node's input: the trigger payload for trigger nodes,
// otherwise its predecessors' outputs merged in connection order.
func (x *execution) inputFor(nodeID string) *ports.NodeInput {
	spec := x.specs[nodeID]
	input := &ports.NodeInput{
		ExecutionID:  x.record.ID,
		WorkflowRef:  x.record.WorkflowRef,
		Node:         spec,
		Properties:   spec.Properties,
		Predecessors: make(map[string]map[string]interface{}),
		IsTrigger:    x.triggers[nodeID],
	}

	if input.IsTrigger {
		input.Data = domain.MergeAll(x.record.InputData)
		return input
	}

	var upstream []map[string]interface{}
	for _, pred := range x.graph.Predecessors(nodeID) {
		out := domain.MergeAll(x.outputs[pred])
		input.Predecessors[pred] = out
		upstream = append(upstream, out)
	}
	input.Data = domain.MergeAll(upstream...)
	return input
}

func (x *execution) commit(nodeID string, result *domain.NodeExecutionResult) {
	x.attempted[nodeID] = true
	if result.Success {
		x.succeeded[nodeID] = true
		x.outputs[nodeID] = result.OutputData
		x.order = append(x.order, nodeID)
		return
	}
	x.failed[nodeID] = result.ErrorMessage
}

// readyNodes returns the nodes whose predecessors all succeeded and that have
// not been attempted, highest priority first then by id.
func (x *execution) readyNodes() []string {
	var ready []string
	for _, id := range resolver.FindReadyNodes(x.graph.Connections, x.succeeded) {
		if !x.attempted[id] {
			ready = append(ready, id)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		pi, pj := x.nodes[ready[i]].Priority(), x.nodes[ready[j]].Priority()
		if pi != pj {
			return pi > pj
		}
		return ready[i] < ready[j]
	})
	return ready
}

func (x *execution) aggregate() map[string]interface{} {
	outputs := make([]map[string]interface{}, 0, len(x.order))
	for _, id := range x.order {
		outputs = append(outputs, x.outputs[id])
	}
	return domain.MergeAll(outputs...)
}

// Run drives record through graph to a terminal status. The graph is
// validated first; a validation failure leaves record untouched. A trigger
// failure ends the run with status error and a *domain.TriggerExecutionError;
// failures of other nodes are recorded and only stop their dependents.
func (e *Engine) Run(ctx context.Context, record *domain.ExecutionRecord, graph *domain.Graph) (*domain.ExecutionResult, error) {
	if record == nil {
		return nil, fmt.Errorf("%w: execution record is required", domain.ErrInvalidInput)
	}
	if err := e.ValidateGraph(graph); err != nil {
		return nil, err
	}

	exec := newExecution(record, graph)
	for _, spec := range graph.Nodes {
		node, err := e.registry.Create(spec.Type)
		if err != nil {
			return nil, err
		}
		exec.specs[spec.ID] = spec
		exec.nodes[spec.ID] = node
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.register(record.ID, cancel)
	defer e.unregister(record.ID)

	if err := record.Start(e.now()); err != nil {
		return nil, err
	}
	persistCtx := context.WithoutCancel(ctx)
	e.save(persistCtx, record)

	e.logger.Info("execution started",
		"execution_id", record.ID,
		"workflow_id", record.WorkflowRef,
		"nodes", len(graph.Nodes),
		"mode", record.Mode)

	runErr := e.runTriggers(runCtx, exec)
	if runErr == nil {
		runErr = e.runRounds(runCtx, exec)
	}

	return e.finish(persistCtx, exec, runErr)
}

func (e *Engine) runTriggers(ctx context.Context, exec *execution) error {
	triggers, err := resolver.FindTriggerNodes(exec.graph.Nodes, exec.graph.Connections)
	if err != nil {
		return err
	}
	for _, id := range triggers {
		exec.triggers[id] = true
	}

	for _, id := range triggers {
		if ctx.Err() != nil {
			return domain.ErrExecutionCanceled
		}

		result := e.executeNode(ctx, exec, id)
		e.recordNode(ctx, exec, id, result)
		exec.commit(id, result)

		if !result.Success {
			if ctx.Err() != nil {
				return domain.ErrExecutionCanceled
			}
			return &domain.TriggerExecutionError{NodeID: id, Err: result.Err()}
		}
	}
	return nil
}

func (e *Engine) runRounds(ctx context.Context, exec *execution) error {
	record := exec.record

	for round := 1; round <= e.config.MaxRounds; round++ {
		if ctx.Err() != nil {
			return domain.ErrExecutionCanceled
		}

		ready := exec.readyNodes()
		if len(ready) == 0 {
			return nil
		}

		e.logger.Debug("executing round", "execution_id", record.ID, "round", round, "ready", ready)
		if err := e.runRound(ctx, exec, ready); err != nil {
			return err
		}
		record.Metadata.RoundsExecuted = round
	}

	if remaining := exec.readyNodes(); len(remaining) > 0 {
		record.Metadata.RoundLimitReached = true
		e.logger.Warn("execution round limit reached",
			"execution_id", record.ID,
			"max_rounds", e.config.MaxRounds,
			"remaining", remaining)
		e.trackLog(ctx, record.ID, "", domain.LogLevelWarning, domain.ErrRoundLimitExceeded.Error(), map[string]interface{}{
			"max_rounds": e.config.MaxRounds,
			"remaining":  remaining,
		})
	}
	return nil
}

// runRound executes one ready set. Async-capable nodes fan out on a bounded
// group; the rest run one at a time. Results are committed in ready order
// so aggregation does not depend on goroutine scheduling.
func (e *Engine) runRound(ctx context.Context, exec *execution, ready []string) error {
	results := make([]*domain.NodeExecutionResult, len(ready))

	var concurrent, sequential []int
	for i, id := range ready {
		if exec.nodes[id].SupportsAsync() {
			concurrent = append(concurrent, i)
		} else {
			sequential = append(sequential, i)
		}
	}

	if len(concurrent) > 1 && resolver.CanRunConcurrently(pick(ready, concurrent), exec.graph.Connections) {
		var g errgroup.Group
		g.SetLimit(e.parallelism(exec.graph))
		for _, i := range concurrent {
			i := i
			g.Go(func() error {
				results[i] = e.executeNode(ctx, exec, ready[i])
				return nil
			})
		}
		_ = g.Wait()
	} else {
		sequential = append(concurrent, sequential...)
		sort.Ints(sequential)
	}

	for _, i := range sequential {
		if ctx.Err() != nil {
			break
		}
		results[i] = e.executeNode(ctx, exec, ready[i])
	}

	for i, id := range ready {
		if results[i] == nil {
			continue
		}
		e.recordNode(ctx, exec, id, results[i])
		exec.commit(id, results[i])

		if !results[i].Success {
			e.logger.Warn("node failed, continuing unaffected branches",
				"execution_id", exec.record.ID,
				"node_id", id,
				"error_class", results[i].ErrorClass,
				"attempts", results[i].Attempts,
				"error", results[i].ErrorMessage)
		}
	}

	if ctx.Err() != nil {
		return domain.ErrExecutionCanceled
	}
	return nil
}

func pick(ids []string, idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, ids[i])
	}
	return out
}

func (e *Engine) finish(ctx context.Context, exec *execution, runErr error) (*domain.ExecutionResult, error) {
	record := exec.record

	status := domain.ExecutionStatusSuccess
	errMessage := ""
	switch {
	case runErr == nil:
	case errors.Is(runErr, domain.ErrExecutionCanceled):
		status = domain.ExecutionStatusCanceled
		errMessage = domain.ErrExecutionCanceled.Error()
	default:
		status = domain.ExecutionStatusError
		errMessage = runErr.Error()
	}

	record.OutputData = exec.aggregate()
	record.NodeOutputs = exec.outputs
	record.Metadata.SkippedNodes = resolver.NotAttempted(exec.graph.Nodes, exec.attempted)

	if err := record.Finish(status, e.now(), errMessage); err != nil {
		return nil, err
	}

	if e.tracker != nil {
		if _, err := e.tracker.RecordExecutionOutcome(ctx, record); err != nil {
			e.logger.Error("failed to record execution outcome", "execution_id", record.ID, "error", err)
		}
	}
	e.save(ctx, record)

	result := &domain.ExecutionResult{
		ExecutionID:  record.ID,
		WorkflowRef:  record.WorkflowRef,
		Status:       record.Status,
		Output:       record.OutputData,
		NodeOutputs:  record.NodeOutputs,
		FailedNodes:  exec.failed,
		SkippedNodes: record.Metadata.SkippedNodes,
		ErrorMessage: record.ErrorMessage,
		DurationMs:   record.DurationMs,
		Degraded:     record.Metadata.RoundLimitReached || len(exec.failed) > 0,
	}

	e.logger.Info("execution finished",
		"execution_id", record.ID,
		"workflow_id", record.WorkflowRef,
		"status", record.Status,
		"duration_ms", record.DurationMs,
		"failed_nodes", len(exec.failed),
		"skipped_nodes", len(result.SkippedNodes))

	if status == domain.ExecutionStatusError && e.errorPolicy != nil {
		if _, err := e.errorPolicy.Handle(ctx, record, exec.graph, result); err != nil {
			e.logger.Error("error workflow dispatch failed", "execution_id", record.ID, "error", err)
		}
	}

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func (e *Engine) recordNode(ctx context.Context, exec *execution, nodeID string, result *domain.NodeExecutionResult) {
	if e.tracker == nil {
		meta := &exec.record.Metadata
		meta.NodeExecutions++
		meta.TotalExecutionTimeMs += result.Duration.Milliseconds()
		if result.Attempts > 1 {
			meta.RetriedAttempts += result.Attempts - 1
		}
		if !result.Success {
			meta.FailedNodes++
		}
		return
	}
	if err := e.tracker.RecordNodeOutcome(context.WithoutCancel(ctx), exec.record, nodeID, result, result.Duration); err != nil {
		e.logger.Error("failed to record node outcome", "execution_id", exec.record.ID, "node_id", nodeID, "error", err)
	}
}

func (e *Engine) trackLog(ctx context.Context, executionID, nodeID string, level domain.LogLevel, message string, fields map[string]interface{}) {
	if e.tracker == nil {
		return
	}
	if err := e.tracker.Log(context.WithoutCancel(ctx), executionID, nodeID, level, message, fields); err != nil {
		e.logger.Error("failed to append execution log", "execution_id", executionID, "error", err)
	}
}

func (e *Engine) save(ctx context.Context, record *domain.ExecutionRecord) {
	if e.repo == nil {
		return
	}
	if err := e.repo.SaveExecution(ctx, record); err != nil {
		e.logger.Error("failed to persist execution", "execution_id", record.ID, "error", err)
	}
}
