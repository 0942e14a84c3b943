package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/anaysingh0542/multi-agent/internal/diagram"
	"github.com/anaysingh0542/multi-agent/internal/engine"
	"github.com/anaysingh0542/multi-agent/internal/store"
	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

var errNoPlan = errors.New("one of plan or plan_text is required")

// handleExecute validates and runs a plan.
func (s *PlanServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.executor == nil {
		return mcp.NewToolResultError("no executor configured"), nil
	}
	plan, result, err := s.planFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !result.Valid() {
		return validationFailure(result)
	}

	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		if session := server.ClientSessionFromContext(ctx); session != nil {
			sessionID = session.SessionID()
		}
	}
	state := engine.NewState(plan, sessionID, req.GetString("query", ""))
	if md := mcp.ParseStringMap(req, "metadata", nil); md != nil {
		state.MergeMetadata(md)
	}

	res, runErr := s.executor.Execute(ctx, plan, state)
	out := map[string]any{
		"run_id":       res.RunID,
		"session_id":   state.SessionID(),
		"final_output": res.FinalOutput,
		"steps":        res.Steps,
		"trace":        res.Trace,
		"hitl":         res.HITL,
		"duration_ms":  res.DurationMs,
		"warnings":     result.Warnings,
	}
	if runErr != nil {
		s.logger.WarnContext(ctx, "plan execution failed",
			slog.String("plan", plan.Name),
			slog.String("error", runErr.Error()))
		out["error"] = errorPayload(runErr)
		data, _ := json.Marshal(out)
		return mcp.NewToolResultError(string(data)), nil
	}
	return marshalResult(out)
}

// handleValidate reports validation issues for a plan.
func (s *PlanServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, result, err := s.planFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   issuesOrEmpty(result.Errors),
		"warnings": issuesOrEmpty(result.Warnings),
	})
}

// handleDiagram renders a plan in the requested format.
func (s *PlanServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" {
		return mcp.NewToolResultError("format must be ascii or mermaid"), nil
	}

	plan, result, err := s.planFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if plan == nil {
		return validationFailure(result)
	}

	var trace []schema.TraceEvent
	if runID := req.GetString("run_id", ""); runID != "" {
		if s.store == nil {
			return mcp.NewToolResultError("run_id requires a configured store"), nil
		}
		events, evErr := s.store.GetEvents(ctx, runID)
		if evErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("events for run %q: %v", runID, evErr)), nil
		}
		trace = store.TraceOf(events)
	}

	model, buildErr := diagram.Build(plan, trace)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}
	if format == "ascii" {
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// handleHandlers lists registered handlers and the agent ids routed to each.
func (s *PlanServer) handleHandlers(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agents := make([]map[string]any, 0, len(s.table))
	for _, id := range s.table.LogicalIDs() {
		name := s.table[id]
		agents = append(agents, map[string]any{
			"agent_id":   id,
			"handler":    name,
			"registered": s.registry.Has(name),
		})
	}
	return marshalResult(map[string]any{
		"handlers": s.registry.List(),
		"agents":   agents,
	})
}

// handleRuns lists runs or returns one run with its events and invocations.
func (s *PlanServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("no store configured"), nil
	}

	if runID := req.GetString("run_id", ""); runID != "" {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		events, err := s.store.GetEvents(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		invocations, err := s.store.ListInvocations(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{
			"run":         run,
			"events":      events,
			"invocations": invocations,
		})
	}

	filter := mcp.ParseStringMap(req, "filter", nil)
	rf := store.RunFilter{Limit: extractInt(filter, "limit", 50)}
	if status, ok := filter["status"].(string); ok {
		rf.Status = schema.RunStatus(status)
	}
	if sessionID, ok := filter["session_id"].(string); ok {
		rf.SessionID = sessionID
	}
	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return marshalResult(map[string]any{"runs": runs})
}

// --- Internal helpers ---

// planFromRequest decodes the plan argument (object) or plan_text (JSON or
// YAML) and validates it. The plan is nil when decoding failed; the failure
// is then the only error in the result.
func (s *PlanServer) planFromRequest(req mcp.CallToolRequest) (*schema.Plan, *schema.ValidationResult, error) {
	if doc := mcp.ParseStringMap(req, "plan", nil); doc != nil {
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid plan: %w", err)
		}
		plan, result := s.validator.ValidateDocument(data, "plan.json")
		return plan, result, nil
	}
	if text := req.GetString("plan_text", ""); text != "" {
		plan, result := s.validator.ValidateDocument([]byte(text), "")
		return plan, result, nil
	}
	return nil, nil, errNoPlan
}

func validationFailure(result *schema.ValidationResult) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(map[string]any{
		"valid":    false,
		"errors":   issuesOrEmpty(result.Errors),
		"warnings": issuesOrEmpty(result.Warnings),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultError(string(data)), nil
}

func errorPayload(err error) map[string]any {
	var pe *schema.PlanError
	if errors.As(err, &pe) {
		out := map[string]any{"code": pe.Code, "message": pe.Message}
		if pe.NodeID != "" {
			out["node_id"] = pe.NodeID
		}
		return out
	}
	return map[string]any{"code": schema.ErrCodeExecution, "message": err.Error()}
}

func issuesOrEmpty(issues []schema.ValidationIssue) []schema.ValidationIssue {
	if issues == nil {
		return []schema.ValidationIssue{}
	}
	return issues
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
