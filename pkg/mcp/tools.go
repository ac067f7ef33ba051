package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/voxflow/voxflow/internal/engine"
	"github.com/voxflow/voxflow/internal/store"
)

// handleDeploy validates and publishes a flow document. Versioning is
// automatic: a document without a version gets max(existing)+1.
func (s *VoxflowServer) handleDeploy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	document, err := req.RequireString("document")
	if err != nil {
		return mcp.NewToolResultError("document is required"), nil
	}
	activate := req.GetBool("activate", true)

	doc, parseErr := s.registry.Loader().Parse([]byte(document))
	if parseErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("flow document rejected: %v", parseErr)), nil
	}
	graph, compileErr := s.registry.Loader().Load([]byte(document))
	if compileErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("flow document rejected: %v", compileErr)), nil
	}

	version := doc.Version
	if version == 0 {
		existing, listErr := s.store.ListFlows(ctx)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("flow lookup failed: %v", listErr)), nil
		}
		for _, rec := range existing {
			if rec.Slug == doc.Slug && rec.Version >= version {
				version = rec.Version
			}
		}
		version++
		doc.Version = version
	}

	normalized, marshalErr := json.Marshal(doc)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to normalize document: %v", marshalErr)), nil
	}
	rec := &store.FlowRecord{
		Slug:      doc.Slug,
		Version:   version,
		Document:  normalized,
		Active:    activate,
		CreatedAt: time.Now().UTC(),
	}
	if putErr := s.store.PutFlow(ctx, rec); putErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store flow: %v", putErr)), nil
	}

	s.logger.Info("flow deployed", "slug", doc.Slug, "version", version, "nodes", len(doc.Nodes))
	return marshalResult(map[string]any{
		"slug":    graph.Slug,
		"version": version,
		"active":  activate,
		"nodes":   len(doc.Nodes),
		"start":   graph.Start,
	})
}

// handleTurn drives one user turn through the engine.
func (s *VoxflowServer) handleTurn(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	flowSlug, err := req.RequireString("flow")
	if err != nil {
		return mcp.NewToolResultError("flow is required"), nil
	}
	utterance, err := req.RequireString("utterance")
	if err != nil {
		return mcp.NewToolResultError("utterance is required"), nil
	}

	out, turnErr := s.engine.ProcessTurn(ctx, &engine.TurnInput{
		OrgID:     orgID,
		UserID:    userID,
		FlowSlug:  flowSlug,
		Isolation: req.GetString("isolation", ""),
		Utterance: utterance,
	})
	if turnErr != nil {
		// The degraded output still carries a user-safe message.
		if out != nil {
			return marshalResult(turnView(out, turnErr))
		}
		return mcp.NewToolResultError(fmt.Sprintf("turn failed: %v", turnErr)), nil
	}
	return marshalResult(turnView(out, nil))
}

// handleEvent delivers an external event to a waiting session.
func (s *VoxflowServer) handleEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionKey, err := req.RequireString("session_key")
	if err != nil {
		return mcp.NewToolResultError("session_key is required"), nil
	}
	event, err := req.RequireString("event")
	if err != nil {
		return mcp.NewToolResultError("event is required"), nil
	}

	out, turnErr := s.engine.ProcessTurn(ctx, &engine.TurnInput{
		SessionKey: sessionKey,
		Event:      event,
	})
	if turnErr != nil {
		if out != nil {
			return marshalResult(turnView(out, turnErr))
		}
		return mcp.NewToolResultError(fmt.Sprintf("event delivery failed: %v", turnErr)), nil
	}
	return marshalResult(turnView(out, nil))
}

// handleStatus reports session position and recent turn events.
func (s *VoxflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionKey, err := req.RequireString("session_key")
	if err != nil {
		return mcp.NewToolResultError("session_key is required"), nil
	}
	since := req.GetInt("events_since", 0)

	sess, getErr := s.store.GetSession(ctx, sessionKey)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session lookup failed: %v", getErr)), nil
	}
	events, evErr := s.store.GetEvents(ctx, sess.ID, int64(since))
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event lookup failed: %v", evErr)), nil
	}

	view := map[string]any{
		"session_key":  sess.Key,
		"flow":         sess.FlowSlug,
		"flow_version": sess.FlowVersion,
		"status":       sess.Status,
		"current_node": sess.CurrentNodeID,
		"vars":         sess.Vars,
		"history_len":  len(sess.History),
		"events":       events,
	}
	if sess.Pending != nil {
		view["pending"] = sess.Pending
	}
	return marshalResult(view)
}

// handleMemoryInspect lists a user's semantic entities.
func (s *VoxflowServer) handleMemoryInspect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	entities, listErr := s.store.ListEntities(ctx, orgID, userID)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("memory lookup failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{
		"org_id":   orgID,
		"user_id":  userID,
		"count":    len(entities),
		"entities": entities,
	})
}

// handleMemoryClear deletes a user's semantic memory.
func (s *VoxflowServer) handleMemoryClear(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	entityType := req.GetString("entity_type", "")

	if delErr := s.store.DeleteEntities(ctx, orgID, userID, entityType); delErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("memory clear failed: %v", delErr)), nil
	}
	s.logger.Info("semantic memory cleared", "org_id", orgID, "user_id", userID, "entity_type", entityType)
	return marshalResult(map[string]any{
		"ok":          true,
		"org_id":      orgID,
		"user_id":     userID,
		"entity_type": entityType,
	})
}

func turnView(out *engine.TurnOutput, turnErr error) map[string]any {
	view := map[string]any{
		"session_key": out.SessionKey,
		"turn_id":     out.TurnID,
		"messages":    out.Messages,
		"status":      out.Status,
		"end_of_flow": out.EndOfFlow,
	}
	if turnErr != nil {
		view["degraded"] = true
		view["error"] = turnErr.Error()
	}
	return view
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
