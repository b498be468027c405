package rpc

import (
	"context"
	"encoding/json"

	"github.com/yourorg/projectfeed/internal/changefeed"
	"github.com/yourorg/projectfeed/internal/config"
	"github.com/yourorg/projectfeed/internal/oplog"
	"github.com/yourorg/projectfeed/internal/state"
	"github.com/yourorg/projectfeed/internal/stream"
	"github.com/yourorg/projectfeed/internal/version"
	"github.com/yourorg/projectfeed/internal/workspace"
)

type projectParams struct {
	ProjectID string `json:"projectId"`
}

// RegisterCore registers the broadcast and registry methods. ws may be nil.
func (s *Server) RegisterCore(cfg *config.Config, st *state.State, registry *stream.Registry, ws *workspace.Workspace, ops *oplog.Log) {
	s.Register("BroadcastFileChange", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		ev, err := changefeed.ParseEvent(params)
		if err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
		}
		if !ev.IsChange() {
			return nil, &Error{Code: CodeInvalidParams, Message: "invalid params: type must be file_changed or file_deleted"}
		}
		if ev.Timestamp == 0 {
			ev = changefeed.NewChange(ev.ProjectID, ev.Type, changePaths(ev))
		}
		ops.Infof(oplog.OpPublish, ev.ProjectID, "rpc %s: %d files", ev.Type, len(ev.Files))
		return registry.BroadcastFileChange(ctx, ev), nil
	})

	s.Register("GetConnectionCount", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		var p projectParams
		if err := json.Unmarshal(params, &p); err != nil || p.ProjectID == "" {
			return nil, &Error{Code: CodeInvalidParams, Message: "invalid params: projectId required"}
		}
		return map[string]any{"projectId": p.ProjectID, "connections": registry.GetConnectionCount(p.ProjectID)}, nil
	})

	s.Register("GetActiveProjects", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		return registry.GetActiveProjects(), nil
	})

	s.Register("GetStatus", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		return map[string]any{
			"status":  string(st.Status()),
			"version": version.Version,
			"data": map[string]any{
				"http":      cfg.HTTPAddr,
				"listen":    cfg.Listen,
				"workspace": cfg.WorkspaceRoot,
				"streams":   registry.Connections(),
			},
		}, nil
	})

	s.Register("ReloadConfig", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		if err := cfg.Reload(); err != nil {
			return nil, &Error{Code: CodeReloadFailed, Message: "reload failed: " + err.Error()}
		}
		if ws != nil {
			ws.RefreshRules()
		}
		tun := cfg.Current()
		return map[string]any{
			"status":     "ok",
			"message":    "config reloaded",
			"extensions": tun.TextExtensions,
			"exclude":    tun.ExcludePatterns,
		}, nil
	})
}

func changePaths(ev changefeed.Event) []string {
	out := make([]string, 0, len(ev.Files))
	for _, f := range ev.Files {
		out = append(out, f.Path)
	}
	return out
}
