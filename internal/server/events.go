package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yourorg/projectfeed/internal/changefeed"
	"github.com/yourorg/projectfeed/internal/logging"
	"github.com/yourorg/projectfeed/internal/oplog"
	"github.com/yourorg/projectfeed/internal/stream"
)

const (
	clientRetry      = 3 * time.Second
	defaultHeartbeat = 15 * time.Second
	maxPublishBytes  = 1 << 20
)

// handleEvents holds an event stream open for one subscriber until the client leaves, the
// channel is evicted or the server shuts down.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := s.ws.ProjectDir(projectID); err != nil {
		s.writeWorkspaceError(w, projectID, err)
		return
	}

	tun := s.cfg.Current()
	ch, err := stream.NewSSEChannel(w, tun.WriteTimeout)
	if err != nil {
		s.logger.Warn("event stream unsupported", logging.String("project", projectID), logging.Error(err))
		return
	}
	defer ch.Close()

	hello, err := changefeed.Encode(changefeed.Event{
		ProjectID: projectID,
		Type:      changefeed.EventConnected,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := ch.Retry(clientRetry); err != nil {
		return
	}
	if err := ch.Send(hello); err != nil {
		return
	}

	// the registry's active hook starts the project watcher
	s.registry.AddConnection(projectID, ch)
	defer s.registry.RemoveConnection(projectID, ch)

	heartbeat := tun.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ch.Done():
			return
		case <-ticker.C:
			if err := ch.Heartbeat(); err != nil {
				s.logger.Debug("heartbeat failed",
					logging.String("project", projectID),
					logging.String("channel", ch.ID()),
					logging.Error(err),
				)
				return
			}
		}
	}
}

// handlePublish lets producers outside the daemon push a change event for a project.
func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var ev changefeed.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBytes))
	if err := dec.Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if ev.ProjectID == "" {
		ev.ProjectID = projectID
	}
	if ev.ProjectID != projectID {
		writeError(w, http.StatusBadRequest, "projectId does not match route")
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !ev.IsChange() {
		writeError(w, http.StatusBadRequest, "only file_changed and file_deleted can be published")
		return
	}
	ev = changefeed.NewChange(ev.ProjectID, ev.Type, pathsOf(ev))

	s.ops.Infof(oplog.OpPublish, projectID, "%s: %d files", ev.Type, len(ev.Files))
	// delivery must not depend on the publisher staying connected
	res := s.registry.BroadcastFileChange(context.WithoutCancel(r.Context()), ev)
	writeJSON(w, http.StatusAccepted, res)
}

func pathsOf(ev changefeed.Event) []string {
	out := make([]string, 0, len(ev.Files))
	for _, f := range ev.Files {
		out = append(out, f.Path)
	}
	return out
}
