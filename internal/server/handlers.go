package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yourorg/projectfeed/internal/fileapi"
	"github.com/yourorg/projectfeed/internal/logging"
	"github.com/yourorg/projectfeed/internal/version"
	"github.com/yourorg/projectfeed/internal/workspace"
)

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	var watched []string
	if s.watch != nil {
		watched = s.watch.Watched()
	}
	tun := s.cfg.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  string(s.st.Status()),
		"uptime":  s.st.Uptime().Round(time.Second).String(),
		"version": version.Info(),
		"data": map[string]any{
			"http":      s.cfg.HTTPAddr,
			"listen":    s.cfg.Listen,
			"workspace": s.cfg.WorkspaceRoot,
			"heartbeat": tun.Heartbeat.String(),
			"debounce":  tun.WatchDebounce.String(),
			"streams":   s.registry.GetActiveProjects(),
			"watched":   watched,
		},
	})
}

func (s *HTTPServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	// ?after=ID for incremental fetching
	if after := r.URL.Query().Get("after"); after != "" {
		id, err := strconv.ParseInt(after, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		writeJSON(w, http.StatusOK, s.ops.Since(id))
		return
	}
	writeJSON(w, http.StatusOK, s.ops.Recent(50))
}

func (s *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Connections())
}

func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request) {
	ids, err := s.ws.Projects()
	if err != nil {
		s.writeWorkspaceError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *HTTPServer) handleListFiles(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	files, err := s.ws.ListFiles(projectID)
	if err != nil {
		s.writeWorkspaceError(w, projectID, err)
		return
	}
	resp := fileapi.ListResponse{Files: make([]fileapi.File, 0, len(files))}
	for _, f := range files {
		resp.Files = append(resp.Files, fileapi.File{
			Path:         f.Path,
			Content:      f.Content,
			Size:         f.Size,
			LastModified: f.LastModified,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleReadFile(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}
	f, err := s.ws.ReadFile(projectID, path)
	if err != nil {
		s.writeWorkspaceError(w, projectID, err)
		return
	}
	writeJSON(w, http.StatusOK, fileapi.FileResponse{Content: f.Content})
}

func (s *HTTPServer) writeWorkspaceError(w http.ResponseWriter, projectID string, err error) {
	switch {
	case errors.Is(err, workspace.ErrProjectNotFound), errors.Is(err, workspace.ErrFileNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workspace.ErrInvalidPath):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, workspace.ErrFileTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		s.logger.Error("workspace request failed",
			logging.String("project", projectID),
			logging.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
