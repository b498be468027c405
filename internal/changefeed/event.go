// Package changefeed defines the file-change events carried from the daemon to subscribers,
// their validation at the parse boundary and their Server-Sent Events framing.
package changefeed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
)

// EventType tags the variant of an Event.
type EventType string

const (
	// EventConnected is sent once when a stream opens.
	EventConnected EventType = "connected"
	// EventFileChanged reports created or written files.
	EventFileChanged EventType = "file_changed"
	// EventFileDeleted reports removed or renamed-away files.
	EventFileDeleted EventType = "file_deleted"
)

// ErrMalformedEvent is returned by ParseEvent for payloads that do not match any variant.
var ErrMalformedEvent = errors.New("malformed change event")

// FileRef names one file inside a project.
type FileRef struct {
	Path string `json:"path"`
}

// Event is the wire form of a change notification.
type Event struct {
	ProjectID string    `json:"projectId"`
	Files     []FileRef `json:"files,omitempty"`
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp,omitempty"`
}

// Change is the flattened per-file view handed to subscriber callbacks.
type Change struct {
	ProjectID string
	Path      string
	Type      EventType
}

// IsChange reports whether the event carries file changes (as opposed to a handshake).
func (e Event) IsChange() bool {
	return e.Type == EventFileChanged || e.Type == EventFileDeleted
}

// NewChange builds a change event for paths, deduplicated and sorted.
func NewChange(projectID string, typ EventType, paths []string) Event {
	seen := make(map[string]struct{}, len(paths))
	files := make([]FileRef, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok || p == "" {
			continue
		}
		seen[p] = struct{}{}
		files = append(files, FileRef{Path: p})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return Event{
		ProjectID: projectID,
		Files:     files,
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Validate checks the event against its variant.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ProjectID) == "" {
		return fmt.Errorf("%w: projectId required", ErrMalformedEvent)
	}
	switch e.Type {
	case EventConnected:
		return nil
	case EventFileChanged, EventFileDeleted:
		if len(e.Files) == 0 {
			return fmt.Errorf("%w: %s without files", ErrMalformedEvent, e.Type)
		}
		for i, f := range e.Files {
			if strings.TrimSpace(f.Path) == "" {
				return fmt.Errorf("%w: files[%d].path empty", ErrMalformedEvent, i)
			}
		}
		return nil
	case "":
		return fmt.Errorf("%w: type required", ErrMalformedEvent)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, e.Type)
	}
}

// ParseEvent decodes and validates one event payload.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Encode frames an event as one SSE message ("data: <json>" terminated by a blank line).
func Encode(ev Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := sse.Encode(&buf, sse.Event{Data: ev}); err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return buf.Bytes(), nil
}

// Changes flattens the event into per-file changes.
func (e Event) Changes() []Change {
	out := make([]Change, 0, len(e.Files))
	for _, f := range e.Files {
		out = append(out, Change{ProjectID: e.ProjectID, Path: f.Path, Type: e.Type})
	}
	return out
}
