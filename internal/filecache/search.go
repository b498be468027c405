package filecache

import (
	"context"
	"regexp"
	"strings"

	"github.com/yourorg/projectfeed/internal/logging"
)

// Match is one occurrence of a query. ColumnStart is a 0-based byte offset into LineContent and
// ColumnEnd is exclusive.
type Match struct {
	FilePath      string   `json:"filePath"`
	LineNumber    int      `json:"lineNumber"`
	ColumnStart   int      `json:"columnStart"`
	ColumnEnd     int      `json:"columnEnd"`
	LineContent   string   `json:"lineContent"`
	ContextBefore []string `json:"contextBefore"`
	ContextAfter  []string `json:"contextAfter"`
}

// SearchInProject scans every cached file of a project line by line. Matching is case-insensitive
// in both modes. A malformed pattern is logged and yields no matches. Results are not sorted.
func (c *Cache) SearchInProject(ctx context.Context, projectID, query string, isRegex bool, contextLines int) ([]Match, error) {
	if query == "" {
		return nil, nil
	}
	if contextLines < 0 {
		contextLines = 0
	}
	recs, err := c.GetAllProjectFiles(ctx, projectID)
	if err != nil {
		return nil, err
	}

	pattern := regexp.QuoteMeta(query)
	if isRegex {
		pattern = query
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		c.logger.Warn("invalid search pattern",
			logging.String("project", projectID),
			logging.String("query", query),
			logging.Error(err),
		)
		return nil, nil
	}

	var matches []Match
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return matches, err
		}
		matches = append(matches, searchContent(rec.FilePath, rec.Content, re, contextLines)...)
	}
	return matches, nil
}

func searchContent(filePath, content string, re *regexp.Regexp, contextLines int) []Match {
	lines := strings.Split(content, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}

	var out []Match
	for i, line := range lines {
		locs := re.FindAllStringIndex(line, -1)
		for _, loc := range locs {
			if loc[0] == loc[1] {
				continue
			}
			out = append(out, Match{
				FilePath:      filePath,
				LineNumber:    i + 1,
				ColumnStart:   loc[0],
				ColumnEnd:     loc[1],
				LineContent:   line,
				ContextBefore: window(lines, i-contextLines, i),
				ContextAfter:  window(lines, i+1, i+1+contextLines),
			})
		}
	}
	return out
}

func window(lines []string, from, to int) []string {
	if from < 0 {
		from = 0
	}
	if to > len(lines) {
		to = len(lines)
	}
	if from >= to {
		return []string{}
	}
	return append([]string(nil), lines[from:to]...)
}
