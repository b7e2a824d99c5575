package server

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/simctl/internal/chart"
)

// sanitizeBase normalizes a mount prefix to "" or "/segment" without a
// trailing slash.
func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// chartPath maps a requested chart name to its file under dir. Only the
// images the renderer produces are served.
func chartPath(dir, name string) (string, bool) {
	switch name {
	case chart.CountersFile, chart.TransitionsFile:
		return filepath.Join(dir, name), true
	}
	return "", false
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeError(c *gin.Context, code int, msg, runID string) {
	writeJSON(c, code, errorResp{Error: msg, RunID: runID})
}
