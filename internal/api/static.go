package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/seabus0316/geofs-flightradar/pkg/logger"
)

// StaticFileHandler serves the radar UI from a directory. Directories resolve
// to their index.html; HTML is never cached so UI updates show up on reload.
type StaticFileHandler struct {
	staticDir string
	logger    *logger.Logger
}

// NewStaticFileHandler creates a new static file handler
func NewStaticFileHandler(staticDir string, log *logger.Logger) *StaticFileHandler {
	return &StaticFileHandler{
		staticDir: staticDir,
		logger:    log.Named("static"),
	}
}

// ServeHTTP serves one file
func (h *StaticFileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fullPath, status := h.resolve(r.URL.Path)
	if status != http.StatusOK {
		if status == http.StatusNotFound {
			http.NotFound(w, r)
			return
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	if strings.HasSuffix(fullPath, ".html") {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=300")
	}

	http.ServeFile(w, r, fullPath)
}

// resolve maps a URL path to a file inside the static directory
func (h *StaticFileHandler) resolve(urlPath string) (string, int) {
	rel := strings.TrimPrefix(filepath.Clean("/"+urlPath), "/")
	if rel == "" {
		rel = "index.html"
	}

	root, err := filepath.Abs(h.staticDir)
	if err != nil {
		h.logger.Error("Failed to resolve static directory", logger.Error(err))
		return "", http.StatusInternalServerError
	}
	fullPath := filepath.Join(root, rel)
	if fullPath != root && !strings.HasPrefix(fullPath, root+string(filepath.Separator)) {
		h.logger.Warn("Rejected path outside static directory", logger.String("path", urlPath))
		return "", http.StatusForbidden
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if !os.IsNotExist(err) {
			h.logger.Error("Failed to stat file", logger.Error(err), logger.String("path", fullPath))
			return "", http.StatusInternalServerError
		}
		return "", http.StatusNotFound
	}

	if info.IsDir() {
		index := filepath.Join(fullPath, "index.html")
		if _, err := os.Stat(index); err != nil {
			return "", http.StatusForbidden
		}
		fullPath = index
	}
	return fullPath, http.StatusOK
}
