package api

import (
	"github.com/neurofusion/server/internal/atlas"
	"github.com/neurofusion/server/internal/service"
)

// ResolutionInfo describes a served resolution for the API response.
type ResolutionInfo struct {
	ID         string `json:"id"`
	Resolution int    `json:"resolution_mm"`
	Path       string `json:"path"`
}

// ExplorerRegistry holds an explorer for every configured resolution.
type ExplorerRegistry struct {
	explorers  map[atlas.Resolution]*service.Explorer
	order      []atlas.Resolution
	defaultRes atlas.Resolution
	title      string
}

// NewExplorerRegistry creates a new explorer registry.
func NewExplorerRegistry(defaultRes atlas.Resolution, title string) *ExplorerRegistry {
	return &ExplorerRegistry{
		explorers:  make(map[atlas.Resolution]*service.Explorer),
		defaultRes: defaultRes,
		title:      title,
	}
}

// Register adds an explorer. Resolutions are listed in registration order.
func (r *ExplorerRegistry) Register(e *service.Explorer) {
	res := e.Resolution()
	if _, ok := r.explorers[res]; !ok {
		r.order = append(r.order, res)
	}
	r.explorers[res] = e
}

// Get returns the explorer for a resolution, or nil if not found.
func (r *ExplorerRegistry) Get(res atlas.Resolution) *service.Explorer {
	return r.explorers[res]
}

// Default returns the default resolution's explorer.
func (r *ExplorerRegistry) Default() *service.Explorer {
	return r.explorers[r.DefaultResolution()]
}

// DefaultResolution returns the default resolution, or the first registered
// one when the configured default is not served.
func (r *ExplorerRegistry) DefaultResolution() atlas.Resolution {
	if _, ok := r.explorers[r.defaultRes]; ok || len(r.order) == 0 {
		return r.defaultRes
	}
	return r.order[0]
}

// Explorers returns all explorers in registration order.
func (r *ExplorerRegistry) Explorers() []*service.Explorer {
	out := make([]*service.Explorer, 0, len(r.order))
	for _, res := range r.order {
		out = append(out, r.explorers[res])
	}
	return out
}

// Title returns the configured site title.
func (r *ExplorerRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "NeuroFusion"
}

// Resolutions returns resolution info for all registered explorers.
func (r *ExplorerRegistry) Resolutions() []ResolutionInfo {
	infos := make([]ResolutionInfo, 0, len(r.order))
	for _, res := range r.order {
		infos = append(infos, ResolutionInfo{
			ID:         res.String(),
			Resolution: int(res),
			Path:       "/r/" + res.String(),
		})
	}
	return infos
}
