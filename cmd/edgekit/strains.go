package main

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/growcircle/edgekit"
)

var errStrainNotFound = errors.New("strain not found")

// Strain is a catalog entry.
type Strain struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// strainCatalog stands in for the platform's strain service.
type strainCatalog struct {
	mu      sync.RWMutex
	nextID  int
	strains map[int]Strain
}

func newStrainCatalog() *strainCatalog {
	c := &strainCatalog{strains: make(map[int]Strain)}
	for _, s := range []Strain{
		{Name: "Northern Lights", Type: "indica"},
		{Name: "Jack Herer", Type: "sativa"},
		{Name: "Blue Dream", Type: "hybrid"},
	} {
		c.add(s)
	}
	return c
}

func (c *strainCatalog) add(s Strain) Strain {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	s.ID = c.nextID
	c.strains[s.ID] = s
	return s
}

func (c *strainCatalog) find(_ context.Context, id int) (Strain, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.strains[id]
	if !ok {
		return Strain{}, errStrainNotFound
	}
	return s, nil
}

func (c *strainCatalog) list(strainType string, page, perPage int) []Strain {
	c.mu.RLock()
	out := make([]Strain, 0, len(c.strains))
	for _, s := range c.strains {
		if strainType == "" || s.Type == strainType {
			out = append(out, s)
		}
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b Strain) int { return a.ID - b.ID })
	start := min(len(out), (page-1)*perPage)
	end := min(len(out), start+perPage)
	return out[start:end]
}

func (c *strainCatalog) remove(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.strains[id]
	delete(c.strains, id)
	return ok
}

type strainHandlers struct {
	catalog *strainCatalog
	cache   *edgekit.Cache
	find    func(context.Context, int) (Strain, error)
}

func newStrainHandlers(catalog *strainCatalog, cache *edgekit.Cache, ttl time.Duration) *strainHandlers {
	return &strainHandlers{
		catalog: catalog,
		cache:   cache,
		find:    edgekit.Cached(cache, "strain", ttl, strconv.Itoa, catalog.find),
	}
}

type listQuery struct {
	Type    string `query:"type" validate:"omitempty,oneof=indica sativa hybrid"`
	Page    int    `query:"page" validate:"min=1"`
	PerPage int    `query:"per_page" validate:"min=1,max=100"`
}

func (h *strainHandlers) list(w http.ResponseWriter, r *http.Request) {
	q := listQuery{Page: 1, PerPage: 20}
	if !edgekit.BindQuery(r, &q) {
		return
	}
	edgekit.SetResponse(r, http.StatusOK, map[string]any{
		"strains": h.catalog.list(q.Type, q.Page, q.PerPage),
		"page":    q.Page,
	})
}

func (h *strainHandlers) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		edgekit.SetError(r, edgekit.ErrBadRequest.WithParam("id must be an integer", "id"))
		return
	}
	s, err := h.find(r.Context(), id)
	if err != nil {
		edgekit.SetError(r, edgekit.ErrNotFound.With("Strain not found"))
		return
	}
	edgekit.SetResponse(r, http.StatusOK, s)
}

type createStrainRequest struct {
	Name string `json:"name" validate:"required,max=100"`
	Type string `json:"type" validate:"required,oneof=indica sativa hybrid"`
}

func (h *strainHandlers) create(w http.ResponseWriter, r *http.Request) {
	var req createStrainRequest
	if !edgekit.BindJSON(r, &req) {
		return
	}

	created := h.catalog.add(Strain{Name: strings.TrimSpace(req.Name), Type: req.Type})
	h.invalidate(r, created.ID)
	edgekit.SetResponse(r, http.StatusCreated, created)
}

func (h *strainHandlers) delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		edgekit.SetError(r, edgekit.ErrBadRequest.WithParam("id must be an integer", "id"))
		return
	}
	if !h.catalog.remove(id) {
		edgekit.SetError(r, edgekit.ErrNotFound.With("Strain not found"))
		return
	}
	h.invalidate(r, id)
	edgekit.SetResponse(r, http.StatusNoContent, nil)
}

// invalidate drops every cached listing plus the entries of one strain.
// Failures only cost staleness up to the TTL, so they are not surfaced.
func (h *strainHandlers) invalidate(r *http.Request, id int) {
	h.cache.Invalidate(r.Context(),
		h.cache.PathPattern(http.MethodGet, "/api/strains"),
		h.cache.PathPattern(http.MethodGet, "/api/strains/"+strconv.Itoa(id)),
		edgekit.FuncCacheNamespace+":strain:"+strconv.Itoa(id),
	)
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// login accepts the demo/demo account. Failed attempts count against the auth
// policy; successful ones are returned to the quota.
func login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !edgekit.BindJSON(r, &req) {
		return
	}
	if req.Username != "demo" || req.Password != "demo" {
		edgekit.SetError(r, edgekit.ErrUnauthorized.With("Invalid credentials"))
		return
	}
	edgekit.SetResponse(r, http.StatusOK, map[string]string{"subject": req.Username})
}
