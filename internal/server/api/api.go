// Package api is the HTTP interface of the control plane.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/atvirokodosprendimai/knitgrid/internal/ctxlog"
	"github.com/atvirokodosprendimai/knitgrid/internal/db"
	"github.com/atvirokodosprendimai/knitgrid/internal/deployer"
	"github.com/atvirokodosprendimai/knitgrid/internal/scheduler"
	"github.com/atvirokodosprendimai/knitgrid/internal/spec"
	"github.com/atvirokodosprendimai/knitgrid/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	store    *store.Store
	deployer *deployer.Deployer
	registry *prometheus.Registry
}

// NewRouter returns the API routes.
func NewRouter(s *store.Store, d *deployer.Deployer, reg *prometheus.Registry) http.Handler {
	srv := &Server{store: s, deployer: d, registry: reg}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: ctxlog.FromContext(context.Background()),
	}))

	r.Post("/grids", srv.gridCreate)
	r.Route("/grids/{grid}", func(r chi.Router) {
		r.Get("/nodes", srv.gridNodes)
		r.Post("/registries", srv.registryCreate)
		r.Post("/services", srv.serviceCreate)
	})
	r.Route("/services/{id}", func(r chi.Router) {
		r.Get("/", srv.serviceShow)
		r.Get("/instances", srv.serviceInstances)
		r.Post("/deploy", srv.serviceDeploy)
		r.Get("/deploy/preview", srv.serviceDeployPreview)
		r.Post("/start", srv.serviceStart)
		r.Post("/stop", srv.serviceStop)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps store and deployer errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *deployer.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, ve)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, deployer.ErrBusy), errors.Is(err, deployer.ErrAlreadyDeploying):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		ctxlog.FromContext(r.Context()).WithError(err).WithField("Path", r.URL.Path).Error("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (srv *Server) grid(w http.ResponseWriter, r *http.Request) (*db.Grid, bool) {
	grid, err := srv.store.GridByName(r.Context(), chi.URLParam(r, "grid"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return grid, true
}

func (srv *Server) service(w http.ResponseWriter, r *http.Request) (*db.GridService, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid service id", http.StatusBadRequest)
		return nil, false
	}
	svc, err := srv.store.Service(r.Context(), uint(id))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return svc, true
}

type gridRequest struct {
	Name        string `json:"name"`
	InitialSize int    `json:"initial_size"`
}

func (srv *Server) gridCreate(w http.ResponseWriter, r *http.Request) {
	var req gridRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusUnprocessableEntity, &deployer.ValidationError{
			Errors: []spec.FieldError{{Field: "name", Code: "required", Message: "name is required"}},
		})
		return
	}
	if _, err := srv.store.GridByName(r.Context(), req.Name); err == nil {
		http.Error(w, fmt.Sprintf("grid %q already exists", req.Name), http.StatusConflict)
		return
	}
	if req.InitialSize <= 0 {
		req.InitialSize = 1
	}
	grid := &db.Grid{Name: req.Name, InitialSize: req.InitialSize}
	if err := srv.store.CreateGrid(r.Context(), grid); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grid)
}

func (srv *Server) gridNodes(w http.ResponseWriter, r *http.Request) {
	grid, ok := srv.grid(w, r)
	if !ok {
		return
	}
	nodes, err := srv.store.Nodes(r.Context(), grid.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (srv *Server) registryCreate(w http.ResponseWriter, r *http.Request) {
	grid, ok := srv.grid(w, r)
	if !ok {
		return
	}
	var req spec.RegistrySpec
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		if u, err := url.Parse(req.URL); err == nil {
			req.Name = u.Host
		}
	}
	if req.Name == "" {
		writeJSON(w, http.StatusUnprocessableEntity, &deployer.ValidationError{
			Errors: []spec.FieldError{{Field: "url", Code: "invalid", Message: "registry name or url with host is required"}},
		})
		return
	}
	reg := &db.Registry{
		GridID:   grid.ID,
		Name:     req.Name,
		URL:      req.URL,
		Username: req.Username,
		Password: req.Password,
		Email:    req.Email,
	}
	if err := srv.store.CreateRegistry(r.Context(), reg); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": reg.Name, "url": reg.URL})
}

func (srv *Server) serviceCreate(w http.ResponseWriter, r *http.Request) {
	grid, ok := srv.grid(w, r)
	if !ok {
		return
	}
	var req spec.ServiceSpec
	if !decodeBody(w, r, &req) {
		return
	}
	req.Defaults()
	errs := req.Validate()
	ctx := r.Context()
	if _, err := srv.store.ServiceByName(ctx, grid.ID, req.Name); err == nil {
		errs = append(errs, spec.FieldError{Field: "name", Code: "taken", Message: "service already exists"})
	}
	var lbID *uint
	if req.LoadBalancer != "" {
		lb, err := srv.store.ServiceByName(ctx, grid.ID, req.LoadBalancer)
		if err != nil {
			errs = append(errs, spec.FieldError{Field: "load_balancer", Code: "not_found", Message: "load balancer service not found"})
		} else {
			lbID = &lb.ID
		}
	}
	if _, err := scheduler.ParseAffinity(affinityJSON(req.Affinity)); err != nil {
		errs = append(errs, spec.FieldError{Field: "affinity", Code: "invalid", Message: err.Error()})
	}
	if len(errs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, &deployer.ValidationError{Errors: errs})
		return
	}
	svc, err := req.GridService(grid.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	svc.LoadBalancerID = lbID
	if err := srv.store.CreateService(ctx, svc); err != nil {
		writeError(w, r, err)
		return
	}
	srv.writeService(w, r, http.StatusCreated, svc)
}

func affinityJSON(rules []string) string {
	data, _ := json.Marshal(rules)
	return string(data)
}

type serviceView struct {
	ID        uint   `json:"id"`
	GridID    uint   `json:"grid_id"`
	State     string `json:"state"`
	DeployRev string `json:"deploy_rev,omitempty"`
	ImageID   string `json:"image_id,omitempty"`
	*spec.ServiceSpec
}

func (srv *Server) writeService(w http.ResponseWriter, r *http.Request, status int, svc *db.GridService) {
	s, err := spec.FromGridService(svc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if svc.LoadBalancerID != nil {
		if lb, err := srv.store.Service(r.Context(), *svc.LoadBalancerID); err == nil {
			s.LoadBalancer = lb.Name
		}
	}
	writeJSON(w, status, serviceView{
		ID:          svc.ID,
		GridID:      svc.GridID,
		State:       svc.State,
		DeployRev:   svc.DeployRev,
		ImageID:     svc.ImageID,
		ServiceSpec: s,
	})
}

func (srv *Server) serviceShow(w http.ResponseWriter, r *http.Request) {
	if svc, ok := srv.service(w, r); ok {
		srv.writeService(w, r, http.StatusOK, svc)
	}
}

type instanceView struct {
	Name           string `json:"name"`
	InstanceNumber int    `json:"instance_number"`
	Node           string `json:"node,omitempty"`
	ContainerID    string `json:"container_id,omitempty"`
	DeployRev      string `json:"deploy_rev"`
	Status         string `json:"status"`
	IPAddress      string `json:"ip_address,omitempty"`
}

func (srv *Server) serviceInstances(w http.ResponseWriter, r *http.Request) {
	svc, ok := srv.service(w, r)
	if !ok {
		return
	}
	views := make([]instanceView, 0, len(svc.Instances))
	for _, inst := range svc.Instances {
		v := instanceView{
			Name:           inst.Name,
			InstanceNumber: inst.InstanceNumber,
			ContainerID:    inst.ContainerID,
			DeployRev:      inst.DeployRev,
			Status:         inst.Status,
			IPAddress:      inst.IPAddress,
		}
		if inst.HostNode != nil {
			v.Node = inst.HostNode.NodeID
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (srv *Server) serviceDeploy(w http.ResponseWriter, r *http.Request) {
	svc, ok := srv.service(w, r)
	if !ok {
		return
	}
	var req deployer.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	req.ServiceID = svc.ID
	if err := srv.deployer.DeployAsync(r.Context(), req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "service_id": svc.ID})
}

func (srv *Server) serviceDeployPreview(w http.ResponseWriter, r *http.Request) {
	svc, ok := srv.service(w, r)
	if !ok {
		return
	}
	strategy := r.URL.Query().Get("strategy")
	schedulable, err := srv.deployer.CanDeploy(r.Context(), svc, strategy)
	if errors.Is(err, scheduler.ErrUnknownStrategy) {
		writeJSON(w, http.StatusUnprocessableEntity, &deployer.ValidationError{
			Errors: []spec.FieldError{{Field: "strategy", Code: "unknown", Message: err.Error()}},
		})
		return
	} else if err != nil {
		writeError(w, r, err)
		return
	}
	if strategy == "" {
		strategy = scheduler.DefaultStrategy
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategy": strategy, "schedulable": schedulable})
}

func (srv *Server) serviceStart(w http.ResponseWriter, r *http.Request) {
	srv.lifecycle(w, r, srv.deployer.Start)
}

func (srv *Server) serviceStop(w http.ResponseWriter, r *http.Request) {
	srv.lifecycle(w, r, srv.deployer.Stop)
}

func (srv *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uint) error) {
	svc, ok := srv.service(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), svc.ID); err != nil {
		writeError(w, r, err)
		return
	}
	svc, err := srv.store.Service(r.Context(), svc.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	srv.writeService(w, r, http.StatusOK, svc)
}
