// Package http provides http transport for collections
package http

import (
	stdhttp "net/http"

	"github.com/google/uuid"

	"reflow/internal/modkit/httpkit"
	perr "reflow/internal/platform/errors"
	"reflow/internal/services/collections/domain"
	svc "reflow/internal/services/collections/service"
)

// Register mounts collection endpoints on the given router
func Register(r httpkit.Router, s *svc.Service) {
	h := &handlers{svc: s}

	// create and plan
	httpkit.PostJSON[domain.CreateInput](r, "/create", h.create)
	httpkit.PostJSON[domain.CreateInput](r, "/plan", h.plan)

	// lifecycle
	httpkit.PostJSON[domain.IDInput](r, "/start", h.start)
	httpkit.PostJSON[domain.IDInput](r, "/pause", h.pause)
	httpkit.PostJSON[domain.IDInput](r, "/resume", h.resume)
	httpkit.PostJSON[domain.IDInput](r, "/delete", h.remove)

	// reporting
	httpkit.PostJSON[domain.IDInput](r, "/status", h.status)
	httpkit.Get(r, "/list", h.list)
}

type handlers struct{ svc *svc.Service }

func (h *handlers) create(r *stdhttp.Request, in domain.CreateInput) (any, error) {
	col, err := h.svc.Create(r.Context(), in)
	if err != nil {
		return nil, err
	}
	return domain.CreatedView{
		CollectionID: col.ID.String(),
		Status:       string(col.Status),
		WindowStart:  col.Window.Start.Format("2006-01-02"),
		WindowEnd:    col.Window.End.Format("2006-01-02"),
		Segments:     col.TotalSegments,
	}, nil
}

func (h *handlers) plan(r *stdhttp.Request, in domain.CreateInput) (any, error) {
	col, segs, err := h.svc.Plan(r.Context(), in)
	if err != nil {
		return nil, err
	}
	return domain.CreatedView{
		CollectionID: col.ID.String(),
		Status:       string(col.Status),
		WindowStart:  col.Window.Start.Format("2006-01-02"),
		WindowEnd:    col.Window.End.Format("2006-01-02"),
		Segments:     len(segs),
		PlanOnly:     true,
	}, nil
}

func (h *handlers) start(r *stdhttp.Request, in domain.IDInput) (any, error) {
	id, err := parseID(in)
	if err != nil {
		return nil, err
	}
	return ack{OK: true}, h.svc.Start(r.Context(), id)
}

func (h *handlers) pause(r *stdhttp.Request, in domain.IDInput) (any, error) {
	id, err := parseID(in)
	if err != nil {
		return nil, err
	}
	return ack{OK: true}, h.svc.Pause(r.Context(), id)
}

func (h *handlers) resume(r *stdhttp.Request, in domain.IDInput) (any, error) {
	id, err := parseID(in)
	if err != nil {
		return nil, err
	}
	return ack{OK: true}, h.svc.Resume(r.Context(), id)
}

func (h *handlers) remove(r *stdhttp.Request, in domain.IDInput) (any, error) {
	id, err := parseID(in)
	if err != nil {
		return nil, err
	}
	return ack{OK: true}, h.svc.Delete(r.Context(), id)
}

func (h *handlers) status(r *stdhttp.Request, in domain.IDInput) (any, error) {
	id, err := parseID(in)
	if err != nil {
		return nil, err
	}
	return h.svc.Status(r.Context(), id)
}

func (h *handlers) list(r *stdhttp.Request) (any, error) {
	return h.svc.List(r.Context())
}

type ack struct {
	OK bool `json:"ok"`
}

func parseID(in domain.IDInput) (uuid.UUID, error) {
	id, err := uuid.Parse(in.CollectionID)
	if err != nil {
		return uuid.Nil, perr.InvalidArgf("bad collection_id %q", in.CollectionID)
	}
	return id, nil
}
