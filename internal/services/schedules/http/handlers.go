// Package http provides http transport for schedules
package http

import (
	stdhttp "net/http"
	"time"

	"github.com/google/uuid"

	"reflow/internal/modkit/httpkit"
	perr "reflow/internal/platform/errors"
	"reflow/internal/services/schedules/domain"
	svc "reflow/internal/services/schedules/service"
)

// Register mounts schedule endpoints on the given router
func Register(r httpkit.Router, s *svc.Service) {
	h := &handlers{svc: s}

	httpkit.PostJSON[domain.UpsertInput](r, "/upsert", h.upsert)
	httpkit.PostJSON[domain.IDInput](r, "/get", h.get)
	httpkit.PostJSON[domain.IDInput](r, "/delete", h.remove)
	httpkit.PostJSON[domain.IDInput](r, "/pause", h.pause)
	httpkit.PostJSON[domain.IDInput](r, "/resume", h.resume)
	httpkit.PostJSON[domain.EvaluateInput](r, "/evaluate", h.evaluate)
	httpkit.Get(r, "/list", h.list)
}

type handlers struct{ svc *svc.Service }

func (h *handlers) upsert(r *stdhttp.Request, in domain.UpsertInput) (any, error) {
	sch, err := h.svc.Upsert(r.Context(), in)
	if err != nil {
		return nil, err
	}
	return viewOf(sch), nil
}

func (h *handlers) get(r *stdhttp.Request, in domain.IDInput) (any, error) {
	id, err := parseID(in)
	if err != nil {
		return nil, err
	}
	sch, err := h.svc.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return viewOf(sch), nil
}

func (h *handlers) remove(r *stdhttp.Request, in domain.IDInput) (any, error) {
	id, err := parseID(in)
	if err != nil {
		return nil, err
	}
	return ack{OK: true}, h.svc.Delete(r.Context(), id)
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

func (h *handlers) evaluate(r *stdhttp.Request, in domain.EvaluateInput) (any, error) {
	now := time.Now().UTC()
	if in.Now != "" {
		t, err := time.Parse(time.RFC3339, in.Now)
		if err != nil {
			return nil, perr.InvalidArgf("bad now %q, want RFC3339", in.Now)
		}
		now = t
	}
	return h.svc.EvaluateDue(r.Context(), now)
}

func (h *handlers) list(r *stdhttp.Request) (any, error) {
	schs, err := h.svc.List(r.Context())
	if err != nil {
		return nil, err
	}
	out := make([]domain.View, 0, len(schs))
	for _, s := range schs {
		out = append(out, viewOf(s))
	}
	return out, nil
}

type ack struct {
	OK bool `json:"ok"`
}

func parseID(in domain.IDInput) (uuid.UUID, error) {
	id, err := uuid.Parse(in.ScheduleID)
	if err != nil {
		return uuid.Nil, perr.InvalidArgf("bad schedule_id %q", in.ScheduleID)
	}
	return id, nil
}

func viewOf(s domain.Schedule) domain.View {
	v := domain.View{
		ScheduleID:   s.ID.String(),
		Name:         s.Name,
		CronExpr:     s.CronExpr,
		Timezone:     s.Timezone,
		LookbackDays: s.LookbackDays,
		Policy:       string(s.Policy),
		IsActive:     s.IsActive,
		IsPaused:     s.IsPaused,
		LastRunAt:    s.LastRunAt,
		NextRunAt:    s.NextRunAt,
		RunCount:     s.RunCount,
		FailureCount: s.FailureCount,
	}
	if s.BackfillStatus != nil {
		v.BackfillStatus = string(*s.BackfillStatus)
	}
	if s.BackfillCollectionID != nil {
		v.BackfillCollectionID = s.BackfillCollectionID.String()
	}
	return v
}
