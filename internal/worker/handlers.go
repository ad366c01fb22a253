package worker

import (
	"context"
	"encoding/json"

	"production-planner/internal/models"
	"production-planner/internal/planner"
)

// RegisterPlanningHandlers binds the allocate_quantity and schedule_tasks
// run kinds to svc.
func RegisterPlanningHandlers(p *Processor, svc *planner.Service) {
	p.RegisterHandler(models.RunAllocateQuantity, allocateHandler(svc))
	p.RegisterHandler(models.RunScheduleTasks, scheduleHandler(svc))
}

func allocateHandler(svc *planner.Service) Handler {
	return func(ctx context.Context, run models.Run) (json.RawMessage, error) {
		var req models.AllocationRequest
		if err := json.Unmarshal(run.Payload, &req); err != nil {
			return nil, Permanentf("decode allocate_quantity payload: %w", err)
		}
		resp, err := svc.AllocateQuantity(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}

func scheduleHandler(svc *planner.Service) Handler {
	return func(ctx context.Context, run models.Run) (json.RawMessage, error) {
		var req models.ScheduleRequest
		if err := json.Unmarshal(run.Payload, &req); err != nil {
			return nil, Permanentf("decode schedule_tasks payload: %w", err)
		}
		resp, err := svc.ScheduleTasks(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}
