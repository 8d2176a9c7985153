package service

import (
	"context"

	"github.com/hooklinehq/hookline/internal/log"
	"github.com/hooklinehq/hookline/internal/store"
)

// SyncSpec is a declarative snapshot of what the tenant wants to exist.
// Nil slices mean "leave that kind alone"; empty slices with DeleteRemoved
// clear the kind.
type SyncSpec struct {
	Tasks         []*store.Task
	Monitors      []*store.Monitor
	Endpoints     []*store.Endpoint
	DeleteRemoved bool
}

// SyncSummary reports what a Sync reconciliation did.
type SyncSummary struct {
	TasksCreated     int
	TasksUpdated     int
	TasksDeleted     int
	MonitorsCreated  int
	MonitorsUpdated  int
	MonitorsDeleted  int
	EndpointsCreated int
	EndpointsUpdated int
	EndpointsDeleted int
}

// Sync reconciles the tenant's tasks, monitors, and endpoints against the
// spec, matching by name within each kind. The first validation failure
// aborts the whole reconciliation.
func (s *Service) Sync(ctx context.Context, tenantID string, spec SyncSpec) (*SyncSummary, error) {
	sum := &SyncSummary{}

	if spec.Tasks != nil {
		if err := s.syncTasks(ctx, tenantID, spec.Tasks, spec.DeleteRemoved, sum); err != nil {
			return nil, err
		}
	}
	if spec.Monitors != nil {
		if err := s.syncMonitors(ctx, tenantID, spec.Monitors, spec.DeleteRemoved, sum); err != nil {
			return nil, err
		}
	}
	if spec.Endpoints != nil {
		if err := s.syncEndpoints(ctx, tenantID, spec.Endpoints, spec.DeleteRemoved, sum); err != nil {
			return nil, err
		}
	}

	log.WithComponent("service").Info().
		Str("tenant_id", tenantID).
		Int("tasks_created", sum.TasksCreated).
		Int("tasks_updated", sum.TasksUpdated).
		Int("tasks_deleted", sum.TasksDeleted).
		Msg("sync completed")
	return sum, nil
}

func (s *Service) syncTasks(ctx context.Context, tenantID string, desired []*store.Task, deleteRemoved bool, sum *SyncSummary) error {
	existing, err := s.st.ListTasks(ctx, tenantID, 0)
	if err != nil {
		return err
	}
	byName := make(map[string]*store.Task, len(existing))
	for _, t := range existing {
		byName[t.Name] = t
	}

	seen := make(map[string]bool, len(desired))
	for _, want := range desired {
		seen[want.Name] = true
		if cur, ok := byName[want.Name]; ok {
			want.ID = cur.ID
			if _, err := s.UpdateTask(ctx, tenantID, want); err != nil {
				return err
			}
			sum.TasksUpdated++
		} else {
			if _, err := s.CreateTask(ctx, tenantID, want); err != nil {
				return err
			}
			sum.TasksCreated++
		}
	}

	if deleteRemoved {
		for name, cur := range byName {
			if !seen[name] {
				if err := s.st.SoftDeleteTask(ctx, tenantID, cur.ID); err != nil {
					return err
				}
				sum.TasksDeleted++
			}
		}
	}
	return nil
}

func (s *Service) syncMonitors(ctx context.Context, tenantID string, desired []*store.Monitor, deleteRemoved bool, sum *SyncSummary) error {
	existing, err := s.st.ListMonitors(ctx, tenantID)
	if err != nil {
		return err
	}
	byName := make(map[string]*store.Monitor, len(existing))
	for _, m := range existing {
		byName[m.Name] = m
	}

	seen := make(map[string]bool, len(desired))
	for _, want := range desired {
		seen[want.Name] = true
		if cur, ok := byName[want.Name]; ok {
			want.ID = cur.ID
			want.Status = cur.Status
			want.LastPingAt = cur.LastPingAt
			want.NextExpectedAt = cur.NextExpectedAt
			want.Enabled = cur.Enabled
			if _, err := s.UpdateMonitor(ctx, tenantID, want); err != nil {
				return err
			}
			sum.MonitorsUpdated++
		} else {
			if _, err := s.CreateMonitor(ctx, tenantID, want); err != nil {
				return err
			}
			sum.MonitorsCreated++
		}
	}

	if deleteRemoved {
		for name, cur := range byName {
			if !seen[name] {
				if err := s.st.DeleteMonitor(ctx, tenantID, cur.ID); err != nil {
					return err
				}
				sum.MonitorsDeleted++
			}
		}
	}
	return nil
}

func (s *Service) syncEndpoints(ctx context.Context, tenantID string, desired []*store.Endpoint, deleteRemoved bool, sum *SyncSummary) error {
	existing, err := s.st.ListEndpoints(ctx, tenantID)
	if err != nil {
		return err
	}
	byName := make(map[string]*store.Endpoint, len(existing))
	for _, e := range existing {
		byName[e.Name] = e
	}

	seen := make(map[string]bool, len(desired))
	for _, want := range desired {
		seen[want.Name] = true
		if cur, ok := byName[want.Name]; ok {
			want.ID = cur.ID
			want.Slug = cur.Slug
			want.Enabled = cur.Enabled
			if _, err := s.UpdateEndpoint(ctx, tenantID, want); err != nil {
				return err
			}
			sum.EndpointsUpdated++
		} else {
			if _, err := s.CreateEndpoint(ctx, tenantID, want); err != nil {
				return err
			}
			sum.EndpointsCreated++
		}
	}

	if deleteRemoved {
		for name, cur := range byName {
			if !seen[name] {
				if err := s.st.DeleteEndpoint(ctx, tenantID, cur.ID); err != nil {
					return err
				}
				sum.EndpointsDeleted++
			}
		}
	}
	return nil
}
