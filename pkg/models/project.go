package models

import (
	"time"

	"github.com/google/uuid"
)

// Project represents an application or team. Every bug belongs to a project;
// API keys are scoped to a project. The paging policy fields gate whether a
// threshold breach on one of the project's bugs opens an incident.
type Project struct {
	ID   uuid.UUID `db:"id"   json:"id"`
	Name string    `db:"name" json:"name"`

	PagingEnabled   bool   `db:"paging_enabled"    json:"paging_enabled"`
	PagerRoutingKey string `db:"pager_routing_key" json:"-"`
	NotifyThreshold int    `db:"notify_threshold"  json:"notify_threshold"`
	NotifyWindowSec int    `db:"notify_window_sec" json:"notify_window_sec"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// NotifyWindow returns the occurrence-counting window as a duration.
func (p Project) NotifyWindow() time.Duration {
	return time.Duration(p.NotifyWindowSec) * time.Second
}
