package domain

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidHeartbeat is returned when a heartbeat lacks a required field.
var ErrInvalidHeartbeat = errors.New("invalid heartbeat")

// Task is a queued instruction for exactly one node about exactly one
// repository. RepositoryID is not a foreign key: delete tasks outlive the
// repository row they refer to, so ProjectIdentifier carries what the node
// needs.
type Task struct {
	ID                uint64    `json:"id"                 gorm:"primaryKey"`
	NodeID            uint64    `json:"node_id"            gorm:"not null;index:idx_task_fifo,priority:1"`
	State             TaskState `json:"state"              gorm:"not null;default:0;index:idx_task_fifo,priority:2;index"`
	PartitionID       uint64    `json:"partition_id"       gorm:"not null;index:idx_task_fifo,priority:3;index"`
	CreatedAt         time.Time `json:"created_at"         gorm:"index:idx_task_fifo,priority:4"`
	RepositoryID      uint64    `json:"repository_id"      gorm:"not null;index"`
	ProjectIdentifier uint64    `json:"project_identifier" gorm:"not null"`
	Type              TaskType  `json:"type"               gorm:"not null"`
	Retries           int       `json:"retries"            gorm:"not null;default:0"`
	LastError         string    `json:"last_error,omitempty" gorm:"type:text"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName returns the database table name for Task.
func (Task) TableName() string { return "zoekt_tasks" }

// TaskPartition is one daily slice of the task table. ClosedAt is set when
// a newer partition takes over; retention counts from then. A detached
// partition has had its rows dropped.
type TaskPartition struct {
	ID         uint64     `json:"id"                  gorm:"primaryKey"`
	CreatedAt  time.Time  `json:"created_at"          gorm:"not null;index"`
	ClosedAt   *time.Time `json:"closed_at,omitempty" gorm:"index"`
	DetachedAt *time.Time `json:"detached_at"         gorm:"index"`
}

// TableName returns the database table name for TaskPartition.
func (TaskPartition) TableName() string { return "zoekt_task_partitions" }

// Detached reports whether the partition has been rotated out.
func (p TaskPartition) Detached() bool { return p.DetachedAt != nil }

// HeartbeatParams is what a node reports about itself.
type HeartbeatParams struct {
	UUID       string
	URL        string // index base URL
	SearchURL  string // optional, defaults to URL
	Name       string
	UsedBytes  int64
	TotalBytes int64
}

// Validate checks the required heartbeat fields.
func (p HeartbeatParams) Validate() error {
	switch {
	case strings.TrimSpace(p.UUID) == "":
		return errors.Join(ErrInvalidHeartbeat, errors.New("uuid is required"))
	case strings.TrimSpace(p.URL) == "":
		return errors.Join(ErrInvalidHeartbeat, errors.New("node.url is required"))
	case p.UsedBytes < 0 || p.TotalBytes < 0:
		return errors.Join(ErrInvalidHeartbeat, errors.New("disk byte counts must be >= 0"))
	}
	return nil
}

// SearchBaseURL applies the index-URL fallback.
func (p HeartbeatParams) SearchBaseURL() string {
	if strings.TrimSpace(p.SearchURL) != "" {
		return p.SearchURL
	}
	return p.URL
}
