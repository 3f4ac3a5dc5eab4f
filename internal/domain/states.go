package domain

import "fmt"

// IndexState is the lifecycle of an Index. Progression is forward only:
// pending → initializing → ready.
type IndexState int8

const (
	IndexPending IndexState = iota
	IndexInitializing
	IndexReady
)

func (s IndexState) String() string {
	switch s {
	case IndexPending:
		return "pending"
	case IndexInitializing:
		return "initializing"
	case IndexReady:
		return "ready"
	}
	return fmt.Sprintf("IndexState(%d)", int8(s))
}

// Valid reports whether s is a declared state.
func (s IndexState) Valid() bool {
	switch s {
	case IndexPending, IndexInitializing, IndexReady:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a forward step.
func (s IndexState) CanTransitionTo(next IndexState) bool {
	if !next.Valid() {
		return false
	}
	switch s {
	case IndexPending:
		return next == IndexInitializing || next == IndexReady
	case IndexInitializing:
		return next == IndexReady
	case IndexReady:
		return false
	}
	return false
}

func (s IndexState) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid index state %d", int8(s))
	}
	return []byte(s.String()), nil
}

func (s *IndexState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = IndexPending
	case "initializing":
		*s = IndexInitializing
	case "ready":
		*s = IndexReady
	default:
		return fmt.Errorf("unknown index state %q", b)
	}
	return nil
}

// RepositoryState is the indexing state of one project within an Index.
type RepositoryState int8

const (
	RepositoryPending RepositoryState = iota
	RepositoryReady
)

func (s RepositoryState) String() string {
	switch s {
	case RepositoryPending:
		return "pending"
	case RepositoryReady:
		return "ready"
	}
	return fmt.Sprintf("RepositoryState(%d)", int8(s))
}

func (s RepositoryState) Valid() bool {
	switch s {
	case RepositoryPending, RepositoryReady:
		return true
	}
	return false
}

func (s RepositoryState) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid repository state %d", int8(s))
	}
	return []byte(s.String()), nil
}

func (s *RepositoryState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = RepositoryPending
	case "ready":
		*s = RepositoryReady
	default:
		return fmt.Errorf("unknown repository state %q", b)
	}
	return nil
}

// TaskType is the node-side action a Task asks for.
type TaskType int8

const (
	TaskIndexRepo TaskType = iota
	TaskForceIndexRepo
	TaskDeleteRepo
)

func (t TaskType) String() string {
	switch t {
	case TaskIndexRepo:
		return "index_repo"
	case TaskForceIndexRepo:
		return "force_index_repo"
	case TaskDeleteRepo:
		return "delete_repo"
	}
	return fmt.Sprintf("TaskType(%d)", int8(t))
}

func (t TaskType) Valid() bool {
	switch t {
	case TaskIndexRepo, TaskForceIndexRepo, TaskDeleteRepo:
		return true
	}
	return false
}

func (t TaskType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid task type %d", int8(t))
	}
	return []byte(t.String()), nil
}

func (t *TaskType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "index_repo":
		*t = TaskIndexRepo
	case "force_index_repo":
		*t = TaskForceIndexRepo
	case "delete_repo":
		*t = TaskDeleteRepo
	default:
		return fmt.Errorf("unknown task type %q", b)
	}
	return nil
}

// TaskState tracks a Task from enqueue to one of its terminal states.
type TaskState int8

const (
	TaskPending TaskState = iota
	TaskDone
	TaskFailed
	TaskOrphaned
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskDone:
		return "done"
	case TaskFailed:
		return "failed"
	case TaskOrphaned:
		return "orphaned"
	}
	return fmt.Sprintf("TaskState(%d)", int8(s))
}

func (s TaskState) Valid() bool {
	switch s {
	case TaskPending, TaskDone, TaskFailed, TaskOrphaned:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskDone, TaskFailed, TaskOrphaned:
		return true
	case TaskPending:
		return false
	}
	return false
}

// CanTransitionTo reports whether next is reachable from s. Only pending
// tasks move, and only into a terminal state.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	switch s {
	case TaskPending:
		return next.Terminal()
	case TaskDone, TaskFailed, TaskOrphaned:
		return false
	}
	return false
}

func (s TaskState) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid task state %d", int8(s))
	}
	return []byte(s.String()), nil
}

func (s *TaskState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = TaskPending
	case "done":
		*s = TaskDone
	case "failed":
		*s = TaskFailed
	case "orphaned":
		*s = TaskOrphaned
	default:
		return fmt.Errorf("unknown task state %q", b)
	}
	return nil
}
