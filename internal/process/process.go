package process

// Status is one state in the process lifecycle:
// created -> enqueued -> dequeued -> started -> finished.
type Status string

const (
	StatusCreated  Status = "created"
	StatusEnqueued Status = "enqueued"
	StatusDequeued Status = "dequeued"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
)

// terminal reports whether a process in this status can still transition.
func (s Status) terminal() bool { return s == StatusFinished }

// Process is the spawned, trackable unit the engine schedules and the
// indexer aggregates over.
type Process struct {
	ID               string
	CommandID        string
	Status           Status
	Cacheable        bool
	Retry            bool
	CreatedAt        int64
	StartedAt        *int64
	FinishedAt       *int64
	HeartbeatAt      *int64
	ExitCode         *int64
	OutputID         string
	LogID            string
	ErrorKind        string
	ErrorMessage     string
	ExpectedChecksum string
	ActualChecksum   string
	Depth            int64
	TokenCount       int64
}

// ChildOptions governs how a parent/child edge affects the child's
// lifetime and visibility in the parent's graph.
type ChildOptions struct {
	Network bool
}

// Result is what the out-of-scope sandbox reports back after running a
// command.
type Result struct {
	ExitCode       int64
	OutputID       string
	LogID          string
	ActualChecksum string
	Err            error
}
