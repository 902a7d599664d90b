package store

// Cursor tracks how far ingestion has read into one session file.
// DeviceID and Inode pin the file identity; a change means the path
// now points at a different file and the offset is meaningless.
type Cursor struct {
	SourcePath  string
	AgentID     string
	SessionID   string
	DeviceID    int64
	Inode       int64
	OffsetBytes int64
	FileSize    int64
	FileMtimeMs int64
	UpdatedAtMs int64
}

// SessionUsage is the lifetime rollup row for one session.
type SessionUsage struct {
	SessionID   string
	AgentID     string
	SessionKey  string
	Source      string
	Channel     string
	SessionKind string
	Class       string
	OperationID string
	WorkOrderID string
	Model       string
	ProviderKey string

	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	TotalTokens      int64
	ToolCallCount    int64
	CostMicros       int64

	HasErrors     bool
	FirstSeenAtMs int64
	LastSeenAtMs  int64
	UpdatedAtMs   int64
}

// AgentSession is the runtime's view of a session, refreshed from the
// gateway and overlaid on top of ingested usage.
type AgentSession struct {
	SessionID      string
	AgentID        string
	SessionKey     string
	State          string
	Label          string
	Kind           string
	Model          string
	PercentUsed    float64
	DispatchMode   string
	OperationID    string
	WorkOrderID    string
	AbortedLastRun bool
	LastSeenAtMs   int64
	RawJSON        string
	UpdatedAtMs    int64
}

// ActionableEvent is one deduplicated operational finding awaiting
// relay to an operator channel.
type ActionableEvent struct {
	ID                int64
	Fingerprint       string
	ScopeToken        string
	TeamID            string
	OpsRuntimeAgentID string
	RelayKey          string
	Source            string
	JobID             string
	Severity          string
	DecisionRequired  bool
	Summary           string
	Recommendation    string
	Evidence          string
	RunAtMs           int64
	WorkOrderID       string
	CreatedAtMs       int64
	RelayedAtMs       int64
}

// WorkOrder is a tracked unit of operator-visible work.
type WorkOrder struct {
	ID           string
	Title        string
	Priority     string
	Status       string
	OwnerAgentID string
	ScopeToken   string
	Source       string
	Tags         string
	CreatedAtMs  int64
	UpdatedAtMs  int64
}

// Lease is one named advisory lock row.
type Lease struct {
	Name         string
	OwnerID      string
	AcquiredAtMs int64
	ExpiresAtMs  int64
}
