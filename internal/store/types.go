package store

import "time"

// Role is a user's authorization level. Order is viewer < operator < editor < admin.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleEditor   Role = "editor"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:   0,
	RoleOperator: 1,
	RoleEditor:   2,
	RoleAdmin:    3,
}

// AtLeast reports whether r meets or exceeds min in the role order.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// User is an authenticated account.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	TOTPSecret   string
	CreatedAt    time.Time
}

// RefreshToken is one link in a user's rotation chain.
type RefreshToken struct {
	JTI         string
	UserID      string
	TokenHash   string
	ExpiresAt   time.Time
	Revoked     bool
	ReplacedBy  string
	DeviceID    string
	LastIP      string
	UserAgent   string
	CreatedAt   time.Time
}

// Scope is a named API-key permission.
type Scope string

const (
	ScopeReadJob   Scope = "read:job"
	ScopeSubmitJob Scope = "submit:job"
	ScopeEditJob   Scope = "edit:job"
	ScopeAdminAll  Scope = "admin:*"
)

// ApiKey is an API credential identified by a public prefix and a hashed secret.
type ApiKey struct {
	ID        string
	Prefix    string
	KeyHash   string
	Scopes    []Scope
	UserID    string
	CreatedAt time.Time
	Revoked   bool
}

// HasScope reports whether the key grants s, directly or via admin:*.
func (k ApiKey) HasScope(s Scope) bool {
	for _, have := range k.Scopes {
		if have == s || have == ScopeAdminAll {
			return true
		}
	}
	return false
}

// Invite is a single-use account-creation token.
type Invite struct {
	TokenHash string
	CreatedBy string
	ExpiresAt time.Time
	UsedBy    string
	CreatedAt time.Time
}

// JobState is a position in the job lifecycle state machine.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobDone      JobState = "done"
	JobFailed    JobState = "failed"
	JobCanceled  JobState = "canceled"
	JobPaused    JobState = "paused"
)

// Mode is the requested ML quality/speed tier for a job.
type Mode string

const (
	ModeLow    Mode = "low"
	ModeMedium Mode = "medium"
	ModeHigh   Mode = "high"
)

// Device is the requested compute device for a job.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// Visibility controls whether non-owners may view a job/library entry.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
)

// Job is a user-submitted dubbing task and its lifecycle state.
type Job struct {
	ID          string
	OwnerID     string
	VideoPath   string
	DurationS   float64
	Mode        Mode
	Device      Device
	SrcLang     string
	TgtLang     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	State       JobState
	Progress    float64
	Message     string
	OutputMKV   string
	OutputSRT   string
	WorkDir     string
	LogPath     string
	Error       string
	SeriesTitle string
	SeriesSlug  string
	Season      int
	Episode     int
	Visibility  Visibility
	Runtime     map[string]any
}

// Upload is a resumable chunked-upload session.
type Upload struct {
	ID            string
	OwnerID       string
	Filename      string
	TotalBytes    int64
	ChunkBytes    int64
	Received      map[int]int64 // chunk index -> bytes stored
	ReceivedBytes int64
	Completed     bool
	PartPath      string
	FinalPath     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NextExpectedChunk returns the lowest chunk index not yet received.
func (u *Upload) NextExpectedChunk() int {
	n := 0
	for {
		if _, ok := u.Received[n]; !ok {
			return n
		}
		n++
	}
}

// TotalChunks returns the number of chunks needed to cover TotalBytes.
func (u *Upload) TotalChunks() int {
	if u.ChunkBytes <= 0 {
		return 0
	}
	n := u.TotalBytes / u.ChunkBytes
	if u.TotalBytes%u.ChunkBytes != 0 {
		n++
	}
	return int(n)
}

// LibraryEntry is a derived index row materialized from a Job.
type LibraryEntry struct {
	JobID      string
	OwnerID    string
	SeriesSlug string
	Season     int
	Episode    int
	Visibility Visibility
	CreatedAt  time.Time
}

// QAStatus is a reviewer's disposition on a transcript segment.
type QAStatus string

const (
	QAPending  QAStatus = "pending"
	QAApproved QAStatus = "approved"
	QARejected QAStatus = "rejected"
)

// QAReview records a reviewer's decision on one job segment.
type QAReview struct {
	JobID     string
	SegmentID string
	Status    QAStatus
	Note      string
	UpdatedBy string
	UpdatedAt time.Time
}

// ViewRecord backs the continue-watching index.
type ViewRecord struct {
	UserID     string
	SeriesSlug string
	Season     int
	Episode    int
	JobID      string
	OpenedAt   time.Time
}

// VoiceProfile is a persistent voiceprint belonging to a series.
type VoiceProfile struct {
	ID         string
	SeriesSlug string
	Character  string
	Version    int
	CreatedAt  time.Time
	Meta       map[string]any
}
