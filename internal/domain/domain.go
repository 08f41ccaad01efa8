package domain

// Well-known lifecycle statuses. The table itself is data driven; these names
// carry the side effects the engine applies on entry.
const (
	StatusEstimate         = "見積"
	StatusOrdered          = "受注"
	StatusPreConstruction  = "施工前"
	StatusInConstruction   = "施工中"
	StatusConstructionDone = "施工完了"
	StatusClosed           = "案件完了"
)

const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// SystemActor is recorded when a status change has no named actor.
const SystemActor = "システム"

type Client struct {
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
}

type Estimate struct {
	Amount     *int64 `json:"amount,omitempty"`
	Date       string `json:"date,omitempty" format:"date"`
	ValidUntil string `json:"validUntil,omitempty" format:"date"`
}

type Contract struct {
	Amount     *int64 `json:"amount,omitempty"`
	SignedDate string `json:"signedDate,omitempty" format:"date"`
}

type Schedule struct {
	StartDate       string `json:"startDate,omitempty" format:"date"`
	EndDate         string `json:"endDate,omitempty" format:"date"`
	ActualStartDate string `json:"actualStartDate,omitempty" format:"date"`
	ActualEndDate   string `json:"actualEndDate,omitempty" format:"date"`
}

type Assignment struct {
	ProjectManager string   `json:"projectManager,omitempty"`
	SiteManager    string   `json:"siteManager,omitempty"`
	Workers        []string `json:"workers,omitempty"`
}

type HistoryEntry struct {
	Status    string `json:"status"`
	Date      string `json:"date"`
	ChangedBy string `json:"changedBy"`
	Notes     string `json:"notes,omitempty"`
}

type StatusState struct {
	Current string         `json:"current"`
	History []HistoryEntry `json:"history"`
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Location struct {
	Address     string       `json:"address,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

type Project struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Client     Client      `json:"client"`
	Estimate   Estimate    `json:"estimate"`
	Contract   Contract    `json:"contract"`
	Schedule   Schedule    `json:"schedule"`
	AssignedTo Assignment  `json:"assignedTo"`
	Status     StatusState `json:"status"`
	Location   Location    `json:"location"`
	Notes      string      `json:"notes,omitempty"`
	Priority   string      `json:"priority"`
	Progress   int         `json:"progress"`
	Version    int64       `json:"version"`
	CreatedAt  string      `json:"createdAt" format:"date-time"`
	UpdatedAt  string      `json:"updatedAt" format:"date-time"`
}

// EffectiveAmount is the contract amount, else the estimate, else zero.
func (p Project) EffectiveAmount() int64 {
	if p.Contract.Amount != nil {
		return *p.Contract.Amount
	}
	if p.Estimate.Amount != nil {
		return *p.Estimate.Amount
	}
	return 0
}

// LastChange returns the newest history entry.
func (p Project) LastChange() (HistoryEntry, bool) {
	if len(p.Status.History) == 0 {
		return HistoryEntry{}, false
	}
	return p.Status.History[len(p.Status.History)-1], true
}

type Notification struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	ProjectID  string `json:"projectId"`
	TargetUser string `json:"targetUser"`
	CreatedAt  string `json:"createdAt" format:"date-time"`
	Read       bool   `json:"read"`
	ReadAt     string `json:"readAt,omitempty" format:"date-time"`
}

const (
	TicketPending   = "pending"
	TicketCompleted = "completed"
	TicketFailed    = "failed"
)

type AutoTicketRecord struct {
	ID             string `json:"id"`
	ProjectID      string `json:"projectId"`
	ProjectName    string `json:"projectName"`
	ClientName     string `json:"clientName"`
	SiteManager    string `json:"siteManager"`
	ContractAmount *int64 `json:"contractAmount,omitempty"`
	StartDate      string `json:"startDate,omitempty"`
	EndDate        string `json:"endDate,omitempty"`
	Location       string `json:"location,omitempty"`
	Notes          string `json:"notes,omitempty"`
	TicketedAt     string `json:"ticketedAt" format:"date-time"`
	Status         string `json:"status" enum:"pending,completed,failed"`
	Error          string `json:"error,omitempty"`
	LoggedAt       string `json:"loggedAt,omitempty" format:"date-time"`
}

type User struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Role      string `json:"role" yaml:"role"`
	Email     string `json:"email,omitempty" yaml:"email"`
	Phone     string `json:"phone,omitempty" yaml:"phone"`
	IsActive  bool   `json:"isActive" yaml:"active"`
	CreatedAt string `json:"createdAt,omitempty" yaml:"-"`
}

type BusinessHours struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

type NotificationSettings struct {
	StatusChange       bool `json:"statusChange" yaml:"status_change"`
	DeadlineAlert      bool `json:"deadlineAlert" yaml:"deadline_alert"`
	EmailNotifications bool `json:"emailNotifications" yaml:"email_notifications"`
}

type Settings struct {
	CompanyName              string               `json:"companyName" yaml:"company_name"`
	AutoTicketEnabled        bool                 `json:"autoTicketEnabled" yaml:"auto_ticket_enabled"`
	DefaultEstimateValidDays int                  `json:"defaultEstimateValidDays" yaml:"default_estimate_valid_days"`
	WorkingDays              []string             `json:"workingDays" yaml:"working_days"`
	BusinessHours            BusinessHours        `json:"businessHours" yaml:"business_hours"`
	Notifications            NotificationSettings `json:"notifications" yaml:"notifications"`
	Theme                    string               `json:"theme" yaml:"theme"`
	Language                 string               `json:"language" yaml:"language"`
	LastUpdated              string               `json:"lastUpdated,omitempty" yaml:"-"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}
