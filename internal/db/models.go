package db

import (
	"time"

	"gorm.io/gorm"

	"github.com/perfectstorm-io/storm/internal/ident"
)

// Agent status values.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
)

// Resource status values.
var ResourceStatuses = []string{
	"unknown", "creating", "created", "starting", "running",
	"updating", "updated", "stopping", "stopped", "removing", "error",
}

// Resource health values.
var ResourceHealths = []string{"unknown", "healthy", "unhealthy"}

// Job status values.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobError   = "error"
)

// Event types recorded in the log.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Agent is a process running near real infrastructure. It discovers
// resources, publishes their snapshots, and claims jobs. Status is driven by
// heartbeats: missing heartbeats for longer than the liveness TTL flip it to
// offline and requeue its jobs.
type Agent struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Type      string    `gorm:"not null;index" json:"type"`
	Name      *string   `gorm:"uniqueIndex" json:"name"`
	Status    string    `gorm:"not null;default:'offline'" json:"status"`
	Heartbeat time.Time `gorm:"not null;index" json:"heartbeat"`
	Options   JSONMap   `gorm:"type:text" json:"options"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// BeforeCreate assigns a prefixed id and the initial heartbeat when missing.
func (a *Agent) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = ident.New(ident.PrefixAgent)
	}
	if a.Heartbeat.IsZero() {
		a.Heartbeat = time.Now().UTC()
	}
	return nil
}

// Resource is the coordinator's view of one real-world object (container,
// service, node). It is owned by exactly one agent and may reference other
// resources by id. Snapshot holds the owner-supplied state document with
// arbitrary keys.
type Resource struct {
	ID        string     `gorm:"primaryKey" json:"id"`
	Type      string     `gorm:"not null;index" json:"type"`
	Names     StringList `gorm:"type:text" json:"names"`
	Owner     string     `gorm:"not null;index" json:"owner"`
	Parent    *string    `gorm:"index" json:"parent"`
	Cluster   *string    `gorm:"index" json:"cluster"`
	Host      *string    `gorm:"index" json:"host"`
	Image     *string    `json:"image"`
	Status    string     `gorm:"not null;default:'unknown'" json:"status"`
	Health    string     `gorm:"not null;default:'unknown'" json:"health"`
	Snapshot  JSONMap    `gorm:"type:text" json:"snapshot"`
	CreatedAt time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time  `gorm:"not null" json:"updated_at"`
}

func (r *Resource) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = ident.New(ident.PrefixResource)
	}
	return nil
}

// ResourceName is the lookup table mapping each element of Resource.Names to
// its resource. Kept in sync by the store on every write so that get-by-name
// is an indexed query instead of a scan over JSON columns.
type ResourceName struct {
	ResourceID string `gorm:"primaryKey"`
	Name       string `gorm:"primaryKey;index"`
}

// GroupService is one named port a group exposes. Stored embedded in the
// group row; names are unique within a group.
type GroupService struct {
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
	Port     int    `json:"port"`
}

// Group is a dynamic set of resources: the members are the resources
// matching Query, plus Include, minus Exclude.
type Group struct {
	ID        string      `gorm:"primaryKey" json:"id"`
	Name      *string     `gorm:"uniqueIndex" json:"name"`
	Services  ServiceList `gorm:"type:text" json:"services"`
	Query     JSONMap     `gorm:"type:text" json:"query"`
	Include   StringList  `gorm:"type:text" json:"include"`
	Exclude   StringList  `gorm:"type:text" json:"exclude"`
	CreatedAt time.Time   `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time   `gorm:"not null" json:"updated_at"`
}

func (g *Group) BeforeCreate(tx *gorm.DB) error {
	if g.ID == "" {
		g.ID = ident.New(ident.PrefixGroup)
	}
	return nil
}

// AppLink connects a component group to a named service of another group.
type AppLink struct {
	FromComponent string         `json:"from_component"`
	ToService     AppLinkService `json:"to_service"`
}

// AppLinkService names the target side of an AppLink.
type AppLinkService struct {
	Group       string `json:"group"`
	ServiceName string `json:"service_name"`
}

// AppExpose marks a group service as externally reachable.
type AppExpose struct {
	Group       string `json:"group"`
	ServiceName string `json:"service_name"`
}

// Application is a named composition of groups with typed links between
// their services. Every link and expose endpoint must name a group listed in
// Components and a service that group defines.
type Application struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	Name       *string    `gorm:"uniqueIndex" json:"name"`
	Components StringList `gorm:"type:text" json:"components"`
	Links      LinkList   `gorm:"type:text" json:"links"`
	Expose     ExposeList `gorm:"type:text" json:"expose"`
	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"not null" json:"updated_at"`
}

func (a *Application) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = ident.New(ident.PrefixApplication)
	}
	return nil
}

// Procedure is a templated unit of work. Content is opaque to the
// coordinator; Options and Params are defaults merged with overrides at
// execution time.
type Procedure struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Type      string    `gorm:"not null;index" json:"type"`
	Name      *string   `gorm:"uniqueIndex" json:"name"`
	Content   string    `gorm:"type:text" json:"content"`
	Options   JSONMap   `gorm:"type:text" json:"options"`
	Params    JSONMap   `gorm:"type:text" json:"params"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (p *Procedure) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = ident.New(ident.PrefixProcedure)
	}
	return nil
}

// Job is one invocation of a procedure against a target resource. Owner is
// null exactly while the job is pending or finished; the pending→running
// edge is claimed by a single conditional update so two agents can never
// both win.
type Job struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Type      string    `gorm:"not null" json:"type"`
	Owner     *string   `gorm:"index" json:"owner"`
	Target    string    `gorm:"not null;index" json:"target"`
	Procedure *string   `gorm:"index" json:"procedure"`
	Content   string    `gorm:"type:text" json:"content"`
	Options   JSONMap   `gorm:"type:text" json:"options"`
	Params    JSONMap   `gorm:"type:text" json:"params"`
	Status    string    `gorm:"not null;default:'pending'" json:"status"`
	Result    JSONMap   `gorm:"type:text" json:"result"`
	Created   time.Time `gorm:"column:created;not null;index" json:"created"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = ident.New(ident.PrefixJob)
	}
	if j.Created.IsZero() {
		j.Created = time.Now().UTC()
	}
	return nil
}

// Subscription is a standing rule: when an event concerns a resource that is
// currently a member of Group, execute Procedure against Target with the
// stored options and params. Dangling references make the subscription a
// silent no-op at dispatch time.
type Subscription struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Group     string    `gorm:"column:group_id;not null;index" json:"group"`
	Procedure string    `gorm:"not null;index" json:"procedure"`
	Target    string    `gorm:"not null" json:"target"`
	Options   JSONMap   `gorm:"type:text" json:"options"`
	Params    JSONMap   `gorm:"type:text" json:"params"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ident.New(ident.PrefixSubscription)
	}
	return nil
}

// Event is one record of the append-only log. ID comes from the atomic
// counter, never from the database's own sequence, so ids stay dense and are
// never reused even after old rows are evicted.
type Event struct {
	ID          int64      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Date        time.Time  `gorm:"not null" json:"date"`
	EventType   string     `gorm:"not null" json:"event_type"`
	EntityType  string     `gorm:"not null;index" json:"entity_type"`
	EntityID    string     `gorm:"not null;index" json:"entity_id"`
	EntityNames StringList `gorm:"type:text" json:"entity_names"`
	Size        int64      `gorm:"not null;default:0" json:"-"`
}

// Counter backs monotonic id allocation. A single row named "events" exists;
// increments happen inside the append transaction.
type Counter struct {
	Name  string `gorm:"primaryKey"`
	Value int64  `gorm:"not null"`
}
