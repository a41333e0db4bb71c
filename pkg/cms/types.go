// Package cms implements the control metadata store: the business source of
// truth for instance lifecycle, DNS reservation, and health history. Every
// exported activity here is safe to re-run under workflow replay.
package cms

import "time"

// InstanceState is the lifecycle state of a CMS instance row (§3.2).
type InstanceState string

const (
	StateCreating InstanceState = "creating"
	StateRunning  InstanceState = "running"
	StateDeleting InstanceState = "deleting"
	StateDeleted  InstanceState = "deleted"
	StateFailed   InstanceState = "failed"
)

// HealthStatus is the last-observed liveness of an instance.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Instance is the durable record of one provisioned PostgreSQL instance.
type Instance struct {
	ID                         string            `json:"id"`
	UserName                   string            `json:"user_name"`
	K8sName                    string            `json:"k8s_name"`
	Namespace                  string            `json:"namespace"`
	PostgresVersion            string            `json:"postgres_version"`
	StorageSizeGB              int               `json:"storage_size_gb"`
	UseLoadBalancer            bool              `json:"use_load_balancer"`
	DNSName                    string            `json:"dns_name"`
	IPConnectionString         string            `json:"ip_connection_string,omitempty"`
	DNSConnectionString        string            `json:"dns_connection_string,omitempty"`
	ExternalIP                 string            `json:"external_ip,omitempty"`
	State                      InstanceState     `json:"state"`
	HealthStatus               HealthStatus      `json:"health_status"`
	CreateOrchestrationID      string            `json:"create_orchestration_id,omitempty"`
	DeleteOrchestrationID      string            `json:"delete_orchestration_id,omitempty"`
	HealthCheckOrchestrationID string            `json:"health_check_orchestration_id,omitempty"`
	Tags                       map[string]string `json:"tags,omitempty"`
	CreatedAt                  time.Time         `json:"created_at"`
	UpdatedAt                  time.Time         `json:"updated_at"`
	DeletedAt                  *time.Time        `json:"deleted_at,omitempty"`
}

// InstanceEvent is an audit row appended on every state transition.
type InstanceEvent struct {
	ID         string
	InstanceID string
	EventType  string
	Detail     string
	CreatedAt  time.Time
}

// InstanceHealthCheck is one recorded health probe, unique per
// (instance_id, checked_at).
type InstanceHealthCheck struct {
	ID              string
	InstanceID      string
	CheckedAt       time.Time
	Status          HealthStatus
	PostgresVersion string
	ResponseTimeMs  int
	ErrorMessage    string
}

// DriftDetection records a mismatch observed between the CMS's belief about
// an instance and the cluster's actual state.
type DriftDetection struct {
	ID          string
	InstanceID  string
	Kind        string
	Detail      string
	DetectedAt  time.Time
	ResolvedAt  *time.Time
}

// legalTransitions enumerates the only state changes update-instance-state
// may perform (§3.2).
var legalTransitions = map[InstanceState]map[InstanceState]bool{
	StateCreating: {StateRunning: true, StateFailed: true},
	StateRunning:  {StateDeleting: true},
	StateDeleting: {StateDeleted: true},
}

// IsLegalTransition reports whether from->to is one of the four permitted
// instance state transitions.
func IsLegalTransition(from, to InstanceState) bool {
	return legalTransitions[from][to]
}
