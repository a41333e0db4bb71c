package cms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/affandar/toygres/internal/db"
)

// ErrDNSInUse is returned by Store.CreateInstanceRecord when the requested
// dns_name is already reserved by a different, still-active orchestration.
type ErrDNSInUse struct {
	ExistingK8sName string
	OwnerOrchestrationID string
}

func (e *ErrDNSInUse) Error() string {
	return fmt.Sprintf("dns name already reserved by instance %s (orchestration %s)", e.ExistingK8sName, e.OwnerOrchestrationID)
}

// ErrIllegalTransition is returned by UpdateInstanceState for a transition
// outside the four permitted state changes.
var ErrIllegalTransition = errors.New("cms: illegal instance state transition")

// ErrNotFound is returned by UpdateInstanceState when no row has the given
// k8s_name. The Get* lookups report absence through their found result instead.
var ErrNotFound = errors.New("cms: instance not found")

// CreateInstanceParams is the input to Store.CreateInstanceRecord.
type CreateInstanceParams struct {
	UserName           string
	K8sName            string
	Namespace          string
	PostgresVersion    string
	StorageSizeGB      int
	UseLoadBalancer    bool
	DNSName            string
	OrchestrationID    string
	CreatedAt          time.Time
}

// Store is the raw-pgx CMS data layer: conditional SQL so replaying the same
// activity call is a no-op, matching the teacher's column-constant,
// fmt.Errorf("doing: %w", err)-wrapped idiom used throughout this module's
// Postgres-backed stores.
type Store struct {
	pool db.Pool
}

func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

const instanceColumns = `id, user_name, k8s_name, namespace, postgres_version, storage_size_gb,
	use_load_balancer, dns_name, ip_connection_string, dns_connection_string, external_ip,
	state, health_status, create_orchestration_id, delete_orchestration_id,
	health_check_orchestration_id, tags, created_at, updated_at, deleted_at`

// CreateInstanceRecord inserts a new instance row, or — on replay of the
// same orchestration — returns the existing row's id unchanged. A dns_name
// collision with a different, still-active owner surfaces ErrDNSInUse.
func (s *Store) CreateInstanceRecord(ctx context.Context, p CreateInstanceParams) (string, error) {
	id := newID()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO instances
		 (id, user_name, k8s_name, namespace, postgres_version, storage_size_gb, use_load_balancer,
		  dns_name, state, health_status, create_orchestration_id, tags, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'creating','unknown',$9,'{}'::jsonb,$10,$10)
		 ON CONFLICT (k8s_name) DO UPDATE SET updated_at = instances.updated_at
		 WHERE instances.create_orchestration_id = $9`,
		id, p.UserName, p.K8sName, p.Namespace, p.PostgresVersion, p.StorageSizeGB, p.UseLoadBalancer,
		nullIfEmpty(p.DNSName), p.OrchestrationID, p.CreatedAt,
	)
	if err == nil {
		if tag.RowsAffected() == 0 {
			// k8s_name existed but belonged to a different orchestration:
			// not a DNS collision, just a genuine naming conflict.
			return "", fmt.Errorf("creating instance record: k8s_name %s already owned by another orchestration", p.K8sName)
		}
		return s.idForK8sName(ctx, p.K8sName)
	}

	if !isDNSNameConflict(err) {
		return "", fmt.Errorf("creating instance record: %w", err)
	}

	return s.resolveDNSConflict(ctx, p)
}

// resolveDNSConflict is reached when the partial unique index on
// dns_name fired: either this is a replay of the same orchestration (return
// its row id) or another instance legitimately owns the name.
func (s *Store) resolveDNSConflict(ctx context.Context, p CreateInstanceParams) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("beginning dns conflict resolution: %w", err)
	}
	defer tx.Rollback(ctx)

	var existingID, existingK8sName, ownerOrch string
	err = tx.QueryRow(ctx,
		`SELECT id, k8s_name, create_orchestration_id FROM instances
		 WHERE dns_name = $1 AND state IN ('creating','running') FOR UPDATE`,
		p.DNSName,
	).Scan(&existingID, &existingK8sName, &ownerOrch)
	if err != nil {
		return "", fmt.Errorf("reading dns owner: %w", err)
	}
	if ownerOrch == p.OrchestrationID {
		return existingID, nil
	}
	return "", &ErrDNSInUse{ExistingK8sName: existingK8sName, OwnerOrchestrationID: ownerOrch}
}

func (s *Store) idForK8sName(ctx context.Context, k8sName string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM instances WHERE k8s_name = $1`, k8sName).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("reading instance id for %s: %w", k8sName, err)
	}
	return id, nil
}

// UpdateInstanceStateParams carries the optional fields update-instance-state
// may set alongside the target state.
type UpdateInstanceStateParams struct {
	K8sName             string
	TargetState         InstanceState
	IPConnectionString  string
	DNSConnectionString string
	ExternalIP          string
	CheckTime           time.Time
}

// UpdateInstanceState moves an instance to TargetState if the current state
// permits it, returning changed=false if it's already there (idempotent
// replay) and ErrIllegalTransition for any other mismatch.
func (s *Store) UpdateInstanceState(ctx context.Context, p UpdateInstanceStateParams) (changed bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning state update: %w", err)
	}
	defer tx.Rollback(ctx)

	var current InstanceState
	if err := tx.QueryRow(ctx, `SELECT state FROM instances WHERE k8s_name = $1 FOR UPDATE`, p.K8sName).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("reading current state: %w", err)
	}
	if current == p.TargetState {
		return false, nil
	}
	if !IsLegalTransition(current, p.TargetState) {
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, p.TargetState)
	}

	deletedAtSet := ""
	if p.TargetState == StateDeleted {
		deletedAtSet = ", deleted_at = $6"
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE instances SET state = $2, ip_connection_string = COALESCE(NULLIF($3,''), ip_connection_string),
		 dns_connection_string = COALESCE(NULLIF($4,''), dns_connection_string),
		 external_ip = COALESCE(NULLIF($5,''), external_ip), updated_at = $6%s
		 WHERE k8s_name = $1`, deletedAtSet),
		p.K8sName, p.TargetState, p.IPConnectionString, p.DNSConnectionString, p.ExternalIP, p.CheckTime,
	)
	if err != nil {
		return false, fmt.Errorf("updating instance state: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO instance_events (id, instance_id, event_type, detail, created_at)
		 SELECT $2, id, 'state_transition', $3, $4 FROM instances WHERE k8s_name = $1`,
		p.K8sName, newID(), fmt.Sprintf("%s -> %s", current, p.TargetState), p.CheckTime,
	); err != nil {
		return false, fmt.Errorf("recording state transition event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing state update: %w", err)
	}
	return true, nil
}

// RecordHealthCheck inserts a health check row, a no-op on replay of the
// same (instance, checked_at) pair via the unique constraint.
func (s *Store) RecordHealthCheck(ctx context.Context, k8sName string, status HealthStatus, version string, responseMs int, errMsg string, checkedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instance_health_checks (id, instance_id, checked_at, status, postgres_version, response_time_ms, error_message)
		 SELECT $2, id, $3, $4, $5, $6, $7 FROM instances WHERE k8s_name = $1
		 ON CONFLICT (instance_id, checked_at) DO NOTHING`,
		k8sName, newID(), checkedAt, status, nullIfEmpty(version), responseMs, nullIfEmpty(errMsg),
	)
	if err != nil {
		return fmt.Errorf("recording health check: %w", err)
	}
	return nil
}

// UpdateInstanceHealth sets health_status for a running instance, only
// writing when it actually changed.
func (s *Store) UpdateInstanceHealth(ctx context.Context, k8sName string, status HealthStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE instances SET health_status = $2, updated_at = now()
		 WHERE k8s_name = $1 AND state = 'running' AND health_status != $2`,
		k8sName, status,
	)
	if err != nil {
		return fmt.Errorf("updating instance health: %w", err)
	}
	return nil
}

// InstanceConnection is the result of GetInstanceConnection.
type InstanceConnection struct {
	Found            bool          `json:"found"`
	ConnectionString string        `json:"connection_string,omitempty"`
	State            InstanceState `json:"state,omitempty"`
}

// GetInstanceConnection prefers the DNS connection string over the raw IP one.
func (s *Store) GetInstanceConnection(ctx context.Context, k8sName string) (InstanceConnection, error) {
	var dnsConn, ipConn *string
	var state InstanceState
	err := s.pool.QueryRow(ctx,
		`SELECT dns_connection_string, ip_connection_string, state FROM instances WHERE k8s_name = $1`,
		k8sName,
	).Scan(&dnsConn, &ipConn, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return InstanceConnection{}, nil
	}
	if err != nil {
		return InstanceConnection{}, fmt.Errorf("reading instance connection: %w", err)
	}
	conn := derefString(dnsConn)
	if conn == "" {
		conn = derefString(ipConn)
	}
	return InstanceConnection{Found: true, ConnectionString: conn, State: state}, nil
}

// FreeDNSName prefixes dns_name with "__deleted_" to release it for reuse,
// idempotent: a second call is a no-op since the LIKE guard already fails.
func (s *Store) FreeDNSName(ctx context.Context, k8sName string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE instances SET dns_name = '__deleted_' || dns_name
		 WHERE k8s_name = $1 AND dns_name IS NOT NULL AND dns_name NOT LIKE '__deleted_%'`,
		k8sName,
	)
	if err != nil {
		return fmt.Errorf("freeing dns name: %w", err)
	}
	return nil
}

func (s *Store) GetInstanceByUserName(ctx context.Context, userName string) (Instance, bool, error) {
	return s.getInstance(ctx, "user_name", userName)
}

func (s *Store) GetInstanceByK8sName(ctx context.Context, k8sName string) (Instance, bool, error) {
	return s.getInstance(ctx, "k8s_name", k8sName)
}

func (s *Store) getInstance(ctx context.Context, column, value string) (Instance, bool, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM instances WHERE %s = $1 AND state != 'deleted'`, instanceColumns, column),
		value,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Instance{}, false, nil
	}
	if err != nil {
		return Instance{}, false, fmt.Errorf("reading instance by %s: %w", column, err)
	}
	return inst, true, nil
}

// ListRunning returns every instance currently in the running state, used
// by the drift scanner.
func (s *Store) ListRunning(ctx context.Context) ([]Instance, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM instances WHERE state = 'running'`, instanceColumns))
	if err != nil {
		return nil, fmt.Errorf("listing running instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstanceRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning running instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// RecordDrift appends a drift detection row; never updates existing rows
// (an append-only log per §4.5.8).
func (s *Store) RecordDrift(ctx context.Context, instanceID, kind, detail string, detectedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO drift_detections (id, instance_id, kind, detail, detected_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		newID(), instanceID, kind, detail, detectedAt,
	)
	if err != nil {
		return fmt.Errorf("recording drift: %w", err)
	}
	return nil
}

// RecordHealthMonitorOrchestration stores the id of the detached
// health-monitor sub-orchestration started for k8sName.
func (s *Store) RecordHealthMonitorOrchestration(ctx context.Context, k8sName, orchestrationID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE instances SET health_check_orchestration_id = $2, updated_at = now() WHERE k8s_name = $1`,
		k8sName, orchestrationID,
	)
	if err != nil {
		return fmt.Errorf("recording health monitor orchestration id: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row pgx.Row) (Instance, error) {
	return scanInstanceRow(row)
}

func scanInstanceRows(rows pgx.Rows) (Instance, error) {
	return scanInstanceRow(rows)
}

func scanInstanceRow(row rowScanner) (Instance, error) {
	var inst Instance
	var dnsName, ipConn, dnsConn, extIP, createOrch, deleteOrch, healthOrch *string
	var tagsRaw []byte
	var deletedAt *time.Time
	err := row.Scan(&inst.ID, &inst.UserName, &inst.K8sName, &inst.Namespace, &inst.PostgresVersion, &inst.StorageSizeGB,
		&inst.UseLoadBalancer, &dnsName, &ipConn, &dnsConn, &extIP, &inst.State, &inst.HealthStatus,
		&createOrch, &deleteOrch, &healthOrch, &tagsRaw, &inst.CreatedAt, &inst.UpdatedAt, &deletedAt)
	if err != nil {
		return Instance{}, err
	}
	inst.DNSName = derefString(dnsName)
	inst.IPConnectionString = derefString(ipConn)
	inst.DNSConnectionString = derefString(dnsConn)
	inst.ExternalIP = derefString(extIP)
	inst.CreateOrchestrationID = derefString(createOrch)
	inst.DeleteOrchestrationID = derefString(deleteOrch)
	inst.HealthCheckOrchestrationID = derefString(healthOrch)
	inst.DeletedAt = deletedAt
	if len(tagsRaw) > 0 {
		_ = json.Unmarshal(tagsRaw, &inst.Tags)
	}
	return inst, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isDNSNameConflict(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
