package cms

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/affandar/toygres/pkg/durable"
)

// RegisterActivities wires every CMS activity from §4.5.1-§4.5.9 (plus the
// added record-health-monitor) into reg under the cms::activity::<name>
// naming convention.
func RegisterActivities(reg *durable.Registry, store *Store) {
	reg.RegisterActivity("cms::activity::create-instance-record", activityCreateInstanceRecord(store))
	reg.RegisterActivity("cms::activity::update-instance-state", activityUpdateInstanceState(store))
	reg.RegisterActivity("cms::activity::record-health-check", activityRecordHealthCheck(store))
	reg.RegisterActivity("cms::activity::update-instance-health", activityUpdateInstanceHealth(store))
	reg.RegisterActivity("cms::activity::get-instance-connection", activityGetInstanceConnection(store))
	reg.RegisterActivity("cms::activity::free-dns-name", activityFreeDNSName(store))
	reg.RegisterActivity("cms::activity::get-instance-by-user-name", activityGetInstanceByUserName(store))
	reg.RegisterActivity("cms::activity::get-instance-by-k8s-name", activityGetInstanceByK8sName(store))
	reg.RegisterActivity("cms::activity::record-drift", activityRecordDrift(store))
	reg.RegisterActivity("cms::activity::record-health-monitor", activityRecordHealthMonitor(store))
}

type createInstanceRecordInput struct {
	UserName        string `json:"user_name"`
	K8sName         string `json:"k8s_name"`
	Namespace       string `json:"namespace"`
	PostgresVersion string `json:"postgres_version"`
	StorageSizeGB   int    `json:"storage_size_gb"`
	UseLoadBalancer bool   `json:"use_load_balancer"`
	DNSName         string `json:"dns_name,omitempty"`
	OrchestrationID string `json:"orchestration_id"`
}

type createInstanceRecordOutput struct {
	InstanceID string `json:"instance_id"`
}

func activityCreateInstanceRecord(store *Store) durable.ActivityFunc {
	return func(ctx *durable.ActivityContext, raw json.RawMessage) (json.RawMessage, error) {
		var in createInstanceRecordInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, durable.NewInfrastructureError("decoding create-instance-record input", err)
		}
		id, err := store.CreateInstanceRecord(ctx, CreateInstanceParams{
			UserName: in.UserName, K8sName: in.K8sName, Namespace: in.Namespace,
			PostgresVersion: in.PostgresVersion, StorageSizeGB: in.StorageSizeGB,
			UseLoadBalancer: in.UseLoadBalancer, DNSName: in.DNSName,
			OrchestrationID: in.OrchestrationID, CreatedAt: ctx.ScheduledAt,
		})
		if dnsErr, ok := err.(*ErrDNSInUse); ok {
			return nil, durable.NewAppError(dnsErr.Error(), nil)
		}
		if err != nil {
			return nil, durable.NewInfrastructureError("creating instance record", err)
		}
		return json.Marshal(createInstanceRecordOutput{InstanceID: id})
	}
}

type updateInstanceStateInput struct {
	K8sName             string `json:"k8s_name"`
	TargetState         string `json:"target_state"`
	IPConnectionString  string `json:"ip_connection_string,omitempty"`
	DNSConnectionString string `json:"dns_connection_string,omitempty"`
	ExternalIP          string `json:"external_ip,omitempty"`
}

type updateInstanceStateOutput struct {
	Changed bool `json:"changed"`
}

func activityUpdateInstanceState(store *Store) durable.ActivityFunc {
	return func(ctx *durable.ActivityContext, raw json.RawMessage) (json.RawMessage, error) {
		var in updateInstanceStateInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, durable.NewInfrastructureError("decoding update-instance-state input", err)
		}
		changed, err := store.UpdateInstanceState(ctx, UpdateInstanceStateParams{
			K8sName: in.K8sName, TargetState: InstanceState(in.TargetState),
			IPConnectionString: in.IPConnectionString, DNSConnectionString: in.DNSConnectionString,
			ExternalIP: in.ExternalIP, CheckTime: ctx.ScheduledAt,
		})
		if errors.Is(err, ErrIllegalTransition) {
			return nil, durable.NewAppError(fmt.Sprintf("illegal transition for %s to %s", in.K8sName, in.TargetState), err)
		}
		if err != nil {
			return nil, durable.NewInfrastructureError("updating instance state", err)
		}
		return json.Marshal(updateInstanceStateOutput{Changed: changed})
	}
}

type recordHealthCheckInput struct {
	K8sName         string `json:"k8s_name"`
	Status          string `json:"status"`
	PostgresVersion string `json:"postgres_version,omitempty"`
	ResponseTimeMs  int    `json:"response_time_ms,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

func activityRecordHealthCheck(store *Store) durable.ActivityFunc {
	return func(ctx *durable.ActivityContext, raw json.RawMessage) (json.RawMessage, error) {
		var in recordHealthCheckInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, durable.NewInfrastructureError("decoding record-health-check input", err)
		}
		if err := store.RecordHealthCheck(ctx, in.K8sName, HealthStatus(in.Status), in.PostgresVersion,
			in.ResponseTimeMs, in.ErrorMessage, ctx.ScheduledAt); err != nil {
			return nil, durable.NewInfrastructureError("recording health check", err)
		}
		return json.Marshal(struct{}{})
	}
}

type updateInstanceHealthInput struct {
	K8sName      string `json:"k8s_name"`
	HealthStatus string `json:"health_status"`
}

func activityUpdateInstanceHealth(store *Store) durable.ActivityFunc {
	return func(ctx *durable.ActivityContext, raw json.RawMessage) (json.RawMessage, error) {
		var in updateInstanceHealthInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, durable.NewInfrastructureError("decoding update-instance-health input", err)
		}
		if err := store.UpdateInstanceHealth(ctx, in.K8sName, HealthStatus(in.HealthStatus)); err != nil {
			return nil, durable.NewInfrastructureError("updating instance health", err)
		}
		return json.Marshal(struct{}{})
	}
}

type getInstanceConnectionInput struct {
	K8sName string `json:"k8s_name"`
}

func activityGetInstanceConnection(store *Store) durable.ActivityFunc {
	return func(ctx *durable.ActivityContext, raw json.RawMessage) (json.RawMessage, error) {
		var in getInstanceConnectionInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, durable.NewInfrastructureError("decoding get-instance-connection input", err)
		}
		conn, err := store.GetInstanceConnection(ctx, in.K8sName)
		if err != nil {
			return nil, durable.NewInfrastructureError("reading instance connection", err)
		}
		return json.Marshal(conn)
	}
}

type freeDNSNameInput struct {
	K8sName string `json:"k8s_name"`
}

func activityFreeDNSName(store *Store) durable.ActivityFunc {
	return func(ctx *durable.ActivityContext, raw json.RawMessage) (json.RawMessage, error) {
		var in freeDNSNameInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, durable.NewInfrastructureError("decoding free-dns-name input", err)
		}
		if err := store.FreeDNSName(ctx, in.K8sName); err != nil {
			return nil, durable.NewInfrastructureError("freeing dns name", err)
		}
		return json.Marshal(struct{}{})
	}
}

type getInstanceByNameInput struct {
	Name string `json:"name"`
}

type getInstanceOutput struct {
	Found    bool     `json:"found"`
	Instance Instance `json:"instance,omitempty"`
}

func activityGetInstanceByUserName(store *Store) durable.ActivityFunc {
	return func(ctx *durable.ActivityContext, raw json.RawMessage) (json.RawMessage, error) {
		var in getInstanceByNameInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, durable.NewInfrastructureError("decoding get-instance-by-user-name input", err)
		}
		inst, found, err := store.GetInstanceByUserName(ctx, in.Name)
		if err != nil {
			return nil, durable.NewInfrastructureError("looking up instance by user name", err)
		}
		return json.Marshal(getInstanceOutput{Found: found, Instance: inst})
	}
}

func activityGetInstanceByK8sName(store *Store) durable.ActivityFunc {
	return func(ctx *durable.ActivityContext, raw json.RawMessage) (json.RawMessage, error) {
		var in getInstanceByNameInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, durable.NewInfrastructureError("decoding get-instance-by-k8s-name input", err)
		}
		inst, found, err := store.GetInstanceByK8sName(ctx, in.Name)
		if err != nil {
			return nil, durable.NewInfrastructureError("looking up instance by k8s name", err)
		}
		return json.Marshal(getInstanceOutput{Found: found, Instance: inst})
	}
}

type recordDriftInput struct {
	InstanceID string `json:"instance_id"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail"`
}

func activityRecordDrift(store *Store) durable.ActivityFunc {
	return func(ctx *durable.ActivityContext, raw json.RawMessage) (json.RawMessage, error) {
		var in recordDriftInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, durable.NewInfrastructureError("decoding record-drift input", err)
		}
		if err := store.RecordDrift(ctx, in.InstanceID, in.Kind, in.Detail, ctx.ScheduledAt); err != nil {
			return nil, durable.NewInfrastructureError("recording drift", err)
		}
		return json.Marshal(struct{}{})
	}
}

type recordHealthMonitorInput struct {
	K8sName         string `json:"k8s_name"`
	OrchestrationID string `json:"orchestration_id"`
}

func activityRecordHealthMonitor(store *Store) durable.ActivityFunc {
	return func(ctx *durable.ActivityContext, raw json.RawMessage) (json.RawMessage, error) {
		var in recordHealthMonitorInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, durable.NewInfrastructureError("decoding record-health-monitor input", err)
		}
		if err := store.RecordHealthMonitorOrchestration(ctx, in.K8sName, in.OrchestrationID); err != nil {
			return nil, durable.NewInfrastructureError("recording health monitor orchestration id", err)
		}
		return json.Marshal(struct{}{})
	}
}
