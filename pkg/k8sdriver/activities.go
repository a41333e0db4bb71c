package k8sdriver

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/affandar/toygres/pkg/durable"
)

// RegisterActivities wires the five Kubernetes-side activities from §4.5.9
// into reg under the k8s::activity::<name> naming convention.
func RegisterActivities(reg *durable.Registry, driver *Driver) {
	reg.RegisterActivity("k8s::activity::deploy-postgres", activityDeployPostgres(driver))
	reg.RegisterActivity("k8s::activity::delete-postgres", activityDeletePostgres(driver))
	reg.RegisterActivity("k8s::activity::wait-for-ready", activityWaitForReady(driver))
	reg.RegisterActivity("k8s::activity::get-connection-strings", activityGetConnectionStrings(driver))
	reg.RegisterActivity("k8s::activity::test-connection", activityTestConnection(driver))
}

type deployPostgresInput struct {
	Namespace       string `json:"namespace"`
	K8sName         string `json:"k8s_name"`
	PostgresVersion string `json:"postgres_version"`
	StorageSizeGB   int    `json:"storage_size_gb"`
	UseLoadBalancer bool   `json:"use_load_balancer"`
	Password        string `json:"password"`
}

func activityDeployPostgres(driver *Driver) durable.ActivityFunc {
	return func(ctx *durable.ActivityContext, raw json.RawMessage) (json.RawMessage, error) {
		var in deployPostgresInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, durable.NewInfrastructureError("decoding deploy-postgres input", err)
		}
		err := driver.DeployPostgres(ctx, DeployParams{
			Namespace: in.Namespace, K8sName: in.K8sName, PostgresVersion: in.PostgresVersion,
			StorageSizeGB: in.StorageSizeGB, UseLoadBalancer: in.UseLoadBalancer, Password: in.Password,
		})
		if err != nil {
			return nil, durable.NewInfrastructureError("deploying postgres", err)
		}
		return json.Marshal(struct{}{})
	}
}

type deletePostgresInput struct {
	Namespace string `json:"namespace"`
	K8sName   string `json:"k8s_name"`
}

func activityDeletePostgres(driver *Driver) durable.ActivityFunc {
	return func(ctx *durable.ActivityContext, raw json.RawMessage) (json.RawMessage, error) {
		var in deletePostgresInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, durable.NewInfrastructureError("decoding delete-postgres input", err)
		}
		if err := driver.DeletePostgres(ctx, in.Namespace, in.K8sName); err != nil {
			return nil, durable.NewInfrastructureError("deleting postgres", err)
		}
		return json.Marshal(struct{}{})
	}
}

type waitForReadyInput struct {
	Namespace string `json:"namespace"`
	K8sName   string `json:"k8s_name"`
}

type waitForReadyOutput struct {
	Ready bool `json:"ready"`
}

func activityWaitForReady(driver *Driver) durable.ActivityFunc {
	return func(ctx *durable.ActivityContext, raw json.RawMessage) (json.RawMessage, error) {
		var in waitForReadyInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, durable.NewInfrastructureError("decoding wait-for-ready input", err)
		}
		ready, err := driver.WaitForReady(ctx, in.Namespace, in.K8sName, 10*time.Second)
		if err != nil {
			return nil, durable.NewInfrastructureError("checking readiness", err)
		}
		return json.Marshal(waitForReadyOutput{Ready: ready})
	}
}

type getConnectionStringsInput struct {
	Namespace string `json:"namespace"`
	K8sName   string `json:"k8s_name"`
	DNSLabel  string `json:"dns_label,omitempty"`
	Password  string `json:"password"`
}

func activityGetConnectionStrings(driver *Driver) durable.ActivityFunc {
	return func(ctx *durable.ActivityContext, raw json.RawMessage) (json.RawMessage, error) {
		var in getConnectionStringsInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, durable.NewInfrastructureError("decoding get-connection-strings input", err)
		}
		conn, err := driver.GetConnectionStrings(ctx, in.Namespace, in.K8sName, in.DNSLabel, in.Password)
		if err != nil {
			return nil, durable.NewInfrastructureError("reading connection strings", err)
		}
		return json.Marshal(conn)
	}
}

type testConnectionInput struct {
	ConnectionString string `json:"connection_string"`
}

type testConnectionOutput struct {
	Reachable      bool `json:"reachable"`
	ResponseTimeMs int  `json:"response_time_ms"`
}

func activityTestConnection(driver *Driver) durable.ActivityFunc {
	return func(ctx *durable.ActivityContext, raw json.RawMessage) (json.RawMessage, error) {
		var in testConnectionInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, durable.NewInfrastructureError("decoding test-connection input", err)
		}
		// Elapsed time is measured here, on the activity's own real clock,
		// rather than by the orchestration: OrchestrationContext.CurrentTime
		// is pinned for the whole turn and would always read zero elapsed.
		start := time.Now()
		reachable, err := TestConnection(ctx, in.ConnectionString, 5*time.Second)
		responseTimeMs := int(time.Since(start) / time.Millisecond)
		if err != nil {
			return nil, durable.NewAppError(fmt.Sprintf("connection test failed: %v", err), err)
		}
		return json.Marshal(testConnectionOutput{Reachable: reachable, ResponseTimeMs: responseTimeMs})
	}
}
