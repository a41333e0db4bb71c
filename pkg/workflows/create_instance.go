package workflows

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/affandar/toygres/pkg/durable"
)

const (
	defaultPostgresVersion = "16"
	defaultStorageSizeGB   = 10
	waitForReadyCeiling    = 60
	waitForReadyInterval   = 30 * time.Second
)

// CreateInstanceInput is the create-instance orchestration's input.
type CreateInstanceInput struct {
	UserName        string `json:"user_name"`
	Password        string `json:"password"`
	PostgresVersion string `json:"postgres_version,omitempty"`
	StorageSizeGB   int    `json:"storage_size_gb,omitempty"`
	UseLoadBalancer bool   `json:"use_load_balancer,omitempty"`
	DNSLabel        string `json:"dns_label,omitempty"`
	Namespace       string `json:"namespace,omitempty"`
}

// CreateInstance implements the 8-step provisioning authoring (§4.6).
// Each step is exactly one activity await so replay can match history
// deterministically.
func CreateInstance(c *durable.OrchestrationContext, rawInput json.RawMessage) (json.RawMessage, error) {
	var in CreateInstanceInput
	if err := json.Unmarshal(rawInput, &in); err != nil {
		return nil, fmt.Errorf("decoding create-instance input: %w", err)
	}
	if in.PostgresVersion == "" {
		in.PostgresVersion = defaultPostgresVersion
	}
	if in.StorageSizeGB == 0 {
		in.StorageSizeGB = defaultStorageSizeGB
	}
	if in.Namespace == "" {
		in.Namespace = "default"
	}

	// Step 1: derive k8s_name from an 8-hex suffix seeded off the
	// orchestration instance id, so replay reissues the same name every
	// time. dns_label is a separate, caller-chosen reservation key and
	// never feeds the k8s_name itself.
	k8sName := in.UserName + "-" + c.NewDeterministicSuffix(8)

	// Step 2.
	_, err := callActivity[struct {
		InstanceID string `json:"instance_id"`
	}](c, "cms::activity::create-instance-record", map[string]any{
		"user_name":         in.UserName,
		"k8s_name":          k8sName,
		"namespace":         in.Namespace,
		"postgres_version":  in.PostgresVersion,
		"storage_size_gb":   in.StorageSizeGB,
		"use_load_balancer": in.UseLoadBalancer,
		"dns_name":          in.DNSLabel,
		"orchestration_id":  c.InstanceID(),
	})
	if err != nil {
		if appErr, ok := isAppError(err); ok {
			return nil, appErr
		}
		return nil, err
	}

	if err := createInstanceSteps3Through8(c, in, k8sName); err != nil {
		cleanupFailedInstance(c, in.Namespace, k8sName)
		return nil, err
	}
	return json.Marshal(struct {
		K8sName string `json:"k8s_name"`
	}{K8sName: k8sName})
}

func createInstanceSteps3Through8(c *durable.OrchestrationContext, in CreateInstanceInput, k8sName string) error {
	// Step 3.
	if _, err := callActivity[struct{}](c, "k8s::activity::deploy-postgres", map[string]any{
		"namespace":         in.Namespace,
		"k8s_name":          k8sName,
		"postgres_version":  in.PostgresVersion,
		"storage_size_gb":   in.StorageSizeGB,
		"use_load_balancer": in.UseLoadBalancer,
		"password":          in.Password,
	}); err != nil {
		return err
	}

	// Step 4: bounded poll via create_timer between attempts.
	ready := false
	for attempt := 0; attempt < waitForReadyCeiling; attempt++ {
		out, err := callActivity[struct {
			Ready bool `json:"ready"`
		}](c, "k8s::activity::wait-for-ready", map[string]any{"namespace": in.Namespace, "k8s_name": k8sName})
		if err != nil {
			return err
		}
		if out.Ready {
			ready = true
			break
		}
		if _, err := c.Await(c.CreateTimer(c.CurrentTime().Add(waitForReadyInterval))); err != nil {
			return err
		}
	}
	if !ready {
		return durable.NewAppError(fmt.Sprintf("instance %s did not become ready after %d attempts", k8sName, waitForReadyCeiling), nil)
	}

	// Step 5.
	conn, err := callActivity[struct {
		IPConnectionString  string `json:"ip_connection_string"`
		DNSConnectionString string `json:"dns_connection_string,omitempty"`
		ExternalIP          string `json:"external_ip,omitempty"`
	}](c, "k8s::activity::get-connection-strings", map[string]any{
		"namespace": in.Namespace, "k8s_name": k8sName, "dns_label": in.DNSLabel, "password": in.Password,
	})
	if err != nil {
		return err
	}
	if _, err := callActivity[struct{}](c, "cms::activity::update-instance-state", map[string]any{
		"k8s_name":              k8sName,
		"target_state":          "running",
		"ip_connection_string":  conn.IPConnectionString,
		"dns_connection_string": conn.DNSConnectionString,
		"external_ip":           conn.ExternalIP,
	}); err != nil {
		return err
	}

	// Step 6.
	if _, err := callActivity[struct {
		Reachable bool `json:"reachable"`
	}](c, "k8s::activity::test-connection", map[string]any{"connection_string": conn.IPConnectionString}); err != nil {
		return err
	}

	// Step 7.
	if _, err := callActivity[struct{}](c, "cms::activity::record-health-check", map[string]any{
		"k8s_name": k8sName, "status": "healthy", "postgres_version": in.PostgresVersion,
	}); err != nil {
		return err
	}

	// Step 8: detached health monitor, id recorded via a dedicated activity.
	healthMonitorID := "health-" + k8sName
	c.StartSubOrchestrationDetached(healthMonitorID, "toygres::workflow::health-monitor", mustMarshal(HealthMonitorInput{
		K8sName:   k8sName,
		Namespace: in.Namespace,
	}))
	if _, err := callActivity[struct{}](c, "cms::activity::record-health-monitor", map[string]any{
		"k8s_name": k8sName, "orchestration_id": healthMonitorID,
	}); err != nil {
		return err
	}
	return nil
}

// cleanupFailedInstance runs the best-effort teardown from §4.6's failure
// semantics. Each step tolerates its own failure since the workflow is
// already failing and cleanup must not mask the original error.
func cleanupFailedInstance(c *durable.OrchestrationContext, namespace, k8sName string) {
	_, _ = callActivity[struct{}](c, "k8s::activity::delete-postgres", map[string]any{"namespace": namespace, "k8s_name": k8sName})
	_, _ = callActivity[struct{}](c, "cms::activity::free-dns-name", map[string]any{"k8s_name": k8sName})
	_, _ = callActivity[struct{}](c, "cms::activity::update-instance-state", map[string]any{"k8s_name": k8sName, "target_state": "failed"})
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("workflows: marshaling %T: %v", v, err))
	}
	return b
}
