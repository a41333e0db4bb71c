package workflows

import (
	"encoding/json"
	"fmt"

	"github.com/affandar/toygres/pkg/durable"
)

// DeleteInstanceInput is the delete-instance orchestration's input.
type DeleteInstanceInput struct {
	UserName string `json:"user_name"`
}

// DeleteInstanceOutput reports whether an instance actually existed.
type DeleteInstanceOutput struct {
	Deleted bool `json:"deleted"`
}

// DeleteInstance implements the 6-step teardown authoring (§4.6).
func DeleteInstance(c *durable.OrchestrationContext, rawInput json.RawMessage) (json.RawMessage, error) {
	var in DeleteInstanceInput
	if err := json.Unmarshal(rawInput, &in); err != nil {
		return nil, fmt.Errorf("decoding delete-instance input: %w", err)
	}

	// Step 1.
	lookup, err := callActivity[struct {
		Found    bool `json:"found"`
		Instance struct {
			K8sName                    string `json:"k8s_name"`
			Namespace                  string `json:"namespace"`
			HealthCheckOrchestrationID string `json:"health_check_orchestration_id,omitempty"`
		} `json:"instance,omitempty"`
	}](c, "cms::activity::get-instance-by-user-name", map[string]any{"name": in.UserName})
	if err != nil {
		return nil, err
	}
	if !lookup.Found {
		return json.Marshal(DeleteInstanceOutput{Deleted: false})
	}
	k8sName := lookup.Instance.K8sName
	namespace := lookup.Instance.Namespace

	// Step 2.
	if _, err := callActivity[struct{}](c, "cms::activity::update-instance-state", map[string]any{
		"k8s_name": k8sName, "target_state": "deleting",
	}); err != nil {
		return nil, err
	}

	// Step 3.
	if lookup.Instance.HealthCheckOrchestrationID != "" {
		c.CancelOrchestration(lookup.Instance.HealthCheckOrchestrationID)
	}

	// Step 4.
	if _, err := callActivity[struct{}](c, "k8s::activity::delete-postgres", map[string]any{
		"namespace": namespace, "k8s_name": k8sName,
	}); err != nil {
		return nil, err
	}

	// Step 5.
	if _, err := callActivity[struct{}](c, "cms::activity::free-dns-name", map[string]any{"k8s_name": k8sName}); err != nil {
		return nil, err
	}

	// Step 6.
	if _, err := callActivity[struct{}](c, "cms::activity::update-instance-state", map[string]any{
		"k8s_name": k8sName, "target_state": "deleted",
	}); err != nil {
		return nil, err
	}

	return json.Marshal(DeleteInstanceOutput{Deleted: true})
}
