package workflows

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/affandar/toygres/pkg/durable"
)

const healthMonitorInterval = 30 * time.Second

// HealthMonitorInput is the health-monitor orchestration's input. It is
// re-passed verbatim on every continue-as-new, so one iteration's input is
// the next iteration's input.
type HealthMonitorInput struct {
	K8sName   string `json:"k8s_name"`
	Namespace string `json:"namespace"`
}

// HealthMonitor implements the recurring 6-step polling authoring (§4.6).
// It runs exactly one iteration per execution and ends every iteration with
// continue_as_new, keeping replay history bounded.
func HealthMonitor(c *durable.OrchestrationContext, rawInput json.RawMessage) (json.RawMessage, error) {
	var in HealthMonitorInput
	if err := json.Unmarshal(rawInput, &in); err != nil {
		return nil, fmt.Errorf("decoding health-monitor input: %w", err)
	}

	// Step 1.
	conn, err := callActivity[struct {
		Found            bool   `json:"found"`
		ConnectionString string `json:"connection_string,omitempty"`
		State            string `json:"state,omitempty"`
	}](c, "cms::activity::get-instance-connection", map[string]any{"k8s_name": in.K8sName})
	if err != nil {
		return nil, err
	}
	if !conn.Found || conn.State == "deleting" || conn.State == "deleted" {
		return nil, durable.NewAppError(fmt.Sprintf("instance %s is no longer monitorable (state=%q)", in.K8sName, conn.State), nil)
	}

	// Step 2. response_time_ms comes back from the activity itself, which
	// measures on its own real clock; OrchestrationContext.CurrentTime is
	// pinned for the whole turn and can't measure elapsed time.
	status := "healthy"
	errMessage := ""
	testErr := false
	responseTimeMs := 0
	result, err := callActivity[struct {
		Reachable      bool `json:"reachable"`
		ResponseTimeMs int  `json:"response_time_ms"`
	}](c, "k8s::activity::test-connection", map[string]any{"connection_string": conn.ConnectionString})
	if err != nil {
		if appErr, ok := isAppError(err); ok {
			testErr = true
			errMessage = appErr.Error()
		} else {
			return nil, err
		}
	} else {
		responseTimeMs = result.ResponseTimeMs
		if !result.Reachable {
			testErr = true
			errMessage = "connection reported unreachable"
		}
	}
	if testErr {
		status = "unhealthy"
	}

	// Step 3.
	if _, err := callActivity[struct{}](c, "cms::activity::record-health-check", map[string]any{
		"k8s_name": in.K8sName, "status": status, "response_time_ms": responseTimeMs, "error_message": errMessage,
	}); err != nil {
		return nil, err
	}

	// Step 4.
	if _, err := callActivity[struct{}](c, "cms::activity::update-instance-health", map[string]any{
		"k8s_name": in.K8sName, "health_status": status,
	}); err != nil {
		return nil, err
	}

	// Step 5.
	if _, err := c.Await(c.CreateTimer(c.CurrentTime().Add(healthMonitorInterval))); err != nil {
		return nil, err
	}

	// Step 6.
	c.ContinueAsNew(rawInput)
	return nil, nil
}
