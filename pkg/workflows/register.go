package workflows

import "github.com/affandar/toygres/pkg/durable"

// RegisterWorkflows wires the three authorings into reg under the
// toygres::workflow::<name> naming convention.
func RegisterWorkflows(reg *durable.Registry) {
	reg.RegisterWorkflow("toygres::workflow::create-instance", CreateInstance)
	reg.RegisterWorkflow("toygres::workflow::delete-instance", DeleteInstance)
	reg.RegisterWorkflow("toygres::workflow::health-monitor", HealthMonitor)
}
