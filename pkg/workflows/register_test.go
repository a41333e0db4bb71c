package workflows

import (
	"testing"

	"github.com/affandar/toygres/pkg/durable"
)

func TestRegisterWorkflowsRegistersAllThree(t *testing.T) {
	reg := durable.NewRegistry()
	RegisterWorkflows(reg)

	for _, name := range []string{
		"toygres::workflow::create-instance",
		"toygres::workflow::delete-instance",
		"toygres::workflow::health-monitor",
	} {
		if _, ok := reg.Workflow(name); !ok {
			t.Errorf("expected %q to be registered", name)
		}
	}
}

func TestIsAppError(t *testing.T) {
	appErr := durable.NewAppError("dns name in use", nil)
	if _, ok := isAppError(appErr); !ok {
		t.Error("expected isAppError to recognize a *durable.AppError")
	}

	if _, ok := isAppError(durable.NewInfrastructureError("connection reset", nil)); ok {
		t.Error("expected isAppError to reject an *durable.InfrastructureError")
	}
}
