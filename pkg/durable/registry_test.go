package durable

import (
	"encoding/json"
	"testing"
)

func noopActivity(*ActivityContext, json.RawMessage) (json.RawMessage, error) { return nil, nil }
func noopWorkflow(*OrchestrationContext, json.RawMessage) (json.RawMessage, error) { return nil, nil }

func TestRegisterActivityNameFormat(t *testing.T) {
	tests := []struct {
		name    string
		valid   bool
	}{
		{"k8s::activity::deploy-postgres", true},
		{"toygres::workflow::create-instance", true},
		{"cms::activity::get-instance-by-k8s-name", true},
		{"nocolons", false},
		{"k8s:activity:deploy-postgres", false},
		{"K8s::activity::deploy-postgres", false},
		{"k8s::activity::", false},
		{"::activity::deploy-postgres", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			var panicked bool
			func() {
				defer func() {
					if recover() != nil {
						panicked = true
					}
				}()
				reg.RegisterActivity(tt.name, noopActivity)
			}()
			if panicked == tt.valid {
				t.Errorf("RegisterActivity(%q): panicked=%v, want valid=%v", tt.name, panicked, tt.valid)
			}
		})
	}
}

func TestRegisterActivityDuplicate(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterActivity("cms::activity::free-dns-name", noopActivity)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	reg.RegisterActivity("cms::activity::free-dns-name", noopActivity)
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterActivity("cms::activity::free-dns-name", noopActivity)
	reg.RegisterWorkflow("toygres::workflow::create-instance", noopWorkflow)

	if _, ok := reg.Activity("cms::activity::free-dns-name"); !ok {
		t.Error("expected registered activity to be found")
	}
	if _, ok := reg.Activity("cms::activity::does-not-exist"); ok {
		t.Error("expected unregistered activity lookup to fail")
	}
	if _, ok := reg.Workflow("toygres::workflow::create-instance"); !ok {
		t.Error("expected registered workflow to be found")
	}
}
