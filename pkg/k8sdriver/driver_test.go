package k8sdriver

import (
	"context"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestDeployPostgresCreatesResourcesOnce(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	d := NewDriver(clientset, "westus2.cloudapp.azure.com")
	ctx := context.Background()

	params := DeployParams{Namespace: "default", K8sName: "pg-abc123", PostgresVersion: "16", StorageSizeGB: 10}

	if err := d.DeployPostgres(ctx, params); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	if err := d.DeployPostgres(ctx, params); err != nil {
		t.Fatalf("second deploy should be idempotent: %v", err)
	}

	sts, err := clientset.AppsV1().StatefulSets("default").Get(ctx, "pg-abc123", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("expected statefulset: %v", err)
	}
	if sts.Spec.ServiceName != "pg-abc123" {
		t.Errorf("service name = %q, want pg-abc123", sts.Spec.ServiceName)
	}

	if _, err := clientset.CoreV1().Services("default").Get(ctx, "pg-abc123", metav1.GetOptions{}); err != nil {
		t.Fatalf("expected service: %v", err)
	}
}

func TestWaitForReadyReportsNotReadyWhenMissing(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	d := NewDriver(clientset, "westus2.cloudapp.azure.com")

	ready, err := d.WaitForReady(context.Background(), "default", "pg-missing", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ready {
		t.Errorf("expected not ready for a missing statefulset")
	}
}

func TestWaitForReadyReportsReadyReplicas(t *testing.T) {
	replicas := int32(1)
	clientset := fake.NewSimpleClientset(&appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: "pg-ready", Namespace: "default"},
		Status:     appsv1.StatefulSetStatus{ReadyReplicas: replicas},
	})
	d := NewDriver(clientset, "westus2.cloudapp.azure.com")

	ready, err := d.WaitForReady(context.Background(), "default", "pg-ready", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ready {
		t.Errorf("expected ready")
	}
}

func TestExistsReflectsStatefulSetPresence(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	d := NewDriver(clientset, "westus2.cloudapp.azure.com")
	ctx := context.Background()

	exists, err := d.Exists(ctx, "default", "pg-gone")
	if err != nil || exists {
		t.Fatalf("expected absent, got exists=%v err=%v", exists, err)
	}

	if err := d.DeployPostgres(ctx, DeployParams{Namespace: "default", K8sName: "pg-present", PostgresVersion: "16", StorageSizeGB: 5}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	exists, err = d.Exists(ctx, "default", "pg-present")
	if err != nil || !exists {
		t.Fatalf("expected present, got exists=%v err=%v", exists, err)
	}
}

func TestDeletePostgresToleratesAbsence(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	d := NewDriver(clientset, "westus2.cloudapp.azure.com")

	if err := d.DeletePostgres(context.Background(), "default", "pg-never-existed"); err != nil {
		t.Fatalf("delete of absent resources should be a no-op: %v", err)
	}
}

func TestGetConnectionStringsPrefersExternalIP(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "pg-lb", Namespace: "default"},
		Spec:       corev1.ServiceSpec{ClusterIP: "10.0.0.5"},
		Status: corev1.ServiceStatus{
			LoadBalancer: corev1.LoadBalancerStatus{
				Ingress: []corev1.LoadBalancerIngress{{IP: "203.0.113.9"}},
			},
		},
	})
	d := NewDriver(clientset, "westus2.cloudapp.azure.com")

	conn, err := d.GetConnectionStrings(context.Background(), "default", "pg-lb", "", "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.ExternalIP != "203.0.113.9" {
		t.Errorf("external ip = %q, want 203.0.113.9", conn.ExternalIP)
	}
	if conn.DNSConnectionString != "" {
		t.Errorf("expected no dns connection string without a dns label, got %q", conn.DNSConnectionString)
	}
}

func TestGetConnectionStringsBuildsDNSForm(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "pg-lb", Namespace: "default"},
		Spec:       corev1.ServiceSpec{ClusterIP: "10.0.0.5"},
	})
	d := NewDriver(clientset, "westus2.cloudapp.azure.com")

	conn, err := d.GetConnectionStrings(context.Background(), "default", "pg-lb", "proddb", "p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "postgresql://postgres:p@proddb-toygres.westus2.cloudapp.azure.com:5432/postgres"
	if conn.DNSConnectionString != want {
		t.Errorf("dns connection string = %q, want %q", conn.DNSConnectionString, want)
	}
}
