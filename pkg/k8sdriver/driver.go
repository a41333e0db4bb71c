// Package k8sdriver implements the Kubernetes-side activities (§4.5.9):
// deploy/delete/wait-for-ready/connection-strings/test-connection, plus the
// cluster existence check the CMS drift scanner uses. Every operation
// checks cluster state before acting so repeated invocation under workflow
// replay is safe.
package k8sdriver

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Driver executes the Kubernetes side effects behind a PostgreSQL instance.
type Driver struct {
	clientset kubernetes.Interface
	// dnsZone is the Azure-style zone suffix instances are published under,
	// e.g. "westus2.cloudapp.azure.com".
	dnsZone string
}

func NewDriver(clientset kubernetes.Interface, dnsZone string) *Driver {
	return &Driver{clientset: clientset, dnsZone: dnsZone}
}

// NewInClusterOrKubeconfigDriver builds a Driver from in-cluster config when
// running as a pod, falling back to the kubeconfig path otherwise — the
// same fallback chain used by most controller-runtime-free operators.
func NewInClusterOrKubeconfigDriver(kubeconfigPath, dnsZone string) (*Driver, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("loading kubernetes config: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes clientset: %w", err)
	}
	return NewDriver(clientset, dnsZone), nil
}

// DeployParams describes the PostgreSQL resources to materialize.
type DeployParams struct {
	Namespace       string
	K8sName         string
	PostgresVersion string
	StorageSizeGB   int
	UseLoadBalancer bool
	Password        string
}

func labelsFor(k8sName string) map[string]string {
	return map[string]string{"app.kubernetes.io/name": "toygres", "app.kubernetes.io/instance": k8sName}
}

// DeployPostgres creates the PVC-backed StatefulSet and Service for an
// instance, or is a no-op if they already exist (idempotent per §4.5.9).
func (d *Driver) DeployPostgres(ctx context.Context, p DeployParams) error {
	if err := d.ensureService(ctx, p); err != nil {
		return fmt.Errorf("ensuring service: %w", err)
	}
	if err := d.ensureStatefulSet(ctx, p); err != nil {
		return fmt.Errorf("ensuring statefulset: %w", err)
	}
	return nil
}

func (d *Driver) ensureService(ctx context.Context, p DeployParams) error {
	_, err := d.clientset.CoreV1().Services(p.Namespace).Get(ctx, p.K8sName, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return err
	}

	svcType := corev1.ServiceTypeClusterIP
	if p.UseLoadBalancer {
		svcType = corev1.ServiceTypeLoadBalancer
	}
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: p.K8sName, Namespace: p.Namespace, Labels: labelsFor(p.K8sName)},
		Spec: corev1.ServiceSpec{
			Type:     svcType,
			Selector: labelsFor(p.K8sName),
			Ports:    []corev1.ServicePort{{Name: "postgres", Port: 5432, TargetPort: intstr.FromInt(5432)}},
		},
	}
	_, err = d.clientset.CoreV1().Services(p.Namespace).Create(ctx, svc, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (d *Driver) ensureStatefulSet(ctx context.Context, p DeployParams) error {
	_, err := d.clientset.AppsV1().StatefulSets(p.Namespace).Get(ctx, p.K8sName, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return err
	}

	replicas := int32(1)
	storageQty := resource.MustParse(fmt.Sprintf("%dGi", p.StorageSizeGB))
	sts := &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: p.K8sName, Namespace: p.Namespace, Labels: labelsFor(p.K8sName)},
		Spec: appsv1.StatefulSetSpec{
			ServiceName: p.K8sName,
			Replicas:    &replicas,
			Selector:    &metav1.LabelSelector{MatchLabels: labelsFor(p.K8sName)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labelsFor(p.K8sName)},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "postgres",
						Image: fmt.Sprintf("postgres:%s", p.PostgresVersion),
						Env: []corev1.EnvVar{
							{Name: "POSTGRES_PASSWORD", Value: p.Password},
							{Name: "PGDATA", Value: "/var/lib/postgresql/data/pgdata"},
						},
						Ports: []corev1.ContainerPort{{ContainerPort: 5432}},
						VolumeMounts: []corev1.VolumeMount{
							{Name: "data", MountPath: "/var/lib/postgresql/data"},
						},
					}},
				},
			},
			VolumeClaimTemplates: []corev1.PersistentVolumeClaim{{
				ObjectMeta: metav1.ObjectMeta{Name: "data"},
				Spec: corev1.PersistentVolumeClaimSpec{
					AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
					Resources: corev1.VolumeResourceRequirements{
						Requests: corev1.ResourceList{corev1.ResourceStorage: storageQty},
					},
				},
			}},
		},
	}
	_, err = d.clientset.AppsV1().StatefulSets(p.Namespace).Create(ctx, sts, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

// DeletePostgres removes the StatefulSet and Service, tolerating their
// absence (idempotent delete).
func (d *Driver) DeletePostgres(ctx context.Context, namespace, k8sName string) error {
	if err := d.clientset.AppsV1().StatefulSets(namespace).Delete(ctx, k8sName, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting statefulset: %w", err)
	}
	if err := d.clientset.CoreV1().Services(namespace).Delete(ctx, k8sName, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting service: %w", err)
	}
	return nil
}

// WaitForReady is a single bounded check, not a spin loop: the workflow is
// responsible for retrying via create_timer between calls (§4.5.9).
func (d *Driver) WaitForReady(ctx context.Context, namespace, k8sName string, timeout time.Duration) (bool, error) {
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sts, err := d.clientset.AppsV1().StatefulSets(namespace).Get(checkCtx, k8sName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading statefulset: %w", err)
	}
	return sts.Status.ReadyReplicas >= 1, nil
}

// ConnectionStrings is the output of GetConnectionStrings.
type ConnectionStrings struct {
	IPConnectionString  string `json:"ip_connection_string"`
	DNSConnectionString string `json:"dns_connection_string,omitempty"`
	ExternalIP          string `json:"external_ip,omitempty"`
}

// GetConnectionStrings reads the Service's cluster/external IP and formats
// a libpq connection string, plus the Azure-style FQDN form when dnsLabel
// is set.
func (d *Driver) GetConnectionStrings(ctx context.Context, namespace, k8sName, dnsLabel, password string) (ConnectionStrings, error) {
	svc, err := d.clientset.CoreV1().Services(namespace).Get(ctx, k8sName, metav1.GetOptions{})
	if err != nil {
		return ConnectionStrings{}, fmt.Errorf("reading service: %w", err)
	}

	externalIP := ""
	for _, ing := range svc.Status.LoadBalancer.Ingress {
		if ing.IP != "" {
			externalIP = ing.IP
			break
		}
	}
	host := svc.Spec.ClusterIP
	if externalIP != "" {
		host = externalIP
	}
	conn := fmt.Sprintf("postgres://postgres:%s@%s:5432/postgres?sslmode=disable", password, host)

	out := ConnectionStrings{IPConnectionString: conn, ExternalIP: externalIP}
	if dnsLabel != "" {
		out.DNSConnectionString = fmt.Sprintf("postgresql://postgres:%s@%s-toygres.%s:5432/postgres", password, dnsLabel, d.dnsZone)
	}
	return out, nil
}

// Exists implements cms.ClusterChecker: it reports whether the StatefulSet
// backing k8sName is still present, used by the drift scanner.
func (d *Driver) Exists(ctx context.Context, namespace, k8sName string) (bool, error) {
	_, err := d.clientset.AppsV1().StatefulSets(namespace).Get(ctx, k8sName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking statefulset existence: %w", err)
	}
	return true, nil
}
