// Package poddrv implements runtime.Driver against a Kubernetes cluster,
// one single-replica Deployment per stream worker.
package poddrv

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/flowmesh/fleetd/internal/runtime"
)

const labelStreamID = "fleetd.io/stream-id"
const labelApp = "fleetd-worker"

// Driver manages stream workers as Kubernetes Deployments.
type Driver struct {
	clientset kubernetes.Interface
	namespace string
}

var _ runtime.Driver = (*Driver)(nil)

// New builds a Driver from a kubeconfig path, or from the in-cluster
// config when kubeconfig is empty (matching the convention most
// controllers use to support both local and in-cluster operation).
func New(namespace, kubeconfig string) (*Driver, error) {
	var cfg *rest.Config
	var err error
	if kubeconfig != "" {
		if strings.HasPrefix(kubeconfig, "~") {
			home, _ := os.UserHomeDir()
			kubeconfig = filepath.Join(home, kubeconfig[1:])
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("load kube config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("new kube clientset: %w", err)
	}
	return &Driver{clientset: clientset, namespace: namespace}, nil
}

// DeploymentName returns the deterministic Deployment name for a stream.
func DeploymentName(streamID string) string {
	return "fleetd-worker-" + streamID
}

// Start creates (or updates, if one already exists from a crashed prior
// attempt) a single-replica Deployment for the stream. The Deployment
// name is the handle.
func (d *Driver) Start(ctx context.Context, spec runtime.Spec) (string, error) {
	name := DeploymentName(spec.StreamID)

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	replicas := int32(1)
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.namespace,
			Labels:    map[string]string{"app": labelApp, labelStreamID: spec.StreamID},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"app": labelApp, labelStreamID: spec.StreamID},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app": labelApp, labelStreamID: spec.StreamID},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyAlways,
					Containers: []corev1.Container{
						{
							Name:  "worker",
							Image: spec.Image,
							Env:   env,
						},
					},
				},
			},
		},
	}

	_, err := d.clientset.AppsV1().Deployments(d.namespace).Create(ctx, dep, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = d.clientset.AppsV1().Deployments(d.namespace).Update(ctx, dep, metav1.UpdateOptions{})
	}
	if err != nil {
		return "", permanent("create worker deployment", err)
	}
	return name, nil
}

// Stop deletes the worker Deployment. A missing Deployment is not an error.
func (d *Driver) Stop(ctx context.Context, handle string) error {
	err := d.clientset.AppsV1().Deployments(d.namespace).Delete(ctx, handle, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return retryable("delete worker deployment", err)
	}
	return nil
}

// Inspect reports the Deployment's readiness as a runtime.Status.
func (d *Driver) Inspect(ctx context.Context, handle string) (runtime.Status, error) {
	dep, err := d.clientset.AppsV1().Deployments(d.namespace).Get(ctx, handle, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return runtime.Status{Handle: handle, State: runtime.StateStopped}, nil
	}
	if err != nil {
		return runtime.Status{}, retryable("get worker deployment", err)
	}

	st := runtime.Status{Handle: handle, StartedAt: dep.CreationTimestamp.Time}
	switch {
	case dep.Status.ReadyReplicas > 0:
		st.State = runtime.StateRunning
	case dep.Status.UnavailableReplicas > 0 && dep.Status.Replicas > 0:
		st.State = runtime.StateFailed
		st.Message = deploymentFailureMessage(dep)
	case dep.Status.Replicas > 0:
		st.State = runtime.StatePending
	default:
		st.State = runtime.StateUnknown
	}
	return st, nil
}

// Tail fetches the trailing log lines of the worker's (first) pod.
func (d *Driver) Tail(ctx context.Context, handle string, lines int) (string, error) {
	pods, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("app=%s,%s=%s", labelApp, labelStreamID, streamIDFromHandle(handle)),
	})
	if err != nil {
		return "", retryable("list worker pods", err)
	}
	if len(pods.Items) == 0 {
		return "", nil
	}

	tailLines := int64(lines)
	req := d.clientset.CoreV1().Pods(d.namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{TailLines: &tailLines})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", retryable("open worker log stream", err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return "", retryable("read worker logs", err)
	}
	return string(data), nil
}

func streamIDFromHandle(handle string) string {
	const prefix = "fleetd-worker-"
	if len(handle) > len(prefix) {
		return handle[len(prefix):]
	}
	return handle
}

func deploymentFailureMessage(dep *appsv1.Deployment) string {
	for _, cond := range dep.Status.Conditions {
		if cond.Status == corev1.ConditionFalse {
			return cond.Message
		}
	}
	return "deployment unavailable"
}

func retryable(msg string, cause error) error {
	return &runtime.Error{Retryable: true, Message: msg, Cause: cause}
}

func permanent(msg string, cause error) error {
	return &runtime.Error{Retryable: false, Message: msg, Cause: cause}
}
