package poddrv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/flowmesh/fleetd/internal/runtime"
)

func newTestDriver() *Driver {
	return &Driver{clientset: fake.NewSimpleClientset(), namespace: "fleetd"}
}

func TestStartCreatesDeployment(t *testing.T) {
	d := newTestDriver()
	ctx := context.Background()

	handle, err := d.Start(ctx, runtime.Spec{StreamID: "s1", Image: "flowmesh/flow-worker:latest", Env: map[string]string{"STREAM_ID": "s1"}})
	require.NoError(t, err)
	assert.Equal(t, "fleetd-worker-s1", handle)

	dep, err := d.clientset.AppsV1().Deployments("fleetd").Get(ctx, handle, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), *dep.Spec.Replicas)
}

func TestInspectUnknownDeploymentIsStopped(t *testing.T) {
	d := newTestDriver()
	st, err := d.Inspect(context.Background(), "fleetd-worker-missing")
	require.NoError(t, err)
	assert.Equal(t, runtime.StateStopped, st.State)
}

func TestStopIsIdempotent(t *testing.T) {
	d := newTestDriver()
	ctx := context.Background()

	handle, err := d.Start(ctx, runtime.Spec{StreamID: "s2", Image: "flowmesh/flow-worker:latest"})
	require.NoError(t, err)

	require.NoError(t, d.Stop(ctx, handle))
	require.NoError(t, d.Stop(ctx, handle), "stopping an already-stopped worker must not error")
}
