// Package config loads fleetd configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// RuntimeKind selects which Runtime Driver backs the control plane.
type RuntimeKind string

const (
	RuntimeDocker     RuntimeKind = "docker"
	RuntimeKubernetes RuntimeKind = "kubernetes"
)

// Config holds all fleetd configuration. Mutable fields (ReconcileInterval,
// LogJSON) are protected by an RWMutex and read through getter methods;
// ReconcileInterval also has a setter, so it can be changed at runtime
// while the reconciler goroutine reads it.
type Config struct {
	// Storage
	DBPath string

	// Runtime driver selection
	RuntimeDriver RuntimeKind
	WorkerImage   string // image/template reference passed to the chosen driver

	// Docker driver connection
	DockerSock          string
	DockerTLSCACert     string
	DockerTLSClientCert string
	DockerTLSClientKey  string

	// Kubernetes driver connection
	KubeNamespace  string
	KubeKubeconfig string // empty = in-cluster config

	// MQTT broker the frame broker subscribes to, and the optional address
	// of fleetd's standalone /metrics listener
	MQTTBroker  string
	MetricsAddr string

	// Frame broker
	BrokerInitialBackoff time.Duration
	BrokerMaxBackoff     time.Duration

	// Reconciler
	StaleFrameThreshold time.Duration
	StartGracePeriod    time.Duration
	MaxRestartsPerMin   int

	// Web server
	WebPort string

	// MetricsTextfilePath, when set, makes fleetd periodically dump its
	// metrics in Prometheus exposition format to this path for node_exporter's
	// textfile collector, in addition to serving /metrics directly.
	MetricsTextfilePath string

	// mu protects the mutable runtime fields below.
	mu                sync.RWMutex
	reconcileInterval time.Duration
	logJSON           bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DBPath:               envStr("FLEET_DB_PATH", "/data/fleet.db"),
		RuntimeDriver:        RuntimeKind(envStr("FLEET_RUNTIME_DRIVER", "docker")),
		WorkerImage:          envStr("FLEET_WORKER_IMAGE", "flowmesh/flow-worker:latest"),
		DockerSock:           envStr("FLEET_DOCKER_SOCK", "/var/run/docker.sock"),
		DockerTLSCACert:      envStr("FLEET_DOCKER_TLS_CA_CERT", ""),
		DockerTLSClientCert:  envStr("FLEET_DOCKER_TLS_CLIENT_CERT", ""),
		DockerTLSClientKey:   envStr("FLEET_DOCKER_TLS_CLIENT_KEY", ""),
		KubeNamespace:        envStr("FLEET_KUBE_NAMESPACE", "default"),
		KubeKubeconfig:       envStr("FLEET_KUBE_KUBECONFIG", ""),
		MQTTBroker:           envStr("FLEET_MQTT_BROKER", "tcp://localhost:1883"),
		MetricsAddr:          envStr("FLEET_METRICS_ADDR", ""),
		BrokerInitialBackoff: envDuration("FLEET_BROKER_INITIAL_BACKOFF", 500*time.Millisecond),
		BrokerMaxBackoff:     envDuration("FLEET_BROKER_MAX_BACKOFF", 10*time.Second),
		StaleFrameThreshold:  envDuration("FLEET_STALE_FRAME_THRESHOLD", 15*time.Second),
		StartGracePeriod:     envDuration("FLEET_START_GRACE_PERIOD", 30*time.Second),
		MaxRestartsPerMin:    envInt("FLEET_MAX_RESTARTS_PER_MIN", 3),
		WebPort:              envStr("FLEET_WEB_PORT", "8080"),
		MetricsTextfilePath:  envStr("FLEET_METRICS_TEXTFILE", ""),
		reconcileInterval:    envDuration("FLEET_RECONCILE_INTERVAL", 5*time.Second),
		logJSON:              envBool("FLEET_LOG_JSON", true),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	switch c.RuntimeDriver {
	case RuntimeDocker, RuntimeKubernetes:
	default:
		errs = append(errs, fmt.Errorf("FLEET_RUNTIME_DRIVER must be docker or kubernetes, got %q", c.RuntimeDriver))
	}
	if c.ReconcileInterval() <= 0 {
		errs = append(errs, fmt.Errorf("FLEET_RECONCILE_INTERVAL must be > 0"))
	}
	if c.StaleFrameThreshold <= 0 {
		errs = append(errs, fmt.Errorf("FLEET_STALE_FRAME_THRESHOLD must be > 0"))
	}
	if c.StartGracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("FLEET_START_GRACE_PERIOD must be > 0"))
	}
	if c.MaxRestartsPerMin <= 0 {
		errs = append(errs, fmt.Errorf("FLEET_MAX_RESTARTS_PER_MIN must be > 0"))
	}
	return errors.Join(errs...)
}

// ReconcileInterval returns the current reconciliation loop interval (thread-safe).
func (c *Config) ReconcileInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconcileInterval
}

// SetReconcileInterval updates the reconciliation interval at runtime (thread-safe).
func (c *Config) SetReconcileInterval(d time.Duration) {
	c.mu.Lock()
	c.reconcileInterval = d
	c.mu.Unlock()
}

// LogJSON returns whether logging is in JSON mode (thread-safe).
func (c *Config) LogJSON() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logJSON
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
