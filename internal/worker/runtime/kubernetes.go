package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	stepContainer  = "step"
	managedByLabel = "app.kubernetes.io/managed-by"
	podPollEvery   = 500 * time.Millisecond
)

// KubernetesConfig holds configuration for the Kubernetes runtime.
type KubernetesConfig struct {
	Namespace      string
	ServiceAccount string
	CPULimit       string
	MemoryLimit    string
	// NodeName pins step pods to the worker's node so the hostPath
	// workspace holds the checkout. Usually set from the downward API.
	NodeName string
}

// KubernetesRuntime runs each step as a Kubernetes Job whose pod mounts the
// build working directory from the worker's node.
type KubernetesRuntime struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
	seq       atomic.Uint64
}

// KubernetesHandle is a step Job.
type KubernetesHandle struct {
	clientset kubernetes.Interface
	namespace string
	jobName   string
	podName   string
}

// NewKubernetesRuntime uses the in-cluster config, or ~/.kube/config outside a cluster.
func NewKubernetesRuntime(cfg KubernetesConfig) (*KubernetesRuntime, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		home, _ := os.UserHomeDir()
		kubeconfig := filepath.Join(home, ".kube", "config")
		slog.Info("not running in a cluster, using kubeconfig", "path", kubeconfig, "reason", err)
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.CPULimit == "" {
		cfg.CPULimit = "500m"
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = "256Mi"
	}
	return &KubernetesRuntime{clientset: clientset, config: cfg}, nil
}

// jobName derives a DNS-safe name from the build directory and a step counter.
func (k *KubernetesRuntime) jobName(workDir string) string {
	base := strings.ToLower(filepath.Base(workDir))
	if len(base) > 36 || base == "." || base == "/" {
		base = fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return fmt.Sprintf("buildplane-%s-%d", base, k.seq.Add(1))
}

func (k *KubernetesRuntime) jobSpec(name string, opts StartOptions) (*batchv1.Job, error) {
	cpu, err := resource.ParseQuantity(k.config.CPULimit)
	if err != nil {
		return nil, fmt.Errorf("invalid cpu limit %q: %w", k.config.CPULimit, err)
	}
	memory, err := resource.ParseQuantity(k.config.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid memory limit %q: %w", k.config.MemoryLimit, err)
	}

	env := make([]corev1.EnvVar, 0, len(opts.Env))
	for name, value := range opts.Env {
		env = append(env, corev1.EnvVar{Name: name, Value: value})
	}

	c := corev1.Container{
		Name:      stepContainer,
		Image:     opts.Image,
		Command:   opts.Command,
		Env:       env,
		Resources: corev1.ResourceRequirements{Limits: corev1.ResourceList{corev1.ResourceCPU: cpu, corev1.ResourceMemory: memory}},
	}
	pod := corev1.PodSpec{
		RestartPolicy:      corev1.RestartPolicyNever,
		NodeName:           k.config.NodeName,
		ServiceAccountName: k.config.ServiceAccount,
	}
	if opts.WorkDir != "" {
		dirOrCreate := corev1.HostPathDirectoryOrCreate
		pod.Volumes = []corev1.Volume{{
			Name: "workspace",
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: opts.WorkDir, Type: &dirOrCreate},
			},
		}}
		c.VolumeMounts = []corev1.VolumeMount{{Name: "workspace", MountPath: WorkspacePath}}
		c.WorkingDir = WorkspacePath
	}
	pod.Containers = []corev1.Container{c}

	// a failed step fails the build; kubernetes must not retry it
	var noRetries int32
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.config.Namespace,
			Labels:    map[string]string{managedByLabel: "buildplane"},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &noRetries,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"job-name": name, managedByLabel: "buildplane"}},
				Spec:       pod,
			},
		},
	}, nil
}

// Start creates the step Job.
func (k *KubernetesRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("command is required")
	}

	job, err := k.jobSpec(k.jobName(opts.WorkDir), opts)
	if err != nil {
		return nil, err
	}
	created, err := k.clientset.BatchV1().Jobs(k.config.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes job: %w", err)
	}
	slog.Debug("step job created", "job", created.Name, "namespace", k.config.Namespace, "work_dir", opts.WorkDir)

	return &KubernetesHandle{clientset: k.clientset, namespace: k.config.Namespace, jobName: created.Name}, nil
}

// exitResult reports the outcome of a finished pod, or false while it runs.
func exitResult(pod *corev1.Pod) (ExitResult, bool) {
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return ExitResult{}, true
	case corev1.PodFailed:
		res := ExitResult{ExitCode: -1}
		for _, cs := range pod.Status.ContainerStatuses {
			if t := cs.State.Terminated; t != nil {
				res.ExitCode = int(t.ExitCode)
				if t.Reason != "" {
					res.Error = errors.New(t.Reason)
				}
				break
			}
		}
		return res, true
	}
	return ExitResult{}, false
}

// Wait watches the step pod until it terminates.
func (h *KubernetesHandle) Wait(ctx context.Context) (ExitResult, error) {
	fail := func(err error) (ExitResult, error) { return ExitResult{ExitCode: -1, Error: err}, err }

	if err := h.resolvePod(ctx); err != nil {
		return fail(err)
	}

	watcher, err := h.clientset.CoreV1().Pods(h.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: "metadata.name=" + h.podName,
	})
	if err != nil {
		return fail(err)
	}
	defer watcher.Stop()

	for event := range watcher.ResultChan() {
		if event.Type == watch.Error {
			return fail(fmt.Errorf("watch of pod %s failed", h.podName))
		}
		if pod, ok := event.Object.(*corev1.Pod); ok {
			if res, done := exitResult(pod); done {
				return res, nil
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	return fail(fmt.Errorf("watch of pod %s closed", h.podName))
}

func (h *KubernetesHandle) resolvePod(ctx context.Context) error {
	if h.podName != "" {
		return nil
	}
	name, err := h.waitForPod(ctx)
	if err != nil {
		return fmt.Errorf("failed to find pod for job %s: %w", h.jobName, err)
	}
	h.podName = name
	return nil
}

// poll calls check every podPollEvery until it reports done or fails.
func poll(ctx context.Context, check func() (bool, error)) error {
	ticker := time.NewTicker(podPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			done, err := check()
			if err != nil || done {
				return err
			}
		}
	}
}

// waitForPod returns the name of the Job's pod once it exists.
func (h *KubernetesHandle) waitForPod(ctx context.Context) (string, error) {
	var name string
	err := poll(ctx, func() (bool, error) {
		pods, err := h.clientset.CoreV1().Pods(h.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: "job-name=" + h.jobName,
		})
		if err != nil || len(pods.Items) == 0 {
			return false, err
		}
		name = pods.Items[0].Name
		return true, nil
	})
	return name, err
}

// waitForContainerReady returns once the step container has started.
func (h *KubernetesHandle) waitForContainerReady(ctx context.Context) error {
	return poll(ctx, func() (bool, error) {
		pod, err := h.clientset.CoreV1().Pods(h.namespace).Get(ctx, h.podName, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		return pod.Status.Phase != corev1.PodPending && pod.Status.Phase != corev1.PodUnknown, nil
	})
}

// Stop deletes the Job and its pod.
func (h *KubernetesHandle) Stop(ctx context.Context) error {
	foreground := metav1.DeletePropagationForeground
	if err := h.clientset.BatchV1().Jobs(h.namespace).Delete(ctx, h.jobName, metav1.DeleteOptions{
		PropagationPolicy: &foreground,
	}); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", h.jobName, err)
	}
	return nil
}

// StreamLogs follows the step container's output.
func (h *KubernetesHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	if err := h.resolvePod(ctx); err != nil {
		return nil, err
	}
	if err := h.waitForContainerReady(ctx); err != nil {
		return nil, err
	}
	return h.clientset.CoreV1().Pods(h.namespace).GetLogs(h.podName, &corev1.PodLogOptions{
		Container: stepContainer,
		Follow:    true,
	}).Stream(ctx)
}
