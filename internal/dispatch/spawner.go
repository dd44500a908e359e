package dispatch

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/hochfrequenz/taskpilot/internal/domain"
)

// KubernetesOptions configures the Job spawner
type KubernetesOptions struct {
	Namespace      string
	Image          string
	ServiceAccount string
	// SecretName is mounted as environment into the job container.
	SecretName string
	TTLSeconds int32
}

// KubernetesSpawner runs each task as a one-shot batch Job
type KubernetesSpawner struct {
	client kubernetes.Interface
	opts   KubernetesOptions
}

// NewKubernetesSpawner creates a spawner backed by client
func NewKubernetesSpawner(client kubernetes.Interface, opts KubernetesOptions) *KubernetesSpawner {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	return &KubernetesSpawner{client: client, opts: opts}
}

// NewKubernetesClient uses kubeconfig when set and the in-cluster config
// otherwise.
func NewKubernetesClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes config: %w", err)
	}
	return kubernetes.NewForConfig(cfg)
}

// JobName is the name of the Job running a task
func JobName(taskID string) string {
	return "taskpilot-" + taskID
}

// Spawn creates the Job and returns its name without waiting for it
func (s *KubernetesSpawner) Spawn(ctx context.Context, task *domain.Task) (string, error) {
	labels := map[string]string{
		"app.kubernetes.io/name":       "taskpilot",
		"app.kubernetes.io/component":  "task",
		"taskpilot.hochfrequenz.de/id": task.ID,
	}
	backoff := int32(0)

	container := corev1.Container{
		Name:  "task",
		Image: s.opts.Image,
		Args:  []string{"run-task", task.ID},
	}
	if s.opts.SecretName != "" {
		container.EnvFrom = []corev1.EnvFromSource{{
			SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: s.opts.SecretName},
			},
		}}
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(task.ID),
			Namespace: s.opts.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: s.opts.ServiceAccount,
					Containers:         []corev1.Container{container},
				},
			},
		},
	}
	if s.opts.TTLSeconds > 0 {
		ttl := s.opts.TTLSeconds
		job.Spec.TTLSecondsAfterFinished = &ttl
	}

	created, err := s.client.BatchV1().Jobs(s.opts.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}
	return created.Name, nil
}

// ProcessSpawner starts a detached "run-task" child process per task
type ProcessSpawner struct {
	Binary string
	// Args are passed before the run-task subcommand, e.g. --config.
	Args []string
}

// Spawn starts the process and returns its pid
func (s *ProcessSpawner) Spawn(_ context.Context, task *domain.Task) (string, error) {
	binary := s.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("locating executable: %w", err)
		}
		binary = self
	}
	args := append(append([]string{}, s.Args...), "run-task", task.ID)

	// Not bound to the request context: the child outlives the dispatch.
	cmd := exec.Command(binary, args...)
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting %s: %w", binary, err)
	}
	pid := cmd.Process.Pid
	go cmd.Wait()
	return fmt.Sprintf("pid:%d", pid), nil
}
