package backend

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"wingman/pkg/config"
	"wingman/pkg/logger"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"
)

const (
	labelRunID        = "wingman/run-id"
	annotationTaskDir = "wingman/task-dir"
	taskContainerName = "task"
)

// NewKubernetesClient builds a clientset from kubeconfig, or the in-cluster config when empty
func NewKubernetesClient(kubeconfig string) (kubernetes.Interface, error) {
	var restConfig *rest.Config
	var err error
	if kubeconfig == "" {
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			// If not in cluster, try the default loading rules
			loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
			kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
			restConfig, err = kubeConfig.ClientConfig()
		}
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kubernetes config: %v", err)
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %v", err)
	}
	return client, nil
}

// LoadJobTemplate reads a batch/v1 Job manifest used as the base of every task Job
func LoadJobTemplate(path string) (*batchv1.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job template: %w", err)
	}
	var job batchv1.Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job template: %v", err)
	}
	if len(job.Spec.Template.Spec.Containers) == 0 {
		return nil, fmt.Errorf("job template %s has no containers", path)
	}
	return &job, nil
}

// K8sBackend runs each task as a Kubernetes Job whose container re-enters this binary in
// task execution mode
type K8sBackend struct {
	client      kubernetes.Interface
	reporter    Reporter
	namespace   string
	image       string
	template    *batchv1.Job
	executable  string
	endpointURL string
	workdir     string
}

// Name implements Backend
func (b *K8sBackend) Name() string {
	return "k8s"
}

// Submit creates the Job and reports it submitted under the Job name
func (b *K8sBackend) Submit(ctx context.Context, runID int64, taskDir string, isScatter bool) error {
	job := b.buildJob(runID, taskDir, isScatter)

	created, err := b.client.BatchV1().Jobs(b.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("failed to create job for %s: %w", taskDir, err)
	}

	logger.InfoCtx(ctx, "k8s job created, task_dir: %s, job: %s/%s", taskDir, b.namespace, created.Name)
	reportAccepted(ctx, b.reporter, taskDir, created.Name)
	return nil
}

func (b *K8sBackend) buildJob(runID int64, taskDir string, isScatter bool) *batchv1.Job {
	var job *batchv1.Job
	if b.template != nil {
		job = b.template.DeepCopy()
	} else {
		backoffLimit := int32(0)
		job = &batchv1.Job{
			Spec: batchv1.JobSpec{
				BackoffLimit: &backoffLimit,
				Template: corev1.PodTemplateSpec{
					Spec: corev1.PodSpec{
						RestartPolicy: corev1.RestartPolicyNever,
						Containers:    []corev1.Container{{Name: taskContainerName}},
					},
				},
			},
		}
	}

	job.TypeMeta = metav1.TypeMeta{}
	job.Name = k8sJobName(taskDir)
	job.Namespace = b.namespace
	if job.Labels == nil {
		job.Labels = map[string]string{}
	}
	job.Labels[labelRunID] = strconv.FormatInt(runID, 10)
	if job.Annotations == nil {
		job.Annotations = map[string]string{}
	}
	job.Annotations[annotationTaskDir] = taskDir
	if isScatter {
		job.Labels["wingman/scatter"] = "true"
	}

	container := &job.Spec.Template.Spec.Containers[0]
	if b.image != "" {
		container.Image = b.image
	}
	container.Command = []string{b.executable, "-exec-task", taskDir, "-endpoint", b.endpointURL}
	if b.workdir != "" {
		container.Command = append(container.Command, "-workdir", b.workdir)
	}
	container.Env = append(container.Env, corev1.EnvVar{Name: "WINGMAN_NODE_NAME", ValueFrom: &corev1.EnvVarSource{
		FieldRef: &corev1.ObjectFieldSelector{FieldPath: "spec.nodeName"},
	}})
	return job
}

// k8sJobName returns a DNS-1123 name unique per submission
func k8sJobName(taskDir string) string {
	sum := sha1.Sum([]byte(taskDir))
	suffix := strings.SplitN(uuid.New().String(), "-", 2)[0]
	return fmt.Sprintf("wingman-%s-%s", hex.EncodeToString(sum[:])[:12], suffix)
}

func newK8sBackend(cfg config.K8sConfig, client kubernetes.Interface, reporter Reporter, template *batchv1.Job) *K8sBackend {
	return &K8sBackend{
		client:    client,
		reporter:  reporter,
		namespace: cfg.Namespace,
		image:     cfg.Image,
		template:  template,
	}
}
