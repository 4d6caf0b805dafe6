package platform

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// KubernetesDriver runs components as batch Jobs.
//
// The script lands in a ConfigMap mounted at /scripts, a Job with a single
// python container consumes it, and the result is read from the pod log
// after the Job succeeds. Job and ConfigMap are deleted afterwards.
//
// Mandatory config: namespace, image. Recognized: environment, timeout,
// backoff_limit, cpu, memory (resource quantity strings such as "500m"
// and "1Gi"), service_account.
type KubernetesDriver struct {
	namespace      string
	image          string
	env            map[string]string
	timeout        int // seconds, 0 = no Job deadline
	backoffLimit   int
	cpu            string
	memory         string
	serviceAccount string

	clientset kubernetes.Interface
}

// NewKubernetesDriver creates a driver using in-cluster credentials when
// available and the default kubeconfig otherwise.
func NewKubernetesDriver(config map[string]any) (*KubernetesDriver, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		restConfig, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, &ExecutionError{Platform: TagKubernetes, Msg: "loading cluster configuration", Cause: err}
		}
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, &ExecutionError{Platform: TagKubernetes, Msg: "creating clientset", Cause: err}
	}

	return &KubernetesDriver{
		namespace:      configString(config, "namespace", ""),
		image:          configString(config, "image", ""),
		env:            configStringMap(config, "environment"),
		timeout:        configInt(config, "timeout", 0),
		backoffLimit:   configInt(config, "backoff_limit", 0),
		cpu:            configString(config, "cpu", ""),
		memory:         configString(config, "memory", ""),
		serviceAccount: configString(config, "service_account", ""),
		clientset:      clientset,
	}, nil
}

// Tag returns "kubernetes".
func (d *KubernetesDriver) Tag() string { return TagKubernetes }

// SupportedLanguages returns the script languages runnable in a pod.
func (d *KubernetesDriver) SupportedLanguages() []string { return []string{"python"} }

// Validate requires a namespace and an image.
func (d *KubernetesDriver) Validate(config map[string]any) error {
	return requireKeys(TagKubernetes, config, "namespace", "image")
}

// Execute creates the ConfigMap and Job, waits for completion, and returns
// the result parsed from the pod log.
func (d *KubernetesDriver) Execute(ctx context.Context, fn FunctionDescriptor, inputs map[string]any, execCtx Context) (any, error) {
	script, err := buildScript(fn, inputs)
	if err != nil {
		return nil, err
	}

	if execCtx.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, execCtx.Timeout)
		defer cancel()
	}

	suffix := strings.ToLower(execCtx.ExecutionID)
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	jobName := "twingraph-" + suffix
	cmName := jobName + "-script"

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: cmName, Namespace: d.namespace},
		Data:       map[string]string{"script.py": script},
	}
	if _, err := d.clientset.CoreV1().ConfigMaps(d.namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		return nil, &ExecutionError{Platform: TagKubernetes, Msg: "creating script configmap", Cause: err, Transient: true}
	}
	defer d.cleanup(jobName, cmName)

	job, err := d.buildJob(jobName, cmName, execCtx)
	if err != nil {
		return nil, err
	}
	if _, err := d.clientset.BatchV1().Jobs(d.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return nil, &ExecutionError{Platform: TagKubernetes, Msg: "creating job", Cause: err, Transient: true}
	}

	if err := d.waitForJob(ctx, jobName); err != nil {
		return nil, err
	}

	logs, err := d.podLogs(ctx, jobName)
	if err != nil {
		return nil, err
	}
	return parseScriptOutput(TagKubernetes, logs)
}

func (d *KubernetesDriver) buildJob(jobName, cmName string, execCtx Context) (*batchv1.Job, error) {
	env := []corev1.EnvVar{
		{Name: "EXECUTION_ID", Value: execCtx.ExecutionID},
		{Name: "COMPONENT_NAME", Value: execCtx.ComponentName},
	}
	for k, v := range d.env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	resources := corev1.ResourceRequirements{}
	if d.cpu != "" || d.memory != "" {
		limits := corev1.ResourceList{}
		if d.cpu != "" {
			q, err := resource.ParseQuantity(d.cpu)
			if err != nil {
				return nil, &ConfigurationError{Platform: TagKubernetes, Msg: fmt.Sprintf("invalid cpu quantity %q", d.cpu)}
			}
			limits[corev1.ResourceCPU] = q
		}
		if d.memory != "" {
			q, err := resource.ParseQuantity(d.memory)
			if err != nil {
				return nil, &ConfigurationError{Platform: TagKubernetes, Msg: fmt.Sprintf("invalid memory quantity %q", d.memory)}
			}
			limits[corev1.ResourceMemory] = q
		}
		resources.Limits = limits
		resources.Requests = limits
	}

	backoff := int32(d.backoffLimit)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: jobName, Namespace: d.namespace},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: d.serviceAccount,
					Containers: []corev1.Container{{
						Name:    "component",
						Image:   d.image,
						Command: []string{"python", "/scripts/script.py"},
						Env:     env,
						VolumeMounts: []corev1.VolumeMount{{
							Name:      "scripts",
							MountPath: "/scripts",
							ReadOnly:  true,
						}},
						Resources: resources,
					}},
					Volumes: []corev1.Volume{{
						Name: "scripts",
						VolumeSource: corev1.VolumeSource{
							ConfigMap: &corev1.ConfigMapVolumeSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: cmName},
							},
						},
					}},
				},
			},
		},
	}
	if d.timeout > 0 {
		deadline := int64(d.timeout)
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	return job, nil
}

func (d *KubernetesDriver) waitForJob(ctx context.Context, jobName string) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		job, err := d.clientset.BatchV1().Jobs(d.namespace).Get(ctx, jobName, metav1.GetOptions{})
		if err != nil {
			return &ExecutionError{Platform: TagKubernetes, Msg: "polling job", Cause: err, Transient: true}
		}
		if job.Status.Succeeded > 0 {
			return nil
		}
		if job.Status.Failed > int32(d.backoffLimit) {
			return &ExecutionError{Platform: TagKubernetes, Msg: fmt.Sprintf("job %s failed", jobName)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *KubernetesDriver) podLogs(ctx context.Context, jobName string) (string, error) {
	pods, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		return "", &ExecutionError{Platform: TagKubernetes, Msg: "listing job pods", Cause: err, Transient: true}
	}
	if len(pods.Items) == 0 {
		return "", &ExecutionError{Platform: TagKubernetes, Msg: "no pods found for job " + jobName}
	}

	// The most recent pod carries the successful attempt.
	pod := pods.Items[len(pods.Items)-1]
	stream, err := d.clientset.CoreV1().Pods(d.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{}).Stream(ctx)
	if err != nil {
		return "", &ExecutionError{Platform: TagKubernetes, Msg: "streaming pod logs", Cause: err, Transient: true}
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return "", &ExecutionError{Platform: TagKubernetes, Msg: "reading pod logs", Cause: err}
	}
	return string(data), nil
}

// cleanup deletes the Job and ConfigMap. Runs on a background context so
// resources are reclaimed even when the invocation context is cancelled.
func (d *KubernetesDriver) cleanup(jobName, cmName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	propagation := metav1.DeletePropagationForeground
	_ = d.clientset.BatchV1().Jobs(d.namespace).Delete(ctx, jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	_ = d.clientset.CoreV1().ConfigMaps(d.namespace).Delete(ctx, cmName, metav1.DeleteOptions{})
}
