package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/yairfalse/cartograph/internal/fault"
	"github.com/yairfalse/cartograph/pkg/resource"
)

// podPageSize bounds each pod list call.
const podPageSize = 500

// KubeFactory builds a Kubernetes client for an EKS cluster.
type KubeFactory func(ctx context.Context, region string, cluster *ekstypes.Cluster) (kubernetes.Interface, error)

// execKubeFactory authenticates through `aws eks get-token`, the same
// exec credential plugin kubectl uses for EKS.
func execKubeFactory(profile string) KubeFactory {
	return func(_ context.Context, region string, cluster *ekstypes.Cluster) (kubernetes.Interface, error) {
		name := aws.ToString(cluster.Name)
		endpoint := aws.ToString(cluster.Endpoint)
		if endpoint == "" {
			return nil, fault.Malformed("connect "+name, fmt.Errorf("cluster has no endpoint"))
		}
		if cluster.CertificateAuthority == nil || aws.ToString(cluster.CertificateAuthority.Data) == "" {
			return nil, fault.Malformed("connect "+name, fmt.Errorf("cluster has no certificate authority data"))
		}
		ca, err := base64.StdEncoding.DecodeString(aws.ToString(cluster.CertificateAuthority.Data))
		if err != nil {
			return nil, fault.Malformed("connect "+name, fmt.Errorf("decode certificate authority: %w", err))
		}

		args := []string{"eks", "get-token", "--cluster-name", name, "--region", region}
		if profile != "" {
			args = append(args, "--profile", profile)
		}

		cfg := &rest.Config{
			Host:            endpoint,
			TLSClientConfig: rest.TLSClientConfig{CAData: ca},
			ExecProvider: &clientcmdapi.ExecConfig{
				Command:         "aws",
				Args:            args,
				APIVersion:      "client.authentication.k8s.io/v1beta1",
				InteractiveMode: clientcmdapi.NeverExecInteractiveMode,
				InstallHint:     "the aws CLI must be on PATH and authenticated to collect EKS pods",
			},
		}

		client, err := kubernetes.NewForConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("create kubernetes client for %s: %w", name, err)
		}
		return client, nil
	}
}

// collectEKSPods collects pods with an assigned IP from every selected EKS
// cluster in the region. Pod ARNs are synthesized as
// region/cluster/namespace/name.
func (c *collectors) collectEKSPods(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).EKS

	names := c.eksClusters
	explicit := len(names) > 0
	if !explicit {
		var err error
		if names, err = listEKSClusters(ctx, client); err != nil {
			return nil, err
		}
	}

	var resources []resource.Resource
	for _, name := range names {
		out, err := client.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
		if err != nil {
			var notFound *ekstypes.ResourceNotFoundException
			if explicit && errors.As(err, &notFound) {
				log.Debug().Str("cluster", name).Str("region", region).Msg("cluster not in region, skipping")
				continue
			}
			return nil, fmt.Errorf("describe cluster %s: %w", name, err)
		}
		if out.Cluster == nil {
			continue
		}

		kube, err := c.kube(ctx, region, out.Cluster)
		if err != nil {
			return nil, err
		}
		pods, err := listPods(ctx, kube)
		if err != nil {
			return nil, fmt.Errorf("list pods in %s: %w", name, err)
		}

		count := 0
		for _, pod := range pods {
			if r, ok := convertPod(region, name, pod); ok {
				resources = append(resources, r)
				count++
			}
		}
		log.Debug().Str("cluster", name).Str("region", region).Int("count", count).Msg("collected pods")
	}

	return resources, nil
}

func listPods(ctx context.Context, kube kubernetes.Interface) ([]corev1.Pod, error) {
	var pods []corev1.Pod
	opts := metav1.ListOptions{Limit: podPageSize}

	for {
		list, err := kube.CoreV1().Pods(metav1.NamespaceAll).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		pods = append(pods, list.Items...)

		if list.Continue == "" {
			break
		}
		opts.Continue = list.Continue
	}

	return pods, nil
}

// convertPod maps a pod to a resource. Pods without an IP are skipped.
func convertPod(region, cluster string, pod corev1.Pod) (resource.Resource, bool) {
	if pod.Status.PodIP == "" && len(pod.Status.PodIPs) == 0 {
		return resource.Resource{}, false
	}

	arn := fmt.Sprintf("%s/%s/%s/%s", region, cluster, pod.Namespace, pod.Name)
	r := resource.New(resource.ServiceEKSPod, region, arn, pod.Name)
	for k, v := range pod.Labels {
		r.Tags[k] = v
	}
	r.AddIP(pod.Status.PodIP)
	for _, ip := range pod.Status.PodIPs {
		r.AddIP(ip.IP)
	}

	r.Details["cluster"] = cluster
	r.Details["namespace"] = pod.Namespace
	r.Details["node"] = pod.Spec.NodeName
	r.Details["phase"] = string(pod.Status.Phase)
	r.Details["host_network"] = pod.Spec.HostNetwork
	return r, true
}
