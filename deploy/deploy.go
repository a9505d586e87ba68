// Package deploy builds the Kubernetes resources that install a module: the
// controller namespace, RBAC, deployment, service, network policy, TLS
// secret and the mutating webhook configuration, and renders them as a
// multi-document YAML stream.
package deploy

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"
	"sigs.k8s.io/yaml"

	"github.com/pepr-dev/pepr/capability"
	"github.com/pepr-dev/pepr/config"
	"github.com/pepr-dev/pepr/internal/webhook/cert/generator"
	"github.com/pepr-dev/pepr/webhook"
)

// DefaultNamespace is the namespace the controller is installed in.
const DefaultNamespace = "pepr-system"

// Options configure the generated install resources.
type Options struct {
	// Namespace to install the controller in. Defaults to DefaultNamespace.
	Namespace string

	// Image is the controller container image.
	Image string

	// Replicas of the controller deployment. Defaults to 2.
	Replicas int32

	// Certs, when set, are embedded in the TLS secret and the CA bundle of
	// the webhook configuration. Without them the secret is omitted and the
	// in-cluster certificate manager provisions one.
	Certs *generator.Artifacts

	// WebhookTimeoutSeconds is the admission timeout. Defaults to 10.
	WebhookTimeoutSeconds int32
}

func (o *Options) setDefault() {
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.Replicas == 0 {
		o.Replicas = 2
	}
	if o.WebhookTimeoutSeconds == 0 {
		o.WebhookTimeoutSeconds = 10
	}
}

// Assets builds the install resources for a module in apply order.
func Assets(cfg config.Module, capabilities []*capability.Capability, opts Options) ([]runtime.Object, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts.setDefault()

	name := resourceName(cfg)

	objs := []runtime.Object{
		namespace(opts),
		serviceAccount(name, opts),
		clusterRole(name),
		clusterRoleBinding(name, opts),
	}

	if opts.Certs != nil {
		objs = append(objs, tlsSecret(name, opts))
	}

	objs = append(objs,
		deployment(cfg, name, opts),
		service(name, opts),
		networkPolicy(name, opts),
		webhookConfiguration(cfg, name, capabilities, opts),
	)
	return objs, nil
}

// Marshal renders the given resources as a multi-document YAML stream.
func Marshal(objs []runtime.Object) ([]byte, error) {
	var buf bytes.Buffer
	for i, obj := range objs {
		data, err := yaml.Marshal(obj)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to marshal object %d", i)
		}
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// resourceName returns the name shared by the module's install resources.
func resourceName(cfg config.Module) string {
	return fmt.Sprintf("pepr-%s", cfg.ID)
}

func objectMeta(name string, opts Options) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:      name,
		Namespace: opts.Namespace,
		Labels:    map[string]string{"app": name},
	}
}

func namespace(opts Options) *corev1.Namespace {
	return &corev1.Namespace{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Namespace"},
		ObjectMeta: metav1.ObjectMeta{
			Name: opts.Namespace,
		},
	}
}

func serviceAccount(name string, opts Options) *corev1.ServiceAccount {
	return &corev1.ServiceAccount{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "ServiceAccount"},
		ObjectMeta: objectMeta(name, opts),
	}
}

func clusterRole(name string) *rbacv1.ClusterRole {
	return &rbacv1.ClusterRole{
		TypeMeta:   metav1.TypeMeta{APIVersion: "rbac.authorization.k8s.io/v1", Kind: "ClusterRole"},
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Rules: []rbacv1.PolicyRule{
			{
				// The certificate manager maintains the TLS secret and the
				// CA bundle of the webhook configuration.
				APIGroups: []string{""},
				Resources: []string{"secrets"},
				Verbs:     []string{"get", "create", "update"},
			},
			{
				APIGroups: []string{"admissionregistration.k8s.io"},
				Resources: []string{"mutatingwebhookconfigurations"},
				Verbs:     []string{"get", "update"},
			},
		},
	}
}

func clusterRoleBinding(name string, opts Options) *rbacv1.ClusterRoleBinding {
	return &rbacv1.ClusterRoleBinding{
		TypeMeta:   metav1.TypeMeta{APIVersion: "rbac.authorization.k8s.io/v1", Kind: "ClusterRoleBinding"},
		ObjectMeta: metav1.ObjectMeta{Name: name},
		RoleRef: rbacv1.RoleRef{
			APIGroup: "rbac.authorization.k8s.io",
			Kind:     "ClusterRole",
			Name:     name,
		},
		Subjects: []rbacv1.Subject{
			{
				Kind:      "ServiceAccount",
				Name:      name,
				Namespace: opts.Namespace,
			},
		},
	}
}

func tlsSecret(name string, opts Options) *corev1.Secret {
	return &corev1.Secret{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Secret"},
		ObjectMeta: objectMeta(name+"-tls", opts),
		Type:       corev1.SecretTypeTLS,
		Data: map[string][]byte{
			"tls.crt": opts.Certs.Cert,
			"tls.key": opts.Certs.Key,
			"ca.crt":  opts.Certs.CACert,
			"ca.key":  opts.Certs.CAKey,
		},
	}
}

func deployment(cfg config.Module, name string, opts Options) *appsv1.Deployment {
	labels := map[string]string{"app": name}

	return &appsv1.Deployment{
		TypeMeta:   metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: objectMeta(name, opts),
		Spec: appsv1.DeploymentSpec{
			Replicas: &opts.Replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					ServiceAccountName: name,
					Containers: []corev1.Container{
						{
							Name:  "server",
							Image: opts.Image,
							Args:  []string{fmt.Sprintf("--module-id=%s", cfg.ID)},
							Ports: []corev1.ContainerPort{
								{ContainerPort: webhook.DefaultPort},
							},
							LivenessProbe: &corev1.Probe{
								Handler: corev1.Handler{
									HTTPGet: &corev1.HTTPGetAction{
										Path:   webhook.HealthzPath,
										Port:   intstr.FromInt(webhook.DefaultPort),
										Scheme: corev1.URISchemeHTTPS,
									},
								},
							},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("100m"),
									corev1.ResourceMemory: resource.MustParse("64Mi"),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("500m"),
									corev1.ResourceMemory: resource.MustParse("256Mi"),
								},
							},
							VolumeMounts: []corev1.VolumeMount{
								{
									Name:      "tls",
									MountPath: "/etc/certs",
									ReadOnly:  true,
								},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "tls",
							VolumeSource: corev1.VolumeSource{
								Secret: &corev1.SecretVolumeSource{
									SecretName: name + "-tls",
									Optional:   boolPtr(true),
								},
							},
						},
					},
				},
			},
		},
	}
}

func service(name string, opts Options) *corev1.Service {
	return &corev1.Service{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: objectMeta(name, opts),
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": name},
			Ports: []corev1.ServicePort{
				{
					Port:       443,
					TargetPort: intstr.FromInt(webhook.DefaultPort),
				},
			},
		},
	}
}

func networkPolicy(name string, opts Options) *networkingv1.NetworkPolicy {
	port := intstr.FromInt(webhook.DefaultPort)
	tcp := corev1.ProtocolTCP

	return &networkingv1.NetworkPolicy{
		TypeMeta:   metav1.TypeMeta{APIVersion: "networking.k8s.io/v1", Kind: "NetworkPolicy"},
		ObjectMeta: objectMeta(name, opts),
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
			Ingress: []networkingv1.NetworkPolicyIngressRule{
				{
					// Only the webhook port is reachable. The API server is
					// not selectable by pod or namespace, so the peer list
					// stays empty.
					Ports: []networkingv1.NetworkPolicyPort{
						{Protocol: &tcp, Port: &port},
					},
				},
			},
		},
	}
}

func webhookConfiguration(cfg config.Module, name string, capabilities []*capability.Capability, opts Options) *admissionregistrationv1.MutatingWebhookConfiguration {
	failurePolicy := admissionregistrationv1.Ignore
	sideEffects := admissionregistrationv1.SideEffectClassNone
	path := webhook.MutatePath

	var caBundle []byte
	if opts.Certs != nil {
		caBundle = opts.Certs.CACert
	}

	return &admissionregistrationv1.MutatingWebhookConfiguration{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "admissionregistration.k8s.io/v1",
			Kind:       "MutatingWebhookConfiguration",
		},
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Webhooks: []admissionregistrationv1.MutatingWebhook{
			{
				Name:                    fmt.Sprintf("%s.pepr.dev", cfg.ID),
				AdmissionReviewVersions: []string{"v1"},
				FailurePolicy:           &failurePolicy,
				SideEffects:             &sideEffects,
				TimeoutSeconds:          &opts.WebhookTimeoutSeconds,
				ClientConfig: admissionregistrationv1.WebhookClientConfig{
					CABundle: caBundle,
					Service: &admissionregistrationv1.ServiceReference{
						Name:      name,
						Namespace: opts.Namespace,
						Path:      &path,
					},
				},
				Rules: []admissionregistrationv1.RuleWithOperations{
					{
						Operations: operationsFor(capabilities),
						Rule: admissionregistrationv1.Rule{
							APIGroups:   []string{"*"},
							APIVersions: []string{"*"},
							Resources:   []string{"*"},
						},
					},
				},
			},
		},
	}
}

// operationsFor derives the admission operations the webhook subscribes to
// from the registered bindings, in a fixed order.
func operationsFor(capabilities []*capability.Capability) []admissionregistrationv1.OperationType {
	var create, update, del bool
	for _, c := range capabilities {
		for _, b := range c.Bindings() {
			switch b.Event {
			case capability.EventCreate:
				create = true
			case capability.EventUpdate:
				update = true
			case capability.EventDelete:
				del = true
			case capability.EventCreateOrUpdate:
				create = true
				update = true
			}
		}
	}

	// Without bindings, subscribe to everything. The module may register
	// capabilities only at runtime.
	if !create && !update && !del {
		return []admissionregistrationv1.OperationType{
			admissionregistrationv1.Create,
			admissionregistrationv1.Update,
			admissionregistrationv1.Delete,
		}
	}

	ops := []admissionregistrationv1.OperationType{}
	if create {
		ops = append(ops, admissionregistrationv1.Create)
	}
	if update {
		ops = append(ops, admissionregistrationv1.Update)
	}
	if del {
		ops = append(ops, admissionregistrationv1.Delete)
	}
	return ops
}

func boolPtr(b bool) *bool { return &b }
