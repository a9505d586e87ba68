package writer

import (
	"context"

	"github.com/pkg/errors"
	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/pepr-dev/pepr/internal/webhook/cert/generator"
)

// SecretCertWriter persists the certificate in a k8s secret, shared by all
// the replicas of the webhook server.
type SecretCertWriter struct {
	SecretCertWriterOptions

	// dnsName is the DNS name the current EnsureCert call provisions for.
	dnsName string
}

// SecretCertWriterOptions are options for the SecretCertWriter.
type SecretCertWriterOptions struct {
	// Client talks to the API server.
	Client client.Client

	// CertGenerator generates new certificates.
	CertGenerator generator.CertGenerator

	// Secret references the secret the certs are persisted in.
	Secret *types.NamespacedName
}

func (ops SecretCertWriterOptions) validate() error {
	if ops.Client == nil {
		return errors.New("client must be set in SecretCertWriterOptions")
	}
	if ops.CertGenerator == nil {
		return errors.New("certGenerator must be set in SecretCertWriterOptions")
	}
	if ops.Secret == nil {
		return errors.New("secret must be set in SecretCertWriterOptions")
	}
	return nil
}

// NewSecretCertWriter creates a SecretCertWriter.
func NewSecretCertWriter(ops SecretCertWriterOptions) (CertWriter, error) {
	if err := ops.validate(); err != nil {
		return nil, err
	}
	return &SecretCertWriter{SecretCertWriterOptions: ops}, nil
}

// EnsureCert implements the CertWriter interface.
func (s *SecretCertWriter) EnsureCert(ctx context.Context, dnsName string) (*generator.Artifacts, bool, error) {
	s.dnsName = dnsName
	return handleCommon(ctx, dnsName, s)
}

// Inject implements the CertWriter interface. It adds the signing CA of the
// persisted certs to the CA bundle of the given mutating webhook
// configurations.
func (s *SecretCertWriter) Inject(ctx context.Context, objs ...client.Object) error {
	certs, err := s.read(ctx)
	if err != nil {
		return err
	}

	for i := range objs {
		mwc, ok := objs[i].(*admissionregistrationv1.MutatingWebhookConfiguration)
		if !ok {
			return errors.Errorf("can not inject CA into object of type %T", objs[i])
		}
		for j := range mwc.Webhooks {
			mwc.Webhooks[j].ClientConfig.CABundle = certs.CACert
		}
	}
	return nil
}

func (s *SecretCertWriter) read(ctx context.Context) (*generator.Artifacts, error) {
	secret := &corev1.Secret{}
	if err := s.Client.Get(ctx, *s.Secret, secret); err != nil {
		return nil, err
	}
	certs := &generator.Artifacts{
		CAKey:  secret.Data[CAKeyName],
		CACert: secret.Data[CACertName],
		Key:    secret.Data[ServerKeyName],
		Cert:   secret.Data[ServerCertName],
	}
	// Reuse the persisted CA so a refresh does not invalidate the CA bundle
	// already injected into the webhook configuration.
	s.CertGenerator.SetCA(certs.CAKey, certs.CACert)
	return certs, nil
}

func (s *SecretCertWriter) write(ctx context.Context) (*generator.Artifacts, error) {
	certs, err := s.CertGenerator.Generate(s.dnsName)
	if err != nil {
		return nil, err
	}

	secret := certsToSecret(certs, *s.Secret)
	if err := s.Client.Create(ctx, secret); err != nil {
		return certs, err
	}
	return certs, nil
}

func (s *SecretCertWriter) overwrite(ctx context.Context) (*generator.Artifacts, error) {
	certs, err := s.CertGenerator.Generate(s.dnsName)
	if err != nil {
		return nil, err
	}

	secret := &corev1.Secret{}
	if err := s.Client.Get(ctx, *s.Secret, secret); err != nil {
		if apierrors.IsNotFound(err) {
			return certs, s.Client.Create(ctx, certsToSecret(certs, *s.Secret))
		}
		return certs, err
	}

	secret.Type = corev1.SecretTypeTLS
	secret.Data = certsToSecret(certs, *s.Secret).Data
	if err := s.Client.Update(ctx, secret); err != nil {
		return certs, err
	}
	return certs, nil
}

func certsToSecret(certs *generator.Artifacts, nn types.NamespacedName) *corev1.Secret {
	return &corev1.Secret{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "v1",
			Kind:       "Secret",
		},
		ObjectMeta: metav1.ObjectMeta{
			Namespace: nn.Namespace,
			Name:      nn.Name,
		},
		Type: corev1.SecretTypeTLS,
		Data: map[string][]byte{
			CAKeyName:      certs.CAKey,
			CACertName:     certs.CACert,
			ServerKeyName:  certs.Key,
			ServerCertName: certs.Cert,
		},
	}
}

func isNotFound(err error) bool {
	return err != nil && apierrors.IsNotFound(err)
}

func isAlreadyExists(err error) bool {
	return err != nil && apierrors.IsAlreadyExists(err)
}
