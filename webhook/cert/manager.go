// Package cert manages the webhook server's serving certificate: a self
// signed certificate provisioned into a secret, materialized on disk for the
// server and injected into the module's MutatingWebhookConfiguration as the
// CA bundle.
package cert

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	webhookcert "github.com/pepr-dev/pepr/internal/webhook/cert"
	"github.com/pepr-dev/pepr/internal/webhook/cert/generator"
	"github.com/pepr-dev/pepr/internal/webhook/cert/writer"
)

var log = ctrl.Log.WithName("webhook").WithName("cert").WithName("manager")

// Short refresh interval by default to reduce the impact of out of sync
// instances of the certificate manager.
var defaultCertRefreshInterval = 30 * time.Minute

const (
	defaultCertName = "tls.crt"
	defaultKeyName  = "tls.key"
	defaultPort     = 3000
)

// Manager is a webhook server certificate manager. It needs to know about
// the module's webhook configuration and the service or host of the webhook
// server in order to provision a self signed certificate and inject its CA
// into the webhook configuration. The generated certificate is stored in a
// k8s secret and reused if it already exists.
type Manager struct {
	// Options are the certificate provisioner options.
	Options

	// certProvisioner is the certificate provisioner.
	certProvisioner webhookcert.Provisioner
}

// Options are options for the certificate Manager.
type Options struct {
	// CertRefreshInterval is the interval at which the cert is refreshed.
	CertRefreshInterval time.Duration

	// Service is a reference to the k8s service fronting the webhook server
	// pod(s). One and only one of Service and Host must be set.
	Service *admissionregistrationv1.ServiceReference

	// Host is the host name of .webhooks.clientConfig.url. One and only one
	// of Service and Host must be set.
	Host *string

	// Port is the port number the server serves on. Defaults to 3000.
	Port int32

	// MutatingWebhookConfigRefs are the mutating webhook configurations to
	// update with the provisioned certificate.
	MutatingWebhookConfigRefs []types.NamespacedName

	// Client is a k8s client.
	Client client.Client

	// CertWriter is a certificate writer. Defaults to a secret cert writer
	// persisting into SecretRef.
	CertWriter writer.CertWriter

	// SecretRef is a reference to the secret the generated certificate is
	// persisted in.
	SecretRef *types.NamespacedName

	// CertDir is the directory the serving key and certificate are
	// materialized in for the webhook server.
	CertDir string

	// CertName is the serving certificate file name. Defaults to tls.crt.
	CertName string

	// KeyName is the serving key file name. Defaults to tls.key.
	KeyName string

	// CertValidity is the length of the generated certificate's validity.
	// This is not the validity of the root CA cert, that's set to 10 years
	// by the client-go cert utils package. Defaults to a year.
	CertValidity time.Duration
}

// setDefault sets the default options.
func (o *Options) setDefault() {
	if o.Port <= 0 {
		o.Port = defaultPort
	}

	if len(o.CertDir) == 0 {
		o.CertDir = filepath.Join(os.TempDir(), "pepr-webhook-server", "serving-certs")
	}

	if len(o.CertName) == 0 {
		o.CertName = defaultCertName
	}

	if len(o.KeyName) == 0 {
		o.KeyName = defaultKeyName
	}

	if o.CertRefreshInterval == 0*time.Second {
		o.CertRefreshInterval = defaultCertRefreshInterval
	}
}

// NewManager creates a certificate manager. The manager is started with
// Start, which ensures a certificate immediately and then keeps refreshing
// it in the background.
func NewManager(ops Options) (*Manager, error) {
	ops.setDefault()

	if ops.CertWriter == nil {
		if ops.SecretRef == nil {
			return nil, errors.New("one of SecretRef and CertWriter must be set")
		}
		cw, err := writer.NewSecretCertWriter(writer.SecretCertWriterOptions{
			Client: ops.Client,
			CertGenerator: &generator.SelfSignedCertGenerator{
				Validity: ops.CertValidity,
			},
			Secret: ops.SecretRef,
		})
		if err != nil {
			return nil, err
		}
		ops.CertWriter = cw
	}

	return &Manager{
		Options:         ops,
		certProvisioner: webhookcert.Provisioner{CertWriter: ops.CertWriter},
	}, nil
}

// certExists checks if a cert already exists that is not managed by this
// certificate manager.
func (m *Manager) certExists() bool {
	_, err := os.Stat(filepath.Join(m.CertDir, m.CertName))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error(err, "error checking server cert")
		}
		return false
	}

	_, err = os.Stat(filepath.Join(m.CertDir, m.KeyName))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error(err, "error checking server key")
		}
		return false
	}

	return true
}

// Start ensures a valid certificate on disk and keeps refreshing it at the
// refresh interval until the context is cancelled. It returns after the
// initial provisioning, the refresh runs in the background.
func (m *Manager) Start(ctx context.Context) error {
	// If a cert already exists, skip. The certificate is managed by
	// something else, like a mounted secret.
	if m.certExists() {
		log.Info("existing certs found, skipping self signed certificate manager")
		return nil
	}

	log.Info("starting certificate manager to manage webhook server certificate")

	// Ensure certificate at startup.
	if err := m.run(ctx); err != nil {
		return err
	}

	go func() {
		// Refresh certs at refresh interval.
		ticker := time.NewTicker(wait.Jitter(m.CertRefreshInterval, 0.1))
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info("stopping cert manager")
				return
			case <-ticker.C:
				log.Info("cert refresh check")
				if err := m.run(ctx); err != nil {
					log.Error(err, "failed to run cert provisioner")
				}
			}
		}
	}()

	return nil
}

// run ensures that a valid certificate exists and, upon certificate update,
// updates the certificate on the host.
func (m *Manager) run(ctx context.Context) error {
	needHostCertUpdate := !m.certExists()

	changed, err := m.refreshCert(ctx)
	if err != nil {
		return err
	}
	if changed {
		log.Info("generated new cert")
	}

	if changed || needHostCertUpdate {
		log.Info(fmt.Sprintf("updating the cert in %s", m.CertDir))
		return m.writeCertOnDisk(ctx)
	}

	return nil
}

func (m *Manager) writeCertOnDisk(ctx context.Context) error {
	secret := &corev1.Secret{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "v1",
			Kind:       "Secret",
		},
	}
	if err := m.Client.Get(ctx, *m.SecretRef, secret); err != nil {
		return err
	}
	cert := secret.Data[writer.ServerCertName]
	key := secret.Data[writer.ServerKeyName]

	if err := os.MkdirAll(m.CertDir, 0700); err != nil {
		return err
	}

	if err := ioutil.WriteFile(filepath.Join(m.CertDir, m.CertName), cert, 0600); err != nil {
		return err
	}
	return ioutil.WriteFile(filepath.Join(m.CertDir, m.KeyName), key, 0600)
}

// refreshCert refreshes the certificate using the cert provisioner if the
// certificate is expiring. It also updates the webhook configurations with
// the current CA bundle.
func (m *Manager) refreshCert(ctx context.Context) (bool, error) {
	cc, err := m.getClientConfig()
	if err != nil {
		return false, err
	}

	whConfigs := []client.Object{}
	for _, nn := range m.MutatingWebhookConfigRefs {
		mwc := &admissionregistrationv1.MutatingWebhookConfiguration{}
		if err := m.Client.Get(ctx, nn, mwc); err != nil {
			return false, err
		}
		whConfigs = append(whConfigs, mwc)
	}

	// Seed the client config with the CA bundle the webhook configurations
	// currently serve, so an unchanged certificate does not trigger an
	// update. Inconsistent bundles across webhooks force a re-injection.
	cc.CABundle = currentCABundle(whConfigs)

	changed, err := m.certProvisioner.Provision(ctx, webhookcert.Options{
		ClientConfig: cc,
		Objects:      whConfigs,
	})
	if err != nil {
		return false, err
	}

	if changed {
		for _, obj := range whConfigs {
			if err := m.Client.Update(ctx, obj); err != nil {
				return changed, err
			}
		}
	}
	return changed, nil
}

// currentCABundle returns the CA bundle shared by all the webhooks of the
// given configurations, or an empty bundle when they disagree.
func currentCABundle(objs []client.Object) []byte {
	var common []byte
	for _, obj := range objs {
		mwc, ok := obj.(*admissionregistrationv1.MutatingWebhookConfiguration)
		if !ok {
			continue
		}
		for i := range mwc.Webhooks {
			bundle := mwc.Webhooks[i].ClientConfig.CABundle
			if common == nil {
				common = bundle
				continue
			}
			if !bytes.Equal(common, bundle) {
				return []byte{}
			}
		}
	}
	if common == nil {
		return []byte{}
	}
	return common
}

// getClientConfig returns a WebhookClientConfig with the provided host or
// service of the webhook server.
func (m *Manager) getClientConfig() (*admissionregistrationv1.WebhookClientConfig, error) {
	if m.Host != nil && m.Service != nil {
		return nil, errors.New("host and service can't be set at the same time")
	}

	cc := &admissionregistrationv1.WebhookClientConfig{
		CABundle: []byte{},
	}
	if m.Host != nil {
		u := url.URL{
			Scheme: "https",
			Host:   net.JoinHostPort(*m.Host, strconv.Itoa(int(m.Port))),
		}
		urlString := u.String()
		cc.URL = &urlString
	}
	if m.Service != nil {
		cc.Service = &admissionregistrationv1.ServiceReference{
			Name:      m.Service.Name,
			Namespace: m.Service.Namespace,
		}
	}
	if m.Host == nil && m.Service == nil {
		return nil, errors.New("one of host and service must be set")
	}
	return cc, nil
}
