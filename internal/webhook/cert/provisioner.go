// Package webhook provisions certificates for webhook configurations and
// writes them to an output destination.
package webhook

import (
	"bytes"
	"context"
	"net/url"

	"github.com/pkg/errors"
	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/pepr-dev/pepr/internal/webhook/cert/generator"
	"github.com/pepr-dev/pepr/internal/webhook/cert/writer"
)

// Provisioner provisions certificates for webhook client configs and updates
// the CA bundle of the mutating webhook configurations using them.
type Provisioner struct {
	// CertWriter knows how to persist the certificate.
	CertWriter writer.CertWriter
}

// Options are options for provisioning the certificate.
type Options struct {
	// ClientConfig contains the information to generate the certificate.
	// Its CA bundle is updated when the certificate changes.
	ClientConfig *admissionregistrationv1.WebhookClientConfig

	// Objects are the MutatingWebhookConfiguration objects using the
	// ClientConfig above.
	Objects []client.Object
}

// Provision ensures a valid, non-expiring certificate for the
// WebhookClientConfig, updates its CA bundle if necessary and injects the
// updated client config into options.Objects. The returned bool reports a
// certificate or CA bundle change.
func (cp *Provisioner) Provision(ctx context.Context, options Options) (bool, error) {
	if cp.CertWriter == nil {
		return false, errors.New("CertWriter need to be set")
	}

	dnsName, err := dnsNameFromClientConfig(options.ClientConfig)
	if err != nil {
		return false, err
	}

	certs, changed, err := cp.CertWriter.EnsureCert(ctx, dnsName)
	if err != nil {
		return false, err
	}

	if !bytes.Equal(options.ClientConfig.CABundle, certs.CACert) {
		options.ClientConfig.CABundle = certs.CACert
		changed = true
	}

	return changed, cp.inject(options.ClientConfig, options.Objects)
}

// inject propagates the client config CA bundle to the webhook
// configurations.
func (cp *Provisioner) inject(cc *admissionregistrationv1.WebhookClientConfig, objs []client.Object) error {
	if cc == nil {
		return nil
	}
	for i := range objs {
		mwc, ok := objs[i].(*admissionregistrationv1.MutatingWebhookConfiguration)
		if !ok {
			return errors.Errorf("can not inject client config into object of type %T", objs[i])
		}
		for j := range mwc.Webhooks {
			mwc.Webhooks[j].ClientConfig.CABundle = cc.CABundle
		}
	}
	return nil
}

// dnsNameFromClientConfig derives the certificate DNS name from the client
// config's service reference or URL.
func dnsNameFromClientConfig(cc *admissionregistrationv1.WebhookClientConfig) (string, error) {
	if cc == nil {
		return "", errors.New("clientConfig should not be empty")
	}
	if cc.Service != nil && cc.URL != nil {
		return "", errors.New("service and URL can't be set at the same time")
	}
	if cc.Service != nil {
		return generator.ServiceToCommonName(cc.Service.Namespace, cc.Service.Name), nil
	}
	if cc.URL == nil {
		return "", errors.New("one of service and URL must be set")
	}
	u, err := url.Parse(*cc.URL)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse webhook URL")
	}
	return u.Hostname(), nil
}
