// Package writer persists webhook serving certificates to a destination and
// injects the signing CA into webhook configurations.
package writer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"time"

	"github.com/pkg/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/pepr-dev/pepr/internal/webhook/cert/generator"
)

var log = ctrl.Log.WithName("webhook").WithName("cert").WithName("writer")

const (
	// CAKeyName is the secret data key of the CA private key.
	CAKeyName = "ca.key"
	// CACertName is the secret data key of the CA certificate.
	CACertName = "ca.crt"
	// ServerKeyName is the secret data key of the serving private key.
	ServerKeyName = "tls.key"
	// ServerCertName is the secret data key of the serving certificate.
	ServerCertName = "tls.crt"
)

// CertWriter provisions and persists serving certificates.
type CertWriter interface {
	// EnsureCert provisions a certificate for the given DNS name, reusing a
	// persisted one when it is still valid. The returned bool reports
	// whether a new certificate was written.
	EnsureCert(ctx context.Context, dnsName string) (*generator.Artifacts, bool, error)
	// Inject injects the signing CA into the given
	// MutatingWebhookConfiguration objects.
	Inject(ctx context.Context, objs ...client.Object) error
}

// handleCommon ensures a valid certificate for the given DNS name using the
// given certReadWriter.
func handleCommon(ctx context.Context, dnsName string, ch certReadWriter) (*generator.Artifacts, bool, error) {
	if len(dnsName) == 0 {
		return nil, false, errors.New("dnsName should not be empty")
	}
	if ch == nil {
		return nil, false, errors.New("certReadWriter should not be nil")
	}

	certs, changed, err := createIfNotExists(ctx, ch)
	if err != nil {
		return nil, changed, err
	}

	// Recreate the cert if it's invalid.
	if !validCert(certs, dnsName) {
		log.Info("cert is invalid or expiring, regenerating a new one", "dnsName", dnsName)
		certs, err = ch.overwrite(ctx)
		if err != nil {
			return nil, false, err
		}
		changed = true
	}
	return certs, changed, nil
}

func createIfNotExists(ctx context.Context, ch certReadWriter) (*generator.Artifacts, bool, error) {
	// Try to read first.
	certs, err := ch.read(ctx)
	if isNotFound(err) {
		// Create if not exists.
		certs, err = ch.write(ctx)
		// This may happen if there is another racer.
		if isAlreadyExists(err) {
			certs, err = ch.read(ctx)
		}
		return certs, true, err
	}
	return certs, false, err
}

// certReadWriter provides methods for reading and writing certificates.
type certReadWriter interface {
	// read returns the persisted certs.
	read(context.Context) (*generator.Artifacts, error)
	// write persists new certs and returns them.
	write(context.Context) (*generator.Artifacts, error)
	// overwrite replaces the persisted certs and returns the new ones.
	overwrite(context.Context) (*generator.Artifacts, error)
}

// validCert verifies that the certs form a valid key pair for the DNS name,
// are signed by the CA and stay valid for at least another six months.
func validCert(certs *generator.Artifacts, dnsName string) bool {
	if certs == nil {
		return false
	}

	if _, err := tls.X509KeyPair(certs.Cert, certs.Key); err != nil {
		return false
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certs.CACert) {
		return false
	}
	block, _ := pem.Decode(certs.Cert)
	if block == nil {
		return false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false
	}
	ops := x509.VerifyOptions{
		DNSName:     dnsName,
		Roots:       pool,
		CurrentTime: time.Now().AddDate(0, 6, 0),
	}
	if _, err := cert.Verify(ops); err != nil {
		log.Info("cert validation failed", "error", err)
		return false
	}
	return true
}
