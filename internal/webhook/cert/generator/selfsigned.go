package generator

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"time"

	"github.com/pkg/errors"
	certutil "k8s.io/client-go/util/cert"
	"k8s.io/client-go/util/keyutil"

	"github.com/pepr-dev/pepr/internal/pkiutil"
)

const oneYear = 365 * 24 * time.Hour

// caCommonName is the CommonName of the self signed signing CA.
const caCommonName = "pepr-webhook-ca"

// SelfSignedCertGenerator provisions self-signed serving certificates. The
// signing CA is reused when a valid one is set with SetCA, otherwise a new CA
// is created. The CA itself is valid for 10 years, set by client-go's cert
// utils.
type SelfSignedCertGenerator struct {
	caKey  []byte
	caCert []byte

	// Validity is the length of the generated serving certificate's
	// validity. Defaults to a year.
	Validity time.Duration
}

var _ CertGenerator = &SelfSignedCertGenerator{}

// SetCA sets the PEM-encoded CA private key and CA cert for signing the
// generated serving cert.
func (cp *SelfSignedCertGenerator) SetCA(caKey, caCert []byte) {
	cp.caKey = caKey
	cp.caCert = caCert
}

// Generate creates and returns a CA certificate, a serving certificate and
// its key for the server. The serving certificate carries the common name as
// a DNS SAN, required since go 1.15 dropped CommonName matching.
func (cp *SelfSignedCertGenerator) Generate(commonName string) (*Artifacts, error) {
	if cp.Validity == 0 {
		cp.Validity = oneYear
	}
	notAfter := time.Now().Add(cp.Validity)

	signingKey, signingCert, ok := cp.validCA(notAfter)
	if !ok {
		var err error
		signingKey, err = pkiutil.NewPrivateKey()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create the CA private key")
		}
		signingCert, err = certutil.NewSelfSignedCACert(certutil.Config{CommonName: caCommonName}, signingKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create the CA cert")
		}
	}

	key, err := pkiutil.NewPrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the serving private key")
	}
	servingCert, err := pkiutil.NewSignedCert(
		certutil.Config{
			CommonName: commonName,
			AltNames: certutil.AltNames{
				DNSNames: []string{commonName},
			},
			Usages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		},
		key, signingCert, signingKey, notAfter,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the serving cert")
	}

	return &Artifacts{
		Key:    pkiutil.EncodePrivateKeyPEM(key),
		Cert:   pkiutil.EncodeCertPEM(servingCert),
		CAKey:  pkiutil.EncodePrivateKeyPEM(signingKey),
		CACert: pkiutil.EncodeCertPEM(signingCert),
	}, nil
}

// validCA parses and returns the configured CA when it is a well formed key
// pair that outlives the given deadline.
func (cp *SelfSignedCertGenerator) validCA(deadline time.Time) (*rsa.PrivateKey, *x509.Certificate, bool) {
	if len(cp.caKey) == 0 || len(cp.caCert) == 0 {
		return nil, nil, false
	}

	if _, err := tls.X509KeyPair(cp.caCert, cp.caKey); err != nil {
		return nil, nil, false
	}

	key, err := keyutil.ParsePrivateKeyPEM(cp.caKey)
	if err != nil {
		return nil, nil, false
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, false
	}

	block, _ := pem.Decode(cp.caCert)
	if block == nil {
		return nil, nil, false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, false
	}
	if !cert.IsCA || cert.NotAfter.Before(deadline) {
		return nil, nil, false
	}

	return privateKey, cert, true
}
