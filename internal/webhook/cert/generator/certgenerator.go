// Package generator provides an interface and implementation to provision
// webhook serving certificates.
package generator

// Artifacts hosts a private key, its corresponding serving certificate and
// the CA certificate that signs the serving certificate.
type Artifacts struct {
	// Key is the PEM-encoded serving private key.
	Key []byte
	// Cert is the PEM-encoded serving certificate.
	Cert []byte
	// CAKey is the PEM-encoded CA private key.
	CAKey []byte
	// CACert is the PEM-encoded CA certificate.
	CACert []byte
}

// CertGenerator provisions certificates for a webhook server.
type CertGenerator interface {
	// Generate returns a set of certificates for the given common name.
	Generate(commonName string) (*Artifacts, error)
	// SetCA sets the PEM-encoded CA private key and CA cert for signing the
	// generated serving cert. Without it, a new CA is created on Generate.
	SetCA(caKey, caCert []byte)
}

// ServiceToCommonName generates the CommonName for the certificate when using
// a k8s service fronting the webhook server.
func ServiceToCommonName(serviceNamespace, serviceName string) string {
	return serviceName + "." + serviceNamespace + ".svc"
}
