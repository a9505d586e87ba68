// Package webhook is the HTTPS transport of a module. It serves the mutating
// admission endpoint and the liveness probe, handing decoded requests to the
// processor and serializing its responses as AdmissionReview.
package webhook

import (
	"context"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	ctrlwebhook "sigs.k8s.io/controller-runtime/pkg/webhook"

	"github.com/pepr-dev/pepr/capability"
	"github.com/pepr-dev/pepr/config"
)

var log = ctrl.Log.WithName("webhook").WithName("server")

const (
	// DefaultPort is the port the webhook server listens on.
	DefaultPort = 3000

	// MutatePath is the mutating admission endpoint path.
	MutatePath = "/mutate"

	// HealthzPath is the liveness probe path. It returns 200 once the server
	// accepts requests.
	HealthzPath = "/healthz"
)

// Options configure the webhook server.
type Options struct {
	// Port to listen on. Defaults to DefaultPort.
	Port int

	// CertDir is the directory containing the serving certificate and key.
	CertDir string

	// CertName is the serving certificate file name. Defaults to tls.crt.
	CertName string

	// KeyName is the serving key file name. Defaults to tls.key.
	KeyName string
}

// Server serves a module's capabilities over HTTPS.
type Server struct {
	srv *ctrlwebhook.Server
}

// NewServer creates the webhook server for the given module configuration and
// capabilities.
func NewServer(cfg config.Module, capabilities []*capability.Capability, opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}

	srv := &ctrlwebhook.Server{
		Port:     opts.Port,
		CertDir:  opts.CertDir,
		CertName: opts.CertName,
		KeyName:  opts.KeyName,
	}

	log.Info("registering mutating webhook", "module", cfg.ID, "path", MutatePath, "port", opts.Port)
	srv.Register(MutatePath, &ctrlwebhook.Admission{Handler: NewMutatingHandler(cfg, capabilities)})
	srv.Register(HealthzPath, &healthz.CheckHandler{Checker: healthz.Ping})

	return &Server{srv: srv}
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	return s.srv.Start(ctx)
}
