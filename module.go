// Package pepr is a framework for building Kubernetes mutating admission
// controllers. A module declares capabilities, named collections of bindings
// that match admission requests by kind, event, namespace, labels and
// annotations, and mutate the request object before the API server persists
// it. Run serves the module's capabilities as an in-cluster webhook.
package pepr

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/pepr-dev/pepr/bundle"
	"github.com/pepr-dev/pepr/capability"
	"github.com/pepr-dev/pepr/config"
	"github.com/pepr-dev/pepr/telemetry/export"
	"github.com/pepr-dev/pepr/webhook"
	"github.com/pepr-dev/pepr/webhook/cert"
)

var log = ctrl.Log.WithName("module")

// Module is a user program's handle on the framework: the module
// configuration plus the registered capabilities.
type Module struct {
	cfg          config.Module
	capabilities []*capability.Capability
}

// NewModule creates a module with the given configuration.
func NewModule(cfg config.Module) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Module{cfg: cfg}, nil
}

// NewCapability creates and registers a capability on the module. The name
// must be unique within the module.
func (m *Module) NewCapability(name, description string) (*capability.Capability, error) {
	for _, c := range m.capabilities {
		if c.Name == name {
			return nil, errors.Errorf("capability %q already registered", name)
		}
	}
	c := capability.New(name, description)
	m.capabilities = append(m.capabilities, c)
	return c, nil
}

// Config returns the module configuration.
func (m *Module) Config() config.Module {
	return m.cfg
}

// Capabilities returns the registered capabilities in registration order.
func (m *Module) Capabilities() []*capability.Capability {
	return m.capabilities
}

// RunOptions configure the module runtime.
type RunOptions struct {
	// Port the webhook server listens on. Defaults to 3000.
	Port int

	// CertDir is the directory holding the serving certificate. When the
	// certificate manager runs, it materializes the certificate here.
	CertDir string

	// BundlePath is the path of the compressed module bundle. Optional.
	BundlePath string

	// BundleHash is the expected SHA-256 hex digest of the bundle, passed as
	// a startup argument. Required when BundlePath is set.
	BundleHash string

	// Namespace the controller runs in. Used for the TLS secret and service
	// references of the certificate manager. Defaults to pepr-system.
	Namespace string

	// DisableCertManager skips the in-cluster certificate manager. Use it
	// when the serving certificate is mounted externally.
	DisableCertManager bool

	// Client is the k8s client used by the certificate manager. When nil, a
	// client is built from the in-cluster (or kubeconfig) configuration.
	Client client.Client
}

// Run serves the module until the context is cancelled. It verifies the
// module bundle, installs the telemetry exporters, provisions the serving
// certificate and starts the webhook server.
func (m *Module) Run(ctx context.Context, opts RunOptions) error {
	if opts.Namespace == "" {
		opts.Namespace = "pepr-system"
	}

	if opts.BundlePath != "" {
		if _, err := bundle.Open(opts.BundlePath, opts.BundleHash); err != nil {
			return errors.Wrap(err, "module bundle verification failed")
		}
		log.Info("module bundle verified", "path", opts.BundlePath)
	}

	shutdown, err := export.InstallJaegerExporter(fmt.Sprintf("pepr-%s", m.cfg.ID))
	if err != nil {
		return errors.Wrap(err, "failed to install telemetry exporter")
	}
	defer shutdown()

	if !opts.DisableCertManager {
		if err := m.startCertManager(ctx, opts); err != nil {
			return err
		}
	}

	log.Info("starting module", "id", m.cfg.ID, "capabilities", len(m.capabilities))

	srv := webhook.NewServer(m.cfg, m.capabilities, webhook.Options{
		Port:    opts.Port,
		CertDir: opts.CertDir,
	})
	return srv.Start(ctx)
}

// startCertManager provisions the serving certificate and keeps it fresh in
// the background.
func (m *Module) startCertManager(ctx context.Context, opts RunOptions) error {
	cli := opts.Client
	if cli == nil {
		cfg, err := ctrl.GetConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load cluster config for the cert manager")
		}
		cli, err = client.New(cfg, client.Options{})
		if err != nil {
			return errors.Wrap(err, "failed to create client for the cert manager")
		}
	}

	name := fmt.Sprintf("pepr-%s", m.cfg.ID)
	mgr, err := cert.NewManager(cert.Options{
		Client:  cli,
		CertDir: opts.CertDir,
		Port:    int32(opts.Port),
		Service: &admissionregistrationv1.ServiceReference{
			Name:      name,
			Namespace: opts.Namespace,
		},
		SecretRef:                 &types.NamespacedName{Name: name + "-tls", Namespace: opts.Namespace},
		MutatingWebhookConfigRefs: []types.NamespacedName{{Name: name}},
	})
	if err != nil {
		return err
	}
	return mgr.Start(ctx)
}
