// A sample module: labels pods on creation and defaults annotations on
// config maps.
package main

import (
	"context"
	"flag"
	"os"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/pepr-dev/pepr"
	"github.com/pepr-dev/pepr/capability"
	"github.com/pepr-dev/pepr/config"
)

var setupLog = ctrl.Log.WithName("setup")

func main() {
	var configPath string
	var certDir string
	var bundlePath string
	var bundleHash string
	flag.StringVar(&configPath, "config", "pepr.json", "Path of the module configuration file.")
	flag.StringVar(&certDir, "cert-dir", "/etc/certs", "Directory containing the serving certificate.")
	flag.StringVar(&bundlePath, "bundle", "", "Path of the compressed module bundle.")
	flag.StringVar(&bundleHash, "bundle-hash", "", "Expected SHA-256 hex digest of the module bundle.")
	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	cfg, err := config.Load(configPath)
	if err != nil {
		setupLog.Error(err, "unable to load module config")
		os.Exit(1)
	}

	module, err := pepr.NewModule(cfg)
	if err != nil {
		setupLog.Error(err, "unable to create module")
		os.Exit(1)
	}

	if err := register(module); err != nil {
		setupLog.Error(err, "unable to register capabilities")
		os.Exit(1)
	}

	if err := module.Run(ctrl.SetupSignalHandler(), pepr.RunOptions{
		CertDir:    certDir,
		BundlePath: bundlePath,
		BundleHash: bundleHash,
	}); err != nil {
		setupLog.Error(err, "module exited with error")
		os.Exit(1)
	}
}

func register(module *pepr.Module) error {
	podGVK := metav1.GroupVersionKind{Version: "v1", Kind: "Pod"}
	configMapGVK := metav1.GroupVersionKind{Version: "v1", Kind: "ConfigMap"}

	labeler, err := module.NewCapability("pod-labeler", "labels pods on creation")
	if err != nil {
		return err
	}
	labeler.When(podGVK).
		IsCreated().
		Then(func(ctx context.Context, r *capability.Request) error {
			r.SetLabel("pepr.dev/managed", "true")
			return nil
		})

	defaulter, err := module.NewCapability("configmap-defaulter", "defaults config map annotations")
	if err != nil {
		return err
	}
	defaulter.When(configMapGVK).
		IsCreatedOrUpdated().
		InNamespace("default").
		WithLabel("app").
		Then(func(ctx context.Context, r *capability.Request) error {
			r.SetAnnotation("pepr.dev/reviewed", "pending")
			return nil
		})

	return nil
}
