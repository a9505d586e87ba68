package webhook

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	admissionv1 "k8s.io/api/admission/v1"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/pepr-dev/pepr/capability"
	"github.com/pepr-dev/pepr/config"
	perrors "github.com/pepr-dev/pepr/error"
	"github.com/pepr-dev/pepr/processor"
	"github.com/pepr-dev/pepr/telemetry"
)

// Name of the tracer.
const tracerName = "github.com/pepr-dev/pepr/webhook"

// mutatingHandler adapts the processor to the webhook transport. One instance
// serves all requests, the per-request state lives in the processor.
type mutatingHandler struct {
	cfg          config.Module
	capabilities []*capability.Capability
	instrument   *telemetry.Instrumentation
}

// NewMutatingHandler returns the admission handler serving the module's
// capabilities.
func NewMutatingHandler(cfg config.Module, capabilities []*capability.Capability) admission.Handler {
	return &mutatingHandler{
		cfg:          cfg,
		capabilities: capabilities,
		instrument:   telemetry.NewInstrumentation(tracerName),
	}
}

// Handle handles admission requests.
func (h *mutatingHandler) Handle(ctx context.Context, req admission.Request) admission.Response {
	ctx, span, _, log := h.instrument.Start(ctx, "mutating-handle")
	defer span.End()

	addRequestInfoIntoSpan(span, req.AdmissionRequest)

	resp, err := processor.Process(ctx, h.cfg, h.capabilities, req.AdmissionRequest)
	if err != nil {
		switch {
		case perrors.IsMalformedRequest(err):
			log.Error(err, "rejecting malformed admission request")
			return admission.Errored(http.StatusBadRequest, err)
		case ctx.Err() != nil:
			// The API server has given up on the request. Fail open with no
			// patch, consistent with failurePolicy Ignore.
			log.Info("request cancelled, failing open", "uid", req.UID)
			return admission.Allowed("request cancelled before processing completed")
		default:
			log.Error(err, "failed to process admission request")
			return admission.Errored(http.StatusInternalServerError, err)
		}
	}

	span.SetAttributes(attribute.Bool("allowed", resp.Allowed))
	span.SetAttributes(attribute.Int("warning-count", len(resp.Warnings)))

	return admission.Response{AdmissionResponse: resp}
}

// addRequestInfoIntoSpan adds the admission request information into a trace
// span.
func addRequestInfoIntoSpan(s trace.Span, req admissionv1.AdmissionRequest) {
	s.SetAttributes(attribute.String("uid", string(req.UID)))
	s.SetAttributes(attribute.Any("kind", req.Kind))
	s.SetAttributes(attribute.String("name", req.Name))
	s.SetAttributes(attribute.String("namespace", req.Namespace))
	s.SetAttributes(attribute.String("operation", string(req.Operation)))
	s.SetAttributes(attribute.String("user", req.UserInfo.Username))
}
