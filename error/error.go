package error

// callbackFailure defines an interface for errors to implement when a user
// callback failed during binding execution.
type callbackFailure interface {
	CallbackFailure() bool
}

// IsCallbackFailure checks if the given error is due to a failed user
// callback.
func IsCallbackFailure(err error) bool {
	if e, ok := err.(callbackFailure); ok {
		return e.CallbackFailure()
	}
	return false
}

// malformedRequest defines an interface for errors to implement when an
// admission request is missing required fields or carries an undecodable
// object.
type malformedRequest interface {
	MalformedRequest() bool
}

// IsMalformedRequest checks if the given error is due to a malformed
// admission request.
func IsMalformedRequest(err error) bool {
	if e, ok := err.(malformedRequest); ok {
		return e.MalformedRequest()
	}
	return false
}

// patchComputationFailure defines an interface for errors to implement when
// the patch diff could not be computed.
type patchComputationFailure interface {
	PatchComputationFailure() bool
}

// IsPatchComputationFailure checks if the given error is due to a failed
// patch computation.
func IsPatchComputationFailure(err error) bool {
	if e, ok := err.(patchComputationFailure); ok {
		return e.PatchComputationFailure()
	}
	return false
}
