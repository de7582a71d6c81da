package usecase

import "github.com/example/face-dedup/internal/faceapi"

// OutcomeKind enumerates the mutually exclusive results of one
// verification call.
type OutcomeKind string

const (
	OutcomeNoFaceDetected OutcomeKind = "no_face_detected"
	OutcomeInvalidFace    OutcomeKind = "invalid_face"
	OutcomeDuplicateFound OutcomeKind = "duplicate_found"
	OutcomeRegistered     OutcomeKind = "registered"
	OutcomeFailed         OutcomeKind = "failed"
)

// Steps identifying where a failed verification stopped. The
// registration sub-steps matter to callers: a failure at StepSaveToken
// or StepRefreshCount means the provider already accepted the face and
// only the local record is missing.
const (
	StepDetect        = "detect"
	StepSearch        = "search"
	StepFindFaceset   = "find_faceset"
	StepCreateFaceset = "create_faceset"
	StepAddFace       = "add_face"
	StepSaveToken     = "save_token"
	StepRefreshCount  = "refresh_count"
)

// Outcome is the single structured result of a verification call. Callers
// branch on Kind; no provider error escapes the orchestrator uncaught.
type Outcome struct {
	Kind       OutcomeKind
	RequestID  string
	Reason     string
	FaceToken  string
	BestMatch  *faceapi.Match
	Matches    []faceapi.Match
	FailedStep string
	Err        error
}

// PartialRegistration reports whether the provider-side registration
// succeeded but the local record did not, so the caller can reconcile
// without re-adding the face to the provider.
func (o *Outcome) PartialRegistration() bool {
	return o.Kind == OutcomeFailed && (o.FailedStep == StepSaveToken || o.FailedStep == StepRefreshCount)
}
