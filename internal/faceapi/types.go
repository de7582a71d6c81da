package faceapi

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks a provider call that failed after exhausting the
// retry budget: transport failures, unparseable responses, or a rate
// limit that never cleared. Callers may retry the whole operation later.
var ErrUnavailable = errors.New("face provider unavailable")

// ProviderError is a terminal rejection reported by the provider itself
// (malformed request, bad credentials, unknown faceset). Never retried.
type ProviderError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s rejected by provider (status %d): %s", e.Operation, e.StatusCode, e.Message)
}

// Match is one search hit: provider-reported similarity (0-100) and the
// stored token it matched against.
type Match struct {
	Confidence float64 `json:"confidence"`
	FaceToken  string  `json:"face_token"`
}

// Attributes carries the detection metadata used for the plausibility
// gate. The provider does not populate every field for every pose.
type Attributes struct {
	Gender      string
	Age         *int
	Ethnicity   string
	FaceQuality float64
}

// HasHumanTraits reports whether at least one demographic attribute was
// detected. Identity decisions never depend on these values.
func (a Attributes) HasHumanTraits() bool {
	return a.Gender != "" || a.Age != nil || a.Ethnicity != ""
}

// Detection is the result of a successful detect call: the ephemeral
// face token plus its attributes.
type Detection struct {
	FaceToken  string
	Attributes Attributes
}

// FacesetDetail is the provider's view of one faceset.
type FacesetDetail struct {
	OuterID   string
	FaceCount int
}

// Provider wire format. Scalar attribute values arrive wrapped in
// {"value": ...} objects; pointers distinguish absent from zero.

type errorEnvelope struct {
	ErrorMessage string `json:"error_message"`
}

type stringValue struct {
	Value string `json:"value"`
}

type intValue struct {
	Value int `json:"value"`
}

type floatValue struct {
	Value float64 `json:"value"`
}

type wireAttributes struct {
	Gender      *stringValue `json:"gender"`
	Age         *intValue    `json:"age"`
	Ethnicity   *stringValue `json:"ethnicity"`
	FaceQuality *floatValue  `json:"facequality"`
}

type wireFace struct {
	FaceToken  string          `json:"face_token"`
	Attributes *wireAttributes `json:"attributes"`
}

type detectResponse struct {
	Faces []wireFace `json:"faces"`
}

type searchResponse struct {
	Results []Match `json:"results"`
}

type createResponse struct {
	FacesetToken string `json:"faceset_token"`
}

type addResponse struct {
	FaceAdded *int `json:"face_added"`
}

type detailResponse struct {
	FaceCount *int `json:"face_count"`
}

func (w *wireAttributes) toAttributes() Attributes {
	if w == nil {
		return Attributes{}
	}
	attrs := Attributes{}
	if w.Gender != nil {
		attrs.Gender = w.Gender.Value
	}
	if w.Age != nil {
		age := w.Age.Value
		attrs.Age = &age
	}
	if w.Ethnicity != nil {
		attrs.Ethnicity = w.Ethnicity.Value
	}
	if w.FaceQuality != nil {
		attrs.FaceQuality = w.FaceQuality.Value
	}
	return attrs
}
