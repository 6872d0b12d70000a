// Package upload talks to the Data Theorem Upload API. An upload is a two
// step exchange: Initiate trades the API key for a one-time upload URL, then
// Upload streams the build to that URL as multipart/form-data.
//
// Every failure is reported as an Outcome value; nothing in this package
// panics or returns a bare error past its API.
package upload

// Kind classifies a failed Outcome.
type Kind int

const (
	KindNone Kind = iota
	KindConfiguration
	KindNotFound
	KindConnectivity
	KindService
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConfiguration:
		return "configuration"
	case KindNotFound:
		return "not_found"
	case KindConnectivity:
		return "connectivity"
	case KindService:
		return "service"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of an upload run. Message is always safe
// to show to the user verbatim.
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Kind    Kind   `json:"-"`
}

// Succeeded returns a successful Outcome.
func Succeeded(message string) Outcome {
	return Outcome{Success: true, Message: message}
}

// Failed returns a failed Outcome of the given kind.
func Failed(kind Kind, message string) Outcome {
	return Outcome{Kind: kind, Message: message}
}

// Session is a one-time upload URL issued by upload_init. It is valid for a
// single upload attempt and is never persisted.
type Session struct {
	UploadURL string
}
