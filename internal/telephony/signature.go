package telephony

import (
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/client"
)

const SignatureHeader = "X-Twilio-Signature"

// SignatureValidator checks webhook signatures against the auth token.
type SignatureValidator struct {
	validator     client.RequestValidator
	publicBaseURL string
}

func NewSignatureValidator(authToken, publicBaseURL string) *SignatureValidator {
	return &SignatureValidator{
		validator:     client.NewRequestValidator(authToken),
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
	}
}

// ValidRequest reports whether r carries a valid signature. The form must
// already be parsed. Behind a proxy the signed URL is rebuilt from the
// configured public base URL.
func (v *SignatureValidator) ValidRequest(r *http.Request) bool {
	sig := strings.TrimSpace(r.Header.Get(SignatureHeader))
	if sig == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for key, values := range r.PostForm {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	return v.validator.Validate(v.signedURL(r), params, sig)
}

func (v *SignatureValidator) signedURL(r *http.Request) string {
	if v.publicBaseURL != "" {
		return v.publicBaseURL + r.URL.RequestURI()
	}
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
