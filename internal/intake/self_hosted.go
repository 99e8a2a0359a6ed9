package intake

import (
	"context"
	"net/url"
	"strings"

	"github.com/ent0n29/callbridge/internal/config"
)

// SelfHosted points the stream at this process through the managed
// deployment's websocket ingress.
type SelfHosted struct {
	BaseURL      string
	ProjectID    string
	AppName      string
	StreamName   string
	PauseSeconds int
}

func NewSelfHosted(cfg config.Config) *SelfHosted {
	return &SelfHosted{
		BaseURL:      cfg.StreamBaseURL,
		ProjectID:    cfg.ProjectID,
		AppName:      cfg.AppName,
		StreamName:   cfg.StreamName,
		PauseSeconds: cfg.TwiMLPauseSeconds,
	}
}

func (s *SelfHosted) Mode() string { return config.IntakeSelfHosted }

// Resolve builds {base}/{project}/{app}/ws. The identifiers are read per
// request so a misconfigured deployment still answers with valid markup.
func (s *SelfHosted) Resolve(_ context.Context, in Inbound) (Target, error) {
	project := strings.TrimSpace(s.ProjectID)
	if project == "" {
		return Target{}, &ConfigError{Field: "CEREBRIUM_PROJECT_ID"}
	}
	app := strings.TrimSpace(s.AppName)
	if app == "" {
		return Target{}, &ConfigError{Field: "CEREBRIUM_APP_NAME"}
	}
	base := strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if base == "" {
		return Target{}, &ConfigError{Field: "STREAM_BASE_URL"}
	}

	target := Target{
		StreamURL:    base + "/" + url.PathEscape(project) + "/" + url.PathEscape(app) + "/ws",
		StreamName:   s.StreamName,
		PauseSeconds: s.PauseSeconds,
	}
	if in.CallSID != "" {
		target.Parameters = map[string]string{"callSid": in.CallSID}
	}
	return target, nil
}
