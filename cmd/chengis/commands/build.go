package commands

import (
	"net/http"

	"github.com/chengis/chengis/internal/server/responses"
)

// BuildCmd groups build subcommands.
type BuildCmd struct {
	Trigger BuildTriggerCmd `cmd:"" help:"Trigger a build for a registered job"`
	Cancel  BuildCancelCmd  `cmd:"" help:"Cancel a queued or running build"`
	Status  BuildStatusCmd  `cmd:"" help:"Show one build"`
	List    BuildListCmd    `cmd:"" help:"List recent builds"`

	Server string `help:"Coordinator URL" env:"CHENGIS_SERVER" default:"http://localhost:8080"`
	Org    string `help:"Organization id" env:"CHENGIS_ORG_ID"`
}

func (b *BuildCmd) orgQuery() string {
	if b.Org == "" {
		return ""
	}
	return "?org=" + b.Org
}

// BuildTriggerCmd starts a build.
type BuildTriggerCmd struct {
	Job    string            `arg:"" help:"Job name"`
	Param  map[string]string `help:"Build parameters as key=value" mapsep:","`
	Labels []string          `help:"Agent labels the build requires"`
	CPU    int               `help:"Minimum agent CPU count"`
}

func (c *BuildTriggerCmd) Run(_ *Global, b *BuildCmd) error {
	var trig responses.TriggerResponse
	err := newAPIClient(b.Server).do(http.MethodPost,
		"/api/v1/jobs/"+c.Job+"/builds"+b.orgQuery(),
		map[string]any{
			"parameters": c.Param,
			"labels":     c.Labels,
			"cpu_count":  c.CPU,
		}, &trig)
	if err != nil {
		return err
	}
	return printJSON(trig)
}

// BuildCancelCmd aborts a build by id.
type BuildCancelCmd struct {
	BuildID string `arg:"" help:"Build id"`
}

func (c *BuildCancelCmd) Run(_ *Global, b *BuildCmd) error {
	var ok responses.OKResponse
	if err := newAPIClient(b.Server).do(http.MethodPost, "/api/v1/builds/"+c.BuildID+"/cancel", nil, &ok); err != nil {
		return err
	}
	return printJSON(ok)
}

// BuildStatusCmd shows one build.
type BuildStatusCmd struct {
	BuildID string `arg:"" help:"Build id"`
}

func (c *BuildStatusCmd) Run(_ *Global, b *BuildCmd) error {
	var status map[string]any
	if err := newAPIClient(b.Server).do(http.MethodGet, "/api/v1/builds/"+c.BuildID, nil, &status); err != nil {
		return err
	}
	return printJSON(status)
}

// BuildListCmd lists recent builds.
type BuildListCmd struct{}

func (c *BuildListCmd) Run(_ *Global, b *BuildCmd) error {
	var list responses.BuildListResponse
	if err := newAPIClient(b.Server).do(http.MethodGet, "/api/v1/builds", nil, &list); err != nil {
		return err
	}
	return printJSON(list)
}
