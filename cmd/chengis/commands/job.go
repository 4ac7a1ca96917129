package commands

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/server/responses"
)

// JobCmd groups job management subcommands.
type JobCmd struct {
	Create JobCreateCmd `cmd:"" help:"Register a pipeline file as a job"`
	List   JobListCmd   `cmd:"" help:"List registered jobs"`
	Delete JobDeleteCmd `cmd:"" help:"Delete a registered job"`

	Server string `help:"Coordinator URL" env:"CHENGIS_SERVER" default:"http://localhost:8080"`
	Org    string `help:"Organization id" env:"CHENGIS_ORG_ID"`
}

func (j *JobCmd) orgQuery() string {
	if j.Org == "" {
		return ""
	}
	return "?org=" + j.Org
}

// JobCreateCmd registers a pipeline file, in either DSL surface.
type JobCreateCmd struct {
	File string `arg:"" help:"Pipeline file (code or data form)"`
	Name string `help:"Job name override (defaults to the pipeline's own name or the file name)"`
}

func (c *JobCreateCmd) Run(_ *Global, j *JobCmd) error {
	src, err := os.ReadFile(c.File)
	if err != nil {
		return derrors.ValidationError("pipeline file not readable").
			WithContext("path", c.File).
			WithCause(err).
			Build()
	}
	name := c.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(c.File), filepath.Ext(c.File))
	}
	var created responses.JobResponse
	err = newAPIClient(j.Server).do(http.MethodPost, "/api/v1/jobs"+j.orgQuery(), map[string]string{
		"name":     name,
		"org_id":   j.Org,
		"pipeline": string(src),
	}, &created)
	if err != nil {
		return err
	}
	return printJSON(created)
}

// JobListCmd lists the org's jobs.
type JobListCmd struct{}

func (c *JobListCmd) Run(_ *Global, j *JobCmd) error {
	var list responses.JobListResponse
	if err := newAPIClient(j.Server).do(http.MethodGet, "/api/v1/jobs"+j.orgQuery(), nil, &list); err != nil {
		return err
	}
	return printJSON(list)
}

// JobDeleteCmd removes a job.
type JobDeleteCmd struct {
	Name string `arg:"" help:"Job name"`
}

func (c *JobDeleteCmd) Run(_ *Global, j *JobCmd) error {
	return newAPIClient(j.Server).do(http.MethodDelete, "/api/v1/jobs/"+c.Name+j.orgQuery(), nil, nil)
}
