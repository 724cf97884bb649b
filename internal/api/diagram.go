package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/flowhub/internal/diagram"
	"github.com/rendis/flowhub/internal/engine"
	"github.com/rendis/flowhub/internal/store"
)

// handleWorkflowDiagram renders the step graph of a workflow.
// ?format=mermaid (default), svg or png.
func (s *Server) handleWorkflowDiagram(c echo.Context) error {
	wf, err := s.deps.Definitions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return s.renderDiagram(c, wf, nil)
}

// handleExecutionDiagram renders the graph of an execution's workflow with
// each step colored by its status.
func (s *Server) handleExecutionDiagram(c echo.Context) error {
	ctx := c.Request().Context()
	view, err := s.deps.Engine.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	wf, err := s.deps.Definitions.Get(ctx, view.WorkflowID)
	if err != nil {
		return err
	}
	return s.renderDiagram(c, wf, view)
}

func (s *Server) renderDiagram(c echo.Context, wf *store.Workflow, view *engine.ExecutionView) error {
	format := c.QueryParam("format")
	switch format {
	case "", "mermaid", string(diagram.FormatSVG), string(diagram.FormatPNG):
	default:
		return badRequest("unknown diagram format %q", format)
	}

	model, err := diagram.Build(wf, view)
	if err != nil {
		return err
	}
	if format == "" || format == "mermaid" {
		return c.String(http.StatusOK, diagram.RenderMermaid(model))
	}

	img := diagram.ImageFormat(format)
	data, err := diagram.RenderImage(c.Request().Context(), model, img)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, img.ContentType(), data)
}
