package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/canopy-eco/canopy/internal/lifecycle"
	"github.com/canopy-eco/canopy/internal/model"
)

func (s *Server) registerTools() {
	// canopy_start_analysis: submit an image for the full pipeline.
	s.mcpServer.AddTool(
		mcplib.NewTool("canopy_start_analysis",
			mcplib.WithDescription(`Start a full environmental analysis of a site image.

The pipeline runs three agents: image analysis (mosquito breeding risk and
invasive species), ecosystem balance (biome classification and biodiversity),
and recovery planning (prioritized restoration actions with cost estimates).

The analysis runs in the background. You get back an analysis id immediately;
poll canopy_get_analysis with that id until status is "completed", then read
the result from the same record.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("image_data",
				mcplib.Description("Base64-encoded image of the site. A data-URL prefix is accepted."),
				mcplib.Required(),
			),
			mcplib.WithString("image_type",
				mcplib.Description("Image MIME type: image/jpeg, image/png, image/webp, or image/gif"),
				mcplib.Required(),
			),
			mcplib.WithString("filename",
				mcplib.Description("Optional original filename, used for display only"),
			),
			mcplib.WithNumber("latitude",
				mcplib.Description("Optional site latitude in decimal degrees"),
				mcplib.Min(-90),
				mcplib.Max(90),
			),
			mcplib.WithNumber("longitude",
				mcplib.Description("Optional site longitude in decimal degrees"),
				mcplib.Min(-180),
				mcplib.Max(180),
			),
			mcplib.WithString("focus_areas",
				mcplib.Description("Optional comma-separated focus areas, e.g. \"standing_water,invasive_species\""),
			),
		),
		s.handleStartAnalysis,
	)

	// canopy_get_analysis: fetch the current state of one analysis.
	s.mcpServer.AddTool(
		mcplib.NewTool("canopy_get_analysis",
			mcplib.WithDescription(`Get the current state of an analysis by id.

Returns the full record: status (pending, processing, completed, failed,
cancelled), progress, per-agent results, and the composite result once the
analysis has completed.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("analysis_id",
				mcplib.Description("The analysis id returned by canopy_start_analysis"),
				mcplib.Required(),
			),
		),
		s.handleGetAnalysis,
	)

	// canopy_cancel_analysis: cooperative cancellation.
	s.mcpServer.AddTool(
		mcplib.NewTool("canopy_cancel_analysis",
			mcplib.WithDescription(`Cancel a pending or processing analysis.

Cancellation is cooperative: a stage that is already running finishes, and
the pipeline stops at the next stage boundary. Completed, failed, or already
cancelled analyses cannot be cancelled.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("analysis_id",
				mcplib.Description("The analysis id to cancel"),
				mcplib.Required(),
			),
		),
		s.handleCancelAnalysis,
	)

	// canopy_list_analyses: recent analyses, newest first.
	s.mcpServer.AddTool(
		mcplib.NewTool("canopy_list_analyses",
			mcplib.WithDescription(`List recent analyses, newest first.

Useful for finding an analysis id you lost, or for checking what has been
analyzed at a site recently.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of analyses to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListAnalyses,
	)
}

func (s *Server) handleStartAnalysis(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	imageData := request.GetString("image_data", "")
	imageType := request.GetString("image_type", "")
	if imageData == "" || imageType == "" {
		return errorResult("image_data and image_type are required"), nil
	}

	req := model.AnalysisRequest{
		ImageData: imageData,
		ImageType: imageType,
		Filename:  request.GetString("filename", ""),
	}

	lat := request.GetFloat("latitude", -1000)
	lng := request.GetFloat("longitude", -1000)
	if lat != -1000 || lng != -1000 {
		if lat == -1000 || lng == -1000 {
			return errorResult("latitude and longitude must be provided together"), nil
		}
		req.Coordinates = map[string]float64{"latitude": lat, "longitude": lng}
	}

	if focus := request.GetString("focus_areas", ""); focus != "" {
		for _, area := range strings.Split(focus, ",") {
			if area = strings.TrimSpace(area); area != "" {
				req.FocusAreas = append(req.FocusAreas, area)
			}
		}
	}

	rec, err := s.mgr.Start(ctx, req)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotInitialized) {
			return errorResult("analysis system not initialized"), nil
		}
		return errorResult(fmt.Sprintf("start analysis failed: %v", err)), nil
	}

	s.logger.Info("analysis started via mcp", "analysis_id", rec.ID)
	return jsonResult(map[string]any{
		"analysis_id": rec.ID,
		"status":      rec.Status,
		"created_at":  rec.CreatedAt,
	}), nil
}

func (s *Server) handleGetAnalysis(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, result := s.parseAnalysisID(request)
	if result != nil {
		return result, nil
	}

	rec, err := s.mgr.Get(ctx, id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			return errorResult("analysis not found"), nil
		}
		return errorResult(fmt.Sprintf("get analysis failed: %v", err)), nil
	}
	return jsonResult(rec), nil
}

func (s *Server) handleCancelAnalysis(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, result := s.parseAnalysisID(request)
	if result != nil {
		return result, nil
	}

	switch err := s.mgr.Cancel(ctx, id); {
	case errors.Is(err, lifecycle.ErrNotFound):
		return errorResult("analysis not found"), nil
	case errors.Is(err, lifecycle.ErrCannotCancel):
		return errorResult("analysis has already settled"), nil
	case err != nil:
		return errorResult(fmt.Sprintf("cancel failed: %v", err)), nil
	}

	s.logger.Info("analysis cancelled via mcp", "analysis_id", id)
	return jsonResult(map[string]any{
		"analysis_id": id,
		"status":      model.AnalysisStatusCancelled,
	}), nil
}

func (s *Server) handleListAnalyses(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 20)

	recs, err := s.mgr.ListRecent(ctx, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("list analyses failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"analyses": recs,
		"total":    len(recs),
	}), nil
}

// parseAnalysisID extracts and validates the analysis_id argument. The
// returned result is non-nil on failure.
func (s *Server) parseAnalysisID(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString("analysis_id", "")
	if raw == "" {
		return uuid.UUID{}, errorResult("analysis_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errorResult(fmt.Sprintf("invalid analysis_id: %v", err))
	}
	return id, nil
}
