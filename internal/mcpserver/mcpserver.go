// Package mcpserver exposes the diff pipeline as MCP tools so an assistant
// can request a visual diff of two refs over stdio.
package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/branchdiff/internal/pipeline"
	"github.com/jkaninda/branchdiff/internal/service"
)

const (
	toolVisualDiff  = "visual_diff"
	toolActiveDiffs = "active_diffs"
	pngMIME         = "image/png"
)

// DiffService is the pipeline endpoint the tools call.
type DiffService interface {
	Diff(ctx context.Context, req service.DiffRequest) (*pipeline.DiffResult, error)
	Active() []service.TrackedDiff
}

// Server wraps an MCP server with the diff tools registered.
type Server struct {
	svc    DiffService
	mcp    *server.MCPServer
	logger *slog.Logger
}

// New creates a Server.
func New(svc DiffService, version string, logger *slog.Logger) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
		mcp:    server.NewMCPServer("branchdiff", version, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool(toolVisualDiff,
		mcp.WithDescription("Build the baseline and candidate refs of a GitHub repository, screenshot both previews and return a pixel diff."),
		mcp.WithString("repositoryOwner", mcp.Description("Repository owner, e.g. octocat")),
		mcp.WithString("repositoryName", mcp.Description("Repository name")),
		mcp.WithString("repositoryUrl", mcp.Description("Alternative to owner/name: an SSH or HTTPS GitHub URL")),
		mcp.WithString("candidateRef", mcp.Required(), mcp.Description("Branch or tag to compare")),
		mcp.WithString("baselineRef", mcp.Description("Branch or tag to compare against. Defaults to the repository's default branch")),
		mcp.WithBoolean("includeScreenshots", mcp.Description("Also return the baseline and candidate screenshots")),
	), s.handleVisualDiff)

	s.mcp.AddTool(mcp.NewTool(toolActiveDiffs,
		mcp.WithDescription("List visual diffs currently running and the state of their build jobs."),
	), s.handleActiveDiffs)

	return s
}

// ServeStdio serves MCP over the given streams until ctx is cancelled or
// the input closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp server listening on stdio")
	err := server.NewStdioServer(s.mcp).Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// diffSummary is the text part of a visual_diff result.
type diffSummary struct {
	Success           bool    `json:"success"`
	ChangedPixelCount *uint64 `json:"changedPixelCount"`
	TotalPixelCount   *uint64 `json:"totalPixelCount"`
	ChangedRatio      float64 `json:"changedRatio"`
	ErrorMessage      *string `json:"errorMessage,omitempty"`
	CombinedLog       string  `json:"combinedLog"`
}

func (s *Server) handleVisualDiff(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	candidate, err := req.RequireString("candidateRef")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.svc.Diff(ctx, service.DiffRequest{
		Owner:        req.GetString("repositoryOwner", ""),
		Name:         req.GetString("repositoryName", ""),
		RepoURL:      req.GetString("repositoryUrl", ""),
		BaselineRef:  req.GetString("baselineRef", ""),
		CandidateRef: candidate,
		User:         "mcp",
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", service.ErrorCode(err), err)), nil
	}

	summary := diffSummary{
		Success:           res.Success,
		ChangedPixelCount: res.ChangedPixelCount,
		TotalPixelCount:   res.TotalPixelCount,
		ErrorMessage:      res.ErrorMessage,
		CombinedLog:       res.CombinedLog,
	}
	if res.ChangedPixelCount != nil && res.TotalPixelCount != nil && *res.TotalPixelCount > 0 {
		summary.ChangedRatio = float64(*res.ChangedPixelCount) / float64(*res.TotalPixelCount)
	}
	text, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, err
	}

	result := &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(text))},
		IsError: !res.Success,
	}
	if !res.Success {
		return result, nil
	}

	result.Content = append(result.Content, image(res.DiffImage))
	if req.GetBool("includeScreenshots", false) {
		result.Content = append(result.Content, image(res.BaselineImage), image(res.CandidateImage))
	}
	return result, nil
}

func (s *Server) handleActiveDiffs(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(s.svc.Active(), "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func image(png []byte) mcp.Content {
	return mcp.NewImageContent(base64.StdEncoding.EncodeToString(png), pngMIME)
}
