package boundary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"ideaforge/pkg/artifact"
	"ideaforge/pkg/review"
	"ideaforge/pkg/stage"
)

// startResponse is shared across stage starts; the per-stage artifact
// id field name is set by the caller.
func startResponse(idField string, res *stage.StartResult, status artifact.Status) map[string]any {
	return map[string]any{
		idField:    res.ArtifactID,
		"reviewId": res.ReviewID,
		"status":   string(status),
	}
}

func (s *Server) runStart(w http.ResponseWriter, r *http.Request,
	st artifact.Stage, idField string, req stage.StartRequest) {
	svc := s.coordinator.Service(st)
	res, err := svc.Start(r.Context(), req)
	if err != nil {
		// A run that failed after artifact creation still reports its id
		if res != nil && res.ArtifactID != "" {
			code, status := codeFor(err)
			s.writeJSON(w, status, map[string]any{
				idField:   res.ArtifactID,
				"status":  string(artifact.StatusFailed),
				"error":   code,
				"message": err.Error(),
			})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, startResponse(idField, res, artifact.StatusPendingReview))
}

func (s *Server) handleStartRequirements(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID          string `json:"projectId"`
		ProjectDescription string `json:"projectDescription"`
		AdditionalContext  string `json:"additionalContext"`
		Constraints        string `json:"constraints"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	hints := body.AdditionalContext
	if body.Constraints != "" {
		if hints != "" {
			hints += "\n\n"
		}
		hints += "Constraints: " + body.Constraints
	}

	s.runStart(w, r, artifact.StageREQ, "analysisId", stage.StartRequest{
		ProjectID:          body.ProjectID,
		ProjectDescription: body.ProjectDescription,
		ExtraHints:         hints,
	})
}

func (s *Server) handleStartPlanning(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequirementsAnalysisID string            `json:"requirementsAnalysisId"`
		Preferences            map[string]string `json:"preferences"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	projectID, err := s.projectOf(body.RequirementsAnalysisID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.runStart(w, r, artifact.StagePLAN, "planningId", stage.StartRequest{
		ProjectID:            projectID,
		ParentArtifactID:     body.RequirementsAnalysisID,
		TechnicalPreferences: body.Preferences,
	})
}

func (s *Server) handleStartStories(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PlanningID         string            `json:"planningId"`
		StoryPreferences   map[string]string `json:"storyPreferences"`
		ComplexityLevels   []string          `json:"complexityLevels"`
		AdditionalGuidance string            `json:"additionalGuidance"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	projectID, err := s.projectOf(body.PlanningID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	hints := body.AdditionalGuidance
	if len(body.ComplexityLevels) > 0 {
		if hints != "" {
			hints += "\n\n"
		}
		hints += "Allowed complexity levels: " + strings.Join(body.ComplexityLevels, ", ")
	}

	s.runStart(w, r, artifact.StageSTORIES, "generationId", stage.StartRequest{
		ProjectID:            projectID,
		ParentArtifactID:     body.PlanningID,
		TechnicalPreferences: body.StoryPreferences,
		ExtraHints:           hints,
	})
}

func (s *Server) handleStartPrompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StoryGenerationID    string            `json:"storyGenerationId"`
		StoryIndex           *int              `json:"storyIndex"`
		TechnicalPreferences map[string]string `json:"technicalPreferences"`
		PromptStyle          string            `json:"promptStyle"`
	}
	if !s.decode(w, r, &body) {
		return
	}

	projectID, err := s.projectOf(body.StoryGenerationID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var hints string
	if body.PromptStyle != "" {
		hints = "Prompt style: " + body.PromptStyle
	}

	s.runStart(w, r, artifact.StagePROMPT, "promptId", stage.StartRequest{
		ProjectID:            projectID,
		ParentArtifactID:     body.StoryGenerationID,
		StoryIndex:           body.StoryIndex,
		TechnicalPreferences: body.TechnicalPreferences,
		ExtraHints:           hints,
	})
}

// projectOf resolves the owning project of a parent artifact. Start
// requests name their parent, not their project.
func (s *Server) projectOf(artifactID string) (string, error) {
	if strings.TrimSpace(artifactID) == "" {
		return "", fmt.Errorf("%w: parent artifact id must not be empty", stage.ErrArgumentInvalid)
	}
	a, err := s.artifacts.Get(artifactID)
	if err != nil {
		return "", err
	}
	return a.ProjectID, nil
}

func (s *Server) handleStatus(st artifact.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := s.coordinator.Service(st).GetStatus(r.PathValue("id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		payload := map[string]any{"status": string(info.Status)}
		if info.ReviewID != "" {
			payload["reviewId"] = info.ReviewID
		}
		if info.FailureReason != "" {
			payload["failureReason"] = info.FailureReason
		}
		s.writeJSON(w, http.StatusOK, payload)
	}
}

func (s *Server) handleResult(st artifact.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parsed, err := s.coordinator.Service(st).GetResult(r.PathValue("id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, resultPayload(st, parsed))
	}
}

// resultPayload unwraps the stage-specific parsed form.
func resultPayload(st artifact.Stage, parsed *artifact.ParsedOutput) any {
	if parsed == nil {
		return map[string]any{}
	}
	switch st {
	case artifact.StageREQ:
		return parsed.Requirements
	case artifact.StagePLAN:
		return parsed.Plan
	case artifact.StageSTORIES:
		return map[string]any{"stories": parsed.Stories}
	case artifact.StagePROMPT:
		return parsed.Prompt
	default:
		return parsed
	}
}

func (s *Server) handleCanStart(st artifact.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, err := s.coordinator.Service(st).CanStart(r.PathValue("parentId"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"canStart": ok})
	}
}

func (s *Server) handleStoryCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.coordinator.Service(artifact.StageSTORIES).Count(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleStoryAt(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: story index must be an integer", stage.ErrArgumentInvalid))
		return
	}
	story, err := s.coordinator.Service(artifact.StageSTORIES).StoryAt(r.PathValue("id"), index)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, story)
}

func (s *Server) handleReviewPending(w http.ResponseWriter, _ *http.Request) {
	pending, err := s.reviews.ListPending()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if pending == nil {
		pending = []*review.Review{}
	}
	s.writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleReviewGet(w http.ResponseWriter, r *http.Request) {
	rev, err := s.reviews.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rev)
}

// handleReviewAwait blocks until the review is decided or the
// configured wait elapses. Long polling for clients that would
// otherwise spin on GET /review/{id}.
func (s *Server) handleReviewAwait(w http.ResponseWriter, r *http.Request) {
	rev, err := s.reviews.AwaitDecision(r.Context(), r.PathValue("id"), s.reviewWait)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rev)
}

func (s *Server) handleReviewDecide(decision review.Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Feedback string `json:"feedback"`
		}
		// An empty body is fine; approve needs no feedback
		_ = decodeOptional(r, &body)

		rev, err := s.reviews.Decide(r.PathValue("id"), decision, body.Feedback)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, rev)
	}
}

func (s *Server) handleProjectCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		s.writeError(w, fmt.Errorf("%w: project name must not be empty", stage.ErrArgumentInvalid))
		return
	}
	project, err := s.artifacts.CreateProject(body.Name, body.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleProjectList(w http.ResponseWriter, _ *http.Request) {
	projects, err := s.artifacts.ListProjects()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if projects == nil {
		projects = []*artifact.Project{}
	}
	s.writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleProjectGet(w http.ResponseWriter, r *http.Request) {
	project, err := s.artifacts.GetProject(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleProjectDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.artifacts.DeleteProject(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProjectProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.coordinator.Progress(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	payload := make(map[string]any, len(progress))
	for st, counts := range progress {
		entry := map[string]any{
			"total":    counts.Total,
			"approved": counts.Approved,
			"pending":  counts.Pending,
			"failed":   counts.Failed,
		}
		if counts.Total == 0 {
			entry["status"] = StatusNotStarted
		}
		payload[string(st)] = entry
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.writeJSON(w, http.StatusNotFound, errorBody{
			Error:   "NotFound",
			Message: "usage queries require engine.prometheus_url",
		})
		return
	}
	usage, err := s.usage.GetProviderUsage(r.Context(), r.PathValue("provider"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	providers := make(map[string]bool)
	healthy := true
	for _, name := range s.pool.Names() {
		ok := s.pool.Healthy(ctx, name)
		providers[name] = ok
		if !ok {
			healthy = false
		}
	}

	// The registry is healthy when its backing store answers
	_, regErr := s.reviews.ListPending()

	status := "ok"
	httpStatus := http.StatusOK
	if !healthy || regErr != nil {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	s.writeJSON(w, httpStatus, map[string]any{
		"status":         status,
		"providers":      providers,
		"reviewRegistry": regErr == nil,
	})
}

// decodeOptional tolerates an empty request body.
func decodeOptional(r *http.Request, into any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(into); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
