package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/sotto-labs/sotto/pkg/models"
)

// noteIDParam parses the :id route parameter as a note UUID.
func noteIDParam(c *echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid note id")
	}
	return id, nil
}

// listVideoNotesHandler handles GET /api/v1/videos/:video_id/notes.
func (s *Server) listVideoNotesHandler(c *echo.Context) error {
	videoID := c.Param("video_id")
	if videoID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "video id is required")
	}

	opts := models.NoteListOpts{Limit: 100}

	if v := c.QueryParam("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since: must be RFC3339")
		}
		opts.Since = t
	}
	if v := c.QueryParam("statuses"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			status := models.NoteStatus(raw)
			if !status.Valid() {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+raw)
			}
			opts.Statuses = append(opts.Statuses, status)
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			opts.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}

	notes, err := s.notes.ListByVideo(c.Request().Context(), videoID, opts)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, notes)
}

// getNoteHandler handles GET /api/v1/notes/:id.
func (s *Server) getNoteHandler(c *echo.Context) error {
	id, err := noteIDParam(c)
	if err != nil {
		return err
	}

	note, err := s.notes.Get(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, note)
}

// archiveNoteHandler handles POST /api/v1/notes/:id/archive.
func (s *Server) archiveNoteHandler(c *echo.Context) error {
	id, err := noteIDParam(c)
	if err != nil {
		return err
	}

	note, err := s.notes.Archive(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, note)
}

// refineNoteHandler handles POST /api/v1/notes/:id/refine.
// Enqueues a refine_with_vision job and returns immediately.
func (s *Server) refineNoteHandler(c *echo.Context) error {
	id, err := noteIDParam(c)
	if err != nil {
		return err
	}

	note, job, err := s.notes.RequestRefine(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusAccepted, &JobAcceptedResponse{Note: note, Job: job})
}

// postNoteHandler handles POST /api/v1/notes/:id/post.
// Moves the note to queued_for_posting and enqueues the post_note job.
func (s *Server) postNoteHandler(c *echo.Context) error {
	id, err := noteIDParam(c)
	if err != nil {
		return err
	}

	note, job, err := s.notes.RequestPost(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusAccepted, &JobAcceptedResponse{Note: note, Job: job})
}
