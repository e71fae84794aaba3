// ABOUTME: Ingest handler: indexes a project from an uploaded ZIP, a GitHub URL or a server-local path.
// ABOUTME: Multipart uploads go to a temp file under the upload dir before extraction.
package web

import (
	"errors"
	"io"
	"log"
	"mime"
	"net/http"
	"os"

	"github.com/2389-research/repolens/retrieval"
	"github.com/go-chi/chi/v5"
)

const maxUploadSize = 200 << 20

type ingestRequest struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if !retrieval.ValidProjectID(projectID) {
		badRequest(w, "invalid project id")
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var (
		result retrieval.IngestResult
		err    error
	)
	switch mediaType {
	case "multipart/form-data":
		result, err = s.ingestUpload(w, r, projectID)
	default:
		var req ingestRequest
		if !decodeBody(w, r, &req) {
			return
		}
		switch {
		case req.URL != "":
			result, err = s.library.IngestGitHub(r.Context(), projectID, req.URL)
		case req.Path != "":
			result, err = s.library.IngestDir(r.Context(), projectID, req.Path)
		default:
			badRequest(w, "one of url, path or a multipart file is required")
			return
		}
	}
	if err != nil {
		var maxErr *http.MaxBytesError
		var missing *missingFileError
		switch {
		case errors.As(err, &maxErr):
			writeError(w, err)
		case errors.As(err, &missing):
			badRequest(w, missing.Error())
		default:
			log.Printf("component=web action=ingest_failed project=%s err=%v", projectID, err)
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type missingFileError struct{ err error }

func (e *missingFileError) Error() string { return "multipart field \"file\" is required: " + e.err.Error() }
func (e *missingFileError) Unwrap() error { return e.err }

// ingestUpload copies the "file" part to a temp ZIP and ingests it.
func (s *Server) ingestUpload(w http.ResponseWriter, r *http.Request, projectID string) (retrieval.IngestResult, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, _, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return retrieval.IngestResult{}, err
		}
		return retrieval.IngestResult{}, &missingFileError{err: err}
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	tmp, err := os.CreateTemp(s.uploadDir, "upload-*.zip")
	if err != nil {
		return retrieval.IngestResult{}, err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		return retrieval.IngestResult{}, err
	}
	if err := tmp.Close(); err != nil {
		return retrieval.IngestResult{}, err
	}
	return s.library.IngestZip(r.Context(), projectID, tmp.Name())
}

