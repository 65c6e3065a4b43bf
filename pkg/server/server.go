// Package server exposes the mirror service over HTTP: the JSON API
// for browsing upstreams, requesting mirrors and managing images, and
// the published simplestream tree with its artifact bytes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/simplestreams/mirror/pkg/api"
	"github.com/simplestreams/mirror/pkg/catalog"
	"github.com/simplestreams/mirror/pkg/custom"
	"github.com/simplestreams/mirror/pkg/jobs"
	"github.com/simplestreams/mirror/pkg/mirror"
	"github.com/simplestreams/mirror/pkg/upstream"
)

// jobListLimit caps the job history returned by the API.
const jobListLimit = 10

// maxUploadMemory is how much of a multipart upload net/http buffers
// in memory before spilling to temp files.
const maxUploadMemory = 32 << 20

// Server handles the mirror API. Mirror requests admitted here run on
// workerCtx, which outlives the request.
type Server struct {
	store       *catalog.Store
	upstream    *upstream.Client
	runner      *jobs.Runner
	custom      *custom.Service
	storageRoot string
	workerCtx   context.Context
}

// New returns a server backed by the given collaborators. workerCtx
// bounds the background work a request can start; pass the process
// context so drains survive the requests that triggered them.
func New(workerCtx context.Context, store *catalog.Store, upstreamClient *upstream.Client, runner *jobs.Runner, customService *custom.Service, storageRoot string) *Server {
	return &Server{
		store:       store,
		upstream:    upstreamClient,
		runner:      runner,
		custom:      customService,
		storageRoot: storageRoot,
		workerCtx:   workerCtx,
	}
}

// Handler returns the instrumented route table.
func (s *Server) Handler() http.Handler {
	router := newInstrumentedRouter()
	router.GET("/api/health", loggingWrapper(s.healthHandler))
	router.GET("/api/upstream/streams", loggingWrapper(s.listUpstreamStreamsHandler))
	router.GET("/api/upstream/streams/:stream_id/products", loggingWrapper(s.listUpstreamProductsHandler))
	router.POST("/api/mirror", loggingWrapper(s.mirrorHandler))
	router.GET("/api/mirror/jobs", loggingWrapper(s.listJobsHandler))
	router.GET("/api/images", loggingWrapper(s.listImagesHandler))
	router.DELETE("/api/images/:image_id", loggingWrapper(s.deleteImageHandler))
	router.POST("/api/custom/images", loggingWrapper(s.createCustomImageHandler))
	router.GET("/api/simplestream", loggingWrapper(s.simplestreamInfoHandler))
	router.Router.ServeFiles("/simplestreams/*filepath", http.Dir(s.storageRoot))
	return router
}

func (s *Server) healthHandler(l *logrus.Entry, w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	respondJSON(l, w, map[string]string{"status": "ok"})
}

func (s *Server) listUpstreamStreamsHandler(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	indexURL := r.URL.Query().Get("index_url")
	if indexURL == "" {
		http.Error(w, "index_url query parameter must not be empty", http.StatusBadRequest)
		return
	}
	streams, err := s.upstream.ListStreams(r.Context(), indexURL)
	if err != nil {
		l.WithError(err).Error("Failed to list upstream streams")
		http.Error(w, fmt.Sprintf("failed to list upstream streams: %v", err), http.StatusBadGateway)
		return
	}
	respondJSON(l, w, streams)
}

func (s *Server) listUpstreamProductsHandler(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	indexURL := r.URL.Query().Get("index_url")
	if indexURL == "" {
		http.Error(w, "index_url query parameter must not be empty", http.StatusBadRequest)
		return
	}
	streamID := params.ByName("stream_id")
	products, err := s.upstream.ListProducts(r.Context(), indexURL, streamID)
	if err != nil {
		l.WithError(err).WithField("stream", streamID).Error("Failed to list upstream products")
		http.Error(w, fmt.Sprintf("failed to list upstream products: %v", err), http.StatusBadGateway)
		return
	}
	respondJSON(l, w, products)
}

func (s *Server) mirrorHandler(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var request api.MirrorRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode request body: %v", err), http.StatusBadRequest)
		return
	}
	if request.IndexURL == "" {
		http.Error(w, "index_url must not be empty", http.StatusBadRequest)
		return
	}
	result, err := s.runner.Enqueue(r.Context(), request.IndexURL, request.ProductIDs)
	if err != nil {
		if mirror.ReasonFor(err) == mirror.ReasonValidation {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		l.WithError(err).Error("Failed to enqueue mirror jobs")
		http.Error(w, "failed to enqueue mirror jobs", http.StatusInternalServerError)
		return
	}
	if len(result.Enqueued) > 0 {
		s.runner.Trigger(s.workerCtx)
	}
	respondJSON(l, w, result)
}

func (s *Server) listJobsHandler(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	listed, err := catalog.ListRecentJobs(r.Context(), s.store.DB(), jobListLimit)
	if err != nil {
		l.WithError(err).Error("Failed to list mirror jobs")
		http.Error(w, "failed to list mirror jobs", http.StatusInternalServerError)
		return
	}
	result := api.MirrorJobList{Items: []api.MirrorJobOut{}}
	for _, job := range listed {
		result.Items = append(result.Items, serializeJob(job))
	}
	respondJSON(l, w, result)
}

func (s *Server) listImagesHandler(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	images, err := catalog.ListImages(r.Context(), s.store.DB())
	if err != nil {
		l.WithError(err).Error("Failed to list images")
		http.Error(w, "failed to list images", http.StatusInternalServerError)
		return
	}
	streams, err := s.streamsByRowID(r.Context())
	if err != nil {
		l.WithError(err).Error("Failed to list streams")
		http.Error(w, "failed to list images", http.StatusInternalServerError)
		return
	}
	result := api.ImageList{Items: []api.ImageOut{}}
	for _, image := range images {
		stream := streams[image.StreamID]
		result.Items = append(result.Items, serializeImage(image, stream))
	}
	respondJSON(l, w, result)
}

func (s *Server) deleteImageHandler(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	imageID, err := strconv.ParseInt(params.ByName("image_id"), 10, 64)
	if err != nil {
		http.Error(w, "image_id must be an integer", http.StatusBadRequest)
		return
	}
	if err := s.custom.DeleteImage(r.Context(), imageID); err != nil {
		l.WithError(err).WithField("image", imageID).Error("Failed to delete image")
		http.Error(w, "failed to delete image", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createCustomImageHandler(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		http.Error(w, fmt.Sprintf("failed to parse multipart form: %v", err), http.StatusBadRequest)
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			l.WithError(err).Warn("Failed to clean up multipart temp files")
		}
	}()

	request := custom.Request{
		Name:            r.FormValue("name"),
		OS:              r.FormValue("os_name"),
		Release:         r.FormValue("release"),
		Version:         r.FormValue("version"),
		Arch:            r.FormValue("arch"),
		Label:           r.FormValue("label"),
		Subarch:         r.FormValue("subarch"),
		Description:     r.FormValue("description"),
		Kflavor:         r.FormValue("kflavor"),
		Krel:            r.FormValue("krel"),
		ReleaseCodename: r.FormValue("release_codename"),
		Subarches:       r.FormValue("subarches"),
		Uploads:         map[string]io.Reader{},
	}
	if request.OS == "" {
		request.OS = "custom"
	}
	for _, kind := range []string{"kernel", "initrd", "rootfs", "manifest"} {
		file, _, err := r.FormFile(kind)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to read %s upload: %v", kind, err), http.StatusBadRequest)
			return
		}
		defer file.Close()
		request.Uploads[kind] = file
	}

	imageID, err := s.custom.CreateImage(r.Context(), request)
	if err != nil {
		if errors.Is(err, &custom.Error{}) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		l.WithError(err).Error("Failed to create custom image")
		http.Error(w, "failed to create custom image", http.StatusInternalServerError)
		return
	}

	image, err := catalog.GetImage(r.Context(), s.store.DB(), imageID)
	if err != nil || image == nil {
		l.WithError(err).WithField("image", imageID).Error("Failed to load created image")
		http.Error(w, "failed to load created image", http.StatusInternalServerError)
		return
	}
	streams, err := s.streamsByRowID(r.Context())
	if err != nil {
		l.WithError(err).Error("Failed to list streams")
		http.Error(w, "failed to load created image", http.StatusInternalServerError)
		return
	}
	respondJSON(l, w, serializeImage(*image, streams[image.StreamID]))
}

func (s *Server) simplestreamInfoHandler(l *logrus.Entry, w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	respondJSON(l, w, map[string]string{"index": "/simplestreams/streams/v1/index.json"})
}

func (s *Server) streamsByRowID(ctx context.Context) (map[int64]*catalog.Stream, error) {
	listed, err := catalog.ListStreams(ctx, s.store.DB())
	if err != nil {
		return nil, err
	}
	streams := make(map[int64]*catalog.Stream, len(listed))
	for i := range listed {
		streams[listed[i].ID] = &listed[i]
	}
	return streams, nil
}

func serializeImage(image catalog.Image, stream *catalog.Stream) api.ImageOut {
	artifacts := make([]api.ArtifactOut, 0, len(image.Artifacts))
	for _, artifact := range image.Artifacts {
		ftype := ""
		if artifact.Ftype != nil {
			ftype = *artifact.Ftype
		}
		artifacts = append(artifacts, api.ArtifactOut{
			Name:         artifact.Name,
			Ftype:        ftype,
			RelativePath: artifact.RelativePath,
			Size:         artifact.Size,
			SHA256:       artifact.SHA256,
			DownloadURL:  "/simplestreams/" + artifact.RelativePath,
		})
	}

	out := api.ImageOut{
		ID:               image.ID,
		ProductID:        image.ProductID,
		Name:             image.Name,
		ImageType:        image.ImageType,
		Status:           image.Status,
		OriginProductURL: image.OriginProductURL,
		OriginIndexURL:   image.OriginIndexURL,
		OS:               image.OS,
		Release:          image.Release,
		Version:          image.Version,
		Arch:             image.Arch,
		Subarch:          image.Subarch,
		Label:            image.Label,
		Kflavor:          image.Kflavor,
		Krel:             image.Krel,
		BuildID:          image.BuildID,
		Artifacts:        artifacts,
		CreatedAt:        image.CreatedAt,
		UpdatedAt:        image.UpdatedAt,
	}
	if stream != nil {
		out.StreamID = stream.StreamID
		if stream.Path != nil {
			out.StreamPath = *stream.Path
		}
	}
	if codename := image.Meta.GetString("release_codename"); codename != "" {
		out.ReleaseCodename = &codename
	}
	if subarches := image.Meta.GetString("subarches"); subarches != "" {
		out.Subarches = &subarches
	}
	if image.Status != catalog.ImageStatusReady {
		detail := image.Meta.GetString("error")
		if detail == "" {
			detail = image.Meta.GetString("status_detail")
		}
		if detail != "" {
			out.StatusDetail = &detail
		}
	}
	return out
}

func serializeJob(job catalog.MirrorJob) api.MirrorJobOut {
	return api.MirrorJobOut{
		ID:         job.ID,
		ProductID:  job.ProductID,
		IndexURL:   job.IndexURL,
		Status:     job.Status,
		Message:    job.Message,
		Progress:   job.Progress,
		ImageID:    job.ImageID,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
	}
}

func respondJSON(l *logrus.Entry, w http.ResponseWriter, payload any) {
	serialized, err := json.Marshal(payload)
	if err != nil {
		l.WithError(err).Error("Failed to serialize response")
		http.Error(w, "failed to serialize response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(serialized); err != nil {
		l.WithError(err).Error("Failed to write response")
	}
}
