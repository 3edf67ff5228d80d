package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bhashasuraksha/pipeline/orchestrator"
	"github.com/bhashasuraksha/pipeline/store"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	maxTopK         = 100
)

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Bhasha audio clustering pipeline",
		"service": s.opts.Service,
		"version": s.opts.Version,
	})
}

func (s *Server) health(c *gin.Context) {
	if err := s.catalog.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"service": s.opts.Service,
			"store":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": s.opts.Service, "store": "ok"})
}

func (s *Server) processAudio(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadMB<<20)

	fh, err := c.FormFile("file")
	if err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			fail(c, err)
			return
		}
		fail(c, fmt.Errorf("%w: multipart field \"file\" is required", errBadRequest))
		return
	}
	lat, err := optionalFloat(c.PostForm("lat"), "lat", -90, 90)
	if err != nil {
		fail(c, err)
		return
	}
	lng, err := optionalFloat(c.PostForm("lng"), "lng", -180, 180)
	if err != nil {
		fail(c, err)
		return
	}

	tmp := filepath.Join(s.opts.TempDir, "upload_"+uuid.NewString()+filepath.Ext(fh.Filename))
	if err := c.SaveUploadedFile(fh, tmp); err != nil {
		fail(c, fmt.Errorf("save upload: %w", err))
		return
	}
	defer os.Remove(tmp)

	res, err := s.pipe.Process(c.Request.Context(), orchestrator.Upload{
		Path:     tmp,
		Filename: fh.Filename,
		Region:   c.DefaultPostForm("region", "Unknown"),
		Lat:      lat,
		Lng:      lng,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listEmbeddings(c *gin.Context) {
	f, err := pageFilter(c, defaultPageSize)
	if err != nil {
		fail(c, err)
		return
	}
	if raw, ok := c.GetQuery("cluster_id"); ok && raw != "" {
		if raw == "null" {
			f.Unclustered = true
		} else {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				fail(c, fmt.Errorf("%w: cluster_id must be an integer or null", errBadRequest))
				return
			}
			f.ClusterID = &id
		}
	}

	samples, err := s.catalog.ListSamples(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(samples), "embeddings": samples})
}

func (s *Server) exportEmbeddings(c *gin.Context) {
	vecs, err := s.catalog.SampleVectors(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ids := make([]int64, len(vecs))
	embeddings := make([][]float64, len(vecs))
	dim := 0
	for i, v := range vecs {
		ids[i] = v.ID
		embeddings[i] = v.Embedding
		if i == 0 {
			dim = len(v.Embedding)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"count":               len(vecs),
		"embedding_dimension": dim,
		"sample_ids":          ids,
		"embeddings_shape":    []int{len(vecs), dim},
		"embeddings":          embeddings,
	})
}

func (s *Server) getEmbedding(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		fail(c, err)
		return
	}
	if sample, ok := s.samples.Get(id); ok {
		c.JSON(http.StatusOK, sample)
		return
	}
	sample, err := s.catalog.GetSample(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	s.samples.Add(id, *sample)
	c.JSON(http.StatusOK, sample)
}

type compareRequest struct {
	FileURL string `json:"file_url" binding:"required"`
	TopK    int    `json:"top_k"`
}

func (s *Server) compare(c *gin.Context) {
	var req compareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}
	req.TopK = min(req.TopK, maxTopK)

	matches, err := s.pipe.CompareURL(c.Request.Context(), req.FileURL, req.TopK)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file_url": req.FileURL, "top_k": req.TopK, "matches": matches})
}

type clusterView struct {
	ID          int64     `json:"id"`
	SampleCount int       `json:"sample_count"`
	CreatedAt   time.Time `json:"created_at"`
	Dimension   int       `json:"dimension"`
}

func (s *Server) listClusters(c *gin.Context) {
	clusters, err := s.catalog.ListClusters(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]clusterView, 0, len(clusters))
	for _, cl := range clusters {
		out = append(out, clusterView{ID: cl.ID, SampleCount: cl.SampleCount, CreatedAt: cl.CreatedAt, Dimension: len(cl.Centroid)})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "clusters": out})
}

func (s *Server) getCluster(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		fail(c, err)
		return
	}
	ctx := c.Request.Context()
	cl, err := s.catalog.GetCluster(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	members, err := s.catalog.ListSamples(ctx, store.SampleFilter{ClusterID: &id})
	if err != nil {
		fail(c, err)
		return
	}
	for i := range members {
		members[i].Embedding = nil
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           cl.ID,
		"sample_count": cl.SampleCount,
		"created_at":   cl.CreatedAt,
		"dimension":    len(cl.Centroid),
		"centroid":     cl.Centroid,
		"samples":      members,
	})
}

// heatmap feeds the map view: samples newest first, without embeddings.
func (s *Server) heatmap(c *gin.Context) {
	f, err := pageFilter(c, 0)
	if err != nil {
		fail(c, err)
		return
	}
	samples, err := s.catalog.ListSamples(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	for i := range samples {
		samples[i].Embedding = nil
	}
	c.JSON(http.StatusOK, gin.H{"count": len(samples), "samples": samples})
}

func pageFilter(c *gin.Context, defaultLimit int) (store.SampleFilter, error) {
	f := store.SampleFilter{Limit: defaultLimit}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageSize {
			return f, fmt.Errorf("%w: limit must be between 1 and %d", errBadRequest, maxPageSize)
		}
		f.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%w: offset must be a non-negative integer", errBadRequest)
		}
		f.Offset = n
	}
	return f, nil
}

func pathID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: id must be a positive integer", errBadRequest)
	}
	return id, nil
}

func optionalFloat(raw, name string, lo, hi float64) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < lo || v > hi {
		return nil, fmt.Errorf("%w: %s must be a number in [%g, %g]", errBadRequest, name, lo, hi)
	}
	return &v, nil
}
