// Package handler exposes the HTTP API: scan control, snapshot retrieval in
// Turtle form, and the comparison queue.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"bacmap/internal/compare"
	"bacmap/internal/repository"
	"bacmap/internal/service"
)

// contentTypeTurtle is the media type for serialized graph documents
const contentTypeTurtle = "text/turtle; charset=utf-8"

// API routes HTTP requests to the service layer
type API struct {
	svc *service.Service
	log *logrus.Entry
}

// NewAPI creates the API handler
func NewAPI(svc *service.Service, logger *logrus.Logger) *API {
	return &API{
		svc: svc,
		log: logger.WithField("component", "api"),
	}
}

// Router builds the gin engine with all routes registered
func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.POST("/scan", a.startScan)
		api.GET("/snapshots", a.listSnapshots)
		api.GET("/snapshots/:name", a.getSnapshot)
		api.POST("/compare", a.submitCompare)
		api.GET("/compare/queue", a.compareQueue)
		api.GET("/compare/tasks/:id", a.compareTask)
		api.GET("/compare/results/:id", a.compareResult)
		api.GET("/diffs", a.listDiffs)
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// startScan launches a background scan
func (a *API) startScan(c *gin.Context) {
	if err := a.svc.StartScan(); err != nil {
		if errors.Is(err, service.ErrScanInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		a.log.WithError(err).Error("scan request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start scan"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "scan started"})
}

func (a *API) listSnapshots(c *gin.Context) {
	list, err := a.svc.ListSnapshots(c.Request.Context())
	if err != nil {
		a.log.WithError(err).Error("listing snapshots failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list snapshots"})
		return
	}
	if list == nil {
		list = []repository.SnapshotInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": list})
}

// getSnapshot serves a stored snapshot as Turtle
func (a *API) getSnapshot(c *gin.Context) {
	name := c.Param("name")
	doc, err := a.svc.SnapshotDocument(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
			return
		}
		a.log.WithError(err).Error("loading snapshot failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load snapshot"})
		return
	}
	c.Data(http.StatusOK, contentTypeTurtle, []byte(doc))
}

type compareRequest struct {
	SourceA string `json:"source_a" binding:"required"`
	SourceB string `json:"source_b" binding:"required"`
}

// submitCompare queues a comparison of two stored snapshots
func (a *API) submitCompare(c *gin.Context) {
	var req compareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_a and source_b are required"})
		return
	}

	task, err := a.svc.SubmitCompare(c.Request.Context(), req.SourceA, req.SourceB)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, compare.ErrDuplicate):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, task)
}

// compareQueue reports the running task and the waiting tail
func (a *API) compareQueue(c *gin.Context) {
	current, pending := a.svc.CompareQueue()
	if pending == nil {
		pending = []compare.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"current": current, "pending": pending})
}

func (a *API) compareTask(c *gin.Context) {
	task, err := a.svc.CompareTask(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// compareResult serves a finished comparison as Turtle
func (a *API) compareResult(c *gin.Context) {
	id := c.Param("id")
	doc, err := a.svc.DiffDocument(c.Request.Context(), id)
	if err == nil {
		c.Data(http.StatusOK, contentTypeTurtle, []byte(doc))
		return
	}
	if !errors.Is(err, repository.ErrNotFound) {
		a.log.WithError(err).Error("loading diff failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
		return
	}

	// no stored result; distinguish a task still in flight from an unknown id
	if task, terr := a.svc.CompareTask(id); terr == nil {
		switch task.State {
		case compare.StateQueued, compare.StateProcessing:
			c.JSON(http.StatusConflict, gin.H{"error": "comparison not finished", "state": task.State})
		case compare.StateError:
			c.JSON(http.StatusConflict, gin.H{"error": task.Error, "state": task.State})
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		}
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
}

func (a *API) listDiffs(c *gin.Context) {
	list, err := a.svc.ListDiffs(c.Request.Context())
	if err != nil {
		a.log.WithError(err).Error("listing diffs failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list results"})
		return
	}
	if list == nil {
		list = []repository.DiffInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"diffs": list})
}
