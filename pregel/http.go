package pregel

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"github.com/rs/cors"
)

type grpcMultiplexer struct {
	*grpcweb.WrappedGrpcServer
}

// Handler routes grpc-web requests to the gRPC server and everything else
// to next
func (m *grpcMultiplexer) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if m.IsGrpcWebRequest(r) || m.IsAcceptableGrpcCorsRequest(r) {
				m.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		},
	)
}

func (s *CoordServer[S]) httpHandler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	externalAPI := router.Group("/api")
	{
		externalAPI.GET("/workers", s.listWorkers)
		externalAPI.GET("/jobs", s.listJobs)
		externalAPI.GET("/jobs/:id", s.getJob)
		externalAPI.POST("/jobs", s.submitJob)
	}

	multiplex := grpcMultiplexer{
		grpcweb.WrapServer(
			s.grpcServer,
			grpcweb.WithOriginFunc(func(origin string) bool { return true }),
		),
	}
	return cors.AllowAll().Handler(multiplex.Handler(router))
}

func (s *CoordServer[S]) listWorkers(context *gin.Context) {
	context.JSON(http.StatusOK, gin.H{"workers": s.Workers()})
}

func (s *CoordServer[S]) listJobs(context *gin.Context) {
	context.JSON(http.StatusOK, gin.H{"jobs": s.Jobs()})
}

func (s *CoordServer[S]) getJob(context *gin.Context) {
	status, found := s.Job(context.Param("id"))
	if !found {
		context.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
		return
	}
	context.JSON(http.StatusOK, status)
}

// submitJob starts a job in the background and answers with its id
func (s *CoordServer[S]) submitJob(c *gin.Context) {
	var job JobConfig
	if err := c.ShouldBindJSON(&job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.PrepareJob(job)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	record, err := s.admit(job.JobId)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	go func() {
		if _, err := s.run(context.Background(), job, record); err != nil {
			log.Printf("submitJob: job %v failed: %v\n", job.JobId, err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.JobId})
}
