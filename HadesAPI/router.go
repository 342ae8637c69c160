package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	hades "github.com/jsierles/opscode-agent/shared"
	"github.com/jsierles/opscode-agent/shared/joblogs"
	hadesnats "github.com/jsierles/opscode-agent/shared/nats"
	"github.com/jsierles/opscode-agent/shared/payload"
	"github.com/jsierles/opscode-agent/shared/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/jsierles/opscode-agent/HadesAPI")

// API forwards job requests to the agents and tails their logs.
type API struct {
	requester hades.JobRequester
	logs      joblogs.LogConsumer
	timeout   time.Duration
}

func setupRouter(authKey string, api *API) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	if authKey != "" {
		r.Use(gin.BasicAuth(gin.Accounts{
			"hades": authKey,
		}))
	}

	r.GET("/ping", ping)
	r.POST("/jobs/:kind", api.RunJob)
	r.GET("/jobs/:id/logs", api.StreamLogs)
	return r
}

func ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

// RunJob sends the request body as the payload of a job and waits for the agent's reply.
// The job id is returned in the Hades-Job-Id header. The "timeout" and "memory_limit" query
// parameters lower the agent's limits for this job.
func (a *API) RunJob(c *gin.Context) {
	kind := hades.JobKind(c.Param("kind"))
	if !kind.Exposed() {
		c.JSON(http.StatusNotFound, payload.ErrorBody{
			Class:   payload.ClassDomain,
			Kind:    "UnknownOperation",
			Message: "operation " + strconv.Quote(kind.String()) + " is not exposed",
		})
		return
	}

	body, err := c.GetRawData()
	if err != nil || (len(body) > 0 && !json.Valid(body)) {
		c.JSON(http.StatusBadRequest, payload.ErrorBody{
			Class:   payload.ClassDomain,
			Kind:    "InvalidPayload",
			Message: "request body is not valid JSON",
		})
		return
	}

	var timeout time.Duration
	if raw := c.Query("timeout"); raw != "" {
		timeout, err = time.ParseDuration(raw)
		if err != nil || timeout <= 0 {
			c.JSON(http.StatusBadRequest, payload.ErrorBody{
				Class:   payload.ClassDomain,
				Kind:    "InvalidTimeout",
				Message: "timeout must be a positive duration such as 90s",
			})
			return
		}
	}

	memoryLimit := c.Query("memory_limit")
	if memoryLimit != "" {
		if _, err := utils.ParseMemoryLimit(memoryLimit); err != nil {
			c.JSON(http.StatusBadRequest, payload.ErrorBody{
				Class:   payload.ClassDomain,
				Kind:    "InvalidMemoryLimit",
				Message: err.Error(),
			})
			return
		}
	}

	req := hades.JobRequest{
		ID:          uuid.New(),
		Kind:        kind,
		Payload:     body,
		Timeout:     timeout,
		MemoryLimit: memoryLimit,
	}
	c.Header(hadesnats.HeaderJobID, req.ID.String())
	log := utils.ComponentLogger("gateway").With("job_id", req.ID.String(), "kind", kind)

	ctx, span := tracer.Start(c.Request.Context(), "request "+kind.String())
	span.SetAttributes(attribute.String("hades.job.id", req.ID.String()))
	defer span.End()
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	log.Info("Forwarding job", "payload", safePayloadFormat(body))
	result, err := a.requester.Request(ctx, req)
	if err != nil {
		status, errBody := httpError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, errBody.Kind)
		log.Info("Job failed", "status", status, "kind", errBody.Kind, "error", errBody.Message)
		c.JSON(status, errBody)
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}

// httpError maps a requester error onto an HTTP status and error body.
func httpError(err error) (int, payload.ErrorBody) {
	var jobErr *hades.JobError
	if errors.As(err, &jobErr) {
		status, convErr := strconv.Atoi(jobErr.Code)
		if convErr != nil || status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		return status, jobErr.Body
	}

	body := payload.ErrorBody{Class: payload.ClassInfrastructure, Kind: "internal", Message: err.Error()}
	switch {
	case errors.Is(err, hadesnats.ErrNoAgent):
		body.Kind = "NoAgent"
		return http.StatusServiceUnavailable, body
	case errors.Is(err, context.DeadlineExceeded):
		body.Kind = "Timeout"
		return http.StatusGatewayTimeout, body
	default:
		return http.StatusBadGateway, body
	}
}

// StreamLogs sends the logs of one job as server-sent events: one "log" event per
// batch, then "done" once the job has finished.
func (a *API) StreamLogs(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, payload.ErrorBody{
			Class:   payload.ClassDomain,
			Kind:    "InvalidJobID",
			Message: "job id must be a UUID",
		})
		return
	}
	jobID := id.String()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	err = a.logs.WatchJobLogs(c.Request.Context(), jobID, func(l joblogs.Log) {
		if l.Done {
			c.SSEvent("done", gin.H{"job_id": jobID})
		} else {
			c.SSEvent("log", l)
		}
		c.Writer.Flush()
	})
	if err != nil && c.Request.Context().Err() == nil {
		utils.ComponentLogger("gateway").Warn("Log stream failed", "job_id", jobID, "error", err)
		c.SSEvent("error", gin.H{"job_id": jobID, "message": err.Error()})
		c.Writer.Flush()
	}
}
