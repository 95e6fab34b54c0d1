// Package gateway exposes DeviceQuotaService over REST with gin.
package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"school-platform/devicequota/internal/audit"
	quotahandler "school-platform/devicequota/internal/devicesession/handler"
	healthhandler "school-platform/devicequota/internal/health/handler"
	"school-platform/devicequota/internal/platform/rbac"
	"school-platform/devicequota/internal/policy/engine"
	"school-platform/devicequota/internal/server"
	"school-platform/devicequota/internal/server/interceptors"
	"school-platform/devicequota/internal/sweeper"
)

// Options wire the gateway to the service implementations.
type Options struct {
	Quota   quotahandler.DeviceQuotaServiceServer
	Health  *healthhandler.Server
	Sweeper *sweeper.Sweeper
	Policy  engine.Evaluator
	// Tokens validates access tokens. Nil disables validation (local development only).
	Tokens interceptors.TokenValidator
	Audit  audit.AuditLogger
	Logger *zap.Logger
	// CORSOrigins lists allowed origins; "*" allows any.
	CORSOrigins []string
	Debug       bool
}

type gateway struct {
	quota   quotahandler.DeviceQuotaServiceServer
	health  *healthhandler.Server
	sweeper *sweeper.Sweeper
	policy  engine.Evaluator
	audit   grpc.UnaryServerInterceptor
}

// New returns the REST router.
func New(opts Options) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger.Named("http")))
	if len(opts.CORSOrigins) > 0 {
		router.Use(cors.New(corsConfig(opts.CORSOrigins)))
	}

	g := &gateway{
		quota:   opts.Quota,
		health:  opts.Health,
		sweeper: opts.Sweeper,
		policy:  opts.Policy,
		audit:   interceptors.AuditUnary(opts.Audit, server.AuditedMethods),
	}

	router.GET("/healthz", g.healthz)

	v1 := router.Group("/v1", authenticate(opts.Tokens))
	v1.POST("/devices/admit", g.admit)
	v1.POST("/devices/heartbeat", g.heartbeat)
	v1.POST("/devices/logout", g.logout)
	v1.GET("/groups/:groupId/devices", g.listDevices)
	v1.POST("/groups/:groupId/reset", g.resetGroup)
	v1.PATCH("/groups/:groupId/limit", g.updateLimit)
	v1.GET("/groups/:groupId/usage", g.usage)
	v1.POST("/admin/sweep", g.runSweep)
	v1.GET("/admin/sweep", g.sweepStatus)

	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

// call runs h through the audit interceptor so REST admin actions are audited like gRPC ones.
func (g *gateway) call(ctx context.Context, method string, req any, h func(ctx context.Context) (any, error)) (any, error) {
	return g.audit(ctx, req, &grpc.UnaryServerInfo{FullMethod: method}, func(ctx context.Context, _ any) (any, error) {
		return h(ctx)
	})
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		abortError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (g *gateway) admit(c *gin.Context) {
	var req quotahandler.AdmitRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := g.quota.Admit(requestContext(c), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	code := http.StatusOK
	if resp.Decision == "REJECTED" {
		code = http.StatusConflict
	}
	c.JSON(code, resp)
}

func (g *gateway) heartbeat(c *gin.Context) {
	var req quotahandler.HeartbeatRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := g.quota.Heartbeat(requestContext(c), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	code := http.StatusOK
	switch resp.Status {
	case "NOT_FOUND":
		code = http.StatusNotFound
	case "EXPIRED":
		code = http.StatusGone
	}
	c.JSON(code, resp)
}

func (g *gateway) logout(c *gin.Context) {
	var req quotahandler.LogoutRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := g.call(requestContext(c), quotahandler.MethodLogout, &req, func(ctx context.Context) (any, error) {
		return g.quota.Logout(ctx, &req)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (g *gateway) listDevices(c *gin.Context) {
	resp, err := g.quota.ListDevices(requestContext(c), &quotahandler.ListDevicesRequest{
		GroupID:          c.Param("groupId"),
		CurrentSessionID: c.Query("currentSessionId"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.Devices)
}

func (g *gateway) resetGroup(c *gin.Context) {
	req := &quotahandler.ResetGroupRequest{GroupID: c.Param("groupId")}
	resp, err := g.call(requestContext(c), quotahandler.MethodResetGroup, req, func(ctx context.Context) (any, error) {
		return g.quota.ResetGroup(ctx, req)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (g *gateway) updateLimit(c *gin.Context) {
	var body struct {
		NewLimit int `json:"newLimit"`
	}
	if !bindJSON(c, &body) {
		return
	}
	req := &quotahandler.UpdateLimitRequest{GroupID: c.Param("groupId"), NewLimit: body.NewLimit}
	resp, err := g.call(requestContext(c), quotahandler.MethodUpdateLimit, req, func(ctx context.Context) (any, error) {
		return g.quota.UpdateLimit(ctx, req)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (g *gateway) usage(c *gin.Context) {
	resp, err := g.quota.GetUsage(requestContext(c), &quotahandler.GetUsageRequest{GroupID: c.Param("groupId")})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (g *gateway) runSweep(c *gin.Context) {
	if !g.requireSweepAccess(c) {
		return
	}
	res, err := g.sweeper.RunOnce(requestContext(c))
	if errors.Is(err, sweeper.ErrBusy) {
		abortError(c, http.StatusConflict, "ABORTED", err.Error())
		return
	}
	if err != nil {
		abortError(c, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": res.Expired, "purged": res.Purged})
}

func (g *gateway) sweepStatus(c *gin.Context) {
	if !g.requireSweepAccess(c) {
		return
	}
	c.JSON(http.StatusOK, g.sweeper.Status())
}

func (g *gateway) requireSweepAccess(c *gin.Context) bool {
	if g.sweeper == nil {
		abortError(c, http.StatusNotImplemented, "UNIMPLEMENTED", "sweeper not configured")
		return false
	}
	if _, err := rbac.RequireGroupAccess(requestContext(c), g.policy, engine.ActionSweep, ""); err != nil {
		writeError(c, err)
		return false
	}
	return true
}

func (g *gateway) healthz(c *gin.Context) {
	if g.health == nil {
		c.JSON(http.StatusOK, healthhandler.Report{Status: "ok", Checks: map[string]string{}})
		return
	}
	r := g.health.Report(c.Request.Context())
	code := http.StatusOK
	if !r.Healthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, r)
}
