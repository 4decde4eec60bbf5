// Package handler exposes the HTTP API.
package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schoolconnect/internal/attendance"
	"schoolconnect/internal/auth"
	"schoolconnect/internal/cloudinary"
	"schoolconnect/internal/config"
	"schoolconnect/internal/httpmiddleware"
	"schoolconnect/internal/notify"
	"schoolconnect/internal/school"
	"schoolconnect/internal/store"
)

// Uploader hosts images for WhatsApp notices.
type Uploader interface {
	UploadDataURL(ctx context.Context, data string) (*cloudinary.Image, error)
	UploadFile(ctx context.Context, name string, data []byte) (*cloudinary.Image, error)
}

// Deps are the collaborators the handlers call into. Redis and Uploader may be nil.
type Deps struct {
	Config     config.App
	DB         *store.DB
	Redis      *store.Redis
	School     *school.Repository
	Attendance *attendance.Service
	Recorder   *attendance.Recorder
	Dispatcher *notify.Dispatcher
	Uploader   Uploader
}

type handler struct {
	Deps
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(d Deps) *gin.Engine {
	h := &handler{Deps: d}
	cfg := d.Config

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{SkipPaths: []string{"/healthz", "/metrics"}}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.health)

	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	if !cfg.Production() {
		r.POST("/v1/dev/token", limiter.GinMiddleware(), h.devToken)
	}

	v1 := r.Group("/v1", auth.Authenticate(cfg.JWTSigningKey, cfg.JWTIssuer), limiter.GinMiddleware())

	staff := v1.Group("", auth.RequireRole(school.RoleAdmin, school.RoleTeacher))
	staff.GET("/classes", h.listClasses)
	staff.GET("/classes/:id/students", h.classStudents)
	staff.GET("/classes/:id/attendance/lock", h.attendanceLock)
	staff.GET("/classes/:id/attendance/last", h.attendanceLast)
	staff.GET("/classes/:id/attendance/today", h.attendanceToday)
	staff.POST("/classes/:id/attendance", h.submitAttendance)
	staff.GET("/teachers/me/absents", h.myAbsents)

	admin := v1.Group("", auth.RequireRole(school.RoleAdmin))
	admin.GET("/students", h.listStudents)
	admin.POST("/students", h.createStudent)
	admin.GET("/students/:id", h.getStudent)
	admin.PUT("/students/:id", h.updateStudent)
	admin.DELETE("/students/:id", h.deleteStudent)
	admin.POST("/classes", h.createClass)
	admin.GET("/classes/:id", h.getClass)
	admin.PUT("/classes/:id", h.updateClass)
	admin.DELETE("/classes/:id", h.deleteClass)
	admin.GET("/teachers", h.listTeachers)
	admin.POST("/teachers", h.createTeacher)
	admin.GET("/teachers/:id", h.getTeacher)
	admin.PUT("/teachers/:id", h.updateTeacher)
	admin.DELETE("/teachers/:id", h.deleteTeacher)
	admin.GET("/templates", h.listTemplates)
	admin.POST("/templates", h.createTemplate)
	admin.DELETE("/templates/:id", h.deleteTemplate)
	admin.POST("/messages/send", h.sendMessage)
	admin.GET("/messages/history", h.messageHistory)
	admin.GET("/absents", h.allAbsents)
	admin.POST("/uploads", h.upload)

	return r
}

func (h *handler) health(c *gin.Context) {
	ctx := c.Request.Context()
	dbHealthy := h.DB.Healthy(ctx)
	redisHealthy := true
	if h.Redis != nil {
		redisHealthy = h.Redis.Healthy(ctx)
	}
	status := http.StatusOK
	if !dbHealthy || !redisHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"db": dbHealthy, "redis": redisHealthy})
}

func (h *handler) devToken(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required,email"`
		Role  string `json:"role" binding:"required,oneof=ADMIN TEACHER"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tok, err := auth.Issue(req.Email, req.Email, req.Role, h.Config.JWTIssuer, h.Config.JWTSigningKey, h.Config.AccessTTL)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tok)
}
