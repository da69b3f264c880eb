package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"dentalsync/internal/clinic"
	"dentalsync/internal/connectivity"
	"dentalsync/internal/dental"
	"dentalsync/internal/export"
	"dentalsync/internal/identity"
	"dentalsync/internal/ledger"
	"dentalsync/internal/remote"
	"dentalsync/internal/store"
	"dentalsync/internal/syncer"
)

// Clinic is the field workflow surface.
type Clinic interface {
	RegisterStudent(ctx context.Context, s dental.Student) (dental.Student, bool, error)
	SubmitExam(ctx context.Context, s dental.Student, exam dental.Exam) (clinic.Submission, error)
	SubmitExamFor(ctx context.Context, studentID int64, exam dental.Exam) (clinic.Submission, error)
	Search(ctx context.Context, name string, dob any, school string) (*clinic.StudentRecord, error)
	History(ctx context.Context, studentID int64) (clinic.StudentRecord, error)
	PendingCount(ctx context.Context) (int, error)
	Snapshot(ctx context.Context) ([]dental.Student, []dental.Exam, error)
}

// Monitor is the connectivity surface.
type Monitor interface {
	Online() bool
	Set(online bool) bool
	SyncNow(ctx context.Context) (syncer.PushResult, syncer.PullResult, error)
}

// StatusReporter exposes the last sync state.
type StatusReporter interface {
	Status() syncer.Status
}

// Deps are the collaborators of the router. Health reports named dependency
// checks for /healthz. Gatherer, Health and Log may be nil.
type Deps struct {
	Clinic   Clinic
	Monitor  Monitor
	Status   StatusReporter
	Gatherer prometheus.Gatherer
	Health   func(ctx context.Context) map[string]bool
	Location *time.Location
	Log      *zap.Logger
}

type handler struct {
	Deps
}

// NewRouter builds the local HTTP surface.
func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	h := &handler{Deps: d}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(d.Log, "/healthz", "/metrics"))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", h.health)

	v1 := r.Group("/v1")
	v1.POST("/students", h.registerStudent)
	v1.GET("/students/search", h.search)
	v1.GET("/students/:id/exams", h.history)
	v1.POST("/students/:id/exams", h.submitForStudent)
	v1.POST("/exams", h.submitExam)
	v1.POST("/sync", h.syncNow)
	v1.GET("/sync/status", h.syncStatus)
	v1.POST("/connectivity", h.setConnectivity)
	v1.GET("/export.xlsx", h.exportWorkbook)
	return r
}

// fail maps domain errors onto status codes.
func (h *handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, identity.ErrInvalidStudent), errors.Is(err, dental.ErrInvalidDOB):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnknownStudent), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, connectivity.ErrOffline), errors.Is(err, store.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, remote.ErrRemoteUnreachable), errors.Is(err, remote.ErrRemoteRejected), errors.Is(err, remote.ErrMalformedResponse):
		status = http.StatusBadGateway
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *handler) health(c *gin.Context) {
	checks := map[string]bool{}
	if h.Health != nil {
		checks = h.Health(c.Request.Context())
	}
	status := http.StatusOK
	for _, ok := range checks {
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks, "online": h.Monitor.Online()})
}

func (h *handler) registerStudent(c *gin.Context) {
	var req dental.Student
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, created, err := h.Clinic.RegisterStudent(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"student": s, "created": created})
}

func (h *handler) search(c *gin.Context) {
	name, dob, school := c.Query("name"), c.Query("dob"), c.Query("school")
	if name == "" || dob == "" || school == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, dob and school are required"})
		return
	}
	rec, err := h.Clinic.Search(c.Request.Context(), name, dob, school)
	if err != nil {
		h.fail(c, err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusOK, gin.H{"found": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"found": true, "student": rec.Student, "exams": rec.Exams})
}

func studentID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid student id"})
		return 0, false
	}
	return id, true
}

func (h *handler) history(c *gin.Context) {
	id, ok := studentID(c)
	if !ok {
		return
	}
	rec, err := h.Clinic.History(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handler) submitForStudent(c *gin.Context) {
	id, ok := studentID(c)
	if !ok {
		return
	}
	var exam dental.Exam
	if err := c.ShouldBindJSON(&exam); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub, err := h.Clinic.SubmitExamFor(c.Request.Context(), id, exam)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *handler) submitExam(c *gin.Context) {
	var req struct {
		Student dental.Student `json:"student"`
		Exam    dental.Exam    `json:"exam"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub, err := h.Clinic.SubmitExam(c.Request.Context(), req.Student, req.Exam)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *handler) syncNow(c *gin.Context) {
	push, pull, err := h.Monitor.SyncNow(c.Request.Context())
	if errors.Is(err, connectivity.ErrOffline) {
		h.fail(c, err)
		return
	}
	body := gin.H{"push": push, "pull": pull, "message": push.String()}
	if err != nil {
		_ = c.Error(err)
		body["error"] = err.Error()
		c.JSON(http.StatusBadGateway, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) syncStatus(c *gin.Context) {
	st := h.Status.Status()
	if n, err := h.Clinic.PendingCount(c.Request.Context()); err == nil {
		st.Pending = n
	}
	c.JSON(http.StatusOK, gin.H{"online": h.Monitor.Online(), "status": st})
}

func (h *handler) setConnectivity(c *gin.Context) {
	var req struct {
		Online *bool `json:"online" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	changed := h.Monitor.Set(*req.Online)
	c.JSON(http.StatusOK, gin.H{"online": *req.Online, "changed": changed})
}

func (h *handler) exportWorkbook(c *gin.Context) {
	students, exams, err := h.Clinic.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	b, err := export.Workbook(students, exams, h.Location)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename=dental-records.xlsx")
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", b)
}
