package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"schoolconnect/internal/apperr"
	"schoolconnect/internal/attendance"
	"schoolconnect/internal/auth"
	"schoolconnect/internal/notify"
	"schoolconnect/internal/school"
)

// currentTeacher resolves the teacher behind a TEACHER token. Admin tokens
// return nil.
func (h *handler) currentTeacher(c *gin.Context) (*school.Teacher, error) {
	claims, _ := auth.FromContext(c)
	if !strings.EqualFold(claims.Role, school.RoleTeacher) {
		return nil, nil
	}
	t, err := h.School.TeacherByEmail(c.Request.Context(), claims.Email)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apperr.NotFound("teacher")
	}
	return t, nil
}

// authorizeClass lets admins through and teachers only into their own classes.
func (h *handler) authorizeClass(c *gin.Context, classID string) error {
	t, err := h.currentTeacher(c)
	if err != nil || t == nil {
		return err
	}
	class, err := h.School.GetClass(c.Request.Context(), classID)
	if err != nil {
		return err
	}
	if class == nil {
		return apperr.NotFound("class")
	}
	if class.TeacherID == nil || *class.TeacherID != t.ID {
		return errForbidden
	}
	return nil
}

func (h *handler) listClasses(c *gin.Context) {
	t, err := h.currentTeacher(c)
	if err != nil {
		writeError(c, err)
		return
	}
	teacherID := ""
	if t != nil {
		teacherID = t.ID
	}
	classes, err := h.School.ListClasses(c.Request.Context(), teacherID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"classes": nonNil(classes)})
}

func (h *handler) classStudents(c *gin.Context) {
	id := c.Param("id")
	if err := h.authorizeClass(c, id); err != nil {
		writeError(c, err)
		return
	}
	students, err := h.School.ListStudentsByClass(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": nonNil(students)})
}

func (h *handler) attendanceLock(c *gin.Context) {
	id := c.Param("id")
	if err := h.authorizeClass(c, id); err != nil {
		writeError(c, err)
		return
	}
	status, err := h.Attendance.Lock(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *handler) attendanceLast(c *gin.Context) {
	id := c.Param("id")
	if err := h.authorizeClass(c, id); err != nil {
		writeError(c, err)
		return
	}
	last, err := h.Attendance.Last(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"last": last})
}

func (h *handler) attendanceToday(c *gin.Context) {
	id := c.Param("id")
	if err := h.authorizeClass(c, id); err != nil {
		writeError(c, err)
		return
	}
	taken, err := h.Attendance.TakenToday(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"taken": taken})
}

type submitRequest struct {
	Entries    []attendance.Entry `json:"entries"`
	PresentIDs []string           `json:"present_ids"`
	AbsentIDs  []string           `json:"absent_ids"`
	Channel    string             `json:"channel"`
}

func (r submitRequest) entries() []attendance.Entry {
	if len(r.Entries) > 0 {
		return r.Entries
	}
	out := make([]attendance.Entry, 0, len(r.PresentIDs)+len(r.AbsentIDs))
	for _, id := range r.PresentIDs {
		out = append(out, attendance.Entry{StudentID: id, Present: true})
	}
	for _, id := range r.AbsentIDs {
		out = append(out, attendance.Entry{StudentID: id})
	}
	return out
}

func (h *handler) submitAttendance(c *gin.Context) {
	id := c.Param("id")
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sub := attendance.Submission{ClassID: id, Entries: req.entries()}
	if req.Channel != "" {
		ch, err := notify.ParseChannel(req.Channel)
		if err != nil {
			writeError(c, err)
			return
		}
		sub.Channel = ch
	}
	if err := h.authorizeClass(c, id); err != nil {
		writeError(c, err)
		return
	}
	res, err := h.Recorder.Record(c.Request.Context(), sub)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *handler) myAbsents(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	groups, err := h.Attendance.AbsentForTeacher(c.Request.Context(), claims.Email)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"classes": groups})
}

func (h *handler) allAbsents(c *gin.Context) {
	groups, err := h.Attendance.AbsentToday(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"classes": groups})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
