package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"schoolconnect/internal/apperr"
	"schoolconnect/internal/school"
)

type studentRequest struct {
	Name          string  `json:"name" binding:"required"`
	ParentName    *string `json:"parent_name"`
	ParentEmail   *string `json:"parent_email" binding:"omitempty,email"`
	ParentContact string  `json:"parent_contact" binding:"required"`
	ClassID       *string `json:"class_id"`
}

func (r studentRequest) student(id string) school.Student {
	return school.Student{
		ID:            id,
		Name:          r.Name,
		ParentName:    r.ParentName,
		ParentEmail:   r.ParentEmail,
		ParentContact: r.ParentContact,
		ClassID:       r.ClassID,
	}
}

func (h *handler) listStudents(c *gin.Context) {
	students, err := h.School.ListStudents(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": nonNil(students)})
}

func (h *handler) createStudent(c *gin.Context) {
	var req studentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s, err := h.School.CreateStudent(c.Request.Context(), req.student(""))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *handler) getStudent(c *gin.Context) {
	s, err := h.School.GetStudent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if s == nil {
		writeError(c, apperr.NotFound("student"))
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *handler) updateStudent(c *gin.Context) {
	var req studentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s, err := h.School.UpdateStudent(c.Request.Context(), req.student(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *handler) deleteStudent(c *gin.Context) {
	if err := h.School.DeleteStudent(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type classRequest struct {
	Name      string  `json:"name" binding:"required"`
	TeacherID *string `json:"teacher_id"`
}

func (h *handler) createClass(c *gin.Context) {
	var req classRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	class, err := h.School.CreateClass(c.Request.Context(), req.Name, req.TeacherID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, class)
}

func (h *handler) getClass(c *gin.Context) {
	class, err := h.School.GetClass(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if class == nil {
		writeError(c, apperr.NotFound("class"))
		return
	}
	c.JSON(http.StatusOK, class)
}

func (h *handler) updateClass(c *gin.Context) {
	var req classRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	class, err := h.School.UpdateClass(c.Request.Context(), c.Param("id"), req.Name, req.TeacherID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, class)
}

func (h *handler) deleteClass(c *gin.Context) {
	if err := h.School.DeleteClass(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) listTeachers(c *gin.Context) {
	teachers, err := h.School.ListTeachers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"teachers": nonNil(teachers)})
}

type teacherRequest struct {
	Name  string  `json:"name" binding:"required"`
	Email string  `json:"email" binding:"required,email"`
	Phone *string `json:"phone"`
}

func (h *handler) createTeacher(c *gin.Context) {
	var req teacherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t, err := h.School.CreateTeacher(c.Request.Context(), req.Name, req.Email, req.Phone)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *handler) getTeacher(c *gin.Context) {
	t, err := h.School.GetTeacher(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if t == nil {
		writeError(c, apperr.NotFound("teacher"))
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *handler) updateTeacher(c *gin.Context) {
	var req teacherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t, err := h.School.UpdateTeacher(c.Request.Context(), c.Param("id"), req.Name, req.Email, req.Phone)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *handler) deleteTeacher(c *gin.Context) {
	if err := h.School.DeleteTeacher(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) listTemplates(c *gin.Context) {
	templates, err := h.School.ListTemplates(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": nonNil(templates)})
}

func (h *handler) createTemplate(c *gin.Context) {
	var req struct {
		Name    string `json:"name" binding:"required"`
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t, err := h.School.CreateTemplate(c.Request.Context(), req.Name, req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *handler) deleteTemplate(c *gin.Context) {
	if err := h.School.DeleteTemplate(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
