package handler

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"schoolconnect/internal/cloudinary"
	"schoolconnect/internal/notify"
)

const maxUploadBytes = 5 << 20

type sendRequest struct {
	Targets  []string `json:"targets" binding:"required,min=1"`
	Message  string   `json:"message" binding:"required"`
	Type     string   `json:"type" binding:"required"`
	Subject  string   `json:"subject"`
	ImageURL string   `json:"image_url" binding:"omitempty,url"`
}

func (h *handler) sendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	channel, err := notify.ParseChannel(req.Type)
	if err != nil {
		writeError(c, err)
		return
	}
	targets, err := notify.TagTargets(ctx, h.School, req.Targets)
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := h.Dispatcher.Dispatch(ctx, notify.Request{
		Targets:  targets,
		Body:     req.Message,
		Channel:  channel,
		Subject:  req.Subject,
		ImageURL: req.ImageURL,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) messageHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	msgs, err := h.School.ListMessages(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": nonNil(msgs)})
}

// upload accepts a multipart "file" field or a JSON {"data": "<data URL>"}
// body and returns the hosted image URL.
func (h *handler) upload(c *gin.Context) {
	if h.Uploader == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
		return
	}
	ctx := c.Request.Context()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)

	var (
		img *cloudinary.Image
		err error
	)
	if strings.Contains(c.ContentType(), "multipart/form-data") {
		file, header, ferr := c.Request.FormFile("file")
		if ferr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
			return
		}
		defer file.Close()
		data, rerr := io.ReadAll(file)
		if rerr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
			return
		}
		img, err = h.Uploader.UploadFile(ctx, header.Filename, data)
	} else {
		var body struct {
			Data string `json:"data" binding:"required"`
		}
		if berr := c.ShouldBindJSON(&body); berr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": `provide {"data": "<base64 data URL>"}`})
			return
		}
		img, err = h.Uploader.UploadDataURL(ctx, body.Data)
	}
	if err != nil {
		logrus.WithError(err).Warn("image upload failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
		return
	}
	c.JSON(http.StatusOK, img)
}
