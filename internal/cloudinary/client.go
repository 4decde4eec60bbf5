// Package cloudinary hosts the images attached to WhatsApp notices.
package cloudinary

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"schoolconnect/internal/config"
)

const defaultBaseURL = "https://api.cloudinary.com/v1_1"

// Client uploads images through the Cloudinary REST API.
type Client struct {
	cfg     config.Cloudinary
	baseURL string
	http    *http.Client
	now     func() time.Time
}

// New creates a client, or returns nil when cfg is incomplete.
func New(cfg config.Cloudinary) *Client {
	if !cfg.Configured() {
		return nil
	}
	return &Client{
		cfg:     cfg,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
	}
}

// Image is the part of the upload response callers use.
type Image struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	Format    string `json:"format"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Bytes     int    `json:"bytes"`
}

// UploadDataURL uploads a base64 data URL ("data:image/png;base64,...").
func (c *Client) UploadDataURL(ctx context.Context, data string) (*Image, error) {
	if !strings.HasPrefix(data, "data:image/") {
		return nil, errors.New("cloudinary: expected an image data URL")
	}
	return c.upload(ctx, func(w *multipart.Writer) error {
		return w.WriteField("file", data)
	})
}

// UploadFile uploads raw image bytes.
func (c *Client) UploadFile(ctx context.Context, name string, data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, errors.New("cloudinary: empty file")
	}
	return c.upload(ctx, func(w *multipart.Writer) error {
		part, err := w.CreateFormFile("file", name)
		if err != nil {
			return err
		}
		_, err = part.Write(data)
		return err
	})
}

func (c *Client) upload(ctx context.Context, writeFile func(*multipart.Writer) error) (*Image, error) {
	params := map[string]string{
		"timestamp": strconv.FormatInt(c.now().Unix(), 10),
	}
	if c.cfg.Folder != "" {
		params["folder"] = c.cfg.Folder
	}
	params["signature"] = sign(params, c.cfg.APISecret)
	params["api_key"] = c.cfg.APIKey

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range params {
		if err := w.WriteField(k, v); err != nil {
			return nil, errors.Wrap(err, "cloudinary: write form")
		}
	}
	if err := writeFile(w); err != nil {
		return nil, errors.Wrap(err, "cloudinary: write file")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "cloudinary: close form")
	}

	url := c.baseURL + "/" + c.cfg.CloudName + "/image/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, errors.Wrap(err, "cloudinary: create request")
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "cloudinary: request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "cloudinary: read response")
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, errors.Errorf("cloudinary: upload failed (%d): %s", resp.StatusCode, body)
	}
	var img Image
	if err := json.Unmarshal(body, &img); err != nil {
		return nil, errors.Wrap(err, "cloudinary: decode response")
	}
	return &img, nil
}

// sign builds the request signature: sorted key=value pairs joined by '&'
// followed by the secret, hashed with SHA-1.
func sign(params map[string]string, secret string) string {
	pairs := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			pairs = append(pairs, k+"="+v)
		}
	}
	sort.Strings(pairs)
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + secret))
	return hex.EncodeToString(sum[:])
}
